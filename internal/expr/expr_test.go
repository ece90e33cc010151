package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/core"
)

func apply(t *testing.T, name string, args ...Expr) *Apply {
	t.Helper()
	ap, err := NewApply(name, args, core.Span{})
	require.NoError(t, err)
	return ap
}

func cv(v core.Value) *Const { return NewConst(v) }

func TestArithmetic(t *testing.T) {
	cases := []struct {
		name string
		e    Expr
		want core.Value
	}{
		{"int add", apply(t, "add", cv(core.Int(1)), cv(core.Int(2)), cv(core.Int(3))), core.Int(6)},
		{"mixed add", apply(t, "add", cv(core.Int(1)), cv(core.Float(0.5))), core.Float(1.5)},
		{"sub", apply(t, "sub", cv(core.Int(5)), cv(core.Int(7))), core.Int(-2)},
		{"div is float", apply(t, "div", cv(core.Int(1)), cv(core.Int(2))), core.Float(0.5)},
		{"mod", apply(t, "mod", cv(core.Int(7)), cv(core.Int(3))), core.Int(1)},
		{"minus", apply(t, "minus", cv(core.Int(3))), core.Int(-3)},
		{"concat strings", apply(t, "concat", cv(core.Str("ab")), cv(core.Str("cd"))), core.Str("abcd")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Eval(tc.e, nil)
			require.NoError(t, err)
			assert.Zero(t, core.Compare(tc.want, got), "want %s got %s", core.String(tc.want), core.String(got))
		})
	}
}

func TestNumericEqualityCrossesIntFloat(t *testing.T) {
	got, err := Eval(apply(t, "eq", cv(core.Int(1)), cv(core.Float(1))), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Bool(true), got)
}

func TestIntegerOverflowWraps(t *testing.T) {
	got, err := Eval(apply(t, "add", cv(core.Int(1<<62)), cv(core.Int(1<<62))), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Int(-(1 << 63)), got)
}

func TestBindingEvaluation(t *testing.T) {
	b := NewBinding(core.Sym("x", core.Span{}))
	_, err := Eval(b, core.Tuple{core.Int(9)})
	require.Error(t, err, "unresolved binding must fail")

	require.NoError(t, FillBindingIndices(b, map[string]int{"x": 0}))
	got, err := Eval(b, core.Tuple{core.Int(9)})
	require.NoError(t, err)
	assert.Equal(t, core.Int(9), got)
}

func TestFillBindingIndicesUnknownVar(t *testing.T) {
	b := NewBinding(core.Sym("missing", core.Span{}))
	err := FillBindingIndices(b, map[string]int{"x": 0})
	require.Error(t, err)
}

func TestCond(t *testing.T) {
	c := &Cond{Clauses: []CondClause{
		{Cond: cv(core.Bool(false)), Val: cv(core.Int(1))},
		{Cond: cv(core.Bool(true)), Val: cv(core.Int(2))},
	}}
	got, err := Eval(c, nil)
	require.NoError(t, err)
	assert.Equal(t, core.Int(2), got)

	empty := &Cond{Clauses: []CondClause{{Cond: cv(core.Bool(false)), Val: cv(core.Int(1))}}}
	got, err = Eval(empty, nil)
	require.NoError(t, err)
	assert.Equal(t, core.Null{}, got)
}

func TestTryReturnsFirstSuccess(t *testing.T) {
	tr := &Try{Args: []Expr{
		apply(t, "get", cv(core.List{}), cv(core.Int(0))),
		cv(core.Str("fallback")),
	}}
	got, err := Eval(tr, nil)
	require.NoError(t, err)
	assert.Equal(t, core.Str("fallback"), got)
}

func TestPartialEvalFoldsConstants(t *testing.T) {
	e := apply(t, "add", cv(core.Int(1)), apply(t, "mul", cv(core.Int(2)), cv(core.Int(3))))
	folded, err := PartialEval(e)
	require.NoError(t, err)
	c, ok := folded.(*Const)
	require.True(t, ok)
	assert.Equal(t, core.Int(7), c.Val)
}

func TestPartialEvalKeepsBindings(t *testing.T) {
	e := apply(t, "add", NewBinding(core.Sym("x", core.Span{})), cv(core.Int(1)))
	folded, err := PartialEval(e)
	require.NoError(t, err)
	_, ok := folded.(*Apply)
	assert.True(t, ok)
}

func TestPartialEvalIdempotent(t *testing.T) {
	e := apply(t, "add",
		NewBinding(core.Sym("x", core.Span{})),
		apply(t, "mul", cv(core.Int(2)), cv(core.Int(21))))
	once, err := PartialEval(e)
	require.NoError(t, err)
	twice, err := PartialEval(once)
	require.NoError(t, err)
	assert.Equal(t, String(once), String(twice))
}

func TestDoubleNegationCollapses(t *testing.T) {
	x := NewBinding(core.Sym("x", core.Span{}))
	e := apply(t, "negate", apply(t, "negate", x))
	folded, err := PartialEval(e)
	require.NoError(t, err)
	b, ok := folded.(*Binding)
	require.True(t, ok)
	assert.Equal(t, "x", b.Var.Name)
}

func TestNonDeterministicOpsDoNotFold(t *testing.T) {
	e := apply(t, "rand_float")
	folded, err := PartialEval(e)
	require.NoError(t, err)
	_, ok := folded.(*Apply)
	assert.True(t, ok)
}

func TestExtractBound(t *testing.T) {
	x := core.Sym("x", core.Span{})
	bx := func() *Binding { return NewBinding(x) }

	t.Run("lower bound", func(t *testing.T) {
		r := ExtractBound(apply(t, "ge", bx(), cv(core.Int(3))), x)
		assert.Zero(t, core.Compare(r.Lower, core.Int(3)))
		assert.Equal(t, core.KindBot, r.Upper.Kind())
	})
	t.Run("flipped comparison", func(t *testing.T) {
		r := ExtractBound(apply(t, "ge", cv(core.Int(3)), bx()), x)
		assert.Zero(t, core.Compare(r.Upper, core.Int(3)))
	})
	t.Run("equality pins both ends", func(t *testing.T) {
		r := ExtractBound(apply(t, "eq", bx(), cv(core.Str("k"))), x)
		assert.Zero(t, core.Compare(r.Lower, core.Str("k")))
		assert.Zero(t, core.Compare(r.Upper, core.Str("k")))
	})
	t.Run("starts_with gives prefix range", func(t *testing.T) {
		r := ExtractBound(apply(t, "starts_with", bx(), cv(core.Str("ab"))), x)
		assert.Zero(t, core.Compare(r.Lower, core.Str("ab")))
		assert.Positive(t, core.Compare(r.Upper, core.Str("ab\x7f")))
	})
	t.Run("intersection", func(t *testing.T) {
		r := ExtractBoundAll([]Expr{
			apply(t, "ge", bx(), cv(core.Int(1))),
			apply(t, "le", bx(), cv(core.Int(10))),
		}, x)
		assert.Zero(t, core.Compare(r.Lower, core.Int(1)))
		assert.Zero(t, core.Compare(r.Upper, core.Int(10)))
	})
	t.Run("empty intersection is the sentinel", func(t *testing.T) {
		r := ExtractBoundAll([]Expr{
			apply(t, "ge", bx(), cv(core.Int(10))),
			apply(t, "le", bx(), cv(core.Int(1))),
		}, x)
		assert.True(t, r.IsEmpty())
	})
	t.Run("other variable is unconstrained", func(t *testing.T) {
		r := ExtractBound(apply(t, "ge", NewBinding(core.Sym("y", core.Span{})), cv(core.Int(3))), x)
		assert.True(t, r.IsFull())
	})
}
