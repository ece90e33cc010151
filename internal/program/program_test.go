package program

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/aggr"
	"strata/internal/core"
	"strata/internal/expr"
)

type fakeResolver map[string][]string

func (f fakeResolver) RelationColumns(name string) ([]string, error) {
	cols, ok := f[name]
	if !ok {
		return nil, &missingRel{name}
	}
	return cols, nil
}

func (f fakeResolver) RelationSupportsValidity(name string) (bool, error) {
	cols, ok := f[name]
	if !ok {
		return false, &missingRel{name}
	}
	return len(cols) > 0 && cols[len(cols)-1] == "vld", nil
}

type missingRel struct{ name string }

func (m *missingRel) Error() string { return "cannot find requested stored relation '" + m.name + "'" }

func sym(name string) core.Symbol { return core.Sym(name, core.Span{}) }

func plainHead(vars ...string) []HeadEntry {
	out := make([]HeadEntry, len(vars))
	for i, v := range vars {
		out[i] = HeadEntry{Var: sym(v)}
	}
	return out
}

func bindingExpr(name string) expr.Expr { return expr.NewBinding(sym(name)) }

// ancestorProgram builds the transitive-closure program over *parent.
func ancestorProgram(t *testing.T, seed string) *InputProgram {
	t.Helper()
	p := NewInputProgram()
	require.NoError(t, p.AddRule("anc", &InputRule{
		Head: plainHead("x", "y"),
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Named: map[string]expr.Expr{
				"child": bindingExpr("x"), "parent": bindingExpr("y"),
			}},
		},
	}))
	require.NoError(t, p.AddRule("anc", &InputRule{
		Head: plainHead("x", "y"),
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Named: map[string]expr.Expr{
				"child": bindingExpr("x"), "parent": bindingExpr("z"),
			}},
			&AtomRule{Name: sym("anc"), Args: []expr.Expr{bindingExpr("z"), bindingExpr("y")}},
		},
	}))
	require.NoError(t, p.AddRule(core.ProgEntry, &InputRule{
		Head: plainHead("a"),
		Body: []InputAtom{
			&AtomRule{Name: sym("anc"), Args: []expr.Expr{expr.NewConst(core.Str(seed)), bindingExpr("a")}},
		},
	}))
	return p
}

var parentOnly = fakeResolver{"parent": {"child", "parent"}}

func TestNormalizeConstantArgBecomesUnification(t *testing.T) {
	p := ancestorProgram(t, "e")
	np, err := Normalize(p, parentOnly, core.Validity{})
	require.NoError(t, err)

	entry := np.Rules[core.ProgEntry]
	require.NotNil(t, entry)
	require.Len(t, entry.Rules, 1)
	body := entry.Rules[0].Body
	require.Len(t, body, 2)
	unif, ok := body[0].(*NUnify)
	require.True(t, ok, "constant argument lowers to a unification before the atom")
	c, ok := unif.E.(*expr.Const)
	require.True(t, ok)
	assert.Zero(t, core.Compare(core.Str("e"), c.Val))
	ruleApp, ok := body[1].(*NRule)
	require.True(t, ok)
	assert.Equal(t, unif.Var.Name, ruleApp.Args[0].Name)
}

func TestNormalizeNamedFieldsResolvePositionally(t *testing.T) {
	p := ancestorProgram(t, "e")
	np, err := Normalize(p, parentOnly, core.Validity{})
	require.NoError(t, err)
	anc := np.Rules["anc"]
	require.Len(t, anc.Rules, 2)
	rel, ok := anc.Rules[0].Body[0].(*NRelation)
	require.True(t, ok)
	assert.Equal(t, "parent", rel.Name)
	assert.Equal(t, []string{"x", "y"}, []string{rel.Args[0].Name, rel.Args[1].Name})
}

func TestNormalizeUnknownNamedField(t *testing.T) {
	p := NewInputProgram()
	require.NoError(t, p.AddRule(core.ProgEntry, &InputRule{
		Head: plainHead("x"),
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Named: map[string]expr.Expr{"nope": bindingExpr("x")}},
		},
	}))
	_, err := Normalize(p, parentOnly, core.Validity{})
	require.ErrorContains(t, err, "field 'nope' not found")
}

func TestNormalizeUnderscoreBecomesIgnored(t *testing.T) {
	p := NewInputProgram()
	require.NoError(t, p.AddRule(core.ProgEntry, &InputRule{
		Head: plainHead("x"),
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Args: []expr.Expr{bindingExpr("x"), bindingExpr("_")}},
		},
	}))
	np, err := Normalize(p, parentOnly, core.Validity{})
	require.NoError(t, err)
	rel := np.Rules[core.ProgEntry].Rules[0].Body[0].(*NRelation)
	assert.True(t, rel.Args[1].IsIgnored())
}

func TestNormalizeDisjunctionSplitsRules(t *testing.T) {
	p := NewInputProgram()
	require.NoError(t, p.AddRule(core.ProgEntry, &InputRule{
		Head: plainHead("x"),
		Body: []InputAtom{
			&AtomDisj{Atoms: []InputAtom{
				&AtomUnify{Var: sym("x"), E: expr.NewConst(core.Int(1))},
				&AtomUnify{Var: sym("x"), E: expr.NewConst(core.Int(2))},
			}},
		},
	}))
	np, err := Normalize(p, parentOnly, core.Validity{})
	require.NoError(t, err)
	assert.Len(t, np.Rules[core.ProgEntry].Rules, 2)
}

func TestNormalizeNegatedConjunctionDeMorgan(t *testing.T) {
	p := NewInputProgram()
	require.NoError(t, p.AddRule(core.ProgEntry, &InputRule{
		Head: plainHead("x"),
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Args: []expr.Expr{bindingExpr("x"), bindingExpr("_")}},
			&AtomNegation{Atom: &AtomConj{Atoms: []InputAtom{
				&AtomRule{Name: sym("a"), Args: []expr.Expr{bindingExpr("x")}},
				&AtomRule{Name: sym("b"), Args: []expr.Expr{bindingExpr("x")}},
			}}},
		},
	}))
	np, err := Normalize(p, parentOnly, core.Validity{})
	require.NoError(t, err)
	// not (a and b) becomes (not a) or (not b): two rules
	require.Len(t, np.Rules[core.ProgEntry].Rules, 2)
	for _, r := range np.Rules[core.ProgEntry].Rules {
		_, isNeg := r.Body[len(r.Body)-1].(*NNegRule)
		assert.True(t, isNeg)
	}
}

func TestNormalizeArityConsistency(t *testing.T) {
	p := NewInputProgram()
	require.NoError(t, p.AddRule("r", &InputRule{
		Head: plainHead("x"),
		Body: []InputAtom{&AtomUnify{Var: sym("x"), E: expr.NewConst(core.Int(1))}},
	}))
	require.NoError(t, p.AddRule("r", &InputRule{
		Head: plainHead("x", "y"),
		Body: []InputAtom{
			&AtomUnify{Var: sym("x"), E: expr.NewConst(core.Int(1))},
			&AtomUnify{Var: sym("y"), E: expr.NewConst(core.Int(2))},
		},
	}))
	_, err := Normalize(p, parentOnly, core.Validity{})
	require.ErrorContains(t, err, "unique arity")
}

func stratified(t *testing.T, p *InputProgram) *StratifiedProgram {
	t.Helper()
	np, err := Normalize(p, parentOnly, core.Validity{})
	require.NoError(t, err)
	sp, err := Stratify(np, p.Options)
	require.NoError(t, err)
	return sp
}

func TestStratifyNegationSplitsStrata(t *testing.T) {
	p := NewInputProgram()
	require.NoError(t, p.AddRule("not_root", &InputRule{
		Head: plainHead("x"),
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Args: []expr.Expr{bindingExpr("x"), bindingExpr("_")}},
		},
	}))
	require.NoError(t, p.AddRule("root", &InputRule{
		Head: plainHead("x"),
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Args: []expr.Expr{bindingExpr("_"), bindingExpr("x")}},
			&AtomNegation{Atom: &AtomRule{Name: sym("not_root"), Args: []expr.Expr{bindingExpr("x")}}},
		},
	}))
	require.NoError(t, p.AddRule(core.ProgEntry, &InputRule{
		Head: plainHead("r"),
		Body: []InputAtom{&AtomRule{Name: sym("root"), Args: []expr.Expr{bindingExpr("r")}}},
	}))

	sp := stratified(t, p)
	require.GreaterOrEqual(t, len(sp.Strata), 2)
	// entry leads; not_root must be in a strictly later (dependency) stratum
	// than root
	strataOf := map[string]int{}
	for i, s := range sp.Strata {
		for name := range s.Rules {
			strataOf[name] = i
		}
	}
	assert.Equal(t, 0, strataOf[core.ProgEntry])
	assert.Greater(t, strataOf["not_root"], strataOf["root"])
}

func TestStratifyRecursionThroughNegationFails(t *testing.T) {
	p := NewInputProgram()
	require.NoError(t, p.AddRule("win", &InputRule{
		Head: plainHead("x"),
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Args: []expr.Expr{bindingExpr("x"), bindingExpr("y")}},
			&AtomNegation{Atom: &AtomRule{Name: sym("win"), Args: []expr.Expr{bindingExpr("y")}}},
		},
	}))
	require.NoError(t, p.AddRule(core.ProgEntry, &InputRule{
		Head: plainHead("x"),
		Body: []InputAtom{&AtomRule{Name: sym("win"), Args: []expr.Expr{bindingExpr("x")}}},
	}))
	np, err := Normalize(p, parentOnly, core.Validity{})
	require.NoError(t, err)
	_, err = Stratify(np, QueryOptions{})
	require.ErrorContains(t, err, "unstratifiable")
}

func TestStratifyRecursionThroughMeetAggrAllowed(t *testing.T) {
	minApp := func() *aggr.Application {
		a, ok := aggr.Lookup("min")
		require.True(t, ok)
		return &aggr.Application{Aggr: a}
	}
	p := NewInputProgram()
	require.NoError(t, p.AddRule("sp", &InputRule{
		Head: []HeadEntry{{Var: sym("n")}, {Var: sym("c"), Aggr: minApp()}},
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Args: []expr.Expr{bindingExpr("n"), bindingExpr("m")}},
			&AtomRule{Name: sym("sp"), Args: []expr.Expr{bindingExpr("m"), bindingExpr("c")}},
		},
	}))
	require.NoError(t, p.AddRule(core.ProgEntry, &InputRule{
		Head: plainHead("n", "c"),
		Body: []InputAtom{&AtomRule{Name: sym("sp"), Args: []expr.Expr{bindingExpr("n"), bindingExpr("c")}}},
	}))
	np, err := Normalize(p, parentOnly, core.Validity{})
	require.NoError(t, err)
	_, err = Stratify(np, QueryOptions{})
	require.NoError(t, err)
}

func TestMagicRewriteCreatesAdornedVariants(t *testing.T) {
	sp := stratified(t, ancestorProgram(t, "e"))
	mp, err := MagicRewrite(sp)
	require.NoError(t, err)

	var kinds = map[MagicKind]int{}
	var sawBoundFree bool
	for _, stratum := range mp.Strata {
		_ = stratum.Each(func(s MagicSym, _ *MagicRuleSet) error {
			kinds[s.Kind]++
			if s.Name == "anc" && s.Adornment == "bf" {
				sawBoundFree = true
			}
			return nil
		})
	}
	assert.True(t, sawBoundFree, "anc['e', a] must adorn anc as bound-free")
	assert.Positive(t, kinds[KindInput], "input sets drive the magic rules")
	assert.Positive(t, kinds[KindSup], "supplementary relations are cut")
	assert.Positive(t, kinds[KindMuggle], "the entry stays a muggle")
}

func TestMagicRewriteDisabledKeepsMuggles(t *testing.T) {
	p := ancestorProgram(t, "e")
	p.Options.DisableMagicRewrite = true
	sp := stratified(t, p)
	mp, err := MagicRewrite(sp)
	require.NoError(t, err)
	for _, stratum := range mp.Strata {
		_ = stratum.Each(func(s MagicSym, _ *MagicRuleSet) error {
			assert.Equal(t, KindMuggle, s.Kind, "no magic variants when rewriting is off")
			return nil
		})
	}
}

func TestMagicRewriteExemptsAggregatingRules(t *testing.T) {
	countApp := func() *aggr.Application {
		a, ok := aggr.Lookup("count")
		require.True(t, ok)
		return &aggr.Application{Aggr: a}
	}
	p := NewInputProgram()
	require.NoError(t, p.AddRule("cnt", &InputRule{
		Head: []HeadEntry{{Var: sym("x")}, {Var: sym("c"), Aggr: countApp()}},
		Body: []InputAtom{
			&AtomRelation{Name: sym("parent"), Args: []expr.Expr{bindingExpr("x"), bindingExpr("c")}},
		},
	}))
	require.NoError(t, p.AddRule(core.ProgEntry, &InputRule{
		Head: plainHead("c"),
		Body: []InputAtom{&AtomRule{Name: sym("cnt"), Args: []expr.Expr{expr.NewConst(core.Str("e")), bindingExpr("c")}}},
	}))
	sp := stratified(t, p)
	mp, err := MagicRewrite(sp)
	require.NoError(t, err)
	for _, stratum := range mp.Strata {
		_ = stratum.Each(func(s MagicSym, _ *MagicRuleSet) error {
			if s.Name == "cnt" {
				assert.Equal(t, KindMuggle, s.Kind)
			}
			return nil
		})
	}
}
