package algebra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/program"
	"strata/internal/store"
)

func sym(name string) core.Symbol { return core.Sym(name, core.Span{}) }

func syms(names ...string) []core.Symbol {
	out := make([]core.Symbol, len(names))
	for i, n := range names {
		out[i] = sym(n)
	}
	return out
}

func derivedStore(tuples ...core.Tuple) *store.MemStore {
	arity := 0
	if len(tuples) > 0 {
		arity = len(tuples[0])
	}
	ms := store.NewMemStore(arity)
	for _, t := range tuples {
		ms.Put(t, 1)
	}
	ms.Finalize()
	return ms
}

func testCtx(stores map[program.MagicSym]*store.MemStore) *Ctx {
	return &Ctx{
		Stores:   stores,
		Epoch:    1,
		UseDelta: map[program.MagicSym]bool{},
		Poison:   core.NewPoison(),
	}
}

func collect(t *testing.T, n Node, ctx *Ctx) []core.Tuple {
	t.Helper()
	var out []core.Tuple
	require.NoError(t, n.Iter(ctx, func(tu core.Tuple) error {
		out = append(out, tu)
		return nil
	}))
	return out
}

func TestUnitYieldsOneEmptyTuple(t *testing.T) {
	got := collect(t, &Unit{}, testCtx(nil))
	require.Len(t, got, 1)
	assert.Empty(t, got[0])
}

func TestDerivedScanAndPrefixJoin(t *testing.T) {
	edges := program.Muggle("edges")
	stores := map[program.MagicSym]*store.MemStore{
		edges: derivedStore(
			core.Tuple{core.Str("a"), core.Str("b")},
			core.Tuple{core.Str("b"), core.Str("c")},
			core.Tuple{core.Str("b"), core.Str("d")},
		),
	}
	ctx := testCtx(stores)

	left := NewDerivedScan(edges, syms("x", "y"))
	// join edges(x, y) with edges(y', z) on y = y' — right joiner is the
	// right side's first column, so the join streams a prefix scan
	right := NewDerivedScan(edges, syms("yy", "z"))
	join, err := NewJoin(left, right, syms("y"), syms("yy"))
	require.NoError(t, err)

	got := collect(t, join, ctx)
	require.Len(t, got, 2, "a->b joins to b->c and b->d")
	for _, row := range got {
		assert.Equal(t, core.Str("a"), row[0])
		assert.Equal(t, core.Str("b"), row[1])
		assert.Equal(t, core.Str("b"), row[2])
	}
}

func TestJoinMaterializesOnNonPrefixJoiner(t *testing.T) {
	left := program.Muggle("l")
	right := program.Muggle("r")
	stores := map[program.MagicSym]*store.MemStore{
		left: derivedStore(core.Tuple{core.Int(1)}, core.Tuple{core.Int(2)}),
		right: derivedStore(
			core.Tuple{core.Str("p"), core.Int(1)},
			core.Tuple{core.Str("q"), core.Int(2)},
			core.Tuple{core.Str("r"), core.Int(3)},
		),
	}
	ctx := testCtx(stores)

	l := NewDerivedScan(left, syms("n"))
	// join on the right side's SECOND column: forces materialization
	r := NewDerivedScan(right, syms("tag", "m"))
	join, err := NewJoin(l, r, syms("n"), syms("m"))
	require.NoError(t, err)

	got := collect(t, join, ctx)
	require.Len(t, got, 2)
	tags := map[string]bool{}
	for _, row := range got {
		tags[string(row[1].(core.Str))] = true
	}
	assert.Equal(t, map[string]bool{"p": true, "q": true}, tags)
}

func TestCartesianJoin(t *testing.T) {
	a := program.Muggle("a")
	b := program.Muggle("b")
	stores := map[program.MagicSym]*store.MemStore{
		a: derivedStore(core.Tuple{core.Int(1)}, core.Tuple{core.Int(2)}),
		b: derivedStore(core.Tuple{core.Str("x")}, core.Tuple{core.Str("y")}),
	}
	ctx := testCtx(stores)
	join, err := NewJoin(NewDerivedScan(a, syms("n")), NewDerivedScan(b, syms("s")), nil, nil)
	require.NoError(t, err)
	got := collect(t, join, ctx)
	assert.Len(t, got, 4)
}

func TestNegJoinFiltersMatches(t *testing.T) {
	all := program.Muggle("all")
	bad := program.Muggle("bad")
	stores := map[program.MagicSym]*store.MemStore{
		all: derivedStore(core.Tuple{core.Int(1)}, core.Tuple{core.Int(2)}, core.Tuple{core.Int(3)}),
		bad: derivedStore(core.Tuple{core.Int(2)}),
	}
	ctx := testCtx(stores)
	neg, err := NewNegJoin(NewDerivedScan(all, syms("n")), NewDerivedScan(bad, syms("nn")), syms("n"), syms("nn"), core.Span{})
	require.NoError(t, err)
	got := collect(t, neg, ctx)
	require.Len(t, got, 2)
}

func TestNegJoinRequiresBoundVariable(t *testing.T) {
	all := program.Muggle("all")
	_, err := NewNegJoin(NewDerivedScan(all, syms("n")), NewDerivedScan(all, syms("m")), nil, nil, core.Span{})
	require.ErrorContains(t, err, "unsafe negation")
}

func TestFilterAndUnify(t *testing.T) {
	nums := program.Muggle("nums")
	stores := map[program.MagicSym]*store.MemStore{
		nums: derivedStore(core.Tuple{core.Int(1)}, core.Tuple{core.Int(5)}, core.Tuple{core.Int(9)}),
	}
	ctx := testCtx(stores)

	scan := NewDerivedScan(nums, syms("n"))
	pred := &expr.Apply{Op: expr.OpGt, Args: []expr.Expr{expr.NewBinding(sym("n")), expr.NewConst(core.Int(3))}}
	filtered, err := NewFilter(scan, pred)
	require.NoError(t, err)

	double := &expr.Apply{Op: expr.OpMul, Args: []expr.Expr{expr.NewBinding(sym("n")), expr.NewConst(core.Int(2))}}
	unified, err := NewUnify(filtered, sym("d"), double, false)
	require.NoError(t, err)

	got := collect(t, unified, ctx)
	require.Len(t, got, 2)
	for _, row := range got {
		n, _ := core.IntVal(row[0])
		d, _ := core.IntVal(row[1])
		assert.Equal(t, n*2, d)
	}
}

func TestUnifyOneManyFansOut(t *testing.T) {
	one := program.Muggle("one")
	stores := map[program.MagicSym]*store.MemStore{
		one: derivedStore(core.Tuple{core.Int(0)}),
	}
	ctx := testCtx(stores)
	listExpr := expr.NewConst(core.List{core.Int(1), core.Int(2), core.Int(3)})
	unified, err := NewUnify(NewDerivedScan(one, syms("z")), sym("x"), listExpr, true)
	require.NoError(t, err)
	got := collect(t, unified, ctx)
	assert.Len(t, got, 3)
}

func TestReorderRejectsUnboundHead(t *testing.T) {
	one := program.Muggle("one")
	_, err := NewReorder(NewDerivedScan(one, syms("a")), syms("a", "missing"))
	require.ErrorContains(t, err, "unbound")
}

func TestReorderProjectsAndReorders(t *testing.T) {
	rel := program.Muggle("rel")
	stores := map[program.MagicSym]*store.MemStore{
		rel: derivedStore(core.Tuple{core.Int(1), core.Str("x"), core.Bool(true)}),
	}
	ctx := testCtx(stores)
	re, err := NewReorder(NewDerivedScan(rel, syms("a", "b", "c")), syms("c", "a"))
	require.NoError(t, err)
	got := collect(t, re, ctx)
	require.Len(t, got, 1)
	require.Len(t, got[0], 2)
	assert.Equal(t, core.Bool(true), got[0][0])
	assert.Equal(t, core.Int(1), got[0][1])
}

func TestPoisonStopsIteration(t *testing.T) {
	rel := program.Muggle("rel")
	stores := map[program.MagicSym]*store.MemStore{
		rel: derivedStore(core.Tuple{core.Int(1)}, core.Tuple{core.Int(2)}),
	}
	ctx := testCtx(stores)
	ctx.Poison.Kill()
	err := NewDerivedScan(rel, syms("n")).Iter(ctx, func(core.Tuple) error { return nil })
	require.ErrorIs(t, err, core.ErrKilled)
}

func TestDeltaVisibility(t *testing.T) {
	rel := program.Muggle("rel")
	ms := store.NewMemStore(1)
	ms.Put(core.Tuple{core.Int(1)}, 1)
	ms.Put(core.Tuple{core.Int(2)}, 2)
	stores := map[program.MagicSym]*store.MemStore{rel: ms}

	scan := NewDerivedScan(rel, syms("n"))

	ctx := testCtx(stores)
	ctx.Epoch = 3
	ctx.UseDelta[rel] = true
	got := collect(t, scan, ctx)
	require.Len(t, got, 1, "delta at epoch 3 sees only epoch-2 rows")
	assert.Equal(t, core.Int(2), got[0][0])

	ctx.UseDelta = map[program.MagicSym]bool{}
	got = collect(t, scan, ctx)
	assert.Len(t, got, 2, "union scan sees every earlier epoch")
}
