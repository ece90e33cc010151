package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/program"
)

func parseQuery(t *testing.T, src string) *program.InputProgram {
	t.Helper()
	script, err := Parse(src, nil)
	require.NoError(t, err)
	require.NotNil(t, script.Query, "expected a query script")
	return script.Query
}

func TestParseTransitiveClosure(t *testing.T) {
	q := parseQuery(t, `
anc[x, y] := *parent{child: x, parent: y}
anc[x, y] := *parent{child: x, parent: z}, anc[z, y]
?[a]      := anc["e", a]
`)
	require.Len(t, q.Order, 2)
	anc := q.Rules["anc"]
	require.NotNil(t, anc)
	require.Len(t, anc.Rules, 2)

	second := anc.Rules[1]
	require.Len(t, second.Body, 2)
	rel, ok := second.Body[0].(*program.AtomRelation)
	require.True(t, ok)
	assert.Equal(t, "parent", rel.Name.Name)
	require.NotNil(t, rel.Named)
	rule, ok := second.Body[1].(*program.AtomRule)
	require.True(t, ok)
	assert.Equal(t, "anc", rule.Name.Name)
	require.Len(t, rule.Args, 2)

	entry := q.Rules[core.ProgEntry]
	require.NotNil(t, entry)
	arg0, ok := entry.Rules[0].Body[0].(*program.AtomRule).Args[0].(*expr.Const)
	require.True(t, ok)
	assert.Zero(t, core.Compare(core.Str("e"), arg0.Val))
}

func TestParseNegationAndUnderscore(t *testing.T) {
	q := parseQuery(t, `
not_root[x] := *parent{child: x, parent: _}
root[x]     := *parent{parent: x}, not not_root[x]
?[r]        := root[r]
`)
	root := q.Rules["root"]
	require.Len(t, root.Rules[0].Body, 2)
	neg, ok := root.Rules[0].Body[1].(*program.AtomNegation)
	require.True(t, ok)
	inner, ok := neg.Atom.(*program.AtomRule)
	require.True(t, ok)
	assert.Equal(t, "not_root", inner.Name.Name)
}

func TestParseDisjunctionAndUnification(t *testing.T) {
	q := parseQuery(t, `?[x] := x = 1 or x = 2`)
	entry := q.Rules[core.ProgEntry]
	require.Len(t, entry.Rules, 1)
	disj, ok := entry.Rules[0].Body[0].(*program.AtomDisj)
	require.True(t, ok)
	assert.Len(t, disj.Atoms, 2)
}

func TestParseOneManyUnification(t *testing.T) {
	q := parseQuery(t, `?[x] := x in [1, 2, 3]`)
	unif, ok := q.Rules[core.ProgEntry].Rules[0].Body[0].(*program.AtomUnify)
	require.True(t, ok)
	assert.True(t, unif.OneMany)
}

func TestParseValidityAnnotation(t *testing.T) {
	q := parseQuery(t, `?[v] := *hist{k: 1, v} @ 175`)
	rel, ok := q.Rules[core.ProgEntry].Rules[0].Body[0].(*program.AtomRelation)
	require.True(t, ok)
	require.NotNil(t, rel.ValidAt)
}

func TestParseHeadAggregation(t *testing.T) {
	q := parseQuery(t, `
cost[n, min_cost(c)] := edges[n, x, c]
?[n, c] := cost[n, c]
edges[a, b, c] <- [["x", "y", 1]]
`)
	cost := q.Rules["cost"]
	require.Len(t, cost.Rules[0].Head, 2)
	assert.Nil(t, cost.Rules[0].Head[0].Aggr)
	require.NotNil(t, cost.Rules[0].Head[1].Aggr)
	assert.Equal(t, "min_cost", cost.Rules[0].Head[1].Aggr.Aggr.Name)
	assert.True(t, cost.Rules[0].Head[1].Aggr.Aggr.IsMeet)
}

func TestParseUnknownAggregation(t *testing.T) {
	_, err := Parse(`?[x, frobnicate(y)] := r[x, y]`, nil)
	require.ErrorContains(t, err, "unknown aggregation")
}

func TestParseConstRule(t *testing.T) {
	q := parseQuery(t, `?[k, v] <- [[1, 100], [2, 200]]`)
	entry := q.Rules[core.ProgEntry]
	require.NotNil(t, entry.Fixed)
	assert.Equal(t, "Constant", entry.Fixed.Name)
	assert.Equal(t, 2, entry.Fixed.Arity)
}

func TestParseConstRuleArityMismatch(t *testing.T) {
	_, err := Parse(`?[k] <- [[1, 100]]`, nil)
	require.ErrorContains(t, err, "width")
}

func TestParseFixedRuleApplication(t *testing.T) {
	q := parseQuery(t, `
edges[f, t] <- [["a", "b"], ["b", "c"]]
starting[n] <- [["a"]]
?[start, goal, path] <~ BFS(edges[f, t], starting[n], limit: 10)
`)
	entry := q.Rules[core.ProgEntry]
	require.NotNil(t, entry.Fixed)
	assert.Equal(t, "BFS", entry.Fixed.Name)
	require.Len(t, entry.Fixed.RuleArgs, 2)
	assert.True(t, entry.Fixed.RuleArgs[0].InMem)
	_, hasLimit := entry.Fixed.Options["limit"]
	assert.True(t, hasLimit)
	assert.Equal(t, 3, entry.Fixed.Arity)
}

func TestParseOptions(t *testing.T) {
	q := parseQuery(t, `
?[a, b] := r[a, b]
:limit 10
:offset 2
:timeout 5.5
:order -a, b
:assert some
:disable_magic_rewrite true
`)
	opts := q.Options
	require.NotNil(t, opts.Limit)
	assert.Equal(t, 10, *opts.Limit)
	assert.Equal(t, 2, opts.Offset)
	assert.InDelta(t, 5.5, opts.TimeoutSecs, 1e-9)
	require.Len(t, opts.Sorters, 2)
	assert.Equal(t, program.SortDesc, opts.Sorters[0].Dir)
	assert.Equal(t, "a", opts.Sorters[0].Var.Name)
	assert.Equal(t, program.AssertSome, opts.Assert)
	assert.True(t, opts.DisableMagicRewrite)
}

func TestParseOptionValidation(t *testing.T) {
	_, err := Parse("?[x] := x = 1\n:limit -1", nil)
	require.ErrorContains(t, err, "non-negative")

	_, err = Parse("?[x] := x = 1\n:assert none\n:assert some", nil)
	require.ErrorContains(t, err, "duplicate :assert")

	_, err = Parse("?[x] := x = 1\n:limit x", nil)
	require.ErrorContains(t, err, "constant")
}

func TestParseStoreTargetWithSchema(t *testing.T) {
	q := parseQuery(t, `
?[child, parent] <- [["b", "a"]]
:create parent {child: String => parent: String}
`)
	store := q.Options.Store
	require.NotNil(t, store)
	assert.Equal(t, program.OpCreate, store.Op)
	assert.Equal(t, "parent", store.Name)
	require.True(t, store.HasSpec)
	require.Len(t, store.Keys, 1)
	require.Len(t, store.Values, 1)
	assert.Equal(t, "child", store.Keys[0].Name)
	assert.Equal(t, "String", store.Keys[0].Spec.Name)
}

func TestParseSchemaDefaultsAndNullable(t *testing.T) {
	q := parseQuery(t, `
?[k] <- [[1]]
:create t {k: Int => v: Int? default 42, vld: Validity default "ASSERT"}
`)
	store := q.Options.Store
	require.Len(t, store.Values, 2)
	assert.True(t, store.Values[0].Spec.Nullable)
	require.NotNil(t, store.Values[0].Default)
	c, ok := store.Values[0].Default.(*expr.Const)
	require.True(t, ok)
	assert.Zero(t, core.Compare(core.Int(42), c.Val))
}

func TestParseParamSubstitution(t *testing.T) {
	script, err := Parse(`?[a] := anc[$start, a]`, map[string]core.Value{"start": core.Str("e")})
	require.NoError(t, err)
	arg := script.Query.Rules[core.ProgEntry].Rules[0].Body[0].(*program.AtomRule).Args[0]
	c, ok := arg.(*expr.Const)
	require.True(t, ok)
	assert.Zero(t, core.Compare(core.Str("e"), c.Val))
}

func TestParseMissingParam(t *testing.T) {
	_, err := Parse(`?[a] := anc[$start, a]`, nil)
	require.ErrorContains(t, err, "not supplied")
}

func TestParseExpressionPrecedence(t *testing.T) {
	script, err := Parse(`?[x] := x = 1 + 2 * 3`, nil)
	require.NoError(t, err)
	unif := script.Query.Rules[core.ProgEntry].Rules[0].Body[0].(*program.AtomUnify)
	folded, err := expr.PartialEval(unif.E)
	require.NoError(t, err)
	c, ok := folded.(*expr.Const)
	require.True(t, ok)
	assert.Zero(t, core.Compare(core.Int(7), c.Val))
}

func TestParseSysOps(t *testing.T) {
	cases := []struct {
		src  string
		kind SysOpKind
	}{
		{"::compact", SysCompact},
		{"::relations", SysListRelations},
		{"::list_relations", SysListRelations},
		{"::columns parent", SysColumns},
		{"::running", SysRunning},
		{"::remove a, b", SysRemove},
		{"::rename old -> new", SysRename},
		{"::kill 'some-uuid'", SysKill},
		{"::access_level read_only a", SysAccessLevel},
		{"::index create edges:rev {to}", SysIndexCreate},
		{"::index drop edges:rev", SysIndexDrop},
		{"::show_triggers parent", SysShowTriggers},
	}
	for _, tc := range cases {
		script, err := Parse(tc.src, nil)
		require.NoError(t, err, tc.src)
		require.NotNil(t, script.SysOp, tc.src)
		assert.Equal(t, tc.kind, script.SysOp.Kind, tc.src)
	}
}

func TestParseSetTriggers(t *testing.T) {
	script, err := Parse(`::set_triggers rel on put { ?[a] := _new[a] :put mirror {a} }`, nil)
	require.NoError(t, err)
	op := script.SysOp
	require.Equal(t, SysSetTriggers, op.Kind)
	require.Len(t, op.TriggerPut, 1)
	assert.Contains(t, op.TriggerPut[0], "_new[a]")
}

func TestParseExplain(t *testing.T) {
	script, err := Parse(`::explain { ?[a] := r[a] }`, nil)
	require.NoError(t, err)
	require.Equal(t, SysExplain, script.SysOp.Kind)
	inner, err := Parse(script.SysOp.Script, nil)
	require.NoError(t, err)
	require.NotNil(t, inner.Query)
}

func TestParseCondIfTry(t *testing.T) {
	script, err := Parse(`?[x] := y = 2, x = cond(y == 1, "one", y == 2, "two", "many")`, nil)
	require.NoError(t, err)
	require.NotNil(t, script.Query)

	script, err = Parse(`?[x] := x = if(1 == 1, "yes", "no")`, nil)
	require.NoError(t, err)
	unif := script.Query.Rules[core.ProgEntry].Rules[0].Body[0].(*program.AtomUnify)
	folded, err := expr.PartialEval(unif.E)
	require.NoError(t, err)
	c, ok := folded.(*expr.Const)
	require.True(t, ok)
	assert.Zero(t, core.Compare(core.Str("yes"), c.Val))
}

func TestParseTriggerMirrorScriptStoreOp(t *testing.T) {
	q := parseQuery(t, `
?[a] := _new[a]
:put mirror {a}
`)
	require.NotNil(t, q.Options.Store)
	assert.Equal(t, program.OpPut, q.Options.Store.Op)
	assert.True(t, q.Options.Store.HasSpec)
}
