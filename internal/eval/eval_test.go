package eval

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/algebra"
	"strata/internal/core"
	"strata/internal/parser"
	"strata/internal/program"
	"strata/internal/store"
)

// pipeline lowers a script (using only constant rules, no stored relations)
// and evaluates it against an empty in-memory engine.
func pipeline(t *testing.T, src string) (NamedRows, error) {
	t.Helper()
	eng, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	tx, err := eng.NewTx(false)
	require.NoError(t, err)
	t.Cleanup(tx.Discard)

	script, err := parser.Parse(src, nil)
	require.NoError(t, err)
	require.NotNil(t, script.Query)
	prog := script.Query

	headers, err := prog.EntryHeadVars()
	require.NoError(t, err)
	np, err := program.Normalize(prog, nilResolver{}, core.Validity{})
	if err != nil {
		return NamedRows{}, err
	}
	sp, err := program.Stratify(np, prog.Options)
	if err != nil {
		return NamedRows{}, err
	}
	mp, err := program.MagicRewrite(sp)
	if err != nil {
		return NamedRows{}, err
	}
	compiled, err := algebra.Compile(tx, mp)
	if err != nil {
		return NamedRows{}, err
	}
	entry, _, err := Evaluate(tx, compiled, core.NewPoison())
	if err != nil {
		return NamedRows{}, err
	}
	return ShapeResult(entry, headers, prog.Options)
}

type nilResolver struct{}

func (nilResolver) RelationColumns(name string) ([]string, error) {
	return nil, &store.ErrRelationNotFound{Name: name}
}

func (nilResolver) RelationSupportsValidity(name string) (bool, error) {
	return false, &store.ErrRelationNotFound{Name: name}
}

const closureSrc = `
edge[f, t] <- [["a", "b"], ["b", "c"], ["c", "d"]]
path[x, y] := edge[x, y]
path[x, y] := edge[x, z], path[z, y]
?[x, y] := path[x, y]
`

func pairSet(rows NamedRows) map[[2]string]bool {
	out := map[[2]string]bool{}
	for _, r := range rows.Rows {
		out[[2]string{string(r[0].(core.Str)), string(r[1].(core.Str))}] = true
	}
	return out
}

func TestFixpointTransitiveClosure(t *testing.T) {
	rows, err := pipeline(t, closureSrc)
	require.NoError(t, err)
	got := pairSet(rows)
	want := map[[2]string]bool{
		{"a", "b"}: true, {"b", "c"}: true, {"c", "d"}: true,
		{"a", "c"}: true, {"b", "d"}: true, {"a", "d"}: true,
	}
	assert.Equal(t, want, got)
}

func TestFixpointIndependentOfMagicRewrite(t *testing.T) {
	seeded := `
edge[f, t] <- [["a", "b"], ["b", "c"], ["c", "d"]]
path[x, y] := edge[x, y]
path[x, y] := edge[x, z], path[z, y]
?[y] := path["a", y]
`
	with, err := pipeline(t, seeded)
	require.NoError(t, err)
	without, err := pipeline(t, seeded+"\n:disable_magic_rewrite true")
	require.NoError(t, err)

	collectCol := func(rows NamedRows) []string {
		var out []string
		for _, r := range rows.Rows {
			out = append(out, string(r[0].(core.Str)))
		}
		sort.Strings(out)
		return out
	}
	assert.Equal(t, []string{"b", "c", "d"}, collectCol(with))
	assert.Equal(t, collectCol(without), collectCol(with))
}

func TestRecursiveMeetAggregationConverges(t *testing.T) {
	// shortest hop-count to "d" through a graph with a cycle
	src := `
edge[f, t] <- [["a", "b"], ["b", "a"], ["b", "c"], ["c", "d"]]
dist[n, min(c)] := n = "d", c = 0
dist[n, min(c)] := edge[n, m], dist[m, c0], c = c0 + 1
?[n, c] := dist[n, c]
`
	rows, err := pipeline(t, src)
	require.NoError(t, err)
	got := map[string]int64{}
	for _, r := range rows.Rows {
		n, _ := core.IntVal(r[1])
		got[string(r[0].(core.Str))] = n
	}
	assert.Equal(t, map[string]int64{"a": 3, "b": 2, "c": 1, "d": 0}, got)
}

func TestNormalAggregationGroups(t *testing.T) {
	src := `
fact[g, v] <- [["x", 1], ["x", 2], ["y", 5]]
?[g, sum(v)] := fact[g, v]
`
	rows, err := pipeline(t, src)
	require.NoError(t, err)
	got := map[string]int64{}
	for _, r := range rows.Rows {
		n, _ := core.IntVal(r[1])
		got[string(r[0].(core.Str))] = n
	}
	assert.Equal(t, map[string]int64{"x": 3, "y": 5}, got)
}

func TestShapeResultSortsAndSlices(t *testing.T) {
	src := `
fact[v] <- [[3], [1], [2], [5], [4]]
?[v] := fact[v]
:order -v
:limit 2
:offset 1
`
	rows, err := pipeline(t, src)
	require.NoError(t, err)
	require.Len(t, rows.Rows, 2)
	a, _ := core.IntVal(rows.Rows[0][0])
	b, _ := core.IntVal(rows.Rows[1][0])
	assert.Equal(t, int64(4), a)
	assert.Equal(t, int64(3), b)
}

func TestShapeResultPushesLimitWithoutSorter(t *testing.T) {
	src := `
fact[v] <- [[3], [1], [2], [5], [4]]
?[v] := fact[v]
:limit 2
`
	rows, err := pipeline(t, src)
	require.NoError(t, err)
	assert.Len(t, rows.Rows, 2)
}

func TestAssertNoneFailsOnRows(t *testing.T) {
	src := `
fact[v] <- [[1]]
?[v] := fact[v]
:assert none
`
	_, err := pipeline(t, src)
	require.ErrorContains(t, err, "assertion failure")
}

func TestEvaluationResultIndependentOfRuleOrder(t *testing.T) {
	a := `
edge[f, t] <- [["a", "b"], ["b", "c"]]
path[x, y] := edge[x, y]
path[x, y] := edge[x, z], path[z, y]
?[x, y] := path[x, y]
`
	b := `
edge[f, t] <- [["a", "b"], ["b", "c"]]
path[x, y] := edge[x, z], path[z, y]
path[x, y] := edge[x, y]
?[x, y] := path[x, y]
`
	ra, err := pipeline(t, a)
	require.NoError(t, err)
	rb, err := pipeline(t, b)
	require.NoError(t, err)
	assert.Equal(t, pairSet(ra), pairSet(rb))
}

func TestPoisonedEvaluationReturnsKilled(t *testing.T) {
	eng, err := store.OpenInMemory()
	require.NoError(t, err)
	defer eng.Close()
	tx, err := eng.NewTx(false)
	require.NoError(t, err)
	defer tx.Discard()

	script, err := parser.Parse(closureSrc, nil)
	require.NoError(t, err)
	np, err := program.Normalize(script.Query, nilResolver{}, core.Validity{})
	require.NoError(t, err)
	sp, err := program.Stratify(np, script.Query.Options)
	require.NoError(t, err)
	mp, err := program.MagicRewrite(sp)
	require.NoError(t, err)
	compiled, err := algebra.Compile(tx, mp)
	require.NoError(t, err)

	poison := core.NewPoison()
	poison.Kill()
	_, _, err = Evaluate(tx, compiled, poison)
	require.ErrorIs(t, err, core.ErrKilled)
}
