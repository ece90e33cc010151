package db

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/core"
	"strata/internal/eval"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	d, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func mustRun(t *testing.T, d *Database, script string) eval.NamedRows {
	t.Helper()
	out, err := d.RunScript(script, nil)
	require.NoError(t, err, "script:\n%s", script)
	return out
}

// rowStrings flattens single-column string results for easy comparison.
func rowStrings(t *testing.T, rows eval.NamedRows) []string {
	t.Helper()
	out := make([]string, 0, len(rows.Rows))
	for _, r := range rows.Rows {
		require.Len(t, r, 1)
		s, ok := r[0].(core.Str)
		require.True(t, ok, "expected string, got %s", core.String(r[0]))
		out = append(out, string(s))
	}
	return out
}

func seedParent(t *testing.T, d *Database) {
	t.Helper()
	mustRun(t, d, `
?[child, parent] <- [["b", "a"], ["c", "b"], ["d", "c"], ["e", "d"]]
:create parent {child: String => parent: String}
`)
}

const ancestorQuery = `
anc[x, y] := *parent{child: x, parent: y}
anc[x, y] := *parent{child: x, parent: z}, anc[z, y]
?[a]      := anc["e", a]
`

func TestTransitiveClosure(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)

	got := rowStrings(t, mustRun(t, d, ancestorQuery))
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestNegationStratification(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)

	got := rowStrings(t, mustRun(t, d, `
ancestor[x, y] := *parent{child: x, parent: y}
ancestor[x, y] := *parent{child: x, parent: z}, ancestor[z, y]
not_root[x]    := *parent{child: x, parent: _}
root[x]        := *parent{parent: x}, not not_root[x]
?[r]           := root[r]
`))
	assert.Equal(t, []string{"a"}, got)
}

func TestMagicRewriteEquivalence(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)

	rewritten := rowStrings(t, mustRun(t, d, ancestorQuery))
	naive := rowStrings(t, mustRun(t, d, ancestorQuery+"\n:disable_magic_rewrite true"))
	sort.Strings(rewritten)
	sort.Strings(naive)
	assert.Equal(t, naive, rewritten)
}

func TestMeetAggregation(t *testing.T) {
	d := testDB(t)
	got := mustRun(t, d, `
edges[a, b, c] <- [["a", "x", 3], ["a", "y", 1], ["b", "z", 5]]
cost[n, min_cost(c)] := edges[n, _, c]
?[n, c] := cost[n, c]
`)
	require.Len(t, got.Rows, 2)
	byNode := map[string]int64{}
	for _, r := range got.Rows {
		v, ok := core.IntVal(r[1])
		require.True(t, ok)
		byNode[string(r[0].(core.Str))] = v
	}
	assert.Equal(t, map[string]int64{"a": 1, "b": 5}, byNode)
}

func TestTimeTravel(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k, v, vld] <- [[1, 10, [100, true]], [1, 20, [200, true]], [1, 0, [150, false]]]
:create hist {k: Int, v: Int, vld: Validity}
`)
	got := mustRun(t, d, `?[v] := *hist{k: 1, v} @ 175`)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, core.Int(10), got.Rows[0][0])

	later := mustRun(t, d, `?[v] := *hist{k: 1, v} @ 250`)
	var vals []int64
	for _, r := range later.Rows {
		n, _ := core.IntVal(r[0])
		vals = append(vals, n)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	assert.Equal(t, []int64{10, 20}, vals)
}

func TestEnsureNotGuard(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k, v] <- [[1, 100]]
:create target {k: Int => v: Int}
`)
	_, err := d.RunScript(`
?[k, v] <- [[1, 100]]
:ensure_not target {k => v}
`, nil)
	require.ErrorContains(t, err, "assertion failure")

	// a fresh key passes and writes nothing
	mustRun(t, d, `
?[k, v] <- [[2, 100]]
:ensure_not target {k => v}
`)
	got := mustRun(t, d, `?[k, v] := *target[k, v]`)
	require.Len(t, got.Rows, 1)
}

func TestEnsureIsPureRead(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k, v] <- [[1, 100]]
:create target {k: Int => v: Int}
`)
	mustRun(t, d, `
?[k, v] <- [[1, 100]]
:ensure target {k => v}
`)
	_, err := d.RunScript(`
?[k, v] <- [[1, 999]]
:ensure target {k => v}
`, nil)
	require.ErrorContains(t, err, "value does not match")
}

func TestPutIsIdempotent(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k, v] <- [[1, 100]]
:create kvs {k: Int => v: Int}
`)
	before := mustRun(t, d, `?[k, v] := *kvs[k, v]`)
	mustRun(t, d, `
?[k, v] <- [[1, 100]]
:put kvs {k => v}
`)
	after := mustRun(t, d, `?[k, v] := *kvs[k, v]`)
	require.Len(t, after.Rows, len(before.Rows))
}

func TestInsertFailsOnExistingKey(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k, v] <- [[1, 100]]
:create kvs {k: Int => v: Int}
`)
	_, err := d.RunScript(`
?[k, v] <- [[1, 200]]
:insert kvs {k => v}
`, nil)
	require.ErrorContains(t, err, "key exists")
}

func TestUpdateKeepsMissingColumns(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k, a, b] <- [[1, 10, 20]]
:create pair {k: Int => a: Int, b: Int}
`)
	mustRun(t, d, `
?[k, a] <- [[1, 11]]
:update pair {k => a}
`)
	got := mustRun(t, d, `?[a, b] := *pair{k: 1, a, b}`)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, core.Int(11), got.Rows[0][0])
	assert.Equal(t, core.Int(20), got.Rows[0][1])
}

func TestRmRemovesRows(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k, v] <- [[1, 100], [2, 200]]
:create kvs {k: Int => v: Int}
`)
	mustRun(t, d, `
?[k] <- [[1]]
:rm kvs {k}
`)
	got := mustRun(t, d, `?[k] := *kvs[k, _]`)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, core.Int(2), got.Rows[0][0])
}

func TestLimitOffsetOrder(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[n] <- [[3], [1], [4], [1], [5], [9], [2], [6]]
:create nums {n: Int}
`)
	got := mustRun(t, d, `
?[n] := *nums[n]
:order -n
:limit 3
:offset 1
`)
	require.Len(t, got.Rows, 3)
	var vals []int64
	for _, r := range got.Rows {
		n, _ := core.IntVal(r[0])
		vals = append(vals, n)
	}
	assert.Equal(t, []int64{6, 5, 4}, vals)
}

func TestLimitZeroWritesNothing(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k] <- [[1], [2]]
:create empty_target {k: Int}
:limit 0
`)
	got := mustRun(t, d, `?[k] := *empty_target[k]`)
	assert.Empty(t, got.Rows)
}

func TestNormalAggregations(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)

	got := mustRun(t, d, `?[count(x)] := *parent{child: x}`)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, core.Int(4), got.Rows[0][0])

	got = mustRun(t, d, `
grouped[p, count(c)] := *parent{child: c, parent: p}
?[p, n] := grouped[p, n]
`)
	assert.Len(t, got.Rows, 4)
}

func TestCountOnEmptyInputIsZero(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k] <- [[1]]
:create lonely {k: Int}
`)
	got := mustRun(t, d, `?[count(x)] := *lonely[x], x > 100`)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, core.Int(0), got.Rows[0][0])
}

func TestSortKeyNotInHead(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)
	_, err := d.RunScript(`
?[a] := anc["e", a]
anc[x, y] := *parent{child: x, parent: y}
:order missing
`, nil)
	require.ErrorContains(t, err, "sort key")
}

func TestUnboundVariableInHead(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)
	_, err := d.RunScript(`?[a, b] := *parent{child: a}`, nil)
	require.ErrorContains(t, err, "unbound")
}

func TestUnsafeNegation(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)
	_, err := d.RunScript(`
q[x] := *parent{child: x}
?[y] := y = 1, not q[x]
`, nil)
	require.ErrorContains(t, err, "unsafe negation")
}

func TestUnstratifiableProgram(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)
	_, err := d.RunScript(`
win[x] := *parent{child: x, parent: y}, not win[y]
?[x] := win[x]
`, nil)
	require.ErrorContains(t, err, "unstratifiable")
}

func TestArityMismatch(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)
	_, err := d.RunScript(`?[a, b, c] := *parent[a, b, c]`, nil)
	require.ErrorContains(t, err, "arity mismatch")
}

func TestRelationNotFound(t *testing.T) {
	d := testDB(t)
	_, err := d.RunScript(`?[a] := *ghost[a]`, nil)
	require.ErrorContains(t, err, "cannot find requested stored relation")
}

func TestDisjunctionAndExpressions(t *testing.T) {
	d := testDB(t)
	got := mustRun(t, d, `
?[x, y] := (x = 1 or x = 2), y = x * 10 + 1
`)
	require.Len(t, got.Rows, 2)
}

func TestOneManyUnification(t *testing.T) {
	d := testDB(t)
	got := mustRun(t, d, `?[x] := x in [10, 20, 30], x > 15`)
	require.Len(t, got.Rows, 2)
}

func TestSelfJoinRenaming(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)
	// grandparents: both atoms scan the same relation
	got := mustRun(t, d, `
?[gp] := *parent{child: "e", parent: p}, *parent{child: p, parent: gp}
`)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, core.Str("c"), got.Rows[0][0])
}

func TestBFSFixedRule(t *testing.T) {
	d := testDB(t)
	got := mustRun(t, d, `
edges[f, t] <- [["a", "b"], ["b", "c"], ["c", "d"], ["x", "y"]]
starting[n] <- [["a"]]
?[start, goal, path] <~ BFS(edges[f, t], starting[n])
`)
	goals := map[string]bool{}
	for _, r := range got.Rows {
		goals[string(r[1].(core.Str))] = true
		assert.Equal(t, core.Str("a"), r[0])
		_, isList := r[2].(core.List)
		assert.True(t, isList)
	}
	assert.Equal(t, map[string]bool{"b": true, "c": true, "d": true}, goals)
}

func TestShortestPathDijkstra(t *testing.T) {
	d := testDB(t)
	got := mustRun(t, d, `
edges[f, t, w] <- [["a", "b", 1], ["b", "c", 1], ["a", "c", 5]]
starting[n] <- [["a"]]
goals[n] <- [["c"]]
?[start, goal, cost, path] <~ ShortestPathDijkstra(edges[f, t, w], starting[n], goals[n])
`)
	require.Len(t, got.Rows, 1)
	cost, ok := core.NumVal(got.Rows[0][2])
	require.True(t, ok)
	assert.InDelta(t, 2, cost, 1e-9)
	path := got.Rows[0][3].(core.List)
	require.Len(t, path, 3)
}

func TestTopSortAndConnectedComponents(t *testing.T) {
	d := testDB(t)
	got := mustRun(t, d, `
edges[f, t] <- [["a", "b"], ["b", "c"]]
?[idx, n] <~ TopSort(edges[f, t])
:order idx
`)
	require.Len(t, got.Rows, 3)
	assert.Equal(t, core.Str("a"), got.Rows[0][1])
	assert.Equal(t, core.Str("c"), got.Rows[2][1])

	got = mustRun(t, d, `
edges[f, t] <- [["a", "b"], ["c", "d"]]
?[n, rep] <~ ConnectedComponents(edges[f, t])
`)
	reps := map[string]string{}
	for _, r := range got.Rows {
		reps[string(r[0].(core.Str))] = string(r[1].(core.Str))
	}
	assert.Equal(t, reps["a"], reps["b"])
	assert.Equal(t, reps["c"], reps["d"])
	assert.NotEqual(t, reps["a"], reps["c"])
}

func TestReadCsvFixedRule(t *testing.T) {
	d := testDB(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,age\nalice,30\nbob,41\n"), 0o644))

	got, err := d.RunScript(`
?[name, age] <~ ReadCsv(path: $path, types: ["String", "Int"], headers: true)
:order name
`, map[string]core.Value{"path": core.Str(path)})
	require.NoError(t, err)
	require.Len(t, got.Rows, 2)
	assert.Equal(t, core.Str("alice"), got.Rows[0][0])
	assert.Equal(t, core.Int(30), got.Rows[0][1])
}

func TestIndexedLookupMatchesBaseScan(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[f, to, w] <- [["a", "b", 1], ["b", "c", 2], ["c", "b", 3]]
:create graph {f: String, to: String => w: Int}
`)
	baseline := mustRun(t, d, `?[f] := *graph{f, to: "b"}`)
	mustRun(t, d, `::index create graph:rev {to}`)
	indexed := mustRun(t, d, `?[f] := *graph{f, to: "b"}`)

	want := rowStrings(t, baseline)
	got := rowStrings(t, indexed)
	sort.Strings(want)
	sort.Strings(got)
	assert.Equal(t, want, got)
	require.Len(t, got, 2)

	// index stays consistent across mutations
	mustRun(t, d, `
?[f, to, w] <- [["d", "b", 9]]
:put graph {f, to => w}
`)
	got = rowStrings(t, mustRun(t, d, `?[f] := *graph{f, to: "b"}`))
	sort.Strings(got)
	assert.Equal(t, []string{"a", "c", "d"}, got)

	mustRun(t, d, `
?[f, to] <- [["a", "b"]]
:rm graph {f, to}
`)
	got = rowStrings(t, mustRun(t, d, `?[f] := *graph{f, to: "b"}`))
	sort.Strings(got)
	assert.Equal(t, []string{"c", "d"}, got)
}

func TestTriggersMirrorPuts(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k] <- []
:create origin {k: Int}
`)
	mustRun(t, d, `
?[k] <- []
:create mirror {k: Int}
`)
	mustRun(t, d, `::set_triggers origin on put { ?[k] := _new[k] :put mirror {k} }`)

	mustRun(t, d, `
?[k] <- [[7], [8]]
:put origin {k}
`)
	got := mustRun(t, d, `?[k] := *mirror[k]`)
	require.Len(t, got.Rows, 2)
}

func TestChangeCallbacks(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k] <- []
:create watched {k: Int}
`)
	id, ch := d.RegisterCallback("watched")
	defer d.UnregisterCallback(id)

	mustRun(t, d, `
?[k] <- [[1]]
:put watched {k}
`)
	select {
	case ev := <-ch:
		assert.Equal(t, eval.CbPut, ev.Op)
		require.Len(t, ev.New.Rows, 1)
		assert.Equal(t, core.Int(1), ev.New.Rows[0][0])
	case <-time.After(time.Second):
		t.Fatal("no callback event received")
	}
}

func TestAccessLevelEnforced(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k] <- [[1]]
:create locked {k: Int}
`)
	mustRun(t, d, `::access_level read_only locked`)
	_, err := d.RunScript(`
?[k] <- [[2]]
:put locked {k}
`, nil)
	require.ErrorContains(t, err, "insufficient access level")

	// reads still work
	got := mustRun(t, d, `?[k] := *locked[k]`)
	require.Len(t, got.Rows, 1)

	mustRun(t, d, `::access_level hidden locked`)
	_, err = d.RunScript(`?[k] := *locked[k]`, nil)
	require.ErrorContains(t, err, "insufficient access level")
}

func TestSysOpsRoundTrip(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)

	rels := mustRun(t, d, `::relations`)
	require.Len(t, rels.Rows, 1)
	assert.Equal(t, core.Str("parent"), rels.Rows[0][0])

	cols := mustRun(t, d, `::columns parent`)
	require.Len(t, cols.Rows, 2)

	mustRun(t, d, `::rename parent -> ancestry`)
	_, err := d.RunScript(`?[a] := *parent{child: a}`, nil)
	require.Error(t, err)
	got := mustRun(t, d, `?[a] := *ancestry{child: a}`)
	assert.Len(t, got.Rows, 4)

	mustRun(t, d, `::remove ancestry`)
	rels = mustRun(t, d, `::relations`)
	assert.Empty(t, rels.Rows)

	running := mustRun(t, d, `::running`)
	assert.Empty(t, running.Rows)

	killed := mustRun(t, d, `::kill nonexistent`)
	assert.Equal(t, core.Str("NOT_FOUND"), killed.Rows[0][0])

	mustRun(t, d, `::compact`)
}

func TestExplainProducesPlan(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)
	got := mustRun(t, d, `::explain { `+ancestorQuery+` }`)
	require.NotEmpty(t, got.Rows)
	var sawScan bool
	for _, r := range got.Rows {
		if desc, ok := r[3].(core.Str); ok && len(desc) > 0 {
			sawScan = true
		}
	}
	assert.True(t, sawScan)
}

func TestReplaceCarriesTriggersForward(t *testing.T) {
	d := testDB(t)
	mustRun(t, d, `
?[k] <- []
:create source {k: Int}
`)
	mustRun(t, d, `
?[k] <- []
:create sink {k: Int}
`)
	mustRun(t, d, `::set_triggers source on put { ?[k] := _new[k] :put sink {k} }`)

	mustRun(t, d, `
?[k] <- [[1]]
:replace source {k: Int}
`)
	// the put trigger survived the replace: it fired for the replacement
	// rows and keeps firing for later puts
	mustRun(t, d, `
?[k] <- [[2]]
:put source {k}
`)
	got := mustRun(t, d, `?[k] := *sink[k]`)
	require.Len(t, got.Rows, 2)
}

func TestTimeoutKillsLongQuery(t *testing.T) {
	d := testDB(t)
	// a large cross product with a tiny timeout
	mustRun(t, d, `
?[n] <- [[1], [2], [3], [4], [5], [6], [7], [8], [9], [10]]
:create digits {n: Int}
`)
	_, err := d.RunScript(`
?[a, b, c, d, e] := *digits[a], *digits[b], *digits[c], *digits[d], *digits[e]
:timeout 0.000001
`, nil)
	require.ErrorIs(t, err, core.ErrKilled)
}

func TestAssertOptions(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)
	mustRun(t, d, `
?[a] := anc["e", a]
anc[x, y] := *parent{child: x, parent: y}
:assert some
`)
	_, err := d.RunScript(`
?[a] := *parent{child: "nope", parent: a}
:assert some
`, nil)
	require.ErrorContains(t, err, "assertion failure")
}

func TestParamsFlowThrough(t *testing.T) {
	d := testDB(t)
	seedParent(t, d)
	got, err := d.RunScript(`
anc[x, y] := *parent{child: x, parent: y}
anc[x, y] := *parent{child: x, parent: z}, anc[z, y]
?[a] := anc[$start, a]
`, map[string]core.Value{"start": core.Str("e")})
	require.NoError(t, err)
	assert.Len(t, got.Rows, 4)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)
	mustRun(t, d, `
?[k, v] <- [[1, "one"]]
:create persisted {k: Int => v: String}
`)
	require.NoError(t, d.Close())

	d2, err := Open(dir)
	require.NoError(t, err)
	defer d2.Close()
	got := mustRun(t, d2, `?[v] := *persisted{k: 1, v}`)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, core.Str("one"), got.Rows[0][0])
}
