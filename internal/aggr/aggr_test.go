package aggr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/core"
)

func meetOf(t *testing.T, name string, args ...core.Value) Meet {
	t.Helper()
	a, ok := Lookup(name)
	require.True(t, ok, name)
	require.True(t, a.IsMeet, "%s is not a meet aggregation", name)
	m, err := a.NewMeet(args)
	require.NoError(t, err)
	return m
}

func normalOf(t *testing.T, name string, args ...core.Value) Normal {
	t.Helper()
	a, ok := Lookup(name)
	require.True(t, ok, name)
	n, err := a.NewNormal(args)
	require.NoError(t, err)
	return n
}

func runMeet(t *testing.T, m Meet, inputs ...core.Value) core.Value {
	t.Helper()
	acc := m.Init()
	for _, v := range inputs {
		next, _, err := m.Update(acc, v)
		require.NoError(t, err)
		acc = next
	}
	return acc
}

func TestMeetMinMax(t *testing.T) {
	got := runMeet(t, meetOf(t, "min"), core.Int(3), core.Int(1), core.Float(2.5))
	assert.Zero(t, core.Compare(core.Int(1), got))

	got = runMeet(t, meetOf(t, "max"), core.Int(3), core.Float(7.5), core.Int(2))
	assert.Zero(t, core.Compare(core.Float(7.5), got))
}

func TestMeetUpdateReportsChange(t *testing.T) {
	m := meetOf(t, "min")
	acc, changed, err := m.Update(m.Init(), core.Int(5))
	require.NoError(t, err)
	assert.True(t, changed)
	acc, changed, err = m.Update(acc, core.Int(7))
	require.NoError(t, err)
	assert.False(t, changed)
	_, changed, err = m.Update(acc, core.Int(2))
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestMeetOrderIndependence(t *testing.T) {
	inputs := []core.Value{core.Int(4), core.Int(-2), core.Int(9), core.Int(-2), core.Int(0)}
	perms := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}}
	var results []core.Value
	for _, p := range perms {
		ordered := make([]core.Value, len(p))
		for i, idx := range p {
			ordered[i] = inputs[idx]
		}
		results = append(results, runMeet(t, meetOf(t, "min"), ordered...))
	}
	for _, r := range results[1:] {
		assert.Zero(t, core.Compare(results[0], r))
	}
}

func TestMeetUnionIntersection(t *testing.T) {
	got := runMeet(t, meetOf(t, "union"),
		core.List{core.Int(1), core.Int(2)},
		core.List{core.Int(2), core.Int(3)})
	assert.Zero(t, core.Compare(core.MakeSet([]core.Value{core.Int(1), core.Int(2), core.Int(3)}), got))

	got = runMeet(t, meetOf(t, "intersection"),
		core.List{core.Int(1), core.Int(2), core.Int(3)},
		core.List{core.Int(2), core.Int(3), core.Int(4)})
	assert.Zero(t, core.Compare(core.MakeSet([]core.Value{core.Int(2), core.Int(3)}), got))
}

func TestMeetMinCost(t *testing.T) {
	got := runMeet(t, meetOf(t, "min_cost"),
		core.List{core.Str("a"), core.Int(3)},
		core.List{core.Str("b"), core.Int(1)},
		core.List{core.Str("c"), core.Int(5)})
	assert.Zero(t, core.Compare(core.List{core.Str("b"), core.Int(1)}, got))
}

func TestMeetShortest(t *testing.T) {
	got := runMeet(t, meetOf(t, "shortest"),
		core.List{core.Int(1), core.Int(2), core.Int(3)},
		core.List{core.Int(9)},
		core.List{core.Int(4), core.Int(5)})
	assert.Zero(t, core.Compare(core.List{core.Int(9)}, got))
}

func TestMeetChoiceKeepsFirstNonNull(t *testing.T) {
	got := runMeet(t, meetOf(t, "choice"), core.Null{}, core.Str("x"), core.Str("y"))
	assert.Zero(t, core.Compare(core.Str("x"), got))
}

func TestMeetBitAnd(t *testing.T) {
	got := runMeet(t, meetOf(t, "bit_and"), core.Bytes{0b1110}, core.Bytes{0b0111})
	assert.Zero(t, core.Compare(core.Bytes{0b0110}, got))

	m := meetOf(t, "bit_and")
	acc, _, err := m.Update(m.Init(), core.Bytes{1, 2})
	require.NoError(t, err)
	_, _, err = m.Update(acc, core.Bytes{1})
	require.Error(t, err, "length mismatch must fail")
}

func TestNormalCountSumMean(t *testing.T) {
	c := normalOf(t, "count")
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Set(core.Str("row")))
	}
	got, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, core.Int(4), got)

	s := normalOf(t, "sum")
	require.NoError(t, s.Set(core.Int(2)))
	require.NoError(t, s.Set(core.Int(3)))
	got, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, core.Int(5), got)

	m := normalOf(t, "mean")
	require.NoError(t, m.Set(core.Int(1)))
	require.NoError(t, m.Set(core.Int(3)))
	got, err = m.Get()
	require.NoError(t, err)
	assert.Equal(t, core.Float(2), got)
}

func TestNormalVariance(t *testing.T) {
	v := normalOf(t, "variance")
	for _, x := range []int64{2, 4, 4, 4, 5, 5, 7, 9} {
		require.NoError(t, v.Set(core.Int(x)))
	}
	got, err := v.Get()
	require.NoError(t, err)
	f, ok := core.NumVal(got)
	require.True(t, ok)
	assert.InDelta(t, 4.571428, f, 1e-5)
}

func TestNormalUniqueAndCounts(t *testing.T) {
	u := normalOf(t, "unique")
	for _, s := range []string{"b", "a", "b"} {
		require.NoError(t, u.Set(core.Str(s)))
	}
	got, err := u.Get()
	require.NoError(t, err)
	assert.Zero(t, core.Compare(core.List{core.Str("a"), core.Str("b")}, got))

	cu := normalOf(t, "count_unique")
	for _, s := range []string{"b", "a", "b"} {
		require.NoError(t, cu.Set(core.Str(s)))
	}
	got, err = cu.Get()
	require.NoError(t, err)
	assert.Equal(t, core.Int(2), got)

	gc := normalOf(t, "group_count")
	for _, s := range []string{"b", "a", "b"} {
		require.NoError(t, gc.Set(core.Str(s)))
	}
	got, err = gc.Get()
	require.NoError(t, err)
	want := core.List{
		core.List{core.Str("a"), core.Int(1)},
		core.List{core.Str("b"), core.Int(2)},
	}
	assert.Zero(t, core.Compare(want, got))
}

func TestNormalCollectWithLimit(t *testing.T) {
	c := normalOf(t, "collect", core.Int(2))
	for i := int64(0); i < 5; i++ {
		require.NoError(t, c.Set(core.Int(i)))
	}
	got, err := c.Get()
	require.NoError(t, err)
	l, ok := got.(core.List)
	require.True(t, ok)
	assert.Len(t, l, 2)
}

func TestNormalLatestSmallestBy(t *testing.T) {
	lb := normalOf(t, "latest_by")
	require.NoError(t, lb.Set(core.List{core.Str("old"), core.Int(1)}))
	require.NoError(t, lb.Set(core.List{core.Str("new"), core.Int(9)}))
	got, err := lb.Get()
	require.NoError(t, err)
	assert.Zero(t, core.Compare(core.Str("new"), got))

	sb := normalOf(t, "smallest_by")
	require.NoError(t, sb.Set(core.List{core.Str("big"), core.Int(9)}))
	require.NoError(t, sb.Set(core.List{core.Str("small"), core.Int(1)}))
	got, err = sb.Get()
	require.NoError(t, err)
	assert.Zero(t, core.Compare(core.Str("small"), got))
}

func TestMeetNormalFormsAgree(t *testing.T) {
	n := normalOf(t, "min")
	for _, v := range []core.Value{core.Int(5), core.Int(2), core.Int(8)} {
		require.NoError(t, n.Set(v))
	}
	got, err := n.Get()
	require.NoError(t, err)
	assert.Zero(t, core.Compare(core.Int(2), got))
}
