package core

import (
	"math"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareAcrossKinds(t *testing.T) {
	ordered := []Value{
		Null{},
		Bool(false),
		Bool(true),
		Float(math.Inf(-1)),
		Int(-3),
		Int(0),
		Float(0.5),
		Int(1),
		Float(1),
		Float(math.Inf(1)),
		Float(math.NaN()),
		Str(""),
		Str("a"),
		Str("ab"),
		Bytes{0x01},
		Uuid(uuid.MustParse("00000000-0000-0000-0000-000000000001")),
		List{Int(1)},
		List{Int(1), Int(2)},
		Set{Int(9)},
		Json(`{"a":1}`),
		Validity{Ts: 200, Assert: true},
		Validity{Ts: 100, Assert: true},
		Validity{Ts: 100, Assert: false},
		Bot{},
	}
	for i := range ordered {
		for j := range ordered {
			c := Compare(ordered[i], ordered[j])
			switch {
			case i < j:
				assert.Negative(t, c, "expected %s < %s", String(ordered[i]), String(ordered[j]))
			case i > j:
				assert.Positive(t, c, "expected %s > %s", String(ordered[i]), String(ordered[j]))
			default:
				assert.Zero(t, c)
			}
		}
	}
}

func TestIntBeforeFloatOnNumericTie(t *testing.T) {
	assert.Negative(t, Compare(Int(1), Float(1)))
	assert.Positive(t, Compare(Float(1), Int(1)))
	assert.Zero(t, Compare(Float(1.5), Float(1.5)))
}

func TestNaNAboveInfinity(t *testing.T) {
	assert.Positive(t, Compare(Float(math.NaN()), Float(math.Inf(1))))
	assert.Zero(t, Compare(Float(math.NaN()), Float(math.NaN())))
}

func TestEncodeRoundTrip(t *testing.T) {
	re, err := NewRegex("a+b")
	require.NoError(t, err)
	values := []Value{
		Null{},
		Bool(true),
		Bool(false),
		Int(0),
		Int(-1),
		Int(math.MaxInt64),
		Int(math.MinInt64),
		Float(3.25),
		Float(-0.0),
		Float(math.Inf(-1)),
		Str("hello"),
		Str("with\x00null"),
		Bytes{0, 1, 2, 0xFF},
		Uuid(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")),
		re,
		List{Int(1), Str("x"), List{Bool(true)}},
		MakeSet([]Value{Int(3), Int(1), Int(3)}),
		Vec{F32: []float32{1, -2.5}},
		Vec{F64: []float64{0.25}},
		Json(`{"k":[1,2]}`),
		Validity{Ts: 12345, Assert: true},
		Validity{Ts: -7, Assert: false},
		Bot{},
	}
	for _, v := range values {
		enc := AppendValue(nil, v)
		dec, rest, err := DecodeValue(enc)
		require.NoError(t, err, String(v))
		assert.Empty(t, rest)
		assert.Zero(t, Compare(v, dec), "round trip changed %s into %s", String(v), String(dec))
	}
}

func TestEncodeOrderMatchesCompare(t *testing.T) {
	values := []Value{
		Null{}, Bool(false), Bool(true),
		Int(-10), Int(-1), Int(0), Int(1), Int(2), Int(1 << 60),
		Float(-10.5), Float(-0.5), Float(0), Float(0.5), Float(2.5),
		Float(math.Inf(1)), Float(math.NaN()),
		Str(""), Str("a"), Str("a\x00"), Str("a\x00b"), Str("ab"), Str("b"),
		Bytes{}, Bytes{0}, Bytes{0, 1}, Bytes{1},
		List{}, List{Int(1)}, List{Int(1), Int(1)}, List{Int(2)},
		Validity{Ts: 300, Assert: true}, Validity{Ts: 200, Assert: true},
		Validity{Ts: 200, Assert: false}, Validity{Ts: 100, Assert: true},
		Bot{},
	}
	type pair struct {
		v   Value
		enc string
	}
	pairs := make([]pair, len(values))
	for i, v := range values {
		pairs[i] = pair{v, string(AppendValue(nil, v))}
	}
	byValue := make([]pair, len(pairs))
	copy(byValue, pairs)
	sort.SliceStable(byValue, func(i, j int) bool { return Compare(byValue[i].v, byValue[j].v) < 0 })
	byBytes := make([]pair, len(pairs))
	copy(byBytes, pairs)
	sort.SliceStable(byBytes, func(i, j int) bool { return byBytes[i].enc < byBytes[j].enc })
	for i := range byValue {
		assert.Equal(t, String(byValue[i].v), String(byBytes[i].v),
			"codec order diverges from value order at position %d", i)
	}
}

func TestTupleRoundTrip(t *testing.T) {
	tup := Tuple{Str("k"), Int(42), List{Bool(true), Null{}}}
	enc := EncodeTuple(tup)
	dec, err := DecodeTuple(enc)
	require.NoError(t, err)
	require.Len(t, dec, len(tup))
	assert.Zero(t, CompareTuples(tup, dec))

	head, err := DecodeTupleN(enc, 1)
	require.NoError(t, err)
	assert.Zero(t, Compare(Str("k"), head[0]))
}

func TestStoredKeyPrefix(t *testing.T) {
	k := EncodeStoredKey(0x01020304, Tuple{Int(7)})
	assert.Equal(t, []byte{1, 2, 3, 4}, k[:4])
}

func TestMakeSetSortsAndDedups(t *testing.T) {
	s := MakeSet([]Value{Int(2), Int(1), Int(2), Str("z")})
	require.Len(t, s, 3)
	assert.Zero(t, Compare(s[0], Int(1)))
	assert.Zero(t, Compare(s[1], Int(2)))
	assert.Zero(t, Compare(s[2], Str("z")))
}

func TestValidityOrderIsNewestFirst(t *testing.T) {
	newer := Validity{Ts: 200, Assert: true}
	older := Validity{Ts: 100, Assert: true}
	assert.Negative(t, CompareValidity(newer, older))
	assert.Negative(t, Compare(MaxValidity, newer))
}
