package core

import (
	"bytes"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Compare imposes the total order used for storage keys and sorting. It
// agrees with the byte codec: Compare(a, b) < 0 iff EncodeValue(a) sorts
// before EncodeValue(b).
func Compare(a, b Value) int {
	ka, kb := a.Kind(), b.Kind()
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}
	switch ka {
	case KindNull, KindBot:
		return 0
	case KindBool:
		av, bv := a.(Bool), b.(Bool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case KindNum:
		return compareNum(a, b)
	case KindStr:
		return strings.Compare(string(a.(Str)), string(b.(Str)))
	case KindBytes:
		return bytes.Compare(a.(Bytes), b.(Bytes))
	case KindUuid:
		au, bu := uuid.UUID(a.(Uuid)), uuid.UUID(b.(Uuid))
		return bytes.Compare(au[:], bu[:])
	case KindRegex:
		return strings.Compare(a.(*Regex).Pattern, b.(*Regex).Pattern)
	case KindList:
		return compareSeq(a.(List), b.(List))
	case KindSet:
		return compareSeq(a.(Set), b.(Set))
	case KindVec:
		return compareVec(a.(Vec), b.(Vec))
	case KindJson:
		return bytes.Compare(a.(Json), b.(Json))
	case KindValidity:
		return CompareValidity(a.(Validity), b.(Validity))
	}
	return 0
}

// compareNum orders by the canonical float projection first, breaking ties by
// exactness class (Int before Float) and then by exact integer value. This
// keeps values beyond 2^53 ordered correctly and makes the order total.
func compareNum(a, b Value) int {
	fa := orderedFloatBits(numAsFloat(a))
	fb := orderedFloatBits(numAsFloat(b))
	if fa != fb {
		if fa < fb {
			return -1
		}
		return 1
	}
	ia, aInt := a.(Int)
	ib, bInt := b.(Int)
	switch {
	case aInt && bInt:
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		default:
			return 0
		}
	case aInt:
		return -1
	case bInt:
		return 1
	default:
		return 0
	}
}

func numAsFloat(v Value) float64 {
	switch n := v.(type) {
	case Int:
		return float64(n)
	case Float:
		return float64(n)
	}
	panic("not a number")
}

// orderedFloatBits maps a float64 to a uint64 whose unsigned order matches
// the numeric order, with NaN canonicalized above +Inf so the order is total.
func orderedFloatBits(f float64) uint64 {
	if math.IsNaN(f) {
		f = math.NaN()
	}
	u := math.Float64bits(f)
	if u>>63 == 1 {
		return ^u
	}
	return u | (1 << 63)
}

func compareSeq(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// compareVec orders by element width, then length, then element bytes, to
// match the fixed-size encoding.
func compareVec(a, b Vec) int {
	aw, bw := 0, 0
	if a.F64 != nil {
		aw = 1
	}
	if b.F64 != nil {
		bw = 1
	}
	if aw != bw {
		if aw < bw {
			return -1
		}
		return 1
	}
	if a.Len() != b.Len() {
		if a.Len() < b.Len() {
			return -1
		}
		return 1
	}
	for i := 0; i < a.Len(); i++ {
		fa, fb := orderedFloatBits(a.At(i)), orderedFloatBits(b.At(i))
		if fa != fb {
			if fa < fb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CompareValidity orders newest-first: larger timestamps sort before smaller
// ones, and at equal timestamps an assertion sorts before a retraction.
func CompareValidity(a, b Validity) int {
	switch {
	case a.Ts > b.Ts:
		return -1
	case a.Ts < b.Ts:
		return 1
	case a.Assert == b.Assert:
		return 0
	case a.Assert:
		return -1
	default:
		return 1
	}
}

// Equal reports value equality under the total order.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }
