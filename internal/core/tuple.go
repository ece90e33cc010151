package core

import (
	"encoding/binary"
	"fmt"
)

// Tuple is an ordered sequence of scalars: the unit of storage and of result
// rows.
type Tuple []Value

// Clone returns a shallow copy (values are immutable by convention).
func (t Tuple) Clone() Tuple {
	out := make(Tuple, len(t))
	copy(out, t)
	return out
}

// CompareTuples orders tuples elementwise, shorter first on ties.
func CompareTuples(a, b Tuple) int {
	return compareSeq(a, b)
}

// EncodeTuple encodes all values of t, without a relation prefix.
func EncodeTuple(t Tuple) []byte {
	return AppendTuple(nil, t)
}

// AppendTuple appends the codec form of every value of t to dst.
func AppendTuple(dst []byte, t Tuple) []byte {
	for _, v := range t {
		dst = AppendValue(dst, v)
	}
	return dst
}

// DecodeTuple decodes values until buf is exhausted.
func DecodeTuple(buf []byte) (Tuple, error) {
	var out Tuple
	for len(buf) > 0 {
		v, rest, err := DecodeValue(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		buf = rest
	}
	return out, nil
}

// DecodeTupleN decodes exactly n leading values, ignoring any remainder.
func DecodeTupleN(buf []byte, n int) (Tuple, error) {
	out := make(Tuple, 0, n)
	for i := 0; i < n; i++ {
		v, rest, err := DecodeValue(buf)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out = append(out, v)
		buf = rest
	}
	return out, nil
}

// RelKeyPrefix is the 4-byte big-endian relation-id prefix of stored keys.
func RelKeyPrefix(relID uint32) []byte {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], relID)
	return p[:]
}

// EncodeStoredKey builds <rel-id><encoded key tuple>.
func EncodeStoredKey(relID uint32, key Tuple) []byte {
	return AppendTuple(RelKeyPrefix(relID), key)
}
