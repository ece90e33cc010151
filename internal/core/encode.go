package core

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// The byte codec maps values to keys whose lexicographic order equals the
// Compare order. Each value starts with a tag byte of kind rank + 1; tag 0x00
// is reserved as the terminator of variable-length sequences, so a shorter
// list sorts before any proper extension of it.

const seqTerminator = 0x00

func tagOf(k Kind) byte { return byte(k) + 1 }

// numeric subtags, after the 8 ordered float bytes
const (
	numSubInt   = 0x00
	numSubFloat = 0x01
)

// vec width bytes
const (
	vecWidth32 = 0x00
	vecWidth64 = 0x01
)

// AppendValue appends the order-preserving encoding of v to dst.
func AppendValue(dst []byte, v Value) []byte {
	dst = append(dst, tagOf(v.Kind()))
	switch t := v.(type) {
	case Null, Bot:
		return dst
	case Bool:
		if t {
			return append(dst, 1)
		}
		return append(dst, 0)
	case Int:
		dst = binary.BigEndian.AppendUint64(dst, orderedFloatBits(float64(t)))
		dst = append(dst, numSubInt)
		return binary.BigEndian.AppendUint64(dst, uint64(t)^(1<<63))
	case Float:
		dst = binary.BigEndian.AppendUint64(dst, orderedFloatBits(float64(t)))
		return append(dst, numSubFloat)
	case Str:
		return appendEscaped(dst, []byte(t))
	case Bytes:
		return appendEscaped(dst, t)
	case Uuid:
		u := uuid.UUID(t)
		return append(dst, u[:]...)
	case *Regex:
		return appendEscaped(dst, []byte(t.Pattern))
	case List:
		for _, el := range t {
			dst = AppendValue(dst, el)
		}
		return append(dst, seqTerminator)
	case Set:
		for _, el := range t {
			dst = AppendValue(dst, el)
		}
		return append(dst, seqTerminator)
	case Vec:
		if t.F64 != nil {
			dst = append(dst, vecWidth64)
			dst = binary.BigEndian.AppendUint32(dst, uint32(len(t.F64)))
			for _, f := range t.F64 {
				dst = binary.BigEndian.AppendUint64(dst, orderedFloatBits(f))
			}
		} else {
			dst = append(dst, vecWidth32)
			dst = binary.BigEndian.AppendUint32(dst, uint32(len(t.F32)))
			for _, f := range t.F32 {
				dst = binary.BigEndian.AppendUint64(dst, orderedFloatBits(float64(f)))
			}
		}
		return dst
	case Json:
		return appendEscaped(dst, t)
	case Validity:
		return AppendValidity(dst, t)
	}
	panic(fmt.Sprintf("unencodable value %T", v))
}

// AppendValidity encodes newest-first: the timestamp bytes are complemented
// so larger timestamps sort earlier, and asserts (0x00) sort before
// retractions (0x01) at the same timestamp.
func AppendValidity(dst []byte, v Validity) []byte {
	dst = binary.BigEndian.AppendUint64(dst, ^(uint64(v.Ts) ^ (1 << 63)))
	if v.Assert {
		return append(dst, 0x00)
	}
	return append(dst, 0x01)
}

// appendEscaped writes content with 0x00 escaped as 0x00 0xFF and a 0x00 0x01
// terminator, preserving prefix order for variable-length byte strings.
func appendEscaped(dst, content []byte) []byte {
	for _, b := range content {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x01)
}

// DecodeValue reads one value off buf, returning the remainder.
func DecodeValue(buf []byte) (Value, []byte, error) {
	if len(buf) == 0 {
		return nil, nil, fmt.Errorf("decode: empty buffer")
	}
	tag, rest := buf[0], buf[1:]
	if tag == seqTerminator {
		return nil, nil, fmt.Errorf("decode: unexpected sequence terminator")
	}
	kind := Kind(tag - 1)
	switch kind {
	case KindNull:
		return Null{}, rest, nil
	case KindBot:
		return Bot{}, rest, nil
	case KindBool:
		if len(rest) < 1 {
			return nil, nil, errTruncated(kind)
		}
		return Bool(rest[0] != 0), rest[1:], nil
	case KindNum:
		if len(rest) < 9 {
			return nil, nil, errTruncated(kind)
		}
		ordered := binary.BigEndian.Uint64(rest[:8])
		sub := rest[8]
		rest = rest[9:]
		if sub == numSubInt {
			if len(rest) < 8 {
				return nil, nil, errTruncated(kind)
			}
			raw := binary.BigEndian.Uint64(rest[:8])
			return Int(int64(raw ^ (1 << 63))), rest[8:], nil
		}
		return Float(floatFromOrderedBits(ordered)), rest, nil
	case KindStr:
		content, rest, err := decodeEscaped(rest)
		if err != nil {
			return nil, nil, err
		}
		return Str(content), rest, nil
	case KindBytes:
		content, rest, err := decodeEscaped(rest)
		if err != nil {
			return nil, nil, err
		}
		return Bytes(content), rest, nil
	case KindUuid:
		if len(rest) < 16 {
			return nil, nil, errTruncated(kind)
		}
		var u uuid.UUID
		copy(u[:], rest[:16])
		return Uuid(u), rest[16:], nil
	case KindRegex:
		content, rest, err := decodeEscaped(rest)
		if err != nil {
			return nil, nil, err
		}
		return &Regex{Pattern: string(content)}, rest, nil
	case KindList, KindSet:
		var elems []Value
		for {
			if len(rest) == 0 {
				return nil, nil, errTruncated(kind)
			}
			if rest[0] == seqTerminator {
				rest = rest[1:]
				break
			}
			var el Value
			var err error
			el, rest, err = DecodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			elems = append(elems, el)
		}
		if kind == KindSet {
			return Set(elems), rest, nil
		}
		return List(elems), rest, nil
	case KindVec:
		if len(rest) < 5 {
			return nil, nil, errTruncated(kind)
		}
		width := rest[0]
		n := int(binary.BigEndian.Uint32(rest[1:5]))
		rest = rest[5:]
		if len(rest) < n*8 {
			return nil, nil, errTruncated(kind)
		}
		if width == vecWidth64 {
			out := make([]float64, n)
			for i := 0; i < n; i++ {
				out[i] = floatFromOrderedBits(binary.BigEndian.Uint64(rest[i*8:]))
			}
			return Vec{F64: out}, rest[n*8:], nil
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float32(floatFromOrderedBits(binary.BigEndian.Uint64(rest[i*8:])))
		}
		return Vec{F32: out}, rest[n*8:], nil
	case KindJson:
		content, rest, err := decodeEscaped(rest)
		if err != nil {
			return nil, nil, err
		}
		return Json(content), rest, nil
	case KindValidity:
		if len(rest) < 9 {
			return nil, nil, errTruncated(kind)
		}
		ts := int64((^binary.BigEndian.Uint64(rest[:8])) ^ (1 << 63))
		return Validity{Ts: ts, Assert: rest[8] == 0x00}, rest[9:], nil
	}
	return nil, nil, fmt.Errorf("decode: bad tag 0x%02x", tag)
}

func floatFromOrderedBits(u uint64) float64 {
	if u>>63 == 1 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

func decodeEscaped(buf []byte) (content, rest []byte, err error) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != 0x00 {
			content = append(content, buf[i])
			continue
		}
		if i+1 >= len(buf) {
			return nil, nil, fmt.Errorf("decode: truncated escape")
		}
		switch buf[i+1] {
		case 0xFF:
			content = append(content, 0x00)
			i++
		case 0x01:
			return content, buf[i+2:], nil
		default:
			return nil, nil, fmt.Errorf("decode: bad escape 0x%02x", buf[i+1])
		}
	}
	return nil, nil, fmt.Errorf("decode: unterminated byte string")
}

func errTruncated(k Kind) error { return fmt.Errorf("decode: truncated %s", k) }
