// Package core contains the single source of truth for the engine's data
// model: scalar values with a total order, tuples, the order-preserving byte
// codec, symbols and source spans. Everything above this package (expressions,
// storage, the evaluator) speaks in these types.
package core

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind discriminates the value variants. The declaration order is the sort
// order across kinds: Null sorts below everything, Bot above everything.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNum
	KindStr
	KindBytes
	KindUuid
	KindRegex
	KindList
	KindSet
	KindVec
	KindJson
	KindValidity
	KindBot
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindBool:
		return "Bool"
	case KindNum:
		return "Num"
	case KindStr:
		return "String"
	case KindBytes:
		return "Bytes"
	case KindUuid:
		return "Uuid"
	case KindRegex:
		return "Regex"
	case KindList:
		return "List"
	case KindSet:
		return "Set"
	case KindVec:
		return "Vec"
	case KindJson:
		return "Json"
	case KindValidity:
		return "Validity"
	case KindBot:
		return "Bot"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is the scalar type flowing through the whole engine. The set of
// implementations is closed; code dispatches with type switches.
type Value interface {
	Kind() Kind
}

type Null struct{}

type Bool bool

// Int and Float share KindNum and compare numerically; where the numeric
// projections tie, Int sorts before Float.
type Int int64

type Float float64

type Str string

type Bytes []byte

type Uuid uuid.UUID

// Regex is opaque to storage; it is compared and encoded by its source
// pattern. The compiled form is cached on first use.
type Regex struct {
	Pattern  string
	compiled *regexp.Regexp
}

type List []Value

// Set is a List kept sorted and deduplicated. Construct via MakeSet.
type Set []Value

// Vec is a fixed-length float vector. Exactly one of F32, F64 is non-nil.
type Vec struct {
	F32 []float32
	F64 []float64
}

// Json holds a canonically serialized JSON document.
type Json []byte

// Validity is a microsecond timestamp plus an assert/retract flag. Larger
// timestamps sort first so that ascending iteration within a key prefix
// yields newest-first; at equal timestamps asserts sort before retractions.
type Validity struct {
	Ts     int64
	Assert bool
}

// Bot is a synthetic value greater than every real value, used as an open
// upper bound in range scans. It never appears in stored rows.
type Bot struct{}

func (Null) Kind() Kind     { return KindNull }
func (Bool) Kind() Kind     { return KindBool }
func (Int) Kind() Kind      { return KindNum }
func (Float) Kind() Kind    { return KindNum }
func (Str) Kind() Kind      { return KindStr }
func (Bytes) Kind() Kind    { return KindBytes }
func (Uuid) Kind() Kind     { return KindUuid }
func (*Regex) Kind() Kind   { return KindRegex }
func (List) Kind() Kind     { return KindList }
func (Set) Kind() Kind      { return KindSet }
func (Vec) Kind() Kind      { return KindVec }
func (Json) Kind() Kind     { return KindJson }
func (Validity) Kind() Kind { return KindValidity }
func (Bot) Kind() Kind      { return KindBot }

// NewRegex compiles pattern eagerly so that an invalid pattern surfaces at
// construction instead of first match.
func NewRegex(pattern string) (*Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return &Regex{Pattern: pattern, compiled: re}, nil
}

// Compiled returns the compiled pattern, compiling lazily if the value was
// produced by decoding.
func (r *Regex) Compiled() (*regexp.Regexp, error) {
	if r.compiled == nil {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", r.Pattern, err)
		}
		r.compiled = re
	}
	return r.compiled, nil
}

// MakeSet sorts and deduplicates vals into a Set.
func MakeSet(vals []Value) Set {
	out := make([]Value, len(vals))
	copy(out, vals)
	sort.Slice(out, func(i, j int) bool { return Compare(out[i], out[j]) < 0 })
	dedup := out[:0]
	for i, v := range out {
		if i == 0 || Compare(dedup[len(dedup)-1], v) != 0 {
			dedup = append(dedup, v)
		}
	}
	return Set(dedup)
}

// NewJson canonicalizes raw JSON text so that equal documents have equal
// bytes. Object keys are sorted by the serializer.
func NewJson(raw []byte) (Json, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Json(out), nil
}

// Len returns the number of vector elements.
func (v Vec) Len() int {
	if v.F32 != nil {
		return len(v.F32)
	}
	return len(v.F64)
}

// At returns element i widened to float64.
func (v Vec) At(i int) float64 {
	if v.F32 != nil {
		return float64(v.F32[i])
	}
	return v.F64[i]
}

// MaxValidity is the upper bound used when a time-travel scan has no explicit
// validity: it sorts before every real validity, so a seek lands on the
// newest row.
var MaxValidity = Validity{Ts: math.MaxInt64, Assert: true}

// ValidityAt builds an asserting validity at the given time.
func ValidityAt(t time.Time) Validity {
	return Validity{Ts: t.UnixMicro(), Assert: true}
}

// NumVal reports the float64 projection of a numeric value.
func NumVal(v Value) (float64, bool) {
	switch n := v.(type) {
	case Int:
		return float64(n), true
	case Float:
		return float64(n), true
	}
	return 0, false
}

// IntVal reports the int64 projection where exact.
func IntVal(v Value) (int64, bool) {
	switch n := v.(type) {
	case Int:
		return int64(n), true
	case Float:
		if f := float64(n); f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
	}
	return 0, false
}

// String renders a value in display form: strings quoted, lists bracketed,
// validities as [ts, assert].
func String(v Value) string {
	switch t := v.(type) {
	case Null:
		return "null"
	case Bool:
		return strconv.FormatBool(bool(t))
	case Int:
		return strconv.FormatInt(int64(t), 10)
	case Float:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case Str:
		return strconv.Quote(string(t))
	case Bytes:
		return fmt.Sprintf("bytes(%x)", []byte(t))
	case Uuid:
		return uuid.UUID(t).String()
	case *Regex:
		return fmt.Sprintf("regex(%q)", t.Pattern)
	case List:
		return stringSeq([]Value(t), "[", "]")
	case Set:
		return stringSeq([]Value(t), "{", "}")
	case Vec:
		parts := make([]string, t.Len())
		for i := range parts {
			parts[i] = strconv.FormatFloat(t.At(i), 'g', -1, 64)
		}
		return "vec(" + strings.Join(parts, ", ") + ")"
	case Json:
		return "json(" + string(t) + ")"
	case Validity:
		return fmt.Sprintf("[%d, %t]", t.Ts, t.Assert)
	case Bot:
		return "bot"
	}
	return fmt.Sprintf("%v", v)
}

func stringSeq(vals []Value, open, close_ string) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = String(v)
	}
	return open + strings.Join(parts, ", ") + close_
}
