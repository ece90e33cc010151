// Package store implements the persistence layer: stored relations with
// typed columns, secondary indices and triggers over a transactional ordered
// key-value store (BadgerDB), the system catalog, and the epoch-aware
// in-memory stores backing derived relations during evaluation.
package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"strata/internal/core"
	"strata/internal/expr"
)

// AccessLevel gates what operations a relation admits. Reads require at
// least ReadOnly, row mutations Protected, and destructive schema changes
// Normal.
type AccessLevel uint8

const (
	AccessHidden AccessLevel = iota
	AccessReadOnly
	AccessProtected
	AccessNormal
)

func (a AccessLevel) String() string {
	switch a {
	case AccessHidden:
		return "hidden"
	case AccessReadOnly:
		return "read_only"
	case AccessProtected:
		return "protected"
	case AccessNormal:
		return "normal"
	}
	return fmt.Sprintf("access(%d)", uint8(a))
}

// ParseAccessLevel reads the textual form used by ::access_level.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToLower(s) {
	case "hidden":
		return AccessHidden, nil
	case "read_only", "readonly":
		return AccessReadOnly, nil
	case "protected":
		return AccessProtected, nil
	case "normal":
		return AccessNormal, nil
	}
	return 0, fmt.Errorf("unknown access level %q", s)
}

// InsufficientAccessError reports an operation refused by the access level.
type InsufficientAccessError struct {
	Relation  string
	Operation string
	Level     AccessLevel
}

func (e *InsufficientAccessError) Error() string {
	return fmt.Sprintf("insufficient access level of relation '%s' (%s) for %s", e.Relation, e.Level, e.Operation)
}

// BaseType enumerates column type constructors.
type BaseType uint8

const (
	TypeAny BaseType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeBytes
	TypeUuid
	TypeJson
	TypeValidity
	TypeList
	TypeVec
)

// ColType is a column type annotation; Elem is set for homogeneous lists,
// VecWidth/VecLen for vectors.
type ColType struct {
	Base     BaseType `json:"base"`
	Elem     *ColSpec `json:"elem,omitempty"`
	VecWidth int      `json:"vec_width,omitempty"`
	VecLen   int      `json:"vec_len,omitempty"`
}

// ColSpec is a type with nullability.
type ColSpec struct {
	Type     ColType `json:"type"`
	Nullable bool    `json:"nullable,omitempty"`
}

func (c ColSpec) String() string {
	s := c.Type.String()
	if c.Nullable {
		s += "?"
	}
	return s
}

func (t ColType) String() string {
	switch t.Base {
	case TypeAny:
		return "Any"
	case TypeBool:
		return "Bool"
	case TypeInt:
		return "Int"
	case TypeFloat:
		return "Float"
	case TypeString:
		return "String"
	case TypeBytes:
		return "Bytes"
	case TypeUuid:
		return "Uuid"
	case TypeJson:
		return "Json"
	case TypeValidity:
		return "Validity"
	case TypeList:
		if t.Elem != nil {
			return "[" + t.Elem.String() + "]"
		}
		return "List"
	case TypeVec:
		return fmt.Sprintf("<F%d; %d>", t.VecWidth, t.VecLen)
	}
	return "Any"
}

// IsValidity reports a non-null Validity column, the requirement for the
// time-travel key position.
func (c ColSpec) IsValidity() bool {
	return c.Type.Base == TypeValidity && !c.Nullable
}

// Coerce checks and converts a value into the column type. curVld stands in
// for the symbolic current time in validity defaults.
func (c ColSpec) Coerce(v core.Value, curVld core.Validity) (core.Value, error) {
	if _, isNull := v.(core.Null); isNull {
		if c.Nullable || c.Type.Base == TypeAny {
			return v, nil
		}
		return nil, fmt.Errorf("encountered null value when processing required typing %s", c)
	}
	return c.Type.coerce(v, curVld)
}

func (t ColType) coerce(v core.Value, curVld core.Validity) (core.Value, error) {
	switch t.Base {
	case TypeAny:
		return v, nil
	case TypeBool:
		if b, ok := v.(core.Bool); ok {
			return b, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case core.Int:
			return n, nil
		case core.Float:
			if i, exact := core.IntVal(n); exact {
				return core.Int(i), nil
			}
		}
	case TypeFloat:
		if f, ok := core.NumVal(v); ok {
			return core.Float(f), nil
		}
	case TypeString:
		if s, ok := v.(core.Str); ok {
			return s, nil
		}
	case TypeBytes:
		if b, ok := v.(core.Bytes); ok {
			return b, nil
		}
	case TypeUuid:
		switch u := v.(type) {
		case core.Uuid:
			return u, nil
		case core.Str:
			parsed, err := uuid.Parse(string(u))
			if err == nil {
				return core.Uuid(parsed), nil
			}
		}
	case TypeJson:
		if j, ok := v.(core.Json); ok {
			return j, nil
		}
		if s, ok := v.(core.Str); ok {
			if j, err := core.NewJson([]byte(s)); err == nil {
				return j, nil
			}
		}
	case TypeValidity:
		return coerceValidity(v, curVld)
	case TypeList:
		switch l := v.(type) {
		case core.List:
			return coerceListElems(l, t.Elem, curVld)
		case core.Set:
			return coerceListElems(core.List(l), t.Elem, curVld)
		}
	case TypeVec:
		switch vec := v.(type) {
		case core.Vec:
			if t.VecLen != 0 && vec.Len() != t.VecLen {
				return nil, fmt.Errorf("vector length mismatch: expected %d, got %d", t.VecLen, vec.Len())
			}
			return vec, nil
		case core.List:
			out := make([]float64, len(vec))
			for i, el := range vec {
				f, ok := core.NumVal(el)
				if !ok {
					return nil, fmt.Errorf("vector element must be a number, got %s", el.Kind())
				}
				out[i] = f
			}
			if t.VecLen != 0 && len(out) != t.VecLen {
				return nil, fmt.Errorf("vector length mismatch: expected %d, got %d", t.VecLen, len(out))
			}
			if t.VecWidth == 32 {
				narrow := make([]float32, len(out))
				for i, f := range out {
					narrow[i] = float32(f)
				}
				return core.Vec{F32: narrow}, nil
			}
			return core.Vec{F64: out}, nil
		}
	}
	return nil, fmt.Errorf("value %s cannot be coerced into %s", core.String(v), t)
}

func coerceListElems(l core.List, elem *ColSpec, curVld core.Validity) (core.Value, error) {
	if elem == nil {
		return l, nil
	}
	out := make(core.List, len(l))
	for i, el := range l {
		c, err := elem.Coerce(el, curVld)
		if err != nil {
			return nil, fmt.Errorf("list element %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func coerceValidity(v core.Value, curVld core.Validity) (core.Value, error) {
	switch t := v.(type) {
	case core.Validity:
		return t, nil
	case core.Int:
		return core.Validity{Ts: int64(t), Assert: true}, nil
	case core.List:
		if len(t) == 2 {
			ts, okTs := core.IntVal(t[0])
			flag, okFlag := t[1].(core.Bool)
			if okTs && okFlag {
				return core.Validity{Ts: ts, Assert: bool(flag)}, nil
			}
		}
	case core.Str:
		switch string(t) {
		case "ASSERT":
			return core.Validity{Ts: curVld.Ts, Assert: true}, nil
		case "RETRACT":
			return core.Validity{Ts: curVld.Ts, Assert: false}, nil
		}
		if parsed, err := time.Parse(time.RFC3339, string(t)); err == nil {
			return core.ValidityAt(parsed), nil
		}
	}
	return nil, fmt.Errorf("value %s cannot be coerced into Validity", core.String(v))
}

// ColumnDef describes one stored column.
type ColumnDef struct {
	Name    string       `json:"name"`
	Spec    ColSpec      `json:"spec"`
	Default *expr.Serial `json:"default,omitempty"`
}

// DefaultExpr reconstructs the default-value expression, or nil.
func (c *ColumnDef) DefaultExpr() (expr.Expr, error) {
	if c.Default == nil {
		return nil, nil
	}
	return expr.FromSerial(c.Default)
}

// IndexMeta links a secondary index to its backing relation. Extractor maps
// each index column to the source position in the base row (keys then
// values).
type IndexMeta struct {
	Name      string `json:"name"`
	RelID     uint32 `json:"rel_id"`
	Extractor []int  `json:"extractor"`
}

// RelationMeta is the catalog record of a stored relation.
type RelationMeta struct {
	Name            string      `json:"name"`
	ID              uint32      `json:"id"`
	Keys            []ColumnDef `json:"keys"`
	NonKeys         []ColumnDef `json:"non_keys,omitempty"`
	Access          AccessLevel `json:"access"`
	Indices         []IndexMeta `json:"indices,omitempty"`
	PutTriggers     []string    `json:"put_triggers,omitempty"`
	RmTriggers      []string    `json:"rm_triggers,omitempty"`
	ReplaceTriggers []string    `json:"replace_triggers,omitempty"`
	// IsIndex marks backing relations of indices; they are hidden from
	// listings and from direct queries.
	IsIndex bool `json:"is_index,omitempty"`
}

// Arity is the total column count.
func (r *RelationMeta) Arity() int { return len(r.Keys) + len(r.NonKeys) }

// KeyArity is the number of key columns.
func (r *RelationMeta) KeyArity() int { return len(r.Keys) }

// HasTriggers reports whether any trigger script is attached.
func (r *RelationMeta) HasTriggers() bool {
	return len(r.PutTriggers) > 0 || len(r.RmTriggers) > 0 || len(r.ReplaceTriggers) > 0
}

// ColumnNames lists keys then non-keys.
func (r *RelationMeta) ColumnNames() []string {
	out := make([]string, 0, r.Arity())
	for _, c := range r.Keys {
		out = append(out, c.Name)
	}
	for _, c := range r.NonKeys {
		out = append(out, c.Name)
	}
	return out
}

// ColumnPos finds a column position across keys and non-keys, or -1.
func (r *RelationMeta) ColumnPos(name string) int {
	for i, c := range r.Keys {
		if c.Name == name {
			return i
		}
	}
	for i, c := range r.NonKeys {
		if c.Name == name {
			return len(r.Keys) + i
		}
	}
	return -1
}

// SupportsValidity reports whether the last key column is a non-null
// Validity, the precondition for `@ vld` scans.
func (r *RelationMeta) SupportsValidity() bool {
	if len(r.Keys) == 0 {
		return false
	}
	return r.Keys[len(r.Keys)-1].Spec.IsValidity()
}

// IndexPosUse classifies how a scan uses each column position, for access
// path selection.
type IndexPosUse uint8

const (
	PosJoin IndexPosUse = iota
	PosBindForLater
	PosIgnored
)

// IndexChoice is the outcome of access path selection: scan Index, mapping
// its columns back through Mapper; when NeedsJoin is set the index is not
// covering and the base relation must be joined on its keys.
type IndexChoice struct {
	Index  IndexMeta
	Mapper []int
	// NeedsJoin reports a non-covering index.
	NeedsJoin bool
}

// ChooseIndex picks the access path for the given position usage. It returns
// nil when scanning the base relation directly is at least as good: the base
// wins ties, validity scans always use the base, and an index must offer a
// strictly longer bound key prefix to be chosen. Ties between indices break
// by relation id.
func (r *RelationMeta) ChooseIndex(posUses []IndexPosUse, hasValidity bool) *IndexChoice {
	if hasValidity || len(r.Indices) == 0 {
		return nil
	}
	basePrefix := 0
	for i := 0; i < len(r.Keys); i++ {
		if posUses[i] != PosJoin {
			break
		}
		basePrefix++
	}
	var best *IndexChoice
	bestPrefix := basePrefix
	indices := append([]IndexMeta{}, r.Indices...)
	sort.Slice(indices, func(i, j int) bool { return indices[i].RelID < indices[j].RelID })
	for _, idx := range indices {
		prefix := 0
		for _, src := range idx.Extractor {
			if posUses[src] != PosJoin {
				break
			}
			prefix++
		}
		if prefix > bestPrefix {
			covering := true
			inIndex := make(map[int]bool, len(idx.Extractor))
			for _, src := range idx.Extractor {
				inIndex[src] = true
			}
			for pos, use := range posUses {
				if use != PosIgnored && !inIndex[pos] {
					covering = false
					break
				}
			}
			bestPrefix = prefix
			choice := IndexChoice{Index: idx, Mapper: append([]int{}, idx.Extractor...), NeedsJoin: !covering}
			best = &choice
		}
	}
	return best
}

// Store-op byte written ahead of the value columns of every stored row.
const (
	OpBytePut byte = 0x01
	OpByteRm  byte = 0x02
)
