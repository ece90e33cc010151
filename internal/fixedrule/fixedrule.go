// Package fixedrule hosts the fixed rules: graph algorithms and tabular
// utilities invoked with `<~`, plus the Constant rule backing `<-` bodies
// and trigger-injected tuple sets. Implementations satisfy one interface and
// register by name; the evaluator resolves them when a stratum containing a
// fixed-rule application runs.
package fixedrule

import (
	"fmt"
	"sort"
	"strings"

	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/store"
)

// Impl is the fixed-rule contract. InitOptions may canonicalize the option
// map; Arity must report the exact output width; Run writes output tuples
// and checks the poison between units of work.
type Impl interface {
	InitOptions(opts map[string]expr.Expr, at core.Span) error
	Arity(opts map[string]expr.Expr, head []core.Symbol, at core.Span) (int, error)
	Run(p *Payload, out *store.MemStore, poison core.Poison) error
}

// NoOptions is embedded by rules that take their options as-is.
type NoOptions struct{}

// InitOptions does nothing.
func (NoOptions) InitOptions(map[string]expr.Expr, core.Span) error { return nil }

var registry = map[string]Impl{}

// Register adds an implementation; duplicate names are a programming error.
func Register(name string, impl Impl) {
	if _, dup := registry[name]; dup {
		panic("duplicate fixed rule " + name)
	}
	registry[name] = impl
}

// Lookup resolves a fixed rule by name.
func Lookup(name string) (Impl, bool) {
	impl, ok := registry[name]
	return impl, ok
}

// Names lists registered rules, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Input is one relation argument: an in-memory derived store or a stored
// relation.
type Input struct {
	mem     *store.MemStore
	memLen  int
	tx      *store.Tx
	meta    *store.RelationMeta
	validAt *core.Validity
	at      core.Span
}

// MemInput wraps a finalized derived store.
func MemInput(ms *store.MemStore, arity int, at core.Span) Input {
	return Input{mem: ms, memLen: arity, at: at}
}

// StoredInput wraps a stored relation.
func StoredInput(tx *store.Tx, meta *store.RelationMeta, validAt *core.Validity, at core.Span) Input {
	return Input{tx: tx, meta: meta, validAt: validAt, at: at}
}

// Arity is the tuple width the input yields.
func (in Input) Arity() int {
	if in.mem != nil {
		return in.memLen
	}
	return in.meta.Arity()
}

// Span locates the argument in the source.
func (in Input) Span() core.Span { return in.at }

// Iter streams every tuple.
func (in Input) Iter(fn func(core.Tuple) error) error {
	if in.mem != nil {
		return in.mem.ScanAll(fn)
	}
	if in.validAt != nil {
		return in.tx.ScanRelationAt(in.meta, nil, *in.validAt, fn)
	}
	return in.tx.ScanRelation(in.meta, nil, fn)
}

// PrefixIter streams tuples whose first column equals v.
func (in Input) PrefixIter(v core.Value, fn func(core.Tuple) error) error {
	prefix := core.AppendValue(nil, v)
	if in.mem != nil {
		return in.mem.Scan(prefix, false, 0, fn)
	}
	if in.validAt != nil {
		return in.tx.ScanRelationAt(in.meta, prefix, *in.validAt, fn)
	}
	return in.tx.ScanRelation(in.meta, prefix, fn)
}

// Edge is one weighted edge read from an edge-list input.
type Edge struct {
	From   core.Value
	To     core.Value
	Weight float64
}

// Edges interprets the input as an edge list: two node columns and an
// optional numeric weight (default 1).
func (in Input) Edges() ([]Edge, error) {
	if in.Arity() < 2 {
		return nil, fmt.Errorf("edge-list input requires at least two columns at %s", in.at)
	}
	var out []Edge
	err := in.Iter(func(t core.Tuple) error {
		e := Edge{From: t[0], To: t[1], Weight: 1}
		if len(t) > 2 {
			w, ok := core.NumVal(t[2])
			if !ok {
				return fmt.Errorf("bad edge weight %s at %s", core.String(t[2]), in.at)
			}
			if w < 0 {
				return fmt.Errorf("edge weight must be non-negative, got %s at %s", core.String(t[2]), in.at)
			}
			e.Weight = w
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Nodes reads the first column of every tuple.
func (in Input) Nodes() ([]core.Value, error) {
	var out []core.Value
	err := in.Iter(func(t core.Tuple) error {
		if len(t) == 0 {
			return fmt.Errorf("empty tuple in node input at %s", in.at)
		}
		out = append(out, t[0])
		return nil
	})
	return out, err
}

// Payload carries a fixed rule's inputs and options.
type Payload struct {
	Tx      *store.Tx
	Inputs  []Input
	Options map[string]expr.Expr
	At      core.Span
}

// Input fetches the idx-th relation argument.
func (p *Payload) Input(idx int) (Input, error) {
	if idx >= len(p.Inputs) {
		return Input{}, fmt.Errorf("fixed rule requires at least %d relation argument(s) at %s", idx+1, p.At)
	}
	return p.Inputs[idx], nil
}

// option helpers: each evaluates the named option as a constant.

func optValue(opts map[string]expr.Expr, name string) (core.Value, bool, error) {
	e, ok := opts[name]
	if !ok {
		return nil, false, nil
	}
	v, err := expr.EvalConst(e)
	if err != nil {
		return nil, false, fmt.Errorf("option '%s' must be a constant: %w", name, err)
	}
	return v, true, nil
}

// StrOption reads a string option with a default.
func (p *Payload) StrOption(name, dflt string) (string, error) {
	v, ok, err := optValue(p.Options, name)
	if err != nil {
		return "", err
	}
	if !ok {
		if dflt == "" {
			return "", fmt.Errorf("option '%s' is required at %s", name, p.At)
		}
		return dflt, nil
	}
	s, isStr := v.(core.Str)
	if !isStr {
		return "", fmt.Errorf("option '%s' must be a string, got %s", name, v.Kind())
	}
	return string(s), nil
}

// RequiredStrOption reads a mandatory string option.
func (p *Payload) RequiredStrOption(name string) (string, error) {
	v, ok, err := optValue(p.Options, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("option '%s' is required at %s", name, p.At)
	}
	s, isStr := v.(core.Str)
	if !isStr {
		return "", fmt.Errorf("option '%s' must be a string, got %s", name, v.Kind())
	}
	return string(s), nil
}

// IntOption reads an integer option with a default.
func (p *Payload) IntOption(name string, dflt int64) (int64, error) {
	v, ok, err := optValue(p.Options, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return dflt, nil
	}
	n, isInt := core.IntVal(v)
	if !isInt {
		return 0, fmt.Errorf("option '%s' must be an integer, got %s", name, v.Kind())
	}
	return n, nil
}

// FloatOption reads a float option with a default.
func (p *Payload) FloatOption(name string, dflt float64) (float64, error) {
	v, ok, err := optValue(p.Options, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return dflt, nil
	}
	f, isNum := core.NumVal(v)
	if !isNum {
		return 0, fmt.Errorf("option '%s' must be a number, got %s", name, v.Kind())
	}
	return f, nil
}

// BoolOption reads a boolean option with a default.
func (p *Payload) BoolOption(name string, dflt bool) (bool, error) {
	v, ok, err := optValue(p.Options, name)
	if err != nil {
		return dflt, err
	}
	if !ok {
		return dflt, nil
	}
	b, isBool := v.(core.Bool)
	if !isBool {
		return false, fmt.Errorf("option '%s' must be a boolean, got %s", name, v.Kind())
	}
	return bool(b), nil
}

// ListOption reads a list option.
func (p *Payload) ListOption(name string) (core.List, bool, error) {
	v, ok, err := optValue(p.Options, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	l, isList := v.(core.List)
	if !isList {
		return nil, true, fmt.Errorf("option '%s' must be a list, got %s", name, v.Kind())
	}
	return l, true, nil
}

// keyFor builds a map key for arbitrary node values.
func keyFor(v core.Value) string { return string(core.AppendValue(nil, v)) }

// typeNameToParser maps ReadCsv column type names to converters.
func typeNameToParser(name string) (func(string) (core.Value, error), error) {
	nullable := strings.HasSuffix(name, "?")
	base := strings.TrimSuffix(name, "?")
	var conv func(string) (core.Value, error)
	switch base {
	case "Int":
		conv = parseIntField
	case "Float":
		conv = parseFloatField
	case "String", "Any":
		conv = func(s string) (core.Value, error) { return core.Str(s), nil }
	default:
		return nil, fmt.Errorf("unknown column type '%s' for csv reading", name)
	}
	if !nullable {
		return conv, nil
	}
	return func(s string) (core.Value, error) {
		if s == "" {
			return core.Null{}, nil
		}
		return conv(s)
	}, nil
}
