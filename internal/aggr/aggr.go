// Package aggr implements the head aggregations of the query language. An
// aggregation is either a meet (idempotent, monotone update over a
// semilattice, applied in place during the fixpoint loop) or normal
// (accumulator fed once per tuple after the loop). Every meet aggregation
// also provides a normal form so it can appear in non-recursive heads mixed
// with normal ones.
package aggr

import (
	"fmt"

	"strata/internal/core"
)

// Normal is a per-group accumulator: Set once per tuple, Get once at the end.
type Normal interface {
	Set(v core.Value) error
	Get() (core.Value, error)
}

// Meet updates an accumulator value in place. The returned flag reports
// whether the accumulator changed, which drives further fixpoint epochs.
type Meet interface {
	Init() core.Value
	Update(acc core.Value, v core.Value) (core.Value, bool, error)
}

// Aggregation is a named entry in the registry. NewMeet is nil for normal
// aggregations.
type Aggregation struct {
	Name      string
	IsMeet    bool
	NewNormal func(args []core.Value) (Normal, error)
	NewMeet   func(args []core.Value) (Meet, error)
}

// Application is an aggregation applied in a rule head, with any extra
// constant arguments (e.g. the limit of collect(x, 10)).
type Application struct {
	Aggr *Aggregation
	Args []core.Value
	At   core.Span
}

// Normal instantiates the accumulator form.
func (a *Application) Normal() (Normal, error) { return a.Aggr.NewNormal(a.Args) }

// Meet instantiates the in-place form; only valid when Aggr.IsMeet.
func (a *Application) Meet() (Meet, error) {
	if a.Aggr.NewMeet == nil {
		return nil, fmt.Errorf("aggregation '%s' has no meet form", a.Aggr.Name)
	}
	return a.Aggr.NewMeet(a.Args)
}

var registry = map[string]*Aggregation{}

func register(a *Aggregation) *Aggregation {
	if _, dup := registry[a.Name]; dup {
		panic("duplicate aggregation " + a.Name)
	}
	registry[a.Name] = a
	return a
}

// Lookup finds an aggregation by name.
func Lookup(name string) (*Aggregation, bool) {
	a, ok := registry[name]
	return a, ok
}
