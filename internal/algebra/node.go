// Package algebra implements the relational algebra a rule body compiles
// into: scans over stored and derived relations, joins (prefix or
// materialized), anti-joins, filters, unification projections and reorders.
// Operators are push-based: Iter drives tuples into a callback, checking the
// query poison between rows.
package algebra

import (
	"fmt"
	"strings"

	"strata/internal/core"
	"strata/internal/program"
	"strata/internal/store"
)

// Ctx carries the per-evaluation state every operator needs: the storage
// transaction, the derived stores of the current query, the semi-naive epoch
// and delta selection, and the poison flag.
type Ctx struct {
	Tx       *store.Tx
	Stores   map[program.MagicSym]*store.MemStore
	Epoch    int
	UseDelta map[program.MagicSym]bool
	Poison   core.Poison
}

// Store resolves a derived relation.
func (c *Ctx) Store(sym program.MagicSym) (*store.MemStore, error) {
	s, ok := c.Stores[sym]
	if !ok {
		return nil, fmt.Errorf("requested rule '%s' not found", sym)
	}
	return s, nil
}

// Node is one operator of a compiled rule body.
type Node interface {
	// Bindings lists the output columns, in tuple order.
	Bindings() []core.Symbol
	// Iter streams output tuples into fn; store.ErrStopScan from fn stops
	// the iteration without error.
	Iter(ctx *Ctx, fn func(core.Tuple) error) error
	// Describe renders the node for ::explain output.
	Describe() string
}

// layoutOf maps binding names to tuple positions.
func layoutOf(bindings []core.Symbol) map[string]int {
	out := make(map[string]int, len(bindings))
	for i, b := range bindings {
		// later occurrences win; duplicates only arise from compiler
		// renames which are never referenced by expressions
		out[b.Name] = i
	}
	return out
}

func bindingNames(bindings []core.Symbol) string {
	parts := make([]string, len(bindings))
	for i, b := range bindings {
		parts[i] = b.Name
	}
	return strings.Join(parts, ", ")
}

// Unit produces a single empty tuple: the seed of every rule body.
type Unit struct{}

func (u *Unit) Bindings() []core.Symbol { return nil }

func (u *Unit) Iter(ctx *Ctx, fn func(core.Tuple) error) error {
	if err := ctx.Poison.Check(); err != nil {
		return err
	}
	if err := fn(core.Tuple{}); err != nil && err != store.ErrStopScan {
		return err
	}
	return nil
}

func (u *Unit) Describe() string { return "unit" }

// Reorder projects the inner tuples onto the target binding order, dropping
// columns the head does not export.
type Reorder struct {
	inner   Node
	targets []core.Symbol
	mapping []int
}

// NewReorder fails when a target is not produced by the inner node — the
// "unbound symbol in rule head" condition.
func NewReorder(inner Node, targets []core.Symbol) (*Reorder, error) {
	layout := layoutOf(inner.Bindings())
	mapping := make([]int, len(targets))
	for i, t := range targets {
		pos, ok := layout[t.Name]
		if !ok {
			return nil, fmt.Errorf("symbol '%s' in rule head is unbound at %s; note that symbols occurring only in negated positions are not considered bound", t.Name, t.Span)
		}
		mapping[i] = pos
	}
	return &Reorder{inner: inner, targets: targets, mapping: mapping}, nil
}

func (r *Reorder) Bindings() []core.Symbol { return r.targets }

func (r *Reorder) Iter(ctx *Ctx, fn func(core.Tuple) error) error {
	return r.inner.Iter(ctx, func(t core.Tuple) error {
		out := make(core.Tuple, len(r.mapping))
		for i, pos := range r.mapping {
			out[i] = t[pos]
		}
		return fn(out)
	})
}

func (r *Reorder) Describe() string {
	return fmt.Sprintf("reorder(%s)", bindingNames(r.targets))
}

// Describe renders a whole tree, one node per line, leaves deepest.
func Describe(n Node) []string {
	var out []string
	var walk func(node Node, depth int)
	walk = func(node Node, depth int) {
		out = append(out, strings.Repeat("  ", depth)+node.Describe())
		switch t := node.(type) {
		case *Reorder:
			walk(t.inner, depth+1)
		case *Filter:
			walk(t.inner, depth+1)
		case *Unify:
			walk(t.inner, depth+1)
		case *Join:
			walk(t.left, depth+1)
			walk(t.right, depth+1)
		case *NegJoin:
			walk(t.left, depth+1)
			walk(t.right, depth+1)
		}
	}
	walk(n, 0)
	return out
}
