package algebra

import (
	"fmt"

	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/program"
	"strata/internal/store"
)

// DerivedScan reads a derived relation (a rule's epoch store). Whether it
// reads the previous-epoch delta or the union of epochs is decided at
// iteration time from the context.
type DerivedScan struct {
	Sym      program.MagicSym
	bindings []core.Symbol
}

// NewDerivedScan builds a scan producing the atom's argument bindings.
func NewDerivedScan(sym program.MagicSym, bindings []core.Symbol) *DerivedScan {
	return &DerivedScan{Sym: sym, bindings: bindings}
}

func (d *DerivedScan) Bindings() []core.Symbol { return d.bindings }

func (d *DerivedScan) Iter(ctx *Ctx, fn func(core.Tuple) error) error {
	return d.iterPrefix(ctx, nil, fn)
}

func (d *DerivedScan) iterPrefix(ctx *Ctx, prefix []byte, fn func(core.Tuple) error) error {
	ms, err := ctx.Store(d.Sym)
	if err != nil {
		return err
	}
	delta := ctx.UseDelta[d.Sym]
	return ms.Scan(prefix, delta, ctx.Epoch, func(t core.Tuple) error {
		if err := ctx.Poison.Check(); err != nil {
			return err
		}
		return fn(t)
	})
}

// prefixExists probes the store, ignoring epochs beyond the visibility rule.
func (d *DerivedScan) prefixExists(ctx *Ctx, prefix []byte) (bool, error) {
	ms, err := ctx.Store(d.Sym)
	if err != nil {
		return false, err
	}
	return ms.PrefixExists(prefix, ctx.Epoch), nil
}

func (d *DerivedScan) Describe() string {
	return fmt.Sprintf("scan_derived(%s: %s)", d.Sym, bindingNames(d.bindings))
}

// StoredScan reads a stored relation (or one of its index relations), with
// optional time travel and an optional bound on the first key column pushed
// down from an enclosing filter.
type StoredScan struct {
	Meta     *store.RelationMeta
	ValidAt  *core.Validity
	bindings []core.Symbol
	lower    core.Value
	upper    core.Value
}

// NewStoredScan checks arity and the time-travel eligibility of the
// relation.
func NewStoredScan(meta *store.RelationMeta, bindings []core.Symbol, validAt *core.Validity, at core.Span) (*StoredScan, error) {
	if meta.Arity() != len(bindings) {
		return nil, fmt.Errorf("arity mismatch for relation application '%s': expected %d, got %d at %s",
			meta.Name, meta.Arity(), len(bindings), at)
	}
	if validAt != nil && !meta.SupportsValidity() {
		return nil, fmt.Errorf("the last key column of relation '%s' must be a non-null Validity for time travel at %s", meta.Name, at)
	}
	return &StoredScan{Meta: meta, ValidAt: validAt, bindings: bindings}, nil
}

func (s *StoredScan) Bindings() []core.Symbol { return s.bindings }

// SetBound records a range on the first key column; installed by Filter when
// a range is derivable. Iter uses it only when it pins a single value (a
// one-key prefix scan) or is the empty Bot sentinel (no rows); any other
// range leaves the scan full and the filter does the narrowing.
func (s *StoredScan) SetBound(lower, upper core.Value) {
	s.lower, s.upper = lower, upper
}

func (s *StoredScan) Iter(ctx *Ctx, fn func(core.Tuple) error) error {
	var prefix []byte
	if s.lower != nil {
		if _, isBot := s.lower.(core.Bot); isBot {
			return nil // statically empty range
		}
		if s.upper != nil && core.Compare(s.lower, s.upper) == 0 {
			// an equality bound narrows to a single-key prefix
			prefix = core.AppendValue(nil, s.lower)
		}
	}
	return s.iterPrefix(ctx, prefix, fn)
}

func (s *StoredScan) iterPrefix(ctx *Ctx, keyPrefix []byte, fn func(core.Tuple) error) error {
	emit := func(row core.Tuple) error {
		if err := ctx.Poison.Check(); err != nil {
			return err
		}
		if len(row) != len(s.bindings) {
			return fmt.Errorf("stored row of '%s' has %d columns, operator expects %d", s.Meta.Name, len(row), len(s.bindings))
		}
		return fn(row)
	}
	if s.ValidAt != nil {
		return ctx.Tx.ScanRelationAt(s.Meta, keyPrefix, *s.ValidAt, emit)
	}
	return ctx.Tx.ScanRelation(s.Meta, keyPrefix, emit)
}

func (s *StoredScan) prefixExists(ctx *Ctx, keyPrefix []byte) (bool, error) {
	if s.ValidAt != nil {
		found := false
		err := ctx.Tx.ScanRelationAt(s.Meta, keyPrefix, *s.ValidAt, func(core.Tuple) error {
			found = true
			return store.ErrStopScan
		})
		return found, err
	}
	return ctx.Tx.RelationKeyExists(s.Meta, keyPrefix)
}

// prefixWidth reports how many leading columns a prefix scan may constrain.
func (s *StoredScan) prefixWidth() int {
	if s.ValidAt != nil {
		// time travel controls its own seeks within key groups
		return s.Meta.KeyArity() - 1
	}
	return s.Meta.KeyArity()
}

func (s *StoredScan) Describe() string {
	if s.ValidAt != nil {
		return fmt.Sprintf("scan_stored(%s @ %d: %s)", s.Meta.Name, s.ValidAt.Ts, bindingNames(s.bindings))
	}
	return fmt.Sprintf("scan_stored(%s: %s)", s.Meta.Name, bindingNames(s.bindings))
}

// Filter keeps tuples whose predicate holds. Building it resolves the
// expression against the inner layout and pushes a derivable bound on a
// directly wrapped stored scan.
type Filter struct {
	inner Node
	pred  expr.Expr
}

// NewFilter resolves binding indices and attempts bound pushdown.
func NewFilter(inner Node, pred expr.Expr) (*Filter, error) {
	if err := expr.FillBindingIndices(pred, layoutOf(inner.Bindings())); err != nil {
		return nil, err
	}
	if scan, ok := inner.(*StoredScan); ok && len(scan.bindings) > 0 {
		r := expr.ExtractBound(pred, scan.bindings[0])
		if !r.IsFull() {
			scan.SetBound(r.Lower, r.Upper)
		}
	}
	return &Filter{inner: inner, pred: pred}, nil
}

func (f *Filter) Bindings() []core.Symbol { return f.inner.Bindings() }

func (f *Filter) Iter(ctx *Ctx, fn func(core.Tuple) error) error {
	return f.inner.Iter(ctx, func(t core.Tuple) error {
		v, err := expr.Eval(f.pred, t)
		if err != nil {
			return err
		}
		hold, ok := v.(core.Bool)
		if !ok {
			return fmt.Errorf("predicate at %s evaluated to %s, want Bool", f.pred.Span(), v.Kind())
		}
		if !bool(hold) {
			return nil
		}
		return fn(t)
	})
}

func (f *Filter) Describe() string {
	return fmt.Sprintf("filter(%s)", expr.String(f.pred))
}

// Unify appends the value of an expression as a fresh column; in one-many
// mode the expression yields a list and the inner tuple fans out over its
// elements.
type Unify struct {
	inner   Node
	v       core.Symbol
	e       expr.Expr
	oneMany bool
}

// NewUnify resolves the expression against the inner layout.
func NewUnify(inner Node, v core.Symbol, e expr.Expr, oneMany bool) (*Unify, error) {
	if err := expr.FillBindingIndices(e, layoutOf(inner.Bindings())); err != nil {
		return nil, err
	}
	return &Unify{inner: inner, v: v, e: e, oneMany: oneMany}, nil
}

func (u *Unify) Bindings() []core.Symbol {
	return append(append([]core.Symbol{}, u.inner.Bindings()...), u.v)
}

func (u *Unify) Iter(ctx *Ctx, fn func(core.Tuple) error) error {
	return u.inner.Iter(ctx, func(t core.Tuple) error {
		v, err := expr.Eval(u.e, t)
		if err != nil {
			return err
		}
		if !u.oneMany {
			return fn(append(t.Clone(), v))
		}
		var elems []core.Value
		switch l := v.(type) {
		case core.List:
			elems = l
		case core.Set:
			elems = l
		default:
			return fmt.Errorf("a multi-valued unification requires a List, got %s at %s", v.Kind(), u.e.Span())
		}
		for _, el := range elems {
			if err := ctx.Poison.Check(); err != nil {
				return err
			}
			if err := fn(append(t.Clone(), el)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (u *Unify) Describe() string {
	kind := "unify"
	if u.oneMany {
		kind = "unify_many"
	}
	return fmt.Sprintf("%s(%s <- %s)", kind, u.v.Name, expr.String(u.e))
}
