package expr

import (
	"strata/internal/core"

	"unicode/utf8"
)

// ValueRange is an inclusive bound pair on a single variable, used to narrow
// prefix scans. Null is the open lower bound and Bot the open upper bound;
// the range is a conservative superset of the predicate, which still runs as
// a filter afterwards.
type ValueRange struct {
	Lower core.Value
	Upper core.Value
}

// FullRange covers every value.
func FullRange() ValueRange { return ValueRange{Lower: core.Null{}, Upper: core.Bot{}} }

// EmptyRange is the sentinel for a statically unsatisfiable conjunct: no row
// can match.
func EmptyRange() ValueRange { return ValueRange{Lower: core.Bot{}, Upper: core.Bot{}} }

// IsEmpty reports whether the range excludes every value.
func (r ValueRange) IsEmpty() bool {
	_, lowerBot := r.Lower.(core.Bot)
	return lowerBot
}

// IsFull reports whether the range constrains nothing.
func (r ValueRange) IsFull() bool {
	_, lo := r.Lower.(core.Null)
	_, hi := r.Upper.(core.Bot)
	return lo && hi
}

// Intersect combines two ranges on the same variable.
func (r ValueRange) Intersect(o ValueRange) ValueRange {
	out := r
	if core.Compare(o.Lower, out.Lower) > 0 {
		out.Lower = o.Lower
	}
	if core.Compare(o.Upper, out.Upper) < 0 {
		out.Upper = o.Upper
	}
	if core.Compare(out.Lower, out.Upper) > 0 {
		return EmptyRange()
	}
	return out
}

func lowerBound(v core.Value) ValueRange { return ValueRange{Lower: v, Upper: core.Bot{}} }
func upperBound(v core.Value) ValueRange { return ValueRange{Lower: core.Null{}, Upper: v} }

// ExtractBound derives a range on target from a single conjunct. Recognized
// shapes: comparisons between the bare variable and a constant on either
// side, equality, conjunctions of those, and starts_with(target, prefix).
func ExtractBound(e Expr, target core.Symbol) ValueRange {
	ap, ok := e.(*Apply)
	if !ok {
		return FullRange()
	}
	switch ap.Op {
	case OpAnd:
		out := FullRange()
		for _, a := range ap.Args {
			out = out.Intersect(ExtractBound(a, target))
		}
		return out
	case OpEq:
		if v, ok := constOpposite(ap.Args, target); ok {
			return ValueRange{Lower: v, Upper: v}
		}
	case OpGe, OpGt:
		if v, ok := matchVarConst(ap.Args, target); ok {
			return lowerBound(v)
		}
		if v, ok := matchConstVar(ap.Args, target); ok {
			return upperBound(v)
		}
	case OpLe, OpLt:
		if v, ok := matchVarConst(ap.Args, target); ok {
			return upperBound(v)
		}
		if v, ok := matchConstVar(ap.Args, target); ok {
			return lowerBound(v)
		}
	case OpStartsWith:
		b, okB := ap.Args[0].(*Binding)
		c, okC := ap.Args[1].(*Const)
		if okB && okC && b.Var.Name == target.Name {
			if s, isStr := c.Val.(core.Str); isStr {
				return ValueRange{
					Lower: s,
					Upper: core.Str(string(s) + string(utf8.MaxRune)),
				}
			}
		}
	}
	return FullRange()
}

// ExtractBoundAll intersects the bounds contributed by several conjuncts.
func ExtractBoundAll(filters []Expr, target core.Symbol) ValueRange {
	out := FullRange()
	for _, f := range filters {
		out = out.Intersect(ExtractBound(f, target))
	}
	return out
}

// matchVarConst matches [target, const].
func matchVarConst(args []Expr, target core.Symbol) (core.Value, bool) {
	b, okB := args[0].(*Binding)
	c, okC := args[1].(*Const)
	if okB && okC && b.Var.Name == target.Name {
		return c.Val, true
	}
	return nil, false
}

// matchConstVar matches [const, target].
func matchConstVar(args []Expr, target core.Symbol) (core.Value, bool) {
	c, okC := args[0].(*Const)
	b, okB := args[1].(*Binding)
	if okB && okC && b.Var.Name == target.Name {
		return c.Val, true
	}
	return nil, false
}

// constOpposite matches the variable on either side of an equality.
func constOpposite(args []Expr, target core.Symbol) (core.Value, bool) {
	if v, ok := matchVarConst(args, target); ok {
		return v, true
	}
	return matchConstVar(args, target)
}
