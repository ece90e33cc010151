// Package expr implements expression trees over core values: evaluation
// against a bound tuple, partial evaluation with constant folding, binding
// index resolution, and extraction of scan ranges from comparison conjuncts.
package expr

import (
	"fmt"

	"strata/internal/core"
)

// Expr is a closed sum: *Binding, *Const, *Apply, *Cond, *Try.
type Expr interface {
	Span() core.Span
}

// Binding references a variable. TuplePos is assigned by
// FillBindingIndices after compilation fixes the tuple layout; evaluation
// before that fails with an unbound error.
type Binding struct {
	Var      core.Symbol
	TuplePos *int
}

func (b *Binding) Span() core.Span { return b.Var.Span }

// Const wraps a literal value.
type Const struct {
	Val core.Value
	At  core.Span
}

func (c *Const) Span() core.Span { return c.At }

// Apply applies a registered operator to argument expressions.
type Apply struct {
	Op   *Op
	Args []Expr
	At   core.Span
}

func (a *Apply) Span() core.Span { return a.At }

// CondClause is one arm of a Cond.
type CondClause struct {
	Cond Expr
	Val  Expr
}

// Cond evaluates clause conditions in order and yields the value of the
// first one that holds, or Null when none match.
type Cond struct {
	Clauses []CondClause
	At      core.Span
}

func (c *Cond) Span() core.Span { return c.At }

// Try evaluates arguments in order and yields the first success, or the last
// error when all fail.
type Try struct {
	Args []Expr
	At   core.Span
}

func (t *Try) Span() core.Span { return t.At }

// NewConst builds a constant with an empty span.
func NewConst(v core.Value) *Const { return &Const{Val: v} }

// NewBinding builds an unresolved variable reference.
func NewBinding(sym core.Symbol) *Binding { return &Binding{Var: sym} }

// NewApply looks the operator up by name and checks arity.
func NewApply(name string, args []Expr, at core.Span) (*Apply, error) {
	op, ok := LookupOp(name)
	if !ok {
		return nil, fmt.Errorf("unknown function '%s' at %s", name, at)
	}
	if err := op.checkArity(len(args), at); err != nil {
		return nil, err
	}
	return &Apply{Op: op, Args: args, At: at}, nil
}

func (o *Op) checkArity(n int, at core.Span) error {
	if o.VarArity {
		if n < o.MinArity {
			return fmt.Errorf("'%s' requires at least %d argument(s), got %d at %s", o.Name, o.MinArity, n, at)
		}
		return nil
	}
	if n != o.MinArity {
		return fmt.Errorf("'%s' requires %d argument(s), got %d at %s", o.Name, o.MinArity, n, at)
	}
	return nil
}

// Eval evaluates e against the bound tuple.
func Eval(e Expr, bindings core.Tuple) (core.Value, error) {
	switch t := e.(type) {
	case *Const:
		return t.Val, nil
	case *Binding:
		if t.TuplePos == nil {
			return nil, fmt.Errorf("variable '%s' is unbound at %s", t.Var.Name, t.Var.Span)
		}
		if *t.TuplePos >= len(bindings) {
			return nil, fmt.Errorf("binding index %d out of range for '%s'", *t.TuplePos, t.Var.Name)
		}
		return bindings[*t.TuplePos], nil
	case *Apply:
		args := make([]core.Value, len(t.Args))
		for i, a := range t.Args {
			v, err := Eval(a, bindings)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		out, err := t.Op.Fn(args)
		if err != nil {
			return nil, fmt.Errorf("'%s' at %s: %w", t.Op.Name, t.At, err)
		}
		return out, nil
	case *Cond:
		for _, cl := range t.Clauses {
			cv, err := Eval(cl.Cond, bindings)
			if err != nil {
				return nil, err
			}
			hold, ok := cv.(core.Bool)
			if !ok {
				return nil, fmt.Errorf("cond condition evaluated to %s, want Bool at %s", cv.Kind(), cl.Cond.Span())
			}
			if bool(hold) {
				return Eval(cl.Val, bindings)
			}
		}
		return core.Null{}, nil
	case *Try:
		var lastErr error
		for _, a := range t.Args {
			v, err := Eval(a, bindings)
			if err == nil {
				return v, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			return core.Null{}, nil
		}
		return nil, lastErr
	}
	return nil, fmt.Errorf("unknown expression %T", e)
}

// EvalConst evaluates an expression that must not reference variables.
func EvalConst(e Expr) (core.Value, error) {
	folded, err := PartialEval(e)
	if err != nil {
		return nil, err
	}
	c, ok := folded.(*Const)
	if !ok {
		return nil, fmt.Errorf("expression at %s is required to be constant", e.Span())
	}
	return c.Val, nil
}

// FillBindingIndices assigns tuple positions to every Binding according to
// the variable layout. Unknown variables are an error: by this point the
// compiler has decided the full tuple shape.
func FillBindingIndices(e Expr, layout map[string]int) error {
	switch t := e.(type) {
	case *Const:
		return nil
	case *Binding:
		pos, ok := layout[t.Var.Name]
		if !ok {
			return fmt.Errorf("variable '%s' at %s not found in tuple layout", t.Var.Name, t.Var.Span)
		}
		p := pos
		t.TuplePos = &p
		return nil
	case *Apply:
		for _, a := range t.Args {
			if err := FillBindingIndices(a, layout); err != nil {
				return err
			}
		}
		return nil
	case *Cond:
		for _, cl := range t.Clauses {
			if err := FillBindingIndices(cl.Cond, layout); err != nil {
				return err
			}
			if err := FillBindingIndices(cl.Val, layout); err != nil {
				return err
			}
		}
		return nil
	case *Try:
		for _, a := range t.Args {
			if err := FillBindingIndices(a, layout); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown expression %T", e)
}

// CollectVars adds every referenced variable name to out.
func CollectVars(e Expr, out map[string]core.Symbol) {
	switch t := e.(type) {
	case *Binding:
		out[t.Var.Name] = t.Var
	case *Apply:
		for _, a := range t.Args {
			CollectVars(a, out)
		}
	case *Cond:
		for _, cl := range t.Clauses {
			CollectVars(cl.Cond, out)
			CollectVars(cl.Val, out)
		}
	case *Try:
		for _, a := range t.Args {
			CollectVars(a, out)
		}
	}
}

// Clone deep-copies an expression tree. Binding positions are copied so a
// shared subtree can be refilled independently.
func Clone(e Expr) Expr {
	switch t := e.(type) {
	case *Const:
		return &Const{Val: t.Val, At: t.At}
	case *Binding:
		out := &Binding{Var: t.Var}
		if t.TuplePos != nil {
			p := *t.TuplePos
			out.TuplePos = &p
		}
		return out
	case *Apply:
		args := make([]Expr, len(t.Args))
		for i, a := range t.Args {
			args[i] = Clone(a)
		}
		return &Apply{Op: t.Op, Args: args, At: t.At}
	case *Cond:
		cls := make([]CondClause, len(t.Clauses))
		for i, cl := range t.Clauses {
			cls[i] = CondClause{Cond: Clone(cl.Cond), Val: Clone(cl.Val)}
		}
		return &Cond{Clauses: cls, At: t.At}
	case *Try:
		args := make([]Expr, len(t.Args))
		for i, a := range t.Args {
			args[i] = Clone(a)
		}
		return &Try{Args: args, At: t.At}
	}
	panic(fmt.Sprintf("unknown expression %T", e))
}

// String renders an expression for diagnostics and explain output.
func String(e Expr) string {
	switch t := e.(type) {
	case *Const:
		return core.String(t.Val)
	case *Binding:
		return t.Var.Name
	case *Apply:
		s := t.Op.Name + "("
		for i, a := range t.Args {
			if i > 0 {
				s += ", "
			}
			s += String(a)
		}
		return s + ")"
	case *Cond:
		s := "cond {"
		for i, cl := range t.Clauses {
			if i > 0 {
				s += ", "
			}
			s += String(cl.Cond) + " -> " + String(cl.Val)
		}
		return s + "}"
	case *Try:
		s := "try("
		for i, a := range t.Args {
			if i > 0 {
				s += ", "
			}
			s += String(a)
		}
		return s + ")"
	}
	return fmt.Sprintf("%T", e)
}
