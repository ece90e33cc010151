package expr

import (
	"fmt"

	"strata/internal/core"
)

// Partial evaluation simplifies an expression tree short of full evaluation:
// constant subtrees fold, cond arms with decided conditions drop, and double
// boolean negation collapses. The transform is idempotent.

// PartialEval returns a simplified tree. The input is not mutated.
func PartialEval(e Expr) (Expr, error) {
	switch t := e.(type) {
	case *Const, *Binding:
		return e, nil
	case *Apply:
		args := make([]Expr, len(t.Args))
		allConst := true
		for i, a := range t.Args {
			pa, err := PartialEval(a)
			if err != nil {
				return nil, err
			}
			args[i] = pa
			if _, ok := pa.(*Const); !ok {
				allConst = false
			}
		}
		// negate(negate(x)) collapses to x; the magic-set rewrite
		// depends on this normalization.
		if t.Op == OpNegate {
			if inner, ok := args[0].(*Apply); ok && inner.Op == OpNegate {
				return inner.Args[0], nil
			}
		}
		if allConst && !t.Op.NonDeterministic {
			cvals := make([]core.Value, len(args))
			for i, a := range args {
				cvals[i] = a.(*Const).Val
			}
			out, err := t.Op.Fn(cvals)
			if err != nil {
				return nil, fmt.Errorf("'%s' at %s: %w", t.Op.Name, t.At, err)
			}
			return &Const{Val: out, At: t.At}, nil
		}
		return &Apply{Op: t.Op, Args: args, At: t.At}, nil
	case *Cond:
		var clauses []CondClause
		for _, cl := range t.Clauses {
			pc, err := PartialEval(cl.Cond)
			if err != nil {
				return nil, err
			}
			pv, err := PartialEval(cl.Val)
			if err != nil {
				return nil, err
			}
			if c, ok := pc.(*Const); ok {
				if b, isBool := c.Val.(core.Bool); isBool {
					if !bool(b) {
						continue // statically false arm
					}
					if len(clauses) == 0 {
						return pv, nil // first live arm statically true
					}
				}
			}
			clauses = append(clauses, CondClause{Cond: pc, Val: pv})
		}
		if len(clauses) == 0 {
			return &Const{Val: core.Null{}, At: t.At}, nil
		}
		return &Cond{Clauses: clauses, At: t.At}, nil
	case *Try:
		var args []Expr
		var lastErr error
		for _, a := range t.Args {
			pa, err := PartialEval(a)
			if err != nil {
				// a statically failing arm drops out here; it can
				// never succeed at runtime
				lastErr = err
				continue
			}
			args = append(args, pa)
			if _, ok := pa.(*Const); ok {
				break // first constant arm always succeeds
			}
		}
		if len(args) == 0 {
			if lastErr != nil {
				return nil, lastErr
			}
			return &Const{Val: core.Null{}, At: t.At}, nil
		}
		if len(args) == 1 {
			return args[0], nil
		}
		return &Try{Args: args, At: t.At}, nil
	}
	return e, nil
}
