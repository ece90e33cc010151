package expr

import (
	"encoding/base64"
	"fmt"

	"strata/internal/core"
)

// Serialized expression form, used to persist column defaults in the catalog.
// Operators are recorded by name only and resolved against the registry on
// load.

// Serial is the JSON-marshallable shape of an expression tree.
type Serial struct {
	Const   string       `json:"const,omitempty"` // base64 of the codec form
	Var     string       `json:"var,omitempty"`
	Op      string       `json:"op,omitempty"`
	Args    []*Serial    `json:"args,omitempty"`
	Clauses [][2]*Serial `json:"clauses,omitempty"`
	Try     []*Serial    `json:"try,omitempty"`
}

// ToSerial converts an expression for persistence.
func ToSerial(e Expr) (*Serial, error) {
	switch t := e.(type) {
	case *Const:
		return &Serial{Const: base64.StdEncoding.EncodeToString(core.AppendValue(nil, t.Val))}, nil
	case *Binding:
		return &Serial{Var: t.Var.Name}, nil
	case *Apply:
		args := make([]*Serial, len(t.Args))
		for i, a := range t.Args {
			s, err := ToSerial(a)
			if err != nil {
				return nil, err
			}
			args[i] = s
		}
		return &Serial{Op: t.Op.Name, Args: args}, nil
	case *Cond:
		clauses := make([][2]*Serial, len(t.Clauses))
		for i, cl := range t.Clauses {
			c, err := ToSerial(cl.Cond)
			if err != nil {
				return nil, err
			}
			v, err := ToSerial(cl.Val)
			if err != nil {
				return nil, err
			}
			clauses[i] = [2]*Serial{c, v}
		}
		return &Serial{Clauses: clauses}, nil
	case *Try:
		args := make([]*Serial, len(t.Args))
		for i, a := range t.Args {
			s, err := ToSerial(a)
			if err != nil {
				return nil, err
			}
			args[i] = s
		}
		return &Serial{Try: args}, nil
	}
	return nil, fmt.Errorf("cannot serialize expression %T", e)
}

// FromSerial reconstructs an expression, resolving operator names.
func FromSerial(s *Serial) (Expr, error) {
	switch {
	case s.Const != "":
		raw, err := base64.StdEncoding.DecodeString(s.Const)
		if err != nil {
			return nil, fmt.Errorf("corrupt constant in catalog: %w", err)
		}
		v, rest, err := core.DecodeValue(raw)
		if err != nil || len(rest) != 0 {
			return nil, fmt.Errorf("corrupt constant in catalog")
		}
		return &Const{Val: v}, nil
	case s.Var != "":
		return &Binding{Var: core.Sym(s.Var, core.Span{})}, nil
	case s.Op != "":
		op, ok := LookupOp(s.Op)
		if !ok {
			return nil, fmt.Errorf("unknown operator '%s' in catalog", s.Op)
		}
		args := make([]Expr, len(s.Args))
		for i, a := range s.Args {
			e, err := FromSerial(a)
			if err != nil {
				return nil, err
			}
			args[i] = e
		}
		return &Apply{Op: op, Args: args}, nil
	case s.Clauses != nil:
		clauses := make([]CondClause, len(s.Clauses))
		for i, cl := range s.Clauses {
			c, err := FromSerial(cl[0])
			if err != nil {
				return nil, err
			}
			v, err := FromSerial(cl[1])
			if err != nil {
				return nil, err
			}
			clauses[i] = CondClause{Cond: c, Val: v}
		}
		return &Cond{Clauses: clauses}, nil
	case s.Try != nil:
		args := make([]Expr, len(s.Try))
		for i, a := range s.Try {
			e, err := FromSerial(a)
			if err != nil {
				return nil, err
			}
			args[i] = e
		}
		return &Try{Args: args}, nil
	}
	// the zero Serial is a Null constant whose base64 is empty only if it
	// was never set; treat as corrupt rather than guessing
	return nil, fmt.Errorf("empty serialized expression")
}
