package aggr

import (
	"fmt"

	"strata/internal/core"
)

// Meet aggregations. Each Update is idempotent and monotone over its
// semilattice, so the fixpoint may apply it in any order and converge to the
// same value.

// meetFromFn adapts a pure (acc, v) -> (acc', changed) function.
type meetFn struct {
	init core.Value
	fn   func(acc, v core.Value) (core.Value, bool, error)
}

func (m meetFn) Init() core.Value { return m.init }
func (m meetFn) Update(acc, v core.Value) (core.Value, bool, error) {
	return m.fn(acc, v)
}

// normalViaMeet derives the accumulator form from the meet form.
type normalViaMeet struct {
	meet  Meet
	acc   core.Value
	empty bool
}

func (n *normalViaMeet) Set(v core.Value) error {
	if n.empty {
		n.acc = n.meet.Init()
		n.empty = false
	}
	acc, _, err := n.meet.Update(n.acc, v)
	if err != nil {
		return err
	}
	n.acc = acc
	return nil
}

func (n *normalViaMeet) Get() (core.Value, error) {
	if n.empty {
		return n.meet.Init(), nil
	}
	return n.acc, nil
}

func registerMeet(name string, mk func(args []core.Value) (Meet, error)) *Aggregation {
	return register(&Aggregation{
		Name:    name,
		IsMeet:  true,
		NewMeet: mk,
		NewNormal: func(args []core.Value) (Normal, error) {
			m, err := mk(args)
			if err != nil {
				return nil, err
			}
			return &normalViaMeet{meet: m, empty: true}, nil
		},
	})
}

func wantBool(name string, v core.Value) (bool, error) {
	b, ok := v.(core.Bool)
	if !ok {
		return false, fmt.Errorf("'%s' expects Bool, got %s", name, v.Kind())
	}
	return bool(b), nil
}

var (
	// AggrAnd: conjunction, identity true.
	AggrAnd = registerMeet("and", func([]core.Value) (Meet, error) {
		return meetFn{init: core.Bool(true), fn: func(acc, v core.Value) (core.Value, bool, error) {
			a, err := wantBool("and", acc)
			if err != nil {
				return nil, false, err
			}
			b, err := wantBool("and", v)
			if err != nil {
				return nil, false, err
			}
			out := a && b
			return core.Bool(out), out != a, nil
		}}, nil
	})

	AggrOr = registerMeet("or", func([]core.Value) (Meet, error) {
		return meetFn{init: core.Bool(false), fn: func(acc, v core.Value) (core.Value, bool, error) {
			a, err := wantBool("or", acc)
			if err != nil {
				return nil, false, err
			}
			b, err := wantBool("or", v)
			if err != nil {
				return nil, false, err
			}
			out := a || b
			return core.Bool(out), out != a, nil
		}}, nil
	})

	// AggrMin / AggrMax operate on numbers; the identity is Bot / Null so
	// any real value replaces it.
	AggrMin = registerMeet("min", func([]core.Value) (Meet, error) {
		return meetFn{init: core.Bot{}, fn: func(acc, v core.Value) (core.Value, bool, error) {
			if _, ok := core.NumVal(v); !ok {
				return nil, false, fmt.Errorf("'min' applied to non-numerical value %s", core.String(v))
			}
			if _, unset := acc.(core.Bot); unset || core.Compare(v, acc) < 0 {
				return v, true, nil
			}
			return acc, false, nil
		}}, nil
	})

	AggrMax = registerMeet("max", func([]core.Value) (Meet, error) {
		return meetFn{init: core.Null{}, fn: func(acc, v core.Value) (core.Value, bool, error) {
			if _, ok := core.NumVal(v); !ok {
				return nil, false, fmt.Errorf("'max' applied to non-numerical value %s", core.String(v))
			}
			if _, unset := acc.(core.Null); unset || core.Compare(v, acc) > 0 {
				return v, true, nil
			}
			return acc, false, nil
		}}, nil
	})

	// AggrChoice keeps the first non-null value it sees.
	AggrChoice = registerMeet("choice", func([]core.Value) (Meet, error) {
		return meetFn{init: core.Null{}, fn: func(acc, v core.Value) (core.Value, bool, error) {
			if _, unset := acc.(core.Null); unset {
				if _, isNull := v.(core.Null); !isNull {
					return v, true, nil
				}
			}
			return acc, false, nil
		}}, nil
	})

	AggrUnion = registerMeet("union", func([]core.Value) (Meet, error) {
		return meetFn{init: core.Set{}, fn: func(acc, v core.Value) (core.Value, bool, error) {
			prev, ok := acc.(core.Set)
			if !ok {
				return nil, false, fmt.Errorf("'union' accumulator corrupted: %s", acc.Kind())
			}
			var add []core.Value
			switch t := v.(type) {
			case core.Set:
				add = t
			case core.List:
				add = t
			default:
				return nil, false, fmt.Errorf("'union' expects Lists or Sets, got %s", v.Kind())
			}
			out := core.MakeSet(append(append([]core.Value{}, prev...), add...))
			return out, len(out) != len(prev), nil
		}}, nil
	})

	AggrIntersection = registerMeet("intersection", func([]core.Value) (Meet, error) {
		return meetFn{init: core.Bot{}, fn: func(acc, v core.Value) (core.Value, bool, error) {
			var next core.Set
			switch t := v.(type) {
			case core.Set:
				next = t
			case core.List:
				next = core.MakeSet(t)
			default:
				return nil, false, fmt.Errorf("'intersection' expects Lists or Sets, got %s", v.Kind())
			}
			if _, unset := acc.(core.Bot); unset {
				return next, true, nil
			}
			prev, ok := acc.(core.Set)
			if !ok {
				return nil, false, fmt.Errorf("'intersection' accumulator corrupted: %s", acc.Kind())
			}
			out := intersect(prev, next)
			return out, len(out) != len(prev), nil
		}}, nil
	})

	// AggrShortest keeps the shortest list; ties keep the incumbent.
	AggrShortest = registerMeet("shortest", func([]core.Value) (Meet, error) {
		return meetFn{init: core.Null{}, fn: func(acc, v core.Value) (core.Value, bool, error) {
			l, ok := v.(core.List)
			if !ok {
				return nil, false, fmt.Errorf("'shortest' expects Lists, got %s", v.Kind())
			}
			prev, has := acc.(core.List)
			if !has {
				if _, unset := acc.(core.Null); unset {
					return l, true, nil
				}
				return nil, false, fmt.Errorf("'shortest' accumulator corrupted: %s", acc.Kind())
			}
			if len(l) < len(prev) {
				return l, true, nil
			}
			return prev, false, nil
		}}, nil
	})

	AggrBitAnd = registerMeet("bit_and", bitwiseMeet("bit_and", func(a, b byte) byte { return a & b }))
	AggrBitOr  = registerMeet("bit_or", bitwiseMeet("bit_or", func(a, b byte) byte { return a | b }))

	// AggrMinCost takes [value, cost] pairs and keeps the pair with the
	// smallest cost. A bare numeric input is treated as its own cost, so
	// plain costs degrade to min.
	AggrMinCost = registerMeet("min_cost", func([]core.Value) (Meet, error) {
		return meetFn{init: core.Null{}, fn: func(acc, v core.Value) (core.Value, bool, error) {
			if _, isNum := core.NumVal(v); isNum {
				if _, unset := acc.(core.Null); unset || core.Compare(v, acc) < 0 {
					return v, true, nil
				}
				return acc, false, nil
			}
			pair, err := costPair("min_cost", v)
			if err != nil {
				return nil, false, err
			}
			prev, has := acc.(core.List)
			if !has {
				if _, unset := acc.(core.Null); unset {
					return pair, true, nil
				}
				return nil, false, fmt.Errorf("'min_cost' accumulator corrupted: %s", acc.Kind())
			}
			prevCost, _ := core.NumVal(prev[1])
			newCost, _ := core.NumVal(pair[1])
			if newCost < prevCost {
				return pair, true, nil
			}
			return prev, false, nil
		}}, nil
	})
)

func bitwiseMeet(name string, fn func(a, b byte) byte) func([]core.Value) (Meet, error) {
	return func([]core.Value) (Meet, error) {
		return meetFn{init: core.Null{}, fn: func(acc, v core.Value) (core.Value, bool, error) {
			b, ok := v.(core.Bytes)
			if !ok {
				return nil, false, fmt.Errorf("'%s' expects Bytes, got %s", name, v.Kind())
			}
			prev, has := acc.(core.Bytes)
			if !has {
				if _, unset := acc.(core.Null); unset {
					return core.Bytes(append([]byte{}, b...)), true, nil
				}
				return nil, false, fmt.Errorf("'%s' accumulator corrupted: %s", name, acc.Kind())
			}
			if len(prev) != len(b) {
				return nil, false, fmt.Errorf("operands of '%s' must have the same lengths, got %d and %d", name, len(prev), len(b))
			}
			out := make([]byte, len(prev))
			changed := false
			for i := range prev {
				out[i] = fn(prev[i], b[i])
				if out[i] != prev[i] {
					changed = true
				}
			}
			return core.Bytes(out), changed, nil
		}}, nil
	}
}

func costPair(name string, v core.Value) (core.List, error) {
	l, ok := v.(core.List)
	if !ok || len(l) != 2 {
		return nil, fmt.Errorf("'%s' requires a list of exactly two items as argument, got %s", name, core.String(v))
	}
	if _, isNum := core.NumVal(l[1]); !isNum {
		return nil, fmt.Errorf("'%s' requires a numerical cost, got %s", name, core.String(l[1]))
	}
	return l, nil
}

func intersect(a, b core.Set) core.Set {
	out := core.Set{}
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := core.Compare(a[i], b[j]); {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
