package expr

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"strata/internal/core"
)

// Op is a pure scalar function registered under a fixed name. Operators are
// looked up at parse time and stored by reference; serializers record just
// the name.
type Op struct {
	Name     string
	MinArity int
	VarArity bool
	// NonDeterministic blocks constant folding (rand, now, ...).
	NonDeterministic bool
	Fn               func([]core.Value) (core.Value, error)
}

var opTable = map[string]*Op{}

func registerOp(op *Op) *Op {
	if _, dup := opTable[op.Name]; dup {
		panic("duplicate operator " + op.Name)
	}
	opTable[op.Name] = op
	return op
}

// LookupOp finds a registered operator by name.
func LookupOp(name string) (*Op, bool) {
	op, ok := opTable[name]
	return op, ok
}

// MustOp panics on unknown names; for compiler-synthesized applications.
func MustOp(name string) *Op {
	op, ok := opTable[name]
	if !ok {
		panic("unknown operator " + name)
	}
	return op
}

func boolArg(v core.Value, op string) (bool, error) {
	b, ok := v.(core.Bool)
	if !ok {
		return false, fmt.Errorf("'%s' expects Bool, got %s", op, v.Kind())
	}
	return bool(b), nil
}

// numEqual compares under the Num projection, so 1 == 1.0 holds.
func numEqual(a, b core.Value) bool {
	fa, aNum := core.NumVal(a)
	fb, bNum := core.NumVal(b)
	if aNum && bNum {
		return fa == fb
	}
	return core.Compare(a, b) == 0
}

func numCompare(a, b core.Value) int {
	fa, aNum := core.NumVal(a)
	fb, bNum := core.NumVal(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return core.Compare(a, b)
}

// binary numeric helper: applies ints exactly (wrapping), floats otherwise.
func numBinary(name string, intFn func(a, b int64) int64, floatFn func(a, b float64) float64) func([]core.Value) (core.Value, error) {
	return func(args []core.Value) (core.Value, error) {
		ai, aInt := args[0].(core.Int)
		bi, bInt := args[1].(core.Int)
		if aInt && bInt {
			return core.Int(intFn(int64(ai), int64(bi))), nil
		}
		fa, aNum := core.NumVal(args[0])
		fb, bNum := core.NumVal(args[1])
		if !aNum || !bNum {
			return nil, fmt.Errorf("'%s' expects numbers, got %s and %s", name, args[0].Kind(), args[1].Kind())
		}
		return core.Float(floatFn(fa, fb)), nil
	}
}

func unaryFloat(name string, fn func(float64) float64) *Op {
	return &Op{Name: name, MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		f, ok := core.NumVal(args[0])
		if !ok {
			return nil, fmt.Errorf("'%s' expects a number, got %s", name, args[0].Kind())
		}
		return core.Float(fn(f)), nil
	}}
}

var (
	// OpAdd is variadic; integer addition wraps in two's complement.
	OpAdd = registerOp(&Op{Name: "add", MinArity: 0, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		iacc, facc := int64(0), float64(0)
		allInt := true
		for _, a := range args {
			if i, ok := a.(core.Int); ok {
				iacc += int64(i)
				facc += float64(i)
				continue
			}
			f, ok := core.NumVal(a)
			if !ok {
				return nil, fmt.Errorf("'add' expects numbers, got %s", a.Kind())
			}
			allInt = false
			facc += f
		}
		if allInt {
			return core.Int(iacc), nil
		}
		return core.Float(facc), nil
	}})

	OpMul = registerOp(&Op{Name: "mul", MinArity: 0, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		iacc, facc := int64(1), float64(1)
		allInt := true
		for _, a := range args {
			if i, ok := a.(core.Int); ok {
				iacc *= int64(i)
				facc *= float64(i)
				continue
			}
			f, ok := core.NumVal(a)
			if !ok {
				return nil, fmt.Errorf("'mul' expects numbers, got %s", a.Kind())
			}
			allInt = false
			facc *= f
		}
		if allInt {
			return core.Int(iacc), nil
		}
		return core.Float(facc), nil
	}})

	OpSub = registerOp(&Op{Name: "sub", MinArity: 2,
		Fn: numBinary("sub", func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b })})

	// OpDiv always yields a float; division by integer zero is an error.
	OpDiv = registerOp(&Op{Name: "div", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		fa, aNum := core.NumVal(args[0])
		fb, bNum := core.NumVal(args[1])
		if !aNum || !bNum {
			return nil, fmt.Errorf("'div' expects numbers, got %s and %s", args[0].Kind(), args[1].Kind())
		}
		if _, isInt := args[1].(core.Int); isInt && fb == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return core.Float(fa / fb), nil
	}})

	OpMod = registerOp(&Op{Name: "mod", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		ai, aInt := args[0].(core.Int)
		bi, bInt := args[1].(core.Int)
		if aInt && bInt {
			if bi == 0 {
				return nil, fmt.Errorf("mod by zero")
			}
			return core.Int(int64(ai) % int64(bi)), nil
		}
		fa, aNum := core.NumVal(args[0])
		fb, bNum := core.NumVal(args[1])
		if !aNum || !bNum {
			return nil, fmt.Errorf("'mod' expects numbers, got %s and %s", args[0].Kind(), args[1].Kind())
		}
		return core.Float(math.Mod(fa, fb)), nil
	}})

	OpPow = registerOp(&Op{Name: "pow", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		fa, aNum := core.NumVal(args[0])
		fb, bNum := core.NumVal(args[1])
		if !aNum || !bNum {
			return nil, fmt.Errorf("'pow' expects numbers, got %s and %s", args[0].Kind(), args[1].Kind())
		}
		return core.Float(math.Pow(fa, fb)), nil
	}})

	OpMinus = registerOp(&Op{Name: "minus", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		switch n := args[0].(type) {
		case core.Int:
			return core.Int(-int64(n)), nil
		case core.Float:
			return core.Float(-float64(n)), nil
		}
		return nil, fmt.Errorf("'minus' expects a number, got %s", args[0].Kind())
	}})

	OpAbs = registerOp(&Op{Name: "abs", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		switch n := args[0].(type) {
		case core.Int:
			if n < 0 {
				return core.Int(-int64(n)), nil
			}
			return n, nil
		case core.Float:
			return core.Float(math.Abs(float64(n))), nil
		}
		return nil, fmt.Errorf("'abs' expects a number, got %s", args[0].Kind())
	}})

	OpFloor = unaryFloatReg("floor", math.Floor)
	OpCeil  = unaryFloatReg("ceil", math.Ceil)
	OpRound = unaryFloatReg("round", math.Round)
	OpSqrt  = unaryFloatReg("sqrt", math.Sqrt)
	OpExp   = unaryFloatReg("exp", math.Exp)
	OpLn    = unaryFloatReg("ln", math.Log)

	OpEq = registerOp(&Op{Name: "eq", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		return core.Bool(numEqual(args[0], args[1])), nil
	}})
	OpNeq = registerOp(&Op{Name: "neq", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		return core.Bool(!numEqual(args[0], args[1])), nil
	}})
	OpGt = registerOp(&Op{Name: "gt", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		return core.Bool(numCompare(args[0], args[1]) > 0), nil
	}})
	OpGe = registerOp(&Op{Name: "ge", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		return core.Bool(numCompare(args[0], args[1]) >= 0), nil
	}})
	OpLt = registerOp(&Op{Name: "lt", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		return core.Bool(numCompare(args[0], args[1]) < 0), nil
	}})
	OpLe = registerOp(&Op{Name: "le", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		return core.Bool(numCompare(args[0], args[1]) <= 0), nil
	}})

	OpAnd = registerOp(&Op{Name: "and", MinArity: 0, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		for _, a := range args {
			b, err := boolArg(a, "and")
			if err != nil {
				return nil, err
			}
			if !b {
				return core.Bool(false), nil
			}
		}
		return core.Bool(true), nil
	}})
	OpOr = registerOp(&Op{Name: "or", MinArity: 0, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		for _, a := range args {
			b, err := boolArg(a, "or")
			if err != nil {
				return nil, err
			}
			if b {
				return core.Bool(true), nil
			}
		}
		return core.Bool(false), nil
	}})

	// OpNegate is boolean negation. Partial evaluation collapses
	// negate(negate(x)) to x, which the magic-set rewrite relies on.
	OpNegate = registerOp(&Op{Name: "negate", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		b, err := boolArg(args[0], "negate")
		if err != nil {
			return nil, err
		}
		return core.Bool(!b), nil
	}})

	OpConcat = registerOp(&Op{Name: "concat", MinArity: 0, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		if len(args) == 0 {
			return core.Str(""), nil
		}
		switch args[0].(type) {
		case core.Str:
			var sb strings.Builder
			for _, a := range args {
				s, ok := a.(core.Str)
				if !ok {
					return nil, fmt.Errorf("'concat' expects all Strings, got %s", a.Kind())
				}
				sb.WriteString(string(s))
			}
			return core.Str(sb.String()), nil
		case core.List, core.Set:
			var out core.List
			for _, a := range args {
				switch l := a.(type) {
				case core.List:
					out = append(out, l...)
				case core.Set:
					out = append(out, l...)
				default:
					return nil, fmt.Errorf("'concat' expects all Lists, got %s", a.Kind())
				}
			}
			return out, nil
		}
		return nil, fmt.Errorf("'concat' expects Strings or Lists, got %s", args[0].Kind())
	}})

	OpStartsWith = registerOp(&Op{Name: "starts_with", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		s, ok1 := args[0].(core.Str)
		p, ok2 := args[1].(core.Str)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("'starts_with' expects Strings")
		}
		return core.Bool(strings.HasPrefix(string(s), string(p))), nil
	}})
	OpEndsWith = registerOp(&Op{Name: "ends_with", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		s, ok1 := args[0].(core.Str)
		p, ok2 := args[1].(core.Str)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("'ends_with' expects Strings")
		}
		return core.Bool(strings.HasSuffix(string(s), string(p))), nil
	}})
	OpStrIncludes = registerOp(&Op{Name: "str_includes", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		s, ok1 := args[0].(core.Str)
		p, ok2 := args[1].(core.Str)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("'str_includes' expects Strings")
		}
		return core.Bool(strings.Contains(string(s), string(p))), nil
	}})
	OpLowercase = registerOp(&Op{Name: "lowercase", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		s, ok := args[0].(core.Str)
		if !ok {
			return nil, fmt.Errorf("'lowercase' expects a String, got %s", args[0].Kind())
		}
		return core.Str(strings.ToLower(string(s))), nil
	}})
	OpUppercase = registerOp(&Op{Name: "uppercase", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		s, ok := args[0].(core.Str)
		if !ok {
			return nil, fmt.Errorf("'uppercase' expects a String, got %s", args[0].Kind())
		}
		return core.Str(strings.ToUpper(string(s))), nil
	}})
	OpTrim = registerOp(&Op{Name: "trim", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		s, ok := args[0].(core.Str)
		if !ok {
			return nil, fmt.Errorf("'trim' expects a String, got %s", args[0].Kind())
		}
		return core.Str(strings.TrimSpace(string(s))), nil
	}})

	OpLength = registerOp(&Op{Name: "length", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		switch t := args[0].(type) {
		case core.Str:
			return core.Int(len([]rune(string(t)))), nil
		case core.Bytes:
			return core.Int(len(t)), nil
		case core.List:
			return core.Int(len(t)), nil
		case core.Set:
			return core.Int(len(t)), nil
		case core.Vec:
			return core.Int(t.Len()), nil
		}
		return nil, fmt.Errorf("'length' expects String, Bytes, List or Set, got %s", args[0].Kind())
	}})

	OpList = registerOp(&Op{Name: "list", MinArity: 0, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		return core.List(append([]core.Value{}, args...)), nil
	}})

	OpIsIn = registerOp(&Op{Name: "is_in", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		var elems []core.Value
		switch l := args[1].(type) {
		case core.List:
			elems = l
		case core.Set:
			elems = l
		default:
			return nil, fmt.Errorf("'is_in' expects a List on the right, got %s", args[1].Kind())
		}
		for _, el := range elems {
			if numEqual(args[0], el) {
				return core.Bool(true), nil
			}
		}
		return core.Bool(false), nil
	}})

	OpFirst = registerOp(&Op{Name: "first", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		l, ok := args[0].(core.List)
		if !ok {
			return nil, fmt.Errorf("'first' expects a List, got %s", args[0].Kind())
		}
		if len(l) == 0 {
			return core.Null{}, nil
		}
		return l[0], nil
	}})
	OpLast = registerOp(&Op{Name: "last", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		l, ok := args[0].(core.List)
		if !ok {
			return nil, fmt.Errorf("'last' expects a List, got %s", args[0].Kind())
		}
		if len(l) == 0 {
			return core.Null{}, nil
		}
		return l[len(l)-1], nil
	}})
	OpGet = registerOp(&Op{Name: "get", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		l, ok := args[0].(core.List)
		if !ok {
			return nil, fmt.Errorf("'get' expects a List, got %s", args[0].Kind())
		}
		i, ok := core.IntVal(args[1])
		if !ok {
			return nil, fmt.Errorf("'get' expects an integer index, got %s", args[1].Kind())
		}
		if i < 0 || int(i) >= len(l) {
			return nil, fmt.Errorf("index %d out of bounds for list of length %d", i, len(l))
		}
		return l[i], nil
	}})
	OpSlice = registerOp(&Op{Name: "slice", MinArity: 3, Fn: func(args []core.Value) (core.Value, error) {
		l, ok := args[0].(core.List)
		if !ok {
			return nil, fmt.Errorf("'slice' expects a List, got %s", args[0].Kind())
		}
		lo, ok1 := core.IntVal(args[1])
		hi, ok2 := core.IntVal(args[2])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("'slice' expects integer bounds")
		}
		if lo < 0 {
			lo += int64(len(l))
		}
		if hi < 0 {
			hi += int64(len(l))
		}
		if lo < 0 || hi < lo || int(hi) > len(l) {
			return nil, fmt.Errorf("bad slice bounds %d..%d for list of length %d", lo, hi, len(l))
		}
		return core.List(append([]core.Value{}, l[lo:hi]...)), nil
	}})
	OpSorted = registerOp(&Op{Name: "sorted", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		l, ok := args[0].(core.List)
		if !ok {
			return nil, fmt.Errorf("'sorted' expects a List, got %s", args[0].Kind())
		}
		out := append(core.List{}, l...)
		sort.SliceStable(out, func(i, j int) bool { return core.Compare(out[i], out[j]) < 0 })
		return out, nil
	}})
	OpReverse = registerOp(&Op{Name: "reverse", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		l, ok := args[0].(core.List)
		if !ok {
			return nil, fmt.Errorf("'reverse' expects a List, got %s", args[0].Kind())
		}
		out := make(core.List, len(l))
		for i, v := range l {
			out[len(l)-1-i] = v
		}
		return out, nil
	}})
	OpAppend = registerOp(&Op{Name: "append", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		l, ok := args[0].(core.List)
		if !ok {
			return nil, fmt.Errorf("'append' expects a List, got %s", args[0].Kind())
		}
		return core.List(append(append(core.List{}, l...), args[1])), nil
	}})
	OpPrepend = registerOp(&Op{Name: "prepend", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		l, ok := args[0].(core.List)
		if !ok {
			return nil, fmt.Errorf("'prepend' expects a List, got %s", args[0].Kind())
		}
		return core.List(append(core.List{args[1]}, l...)), nil
	}})

	OpUnion = registerOp(&Op{Name: "union", MinArity: 0, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		var all []core.Value
		for _, a := range args {
			switch s := a.(type) {
			case core.Set:
				all = append(all, s...)
			case core.List:
				all = append(all, s...)
			default:
				return nil, fmt.Errorf("'union' expects Sets or Lists, got %s", a.Kind())
			}
		}
		return core.MakeSet(all), nil
	}})
	OpIntersection = registerOp(&Op{Name: "intersection", MinArity: 1, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		sets := make([]core.Set, len(args))
		for i, a := range args {
			switch s := a.(type) {
			case core.Set:
				sets[i] = s
			case core.List:
				sets[i] = core.MakeSet(s)
			default:
				return nil, fmt.Errorf("'intersection' expects Sets or Lists, got %s", a.Kind())
			}
		}
		out := sets[0]
		for _, s := range sets[1:] {
			out = intersectSorted(out, s)
		}
		return out, nil
	}})

	OpCoalesce = registerOp(&Op{Name: "coalesce", MinArity: 0, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		for _, a := range args {
			if _, isNull := a.(core.Null); !isNull {
				return a, nil
			}
		}
		return core.Null{}, nil
	}})

	OpIsNull   = typePredicate("is_null", core.KindNull)
	OpIsString = typePredicate("is_string", core.KindStr)
	OpIsBytes  = typePredicate("is_bytes", core.KindBytes)
	OpIsList   = typePredicate("is_list", core.KindList)
	OpIsUuid   = typePredicate("is_uuid", core.KindUuid)
	OpIsNum    = typePredicate("is_num", core.KindNum)
	OpIsBool   = typePredicate("is_bool", core.KindBool)

	OpIsInt = registerOp(&Op{Name: "is_int", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		_, ok := args[0].(core.Int)
		return core.Bool(ok), nil
	}})
	OpIsFloat = registerOp(&Op{Name: "is_float", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		_, ok := args[0].(core.Float)
		return core.Bool(ok), nil
	}})

	OpToInt = registerOp(&Op{Name: "to_int", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		switch t := args[0].(type) {
		case core.Int:
			return t, nil
		case core.Float:
			return core.Int(int64(t)), nil
		case core.Bool:
			if t {
				return core.Int(1), nil
			}
			return core.Int(0), nil
		case core.Str:
			n, err := strconv.ParseInt(string(t), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as integer", string(t))
			}
			return core.Int(n), nil
		case core.Validity:
			return core.Int(t.Ts), nil
		}
		return nil, fmt.Errorf("cannot convert %s to Int", args[0].Kind())
	}})
	OpToFloat = registerOp(&Op{Name: "to_float", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		switch t := args[0].(type) {
		case core.Int:
			return core.Float(float64(t)), nil
		case core.Float:
			return t, nil
		case core.Str:
			f, err := strconv.ParseFloat(string(t), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as float", string(t))
			}
			return core.Float(f), nil
		}
		return nil, fmt.Errorf("cannot convert %s to Float", args[0].Kind())
	}})
	OpToString = registerOp(&Op{Name: "to_string", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		if s, ok := args[0].(core.Str); ok {
			return s, nil
		}
		return core.Str(core.String(args[0])), nil
	}})
	OpToUuid = registerOp(&Op{Name: "to_uuid", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		switch t := args[0].(type) {
		case core.Uuid:
			return t, nil
		case core.Str:
			u, err := uuid.Parse(string(t))
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as uuid", string(t))
			}
			return core.Uuid(u), nil
		}
		return nil, fmt.Errorf("cannot convert %s to Uuid", args[0].Kind())
	}})
	OpToBool = registerOp(&Op{Name: "to_bool", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		switch t := args[0].(type) {
		case core.Bool:
			return t, nil
		case core.Null:
			return core.Bool(false), nil
		case core.Int:
			return core.Bool(t != 0), nil
		}
		return nil, fmt.Errorf("cannot convert %s to Bool", args[0].Kind())
	}})

	OpParseJson = registerOp(&Op{Name: "parse_json", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		s, ok := args[0].(core.Str)
		if !ok {
			return nil, fmt.Errorf("'parse_json' expects a String, got %s", args[0].Kind())
		}
		return core.NewJson([]byte(s))
	}})
	OpDumpJson = registerOp(&Op{Name: "dump_json", MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		j, ok := args[0].(core.Json)
		if !ok {
			return nil, fmt.Errorf("'dump_json' expects Json, got %s", args[0].Kind())
		}
		return core.Str(string(j)), nil
	}})

	OpRegexMatches = registerOp(&Op{Name: "regex_matches", MinArity: 2, Fn: func(args []core.Value) (core.Value, error) {
		s, ok := args[0].(core.Str)
		if !ok {
			return nil, fmt.Errorf("'regex_matches' expects a String, got %s", args[0].Kind())
		}
		var re *core.Regex
		switch p := args[1].(type) {
		case *core.Regex:
			re = p
		case core.Str:
			var err error
			re, err = core.NewRegex(string(p))
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("'regex_matches' expects a Regex or String pattern, got %s", args[1].Kind())
		}
		compiled, err := re.Compiled()
		if err != nil {
			return nil, err
		}
		return core.Bool(compiled.MatchString(string(s))), nil
	}})

	OpVec = registerOp(&Op{Name: "vec", MinArity: 1, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		l, ok := args[0].(core.List)
		if !ok {
			return nil, fmt.Errorf("'vec' expects a List, got %s", args[0].Kind())
		}
		wide := false
		if len(args) > 1 {
			w, ok := args[1].(core.Str)
			if !ok || (w != "f32" && w != "f64") {
				return nil, fmt.Errorf("'vec' width must be \"f32\" or \"f64\"")
			}
			wide = w == "f64"
		}
		if wide {
			out := make([]float64, len(l))
			for i, v := range l {
				f, ok := core.NumVal(v)
				if !ok {
					return nil, fmt.Errorf("'vec' elements must be numbers, got %s", v.Kind())
				}
				out[i] = f
			}
			return core.Vec{F64: out}, nil
		}
		out := make([]float32, len(l))
		for i, v := range l {
			f, ok := core.NumVal(v)
			if !ok {
				return nil, fmt.Errorf("'vec' elements must be numbers, got %s", v.Kind())
			}
			out[i] = float32(f)
		}
		return core.Vec{F32: out}, nil
	}})

	OpValidity = registerOp(&Op{Name: "validity", MinArity: 1, VarArity: true, Fn: func(args []core.Value) (core.Value, error) {
		ts, ok := core.IntVal(args[0])
		if !ok {
			return nil, fmt.Errorf("'validity' expects an integer timestamp, got %s", args[0].Kind())
		}
		assert := true
		if len(args) > 1 {
			b, ok := args[1].(core.Bool)
			if !ok {
				return nil, fmt.Errorf("'validity' flag must be Bool, got %s", args[1].Kind())
			}
			assert = bool(b)
		}
		return core.Validity{Ts: ts, Assert: assert}, nil
	}})

	OpNow = registerOp(&Op{Name: "now", MinArity: 0, NonDeterministic: true, Fn: func([]core.Value) (core.Value, error) {
		return core.Int(time.Now().UnixMicro()), nil
	}})
	OpRandFloat = registerOp(&Op{Name: "rand_float", MinArity: 0, NonDeterministic: true, Fn: func([]core.Value) (core.Value, error) {
		return core.Float(rand.Float64()), nil
	}})
	OpRandUuid = registerOp(&Op{Name: "rand_uuid_v4", MinArity: 0, NonDeterministic: true, Fn: func([]core.Value) (core.Value, error) {
		return core.Uuid(uuid.New()), nil
	}})
)

func unaryFloatReg(name string, fn func(float64) float64) *Op {
	return registerOp(unaryFloat(name, fn))
}

func typePredicate(name string, k core.Kind) *Op {
	return registerOp(&Op{Name: name, MinArity: 1, Fn: func(args []core.Value) (core.Value, error) {
		return core.Bool(args[0].Kind() == k), nil
	}})
}

func intersectSorted(a, b core.Set) core.Set {
	var out core.Set
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
