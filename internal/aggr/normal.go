package aggr

import (
	"fmt"
	"math"
	"math/rand"

	"strata/internal/core"
)

// Normal aggregations: accumulator per group, fed after the fixpoint.

func registerNormal(name string, mk func(args []core.Value) (Normal, error)) *Aggregation {
	return register(&Aggregation{Name: name, NewNormal: mk})
}

type aggrCount struct{ n int64 }

func (a *aggrCount) Set(core.Value) error     { a.n++; return nil }
func (a *aggrCount) Get() (core.Value, error) { return core.Int(a.n), nil }

// aggrGroupCount builds a list of [value, count] pairs in value order.
type aggrGroupCount struct {
	keys   []core.Value
	counts []int64
}

func (a *aggrGroupCount) Set(v core.Value) error {
	lo, hi := 0, len(a.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if core.Compare(a.keys[mid], v) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(a.keys) && core.Compare(a.keys[lo], v) == 0 {
		a.counts[lo]++
		return nil
	}
	a.keys = append(a.keys, nil)
	copy(a.keys[lo+1:], a.keys[lo:])
	a.keys[lo] = v
	a.counts = append(a.counts, 0)
	copy(a.counts[lo+1:], a.counts[lo:])
	a.counts[lo] = 1
	return nil
}

func (a *aggrGroupCount) Get() (core.Value, error) {
	out := make(core.List, len(a.keys))
	for i, k := range a.keys {
		out[i] = core.List{k, core.Int(a.counts[i])}
	}
	return out, nil
}

type aggrUnique struct{ seen []core.Value }

func (a *aggrUnique) Set(v core.Value) error {
	a.seen = append(a.seen, v)
	return nil
}
func (a *aggrUnique) Get() (core.Value, error) {
	return core.List(core.MakeSet(a.seen)), nil
}

type aggrCountUnique struct{ seen []core.Value }

func (a *aggrCountUnique) Set(v core.Value) error {
	a.seen = append(a.seen, v)
	return nil
}
func (a *aggrCountUnique) Get() (core.Value, error) {
	return core.Int(len(core.MakeSet(a.seen))), nil
}

type aggrSum struct {
	i      int64
	f      float64
	anyFlt bool
}

func (a *aggrSum) Set(v core.Value) error {
	if n, ok := v.(core.Int); ok {
		a.i += int64(n)
		a.f += float64(n)
		return nil
	}
	f, ok := core.NumVal(v)
	if !ok {
		return fmt.Errorf("'sum' applied to non-numerical value %s", core.String(v))
	}
	a.anyFlt = true
	a.f += f
	return nil
}

func (a *aggrSum) Get() (core.Value, error) {
	if a.anyFlt {
		return core.Float(a.f), nil
	}
	return core.Int(a.i), nil
}

type aggrProduct struct {
	i      int64
	f      float64
	anyFlt bool
}

func (a *aggrProduct) Set(v core.Value) error {
	if n, ok := v.(core.Int); ok {
		a.i *= int64(n)
		a.f *= float64(n)
		return nil
	}
	f, ok := core.NumVal(v)
	if !ok {
		return fmt.Errorf("'product' applied to non-numerical value %s", core.String(v))
	}
	a.anyFlt = true
	a.f *= f
	return nil
}

func (a *aggrProduct) Get() (core.Value, error) {
	if a.anyFlt {
		return core.Float(a.f), nil
	}
	return core.Int(a.i), nil
}

type aggrMean struct {
	sum float64
	n   int64
}

func (a *aggrMean) Set(v core.Value) error {
	f, ok := core.NumVal(v)
	if !ok {
		return fmt.Errorf("'mean' applied to non-numerical value %s", core.String(v))
	}
	a.sum += f
	a.n++
	return nil
}

func (a *aggrMean) Get() (core.Value, error) {
	if a.n == 0 {
		return core.Null{}, nil
	}
	return core.Float(a.sum / float64(a.n)), nil
}

// Welford accumulation for the sample variance.
type aggrVariance struct {
	n    int64
	mean float64
	m2   float64
	std  bool
}

func (a *aggrVariance) Set(v core.Value) error {
	f, ok := core.NumVal(v)
	if !ok {
		return fmt.Errorf("'variance' applied to non-numerical value %s", core.String(v))
	}
	a.n++
	delta := f - a.mean
	a.mean += delta / float64(a.n)
	a.m2 += delta * (f - a.mean)
	return nil
}

func (a *aggrVariance) Get() (core.Value, error) {
	if a.n < 2 {
		return core.Null{}, nil
	}
	variance := a.m2 / float64(a.n-1)
	if a.std {
		return core.Float(math.Sqrt(variance)), nil
	}
	return core.Float(variance), nil
}

type aggrBitXor struct{ acc core.Bytes }

func (a *aggrBitXor) Set(v core.Value) error {
	b, ok := v.(core.Bytes)
	if !ok {
		return fmt.Errorf("'bit_xor' expects Bytes, got %s", v.Kind())
	}
	if a.acc == nil {
		a.acc = append(core.Bytes{}, b...)
		return nil
	}
	if len(a.acc) != len(b) {
		return fmt.Errorf("operands of 'bit_xor' must have the same lengths, got %d and %d", len(a.acc), len(b))
	}
	for i := range b {
		a.acc[i] ^= b[i]
	}
	return nil
}

func (a *aggrBitXor) Get() (core.Value, error) {
	if a.acc == nil {
		return core.Null{}, nil
	}
	return a.acc, nil
}

type aggrCollect struct {
	limit int
	items core.List
}

func (a *aggrCollect) Set(v core.Value) error {
	if a.limit > 0 && len(a.items) >= a.limit {
		return nil
	}
	a.items = append(a.items, v)
	return nil
}

func (a *aggrCollect) Get() (core.Value, error) { return a.items, nil }

// aggrPairBy keeps the payload of the pair whose key is extremal.
type aggrPairBy struct {
	name    string
	keep    func(cmp int) bool
	current core.Value
	key     core.Value
}

func (a *aggrPairBy) Set(v core.Value) error {
	l, ok := v.(core.List)
	if !ok || len(l) != 2 {
		return fmt.Errorf("'%s' requires a list of exactly two items as argument, got %s", a.name, core.String(v))
	}
	if a.key == nil || a.keep(core.Compare(l[1], a.key)) {
		a.current, a.key = l[0], l[1]
	}
	return nil
}

func (a *aggrPairBy) Get() (core.Value, error) {
	if a.key == nil {
		return core.Null{}, nil
	}
	return a.current, nil
}

// aggrChoiceRand is a reservoir of size one: every input has equal
// probability of being kept.
type aggrChoiceRand struct {
	n      int64
	chosen core.Value
}

func (a *aggrChoiceRand) Set(v core.Value) error {
	a.n++
	if rand.Int63n(a.n) == 0 {
		a.chosen = v
	}
	return nil
}

func (a *aggrChoiceRand) Get() (core.Value, error) {
	if a.chosen == nil {
		return core.Null{}, nil
	}
	return a.chosen, nil
}

var (
	AggrCount       = registerNormal("count", func([]core.Value) (Normal, error) { return &aggrCount{}, nil })
	AggrGroupCount  = registerNormal("group_count", func([]core.Value) (Normal, error) { return &aggrGroupCount{}, nil })
	AggrUnique      = registerNormal("unique", func([]core.Value) (Normal, error) { return &aggrUnique{}, nil })
	AggrCountUnique = registerNormal("count_unique", func([]core.Value) (Normal, error) { return &aggrCountUnique{}, nil })
	AggrSum         = registerNormal("sum", func([]core.Value) (Normal, error) { return &aggrSum{}, nil })
	AggrProduct     = registerNormal("product", func([]core.Value) (Normal, error) { return &aggrProduct{i: 1, f: 1}, nil })
	AggrMean        = registerNormal("mean", func([]core.Value) (Normal, error) { return &aggrMean{}, nil })
	AggrVariance    = registerNormal("variance", func([]core.Value) (Normal, error) { return &aggrVariance{}, nil })
	AggrStdDev      = registerNormal("std_dev", func([]core.Value) (Normal, error) { return &aggrVariance{std: true}, nil })
	AggrBitXor      = registerNormal("bit_xor", func([]core.Value) (Normal, error) { return &aggrBitXor{}, nil })

	AggrCollect = registerNormal("collect", func(args []core.Value) (Normal, error) {
		limit := 0
		if len(args) > 0 {
			n, ok := core.IntVal(args[0])
			if !ok || n <= 0 {
				return nil, fmt.Errorf("'collect' limit must be a positive integer, got %s", core.String(args[0]))
			}
			limit = int(n)
		}
		return &aggrCollect{limit: limit}, nil
	})

	AggrLatestBy = registerNormal("latest_by", func([]core.Value) (Normal, error) {
		return &aggrPairBy{name: "latest_by", keep: func(cmp int) bool { return cmp > 0 }}, nil
	})
	AggrSmallestBy = registerNormal("smallest_by", func([]core.Value) (Normal, error) {
		return &aggrPairBy{name: "smallest_by", keep: func(cmp int) bool { return cmp < 0 }}, nil
	})

	AggrChoiceRand = registerNormal("choice_rand", func([]core.Value) (Normal, error) { return &aggrChoiceRand{}, nil })
)
