package algebra

import (
	"fmt"

	"strata/internal/core"
	"strata/internal/store"
)

// joinSpec resolves joiner symbol lists to tuple positions on both sides.
type joinSpec struct {
	leftIdx  []int
	rightIdx []int
}

func makeJoinSpec(left, right Node, prevJoiner, rightJoiner []core.Symbol) (joinSpec, error) {
	if len(prevJoiner) != len(rightJoiner) {
		return joinSpec{}, fmt.Errorf("join key lists differ in length: %d vs %d", len(prevJoiner), len(rightJoiner))
	}
	leftLayout := layoutOf(left.Bindings())
	rightLayout := layoutOf(right.Bindings())
	spec := joinSpec{}
	for i := range prevJoiner {
		lp, ok := leftLayout[prevJoiner[i].Name]
		if !ok {
			return joinSpec{}, fmt.Errorf("join variable '%s' not bound on the left", prevJoiner[i].Name)
		}
		rp, ok := rightLayout[rightJoiner[i].Name]
		if !ok {
			return joinSpec{}, fmt.Errorf("join variable '%s' not bound on the right", rightJoiner[i].Name)
		}
		spec.leftIdx = append(spec.leftIdx, lp)
		spec.rightIdx = append(spec.rightIdx, rp)
	}
	return spec, nil
}

// rightIsPrefix reports whether the right-side join positions are exactly
// the leading columns, in order — the condition for streaming a prefix scan
// instead of materializing.
func (s joinSpec) rightIsPrefix() bool {
	for i, p := range s.rightIdx {
		if p != i {
			return false
		}
	}
	return true
}

func (s joinSpec) leftKey(t core.Tuple) []byte {
	var out []byte
	for _, p := range s.leftIdx {
		out = core.AppendValue(out, t[p])
	}
	return out
}

// prefixScanner is implemented by scans that can constrain their leading
// columns directly.
type prefixScanner interface {
	iterPrefix(ctx *Ctx, prefix []byte, fn func(core.Tuple) error) error
	prefixExists(ctx *Ctx, prefix []byte) (bool, error)
}

// canPrefixScan decides whether right supports a direct prefix scan over k
// leading columns.
func canPrefixScan(right Node, k int) (prefixScanner, bool) {
	switch t := right.(type) {
	case *DerivedScan:
		return t, true
	case *StoredScan:
		if k <= t.prefixWidth() && t.lower == nil {
			return t, true
		}
	}
	return nil, false
}

// Join is the (possibly cartesian) inner join of two operator trees on
// pre-renamed join variables. When the right side cannot be prefix-scanned
// on the join columns it is materialized once per iteration into a derived
// store keyed on them — the only materialization strategy.
type Join struct {
	left  Node
	right Node
	spec  joinSpec
}

// NewJoin builds a join; empty joiner lists yield a cartesian product.
func NewJoin(left, right Node, prevJoiner, rightJoiner []core.Symbol) (*Join, error) {
	spec, err := makeJoinSpec(left, right, prevJoiner, rightJoiner)
	if err != nil {
		return nil, err
	}
	return &Join{left: left, right: right, spec: spec}, nil
}

func (j *Join) Bindings() []core.Symbol {
	return append(append([]core.Symbol{}, j.left.Bindings()...), j.right.Bindings()...)
}

func (j *Join) Iter(ctx *Ctx, fn func(core.Tuple) error) error {
	emit := func(l, r core.Tuple) error {
		if err := ctx.Poison.Check(); err != nil {
			return err
		}
		out := make(core.Tuple, 0, len(l)+len(r))
		out = append(out, l...)
		out = append(out, r...)
		return fn(out)
	}

	if scanner, ok := canPrefixScan(j.right, len(j.spec.rightIdx)); ok && j.spec.rightIsPrefix() {
		return j.left.Iter(ctx, func(l core.Tuple) error {
			return scanner.iterPrefix(ctx, j.spec.leftKey(l), func(r core.Tuple) error {
				return emit(l, r)
			})
		})
	}

	mat, unshuffle, err := materialize(ctx, j.right, j.spec.rightIdx)
	if err != nil {
		return err
	}
	return j.left.Iter(ctx, func(l core.Tuple) error {
		return mat.Scan(j.spec.leftKey(l), false, 0, func(shuffled core.Tuple) error {
			return emit(l, unshuffle(shuffled))
		})
	})
}

func (j *Join) Describe() string {
	if len(j.spec.leftIdx) == 0 {
		return "cartesian_join"
	}
	return fmt.Sprintf("join(on %d columns)", len(j.spec.leftIdx))
}

// materialize drains a node into a finalized in-memory store whose key order
// starts with the join columns; unshuffle maps stored tuples back to the
// node's binding order.
func materialize(ctx *Ctx, n Node, joinIdx []int) (*store.MemStore, func(core.Tuple) core.Tuple, error) {
	width := len(n.Bindings())
	perm := make([]int, 0, width)
	taken := make([]bool, width)
	for _, p := range joinIdx {
		perm = append(perm, p)
		taken[p] = true
	}
	for i := 0; i < width; i++ {
		if !taken[i] {
			perm = append(perm, i)
		}
	}
	inverse := make([]int, width)
	for to, from := range perm {
		inverse[from] = to
	}
	ms := store.NewMemStore(width)
	err := n.Iter(ctx, func(t core.Tuple) error {
		shuffled := make(core.Tuple, width)
		for to, from := range perm {
			shuffled[to] = t[from]
		}
		ms.Put(shuffled, 0)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	ms.Finalize()
	unshuffle := func(shuffled core.Tuple) core.Tuple {
		out := make(core.Tuple, width)
		for from, to := range inverse {
			out[from] = shuffled[to]
		}
		return out
	}
	return ms, unshuffle, nil
}

// NegJoin emits left tuples with no counterpart on the right: the anti-join
// behind negated atoms. Right-side variables outside the join columns are
// existential; at least one join column is required, otherwise the negation
// is unsafe.
type NegJoin struct {
	left  Node
	right Node
	spec  joinSpec
}

// NewNegJoin enforces negation safety.
func NewNegJoin(left, right Node, prevJoiner, rightJoiner []core.Symbol, at core.Span) (*NegJoin, error) {
	if len(prevJoiner) == 0 {
		return nil, fmt.Errorf("unsafe negation at %s: none of its variables are bound", at)
	}
	spec, err := makeJoinSpec(left, right, prevJoiner, rightJoiner)
	if err != nil {
		return nil, err
	}
	return &NegJoin{left: left, right: right, spec: spec}, nil
}

func (j *NegJoin) Bindings() []core.Symbol { return j.left.Bindings() }

func (j *NegJoin) Iter(ctx *Ctx, fn func(core.Tuple) error) error {
	probe := func(l core.Tuple) (bool, error) { return false, nil }

	if scanner, ok := canPrefixScan(j.right, len(j.spec.rightIdx)); ok && j.spec.rightIsPrefix() {
		probe = func(l core.Tuple) (bool, error) {
			return scanner.prefixExists(ctx, j.spec.leftKey(l))
		}
	} else {
		mat, _, err := materialize(ctx, j.right, j.spec.rightIdx)
		if err != nil {
			return err
		}
		probe = func(l core.Tuple) (bool, error) {
			return mat.PrefixExists(j.spec.leftKey(l), 0), nil
		}
	}

	return j.left.Iter(ctx, func(l core.Tuple) error {
		if err := ctx.Poison.Check(); err != nil {
			return err
		}
		found, err := probe(l)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		return fn(l)
	})
}

func (j *NegJoin) Describe() string {
	return fmt.Sprintf("neg_join(on %d columns)", len(j.spec.leftIdx))
}
