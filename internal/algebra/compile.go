package algebra

import (
	"fmt"

	"strata/internal/aggr"
	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/program"
	"strata/internal/store"
)

// AggrKind classifies a compiled rule set's head for the fixpoint driver.
type AggrKind uint8

const (
	AggrNone AggrKind = iota
	AggrNormal
	AggrMeet
)

// CompiledRule is one rule body lowered to an operator tree.
type CompiledRule struct {
	Aggr     []*aggr.Application
	Relation Node
	// Contained lists the derived relations the body scans positively;
	// the semi-naive loop re-evaluates the rule once per contained
	// same-stratum head with that head's delta selected.
	Contained map[program.MagicSym]bool
}

// CompiledRuleSet is everything defined under one magic symbol.
type CompiledRuleSet struct {
	Sym   program.MagicSym
	Rules []CompiledRule
	Fixed *program.MagicFixedApply
}

// Arity of the head relation.
func (s *CompiledRuleSet) Arity() int {
	if s.Fixed != nil {
		return s.Fixed.Arity
	}
	return len(s.Rules[0].Aggr)
}

// AggrKind inspects the head aggregations: all-meet heads run in place
// during the loop, any normal aggregation runs as a post-pass.
func (s *CompiledRuleSet) AggrKind() AggrKind {
	if s.Fixed != nil {
		return AggrNone
	}
	hasAggr, hasNonMeet := false, false
	seenAggr := false
	for _, a := range s.Rules[0].Aggr {
		if a == nil {
			if seenAggr {
				// a plain position after an aggregated one forces the
				// post-pass layout
				hasNonMeet = true
			}
			continue
		}
		seenAggr = true
		hasAggr = true
		if !a.Aggr.IsMeet {
			hasNonMeet = true
		}
	}
	switch {
	case !hasAggr:
		return AggrNone
	case hasNonMeet:
		return AggrNormal
	default:
		return AggrMeet
	}
}

// MeetStart returns the first aggregated head position of an all-meet head;
// the leading positions group.
func (s *CompiledRuleSet) MeetStart() int {
	for i, a := range s.Rules[0].Aggr {
		if a != nil {
			return i
		}
	}
	return len(s.Rules[0].Aggr)
}

// CompiledStratum preserves deterministic evaluation order over its rule
// sets.
type CompiledStratum struct {
	Order []program.MagicSym
	Sets  map[program.MagicSym]*CompiledRuleSet
}

// Each visits rule sets in order.
func (s *CompiledStratum) Each(fn func(*CompiledRuleSet) error) error {
	for _, sym := range s.Order {
		if err := fn(s.Sets[sym]); err != nil {
			return err
		}
	}
	return nil
}

// Compile lowers a rewritten program to operator trees. The input strata are
// ordered dependents-first; the output is reversed so evaluation runs leaves
// first and the entry stratum last.
func Compile(tx *store.Tx, mp *program.StratifiedMagicProgram) ([]*CompiledStratum, error) {
	arities := map[program.MagicSym]int{}
	for _, stratum := range mp.Strata {
		if err := stratum.Each(func(sym program.MagicSym, set *program.MagicRuleSet) error {
			arities[sym] = set.Arity()
			return nil
		}); err != nil {
			return nil, err
		}
	}

	out := make([]*CompiledStratum, 0, len(mp.Strata))
	for i := len(mp.Strata) - 1; i >= 0; i-- {
		stratum := mp.Strata[i]
		compiled := &CompiledStratum{Sets: map[program.MagicSym]*CompiledRuleSet{}}
		err := stratum.Each(func(sym program.MagicSym, set *program.MagicRuleSet) error {
			cs := &CompiledRuleSet{Sym: sym, Fixed: set.Fixed}
			for _, rule := range set.Rules {
				node, contained, err := compileRuleBody(tx, rule, sym, arities)
				if err != nil {
					return err
				}
				cs.Rules = append(cs.Rules, CompiledRule{
					Aggr:      rule.Aggr,
					Relation:  node,
					Contained: contained,
				})
			}
			compiled.Order = append(compiled.Order, sym)
			compiled.Sets[sym] = cs
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

// compileRuleBody walks the body left to right, joining each atom against
// the accumulated tree, then reorders the output onto the head variables.
func compileRuleBody(tx *store.Tx, rule *program.MagicRule, ruleName program.MagicSym, arities map[program.MagicSym]int) (Node, map[program.MagicSym]bool, error) {
	var ret Node = &Unit{}
	seen := map[string]core.Symbol{}
	contained := map[program.MagicSym]bool{}
	serial := 0
	genSym := func(span core.Span) core.Symbol {
		s := core.GenJoinSym(serial, span)
		serial++
		return s
	}

	// splitJoiners renames already-seen (or repeated) argument variables to
	// fresh right-side names and records the join pairs.
	splitJoiners := func(args []core.Symbol, markSeen bool) (prevJoiner, rightJoiner, rightVars []core.Symbol, joinPos []int) {
		for i, v := range args {
			if _, ok := seen[v.Name]; ok {
				prevJoiner = append(prevJoiner, v)
				rk := genSym(v.Span)
				rightVars = append(rightVars, rk)
				rightJoiner = append(rightJoiner, rk)
				joinPos = append(joinPos, i)
			} else {
				if markSeen {
					seen[v.Name] = v
				}
				rightVars = append(rightVars, v)
			}
		}
		return
	}

	for _, atom := range rule.Body {
		switch t := atom.(type) {
		case *program.MRule:
			arity, ok := arities[t.Name]
			if !ok {
				return nil, nil, fmt.Errorf("requested rule '%s' not found at %s", t.Name, t.At)
			}
			if arity != len(t.Args) {
				return nil, nil, fmt.Errorf("arity mismatch for rule application '%s': required %d, given %d at %s", t.Name, arity, len(t.Args), t.At)
			}
			contained[t.Name] = true
			prevJoiner, rightJoiner, rightVars, _ := splitJoiners(t.Args, true)
			right := NewDerivedScan(t.Name, rightVars)
			joined, err := NewJoin(ret, right, prevJoiner, rightJoiner)
			if err != nil {
				return nil, nil, err
			}
			ret = joined

		case *program.MNegRule:
			arity, ok := arities[t.Name]
			if !ok {
				return nil, nil, fmt.Errorf("requested rule '%s' not found at %s", t.Name, t.At)
			}
			if arity != len(t.Args) {
				return nil, nil, fmt.Errorf("arity mismatch for rule application '%s': required %d, given %d at %s", t.Name, arity, len(t.Args), t.At)
			}
			prevJoiner, rightJoiner, rightVars, _ := splitJoiners(t.Args, false)
			right := NewDerivedScan(t.Name, rightVars)
			joined, err := NewNegJoin(ret, right, prevJoiner, rightJoiner, t.At)
			if err != nil {
				return nil, nil, err
			}
			ret = joined

		case *program.MRelation:
			node, err := compileStoredAtom(tx, ret, t, seen, genSym, false)
			if err != nil {
				return nil, nil, err
			}
			ret = node

		case *program.MNegRelation:
			pos := &program.MRelation{Name: t.Name, Args: t.Args, ValidAt: t.ValidAt, At: t.At}
			node, err := compileStoredAtom(tx, ret, pos, seen, genSym, true)
			if err != nil {
				return nil, nil, err
			}
			ret = node

		case *program.MPred:
			// expression trees are shared between magic variants of a
			// rule; clone before binding indices are assigned
			filtered, err := NewFilter(ret, expr.Clone(t.E))
			if err != nil {
				return nil, nil, err
			}
			ret = filtered

		case *program.MUnify:
			if _, ok := seen[t.Var.Name]; ok {
				// the variable is bound: lower to an equality (or
				// membership) predicate
				op := expr.OpEq
				if t.OneMany {
					op = expr.OpIsIn
				}
				pred := &expr.Apply{
					Op:   op,
					Args: []expr.Expr{expr.NewBinding(t.Var), expr.Clone(t.E)},
					At:   t.At,
				}
				filtered, err := NewFilter(ret, pred)
				if err != nil {
					return nil, nil, err
				}
				ret = filtered
			} else {
				seen[t.Var.Name] = t.Var
				unified, err := NewUnify(ret, t.Var, expr.Clone(t.E), t.OneMany)
				if err != nil {
					return nil, nil, err
				}
				ret = unified
			}
		}
	}

	reordered, err := NewReorder(ret, rule.Head)
	if err != nil {
		return nil, nil, err
	}
	return reordered, contained, nil
}

// compileStoredAtom joins a stored-relation atom (or its negation) against
// the accumulated tree, choosing between a base scan, a covering index scan,
// and the two-step index-then-base path.
func compileStoredAtom(tx *store.Tx, ret Node, t *program.MRelation, seen map[string]core.Symbol, genSym func(core.Span) core.Symbol, negated bool) (Node, error) {
	meta, err := tx.GetRelation(t.Name)
	if err != nil {
		return nil, err
	}
	if meta.Access < store.AccessReadOnly {
		return nil, &store.InsufficientAccessError{Relation: meta.Name, Operation: "reading rows", Level: meta.Access}
	}
	if meta.Arity() != len(t.Args) {
		return nil, fmt.Errorf("arity mismatch for relation application '%s': required %d, given %d at %s", t.Name, meta.Arity(), len(t.Args), t.At)
	}

	var prevJoiner, rightJoiner, rightVars []core.Symbol
	var rightJoinerPos []int
	posUses := make([]store.IndexPosUse, len(t.Args))
	for i, v := range t.Args {
		if _, ok := seen[v.Name]; ok {
			prevJoiner = append(prevJoiner, v)
			rk := genSym(v.Span)
			rightVars = append(rightVars, rk)
			rightJoiner = append(rightJoiner, rk)
			rightJoinerPos = append(rightJoinerPos, i)
			posUses[i] = store.PosJoin
		} else {
			if !negated {
				seen[v.Name] = v
			}
			rightVars = append(rightVars, v)
			if v.IsIgnored() {
				posUses[i] = store.PosIgnored
			} else {
				posUses[i] = store.PosBindForLater
			}
		}
	}

	choice := meta.ChooseIndex(posUses, t.ValidAt != nil)

	if negated {
		// negation never takes the two-step path; a covering index may
		// stand in for the base
		if choice != nil && !choice.NeedsJoin {
			idxMeta, err := tx.IndexRelation(meta, choice.Index)
			if err != nil {
				return nil, err
			}
			idxVars := make([]core.Symbol, len(choice.Mapper))
			idxJoiner := make([]core.Symbol, 0, len(rightJoiner))
			idxPrev := make([]core.Symbol, 0, len(prevJoiner))
			for i, src := range choice.Mapper {
				idxVars[i] = rightVars[src]
			}
			for j, pos := range rightJoinerPos {
				for _, src := range choice.Mapper {
					if src == pos {
						idxJoiner = append(idxJoiner, rightJoiner[j])
						idxPrev = append(idxPrev, prevJoiner[j])
					}
				}
			}
			right, err := NewStoredScan(idxMeta, idxVars, nil, t.At)
			if err != nil {
				return nil, err
			}
			return NewNegJoin(ret, right, idxPrev, idxJoiner, t.At)
		}
		right, err := NewStoredScan(meta, rightVars, t.ValidAt, t.At)
		if err != nil {
			return nil, err
		}
		return NewNegJoin(ret, right, prevJoiner, rightJoiner, t.At)
	}

	switch {
	case choice == nil:
		right, err := NewStoredScan(meta, rightVars, t.ValidAt, t.At)
		if err != nil {
			return nil, err
		}
		return NewJoin(ret, right, prevJoiner, rightJoiner)

	case !choice.NeedsJoin:
		// covering index: scan it, projecting its columns back onto the
		// requested variables
		idxMeta, err := tx.IndexRelation(meta, choice.Index)
		if err != nil {
			return nil, err
		}
		idxVars := make([]core.Symbol, len(choice.Mapper))
		for i, src := range choice.Mapper {
			idxVars[i] = rightVars[src]
		}
		right, err := NewStoredScan(idxMeta, idxVars, nil, t.At)
		if err != nil {
			return nil, err
		}
		return NewJoin(ret, right, prevJoiner, rightJoiner)

	default:
		// non-covering: scan the index for the base keys, then join the
		// base relation on them — the only two-step access path
		idxMeta, err := tx.IndexRelation(meta, choice.Index)
		if err != nil {
			return nil, err
		}
		middleVars := make([]core.Symbol, len(choice.Mapper))
		var prevFirst, middleLeft []core.Symbol
		for i, src := range choice.Mapper {
			mv := genSym(t.At)
			middleVars[i] = mv
			for j, pos := range rightJoinerPos {
				if pos == src {
					prevFirst = append(prevFirst, prevJoiner[j])
					middleLeft = append(middleLeft, mv)
				}
			}
		}
		middle, err := NewStoredScan(idxMeta, middleVars, nil, t.At)
		if err != nil {
			return nil, err
		}
		joined, err := NewJoin(ret, middle, prevFirst, middleLeft)
		if err != nil {
			return nil, err
		}
		// base keys, in base order, as produced by the index columns
		keyArity := meta.KeyArity()
		middleByBasePos := map[int]core.Symbol{}
		for i, src := range choice.Mapper {
			middleByBasePos[src] = middleVars[i]
		}
		var baseJoinLeft, baseJoinRight []core.Symbol
		for p := 0; p < keyArity; p++ {
			mv, ok := middleByBasePos[p]
			if !ok {
				return nil, fmt.Errorf("index '%s' of relation '%s' does not cover base key column %d", choice.Index.Name, meta.Name, p)
			}
			baseJoinLeft = append(baseJoinLeft, mv)
			baseJoinRight = append(baseJoinRight, rightVars[p])
		}
		base, err := NewStoredScan(meta, rightVars, t.ValidAt, t.At)
		if err != nil {
			return nil, err
		}
		return NewJoin(joined, base, baseJoinLeft, baseJoinRight)
	}
}
