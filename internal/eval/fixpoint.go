// Package eval drives compiled programs to their fixpoint and applies the
// result: the semi-naive stratum loop with meet and normal aggregation, the
// result shaping options (sort, slice, assertions), and the transactional
// mutation executor with triggers and change callbacks.
package eval

import (
	"fmt"

	"strata/internal/aggr"
	"strata/internal/algebra"
	"strata/internal/core"
	"strata/internal/fixedrule"
	"strata/internal/program"
	"strata/internal/store"
)

// Evaluate runs the compiled strata (ordered leaves first) to fixpoint and
// returns the entry relation's store along with its arity.
func Evaluate(tx *store.Tx, strata []*algebra.CompiledStratum, poison core.Poison) (*store.MemStore, int, error) {
	stores := map[program.MagicSym]*store.MemStore{}
	arities := map[program.MagicSym]int{}

	for _, stratum := range strata {
		if err := stratum.Each(func(set *algebra.CompiledRuleSet) error {
			arities[set.Sym] = set.Arity()
			keyLen := set.Arity()
			if set.AggrKind() == algebra.AggrMeet {
				keyLen = set.MeetStart()
			}
			stores[set.Sym] = store.NewMemStore(keyLen)
			return nil
		}); err != nil {
			return nil, 0, err
		}
	}

	for _, stratum := range strata {
		if err := evalStratum(tx, stratum, stores, arities, poison); err != nil {
			return nil, 0, err
		}
		if err := stratum.Each(func(set *algebra.CompiledRuleSet) error {
			if set.AggrKind() == algebra.AggrNormal {
				collapsed, err := applyNormalAggr(set, stores[set.Sym])
				if err != nil {
					return err
				}
				stores[set.Sym] = collapsed
			}
			stores[set.Sym].Finalize()
			return nil
		}); err != nil {
			return nil, 0, err
		}
	}

	entry := program.Muggle(core.ProgEntry)
	out, ok := stores[entry]
	if !ok {
		return nil, 0, fmt.Errorf("program has no entry ('?' rule)")
	}
	return out, arities[entry], nil
}

// evalStratum runs one stratum to fixpoint. Fixed rules run first (their
// outputs are tagged epoch 0 so the first epoch sees them); epoch 1
// evaluates every rule in full; later epochs re-evaluate each rule once per
// same-stratum head it scans, with that head's delta selected, until an
// epoch derives nothing new.
func evalStratum(tx *store.Tx, stratum *algebra.CompiledStratum, stores map[program.MagicSym]*store.MemStore, arities map[program.MagicSym]int, poison core.Poison) error {
	inStratum := map[program.MagicSym]bool{}
	for _, sym := range stratum.Order {
		inStratum[sym] = true
	}

	// fixed rules
	if err := stratum.Each(func(set *algebra.CompiledRuleSet) error {
		if set.Fixed == nil {
			return nil
		}
		return runFixedRule(tx, set, stores, arities, poison)
	}); err != nil {
		return err
	}

	meets, err := meetSpecs(stratum)
	if err != nil {
		return err
	}

	ctx := &algebra.Ctx{Tx: tx, Stores: stores, Poison: poison, UseDelta: map[program.MagicSym]bool{}}

	for epoch := 1; ; epoch++ {
		if err := poison.Check(); err != nil {
			return err
		}
		ctx.Epoch = epoch
		changed := false

		err := stratum.Each(func(set *algebra.CompiledRuleSet) error {
			if set.Fixed != nil {
				return nil
			}
			target := stores[set.Sym]
			for _, rule := range set.Rules {
				deltas := deltaChoices(rule, inStratum, epoch)
				for _, delta := range deltas {
					clear(ctx.UseDelta)
					if delta != nil {
						ctx.UseDelta[*delta] = true
					}
					err := rule.Relation.Iter(ctx, func(t core.Tuple) error {
						isNew, err := absorb(set, meets[set.Sym], target, t, epoch)
						if err != nil {
							return err
						}
						if isNew {
							changed = true
						}
						return nil
					})
					if err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if !changed {
			return nil
		}
	}
}

// deltaChoices selects the evaluations of a rule at an epoch: everything in
// full at epoch 1, then once per contained same-stratum head. A rule with no
// same-stratum dependencies cannot derive anything new after the first
// epoch.
func deltaChoices(rule algebra.CompiledRule, inStratum map[program.MagicSym]bool, epoch int) []*program.MagicSym {
	if epoch == 1 {
		return []*program.MagicSym{nil}
	}
	var out []*program.MagicSym
	for sym := range rule.Contained {
		if inStratum[sym] {
			s := sym
			out = append(out, &s)
		}
	}
	return out
}

// meetSpecs instantiates the meet aggregations of each all-meet rule set
// once; updates are stateless.
func meetSpecs(stratum *algebra.CompiledStratum) (map[program.MagicSym][]aggr.Meet, error) {
	out := map[program.MagicSym][]aggr.Meet{}
	err := stratum.Each(func(set *algebra.CompiledRuleSet) error {
		if set.Fixed != nil || set.AggrKind() != algebra.AggrMeet {
			return nil
		}
		specs := make([]aggr.Meet, len(set.Rules[0].Aggr))
		for i, app := range set.Rules[0].Aggr {
			if app == nil {
				continue
			}
			m, err := app.Meet()
			if err != nil {
				return err
			}
			specs[i] = m
		}
		out[set.Sym] = specs
		return nil
	})
	return out, err
}

// absorb writes one derived tuple into its head store, applying in-place
// meet updates when the head aggregates.
func absorb(set *algebra.CompiledRuleSet, meets []aggr.Meet, target *store.MemStore, t core.Tuple, epoch int) (bool, error) {
	if set.AggrKind() != algebra.AggrMeet {
		return target.PutIfAbsent(t.Clone(), epoch), nil
	}

	existing, found := target.Get(t)
	if !found {
		acc := t.Clone()
		for i, m := range meets {
			if m == nil {
				continue
			}
			next, _, err := m.Update(m.Init(), t[i])
			if err != nil {
				return false, err
			}
			acc[i] = next
		}
		target.Replace(acc, epoch)
		return true, nil
	}

	merged := existing.Clone()
	anyChanged := false
	for i, m := range meets {
		if m == nil {
			continue
		}
		next, changed, err := m.Update(existing[i], t[i])
		if err != nil {
			return false, err
		}
		merged[i] = next
		anyChanged = anyChanged || changed
	}
	if anyChanged {
		target.Replace(merged, epoch)
	}
	return anyChanged, nil
}

// applyNormalAggr collapses a raw tuple store by its non-aggregated head
// positions, feeding each group through fresh accumulators. With no group
// columns at all, an empty input still yields one row of accumulator
// defaults.
func applyNormalAggr(set *algebra.CompiledRuleSet, raw *store.MemStore) (*store.MemStore, error) {
	apps := set.Rules[0].Aggr
	var groupPos, aggrPos []int
	for i, a := range apps {
		if a == nil {
			groupPos = append(groupPos, i)
		} else {
			aggrPos = append(aggrPos, i)
		}
	}

	type group struct {
		rep  core.Tuple
		accs []aggr.Normal
	}
	groups := map[string]*group{}
	var order []string

	raw.Finalize()
	err := raw.ScanAll(func(t core.Tuple) error {
		var keyBytes []byte
		for _, p := range groupPos {
			keyBytes = core.AppendValue(keyBytes, t[p])
		}
		key := string(keyBytes)
		g, ok := groups[key]
		if !ok {
			g = &group{rep: t.Clone()}
			for _, p := range aggrPos {
				acc, err := apps[p].Normal()
				if err != nil {
					return err
				}
				g.accs = append(g.accs, acc)
			}
			groups[key] = g
			order = append(order, key)
		}
		for i, p := range aggrPos {
			if err := g.accs[i].Set(t[p]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(groups) == 0 && len(groupPos) == 0 {
		g := &group{rep: make(core.Tuple, len(apps))}
		for _, p := range aggrPos {
			acc, err := apps[p].Normal()
			if err != nil {
				return nil, err
			}
			g.accs = append(g.accs, acc)
		}
		groups[""] = g
		order = append(order, "")
	}

	out := store.NewMemStore(len(apps))
	for _, key := range order {
		g := groups[key]
		row := g.rep.Clone()
		for i, p := range aggrPos {
			v, err := g.accs[i].Get()
			if err != nil {
				return nil, err
			}
			row[p] = v
		}
		out.Put(row, 1)
	}
	return out, nil
}

// runFixedRule resolves and executes one fixed-rule application, tagging its
// outputs with epoch 0 so same-stratum consumers see them in their first
// epoch.
func runFixedRule(tx *store.Tx, set *algebra.CompiledRuleSet, stores map[program.MagicSym]*store.MemStore, arities map[program.MagicSym]int, poison core.Poison) error {
	fixed := set.Fixed
	impl, ok := fixedrule.Lookup(fixed.Name)
	if !ok {
		return fmt.Errorf("cannot find a fixed rule named '%s' at %s", fixed.Name, fixed.At)
	}

	inputs := make([]fixedrule.Input, 0, len(fixed.RuleArgs))
	for _, arg := range fixed.RuleArgs {
		if arg.InMem {
			ms, ok := stores[arg.Sym]
			if !ok {
				return fmt.Errorf("requested rule '%s' not found at %s", arg.Sym, arg.At)
			}
			inputs = append(inputs, fixedrule.MemInput(ms, arities[arg.Sym], arg.At))
			continue
		}
		meta, err := tx.GetRelation(arg.Stored)
		if err != nil {
			return err
		}
		if meta.Access < store.AccessReadOnly {
			return &store.InsufficientAccessError{Relation: meta.Name, Operation: "reading rows", Level: meta.Access}
		}
		inputs = append(inputs, fixedrule.StoredInput(tx, meta, arg.ValidAt, arg.At))
	}

	payload := &fixedrule.Payload{Tx: tx, Inputs: inputs, Options: fixed.Options, At: fixed.At}
	scratch := store.NewMemStore(fixed.Arity)
	if err := impl.Run(payload, scratch, poison); err != nil {
		return fmt.Errorf("fixed rule '%s' at %s: %w", fixed.Name, fixed.At, err)
	}
	scratch.Finalize()
	target := stores[set.Sym]
	return scratch.ScanAll(func(t core.Tuple) error {
		if len(t) != fixed.Arity {
			return fmt.Errorf("fixed rule '%s' produced a row of width %d, declared arity is %d", fixed.Name, len(t), fixed.Arity)
		}
		target.Put(t, 0)
		return nil
	})
}
