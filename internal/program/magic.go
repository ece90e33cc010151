package program

import (
	"sort"

	"strata/internal/aggr"
	"strata/internal/core"
)

// nilAggr is an aggregation-free head of the given width.
func nilAggr(n int) []*aggr.Application { return make([]*aggr.Application, n) }

// The magic-set rewrite restricts bottom-up evaluation to bindings actually
// demanded by callers. Rules stay "muggles" when rewriting is off, when they
// aggregate, when they are fixed-rule applications, when they are the entry,
// or when they are consumed from another stratum; every other rule
// application spawns an adorned Magic variant (an all-free adornment
// included), and variants with bound positions are driven by Input fact sets
// and chained through supplementary relations.

// MagicRewrite processes strata dependents-first, accumulating exemptions:
// the entry stays unrewritten, and so does any rule a previous (dependent)
// stratum consumes, since magic variants cannot be driven across stratum
// boundaries.
func MagicRewrite(sp *StratifiedProgram) (*StratifiedMagicProgram, error) {
	exempt := map[string]bool{core.ProgEntry: true}
	out := &StratifiedMagicProgram{Options: sp.Options}
	for _, stratum := range sp.Strata {
		exemptAggrRules(stratum, exempt)
		downstream := downstreamRules(stratum)
		adorned := adornStratum(stratum, exempt)
		out.Strata = append(out.Strata, magicRewriteProgram(adorned))
		for name := range downstream {
			exempt[name] = true
		}
	}
	return out, nil
}

// exemptAggrRules blocks rewriting of aggregating rules (their semantics
// need the full tuple set), of fixed-rule applications (they have no rule
// bodies to adorn) and of everything when the program disables the rewrite.
func exemptAggrRules(p *NormalProgram, exempt map[string]bool) {
	for name, set := range p.Rules {
		if p.DisableMagicRewrite {
			exempt[name] = true
			continue
		}
		if set.Fixed != nil || set.HasAggr() {
			exempt[name] = true
		}
	}
}

// downstreamRules collects names this stratum applies but does not define.
func downstreamRules(p *NormalProgram) map[string]bool {
	out := map[string]bool{}
	note := func(name string) {
		if _, own := p.Rules[name]; !own {
			out[name] = true
		}
	}
	for _, set := range p.Rules {
		if set.Fixed != nil {
			for _, arg := range set.Fixed.RuleArgs {
				if arg.InMem {
					note(arg.Name.Name)
				}
			}
			continue
		}
		for _, rule := range set.Rules {
			for _, atom := range rule.Body {
				switch t := atom.(type) {
				case *NRule:
					note(t.Name.Name)
				case *NNegRule:
					note(t.Name.Name)
				}
			}
		}
	}
	return out
}

// seenSet tracks bound variables; iteration is by sorted name so generated
// supplementary heads are deterministic.
type seenSet map[string]core.Symbol

func (s seenSet) has(sym core.Symbol) bool { _, ok := s[sym.Name]; return ok }
func (s seenSet) add(sym core.Symbol)      { s[sym.Name] = sym }

func (s seenSet) sorted() []core.Symbol {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]core.Symbol, len(names))
	for i, n := range names {
		out[i] = s[n]
	}
	return out
}

// adornStratum assigns binding patterns. Muggle rules adorn with no bound
// head positions; each Magic variant discovered in a body is enqueued and
// adorned with its bound head slice pre-seeded.
func adornStratum(p *NormalProgram, exempt map[string]bool) *MagicProgram {
	rewrite := map[string]bool{}
	for name := range p.Rules {
		if !exempt[name] {
			rewrite[name] = true
		}
	}

	adorned := NewMagicProgram()
	var pending []MagicSym

	names := p.SortedNames()
	for _, name := range names {
		if rewrite[name] {
			continue // adorned on demand, driven by callers
		}
		set := p.Rules[name]
		if set.Fixed != nil {
			adorned.Put(Muggle(name), &MagicRuleSet{Fixed: magicFixed(set.Fixed)})
			continue
		}
		rules := make([]*MagicRule, len(set.Rules))
		for i, rule := range set.Rules {
			rules[i] = adornRule(rule, seenSet{}, rewrite, &pending)
		}
		adorned.Put(Muggle(name), &MagicRuleSet{Rules: rules})
	}

	for len(pending) > 0 {
		head := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, done := adorned.Get(head); done {
			continue
		}
		set := p.Rules[head.Name]
		rules := make([]*MagicRule, len(set.Rules))
		for i, rule := range set.Rules {
			seen := seenSet{}
			for pos, v := range rule.Head {
				if head.Adornment.BoundAt(pos) {
					seen.add(v)
				}
			}
			rules[i] = adornRule(rule, seen, rewrite, &pending)
		}
		adorned.Put(head, &MagicRuleSet{Rules: rules})
	}
	return adorned
}

func magicFixed(f *FixedApply) *MagicFixedApply {
	out := &MagicFixedApply{
		Name:    f.Name,
		Options: f.Options,
		Head:    f.Head,
		Arity:   f.Arity,
		At:      f.At,
	}
	for _, arg := range f.RuleArgs {
		m := MagicFixedArg{
			InMem:    arg.InMem,
			Bindings: arg.Bindings,
			ValidAt:  arg.ValidAt,
			At:       arg.At,
		}
		if arg.InMem {
			m.Sym = Muggle(arg.Name.Name)
		} else {
			m.Stored = arg.Name.Name
		}
		out.RuleArgs = append(out.RuleArgs, m)
	}
	return out
}

func adornRule(rule *NormalRule, seen seenSet, rewrite map[string]bool, pending *[]MagicSym) *MagicRule {
	body := make([]MagicAtom, 0, len(rule.Body))
	for _, atom := range rule.Body {
		body = append(body, adornAtom(atom, seen, rewrite, pending))
	}
	return &MagicRule{Head: rule.Head, Aggr: rule.Aggr, Body: body, At: rule.At}
}

func adornAtom(atom NormalAtom, seen seenSet, rewrite map[string]bool, pending *[]MagicSym) MagicAtom {
	switch t := atom.(type) {
	case *NRelation:
		for _, arg := range t.Args {
			seen.add(arg)
		}
		return &MRelation{Name: t.Name, Args: t.Args, ValidAt: t.ValidAt, At: t.At}
	case *NNegRelation:
		return &MNegRelation{Name: t.Name, Args: t.Args, ValidAt: t.ValidAt, At: t.At}
	case *NPred:
		return &MPred{E: t.E, At: t.At}
	case *NUnify:
		seen.add(t.Var)
		return &MUnify{Var: t.Var, E: t.E, OneMany: t.OneMany, At: t.At}
	case *NNegRule:
		// negated applications always read the full (muggle) relation
		return &MNegRule{Name: Muggle(t.Name.Name), Args: t.Args, At: t.At}
	case *NRule:
		if !rewrite[t.Name.Name] {
			for _, arg := range t.Args {
				seen.add(arg)
			}
			return &MRule{Name: Muggle(t.Name.Name), Args: t.Args, At: t.At}
		}
		bound := make([]bool, len(t.Args))
		for i, arg := range t.Args {
			if seen.has(arg) {
				bound[i] = true
			} else {
				seen.add(arg)
			}
		}
		name := MagicSym{Kind: KindMagic, Name: t.Name.Name, Adornment: NewAdornment(bound)}
		*pending = append(*pending, name)
		return &MRule{Name: name, Args: t.Args, At: t.At}
	}
	panic("unreachable atom kind")
}

// magicRewriteProgram applies the per-rule supplementary rewrite to every
// adorned ruleset.
func magicRewriteProgram(adorned *MagicProgram) *MagicProgram {
	out := NewMagicProgram()
	_ = adorned.Each(func(sym MagicSym, set *MagicRuleSet) error {
		if set.Fixed != nil {
			out.Put(sym, set)
			return nil
		}
		rewriteRuleset(sym, set.Rules, out)
		return nil
	})
	return out
}

// rewriteRuleset walks each rule body left to right. Whenever a magic
// application with bound positions is reached, the atoms accumulated so far
// are cut into a supplementary relation; the supplementary both replaces
// them in the body and feeds the callee's input set, restricted to the
// callee's bound positions.
func rewriteRuleset(head MagicSym, rules []*MagicRule, out *MagicProgram) {
	hasBoundArgs := head.Kind == KindMagic && head.Adornment.HasBound()

	for ruleIdx, rule := range rules {
		supIdx := uint16(0)
		makeSup := func() MagicSym {
			s := MagicSym{
				Kind:      KindSup,
				Name:      head.Name,
				Adornment: head.Adornment,
				RuleIdx:   uint16(ruleIdx),
				SupIdx:    supIdx,
			}
			supIdx++
			return s
		}

		var collected []MagicAtom
		seen := seenSet{}

		if hasBoundArgs {
			// sup 0: seed from the input set over the bound head slice
			supKw := makeSup()
			var supArgs []core.Symbol
			for pos, v := range rule.Head {
				if head.Adornment.BoundAt(pos) {
					supArgs = append(supArgs, v)
				}
			}
			inputSym := MagicSym{Kind: KindInput, Name: head.Name, Adornment: head.Adornment}
			out.RulesEntry(supKw).Rules = append(out.RulesEntry(supKw).Rules, &MagicRule{
				Head: supArgs,
				Aggr: nilAggr(len(supArgs)),
				Body: []MagicAtom{&MRule{Name: inputSym, Args: supArgs, At: rule.At}},
				At:   rule.At,
			})
			for _, v := range supArgs {
				seen.add(v)
			}
			collected = append(collected, &MRule{Name: supKw, Args: supArgs, At: rule.At})
		}

		for _, atom := range rule.Body {
			switch t := atom.(type) {
			case *MPred, *MNegRule, *MNegRelation:
				collected = append(collected, atom)
			case *MRelation:
				for _, arg := range t.Args {
					seen.add(arg)
				}
				collected = append(collected, t)
			case *MUnify:
				seen.add(t.Var)
				collected = append(collected, t)
			case *MRule:
				if t.Name.Kind == KindMagic && t.Name.Adornment.HasBound() {
					supKw := makeSup()
					args := seen.sorted()

					out.RulesEntry(supKw).Rules = append(out.RulesEntry(supKw).Rules, &MagicRule{
						Head: args,
						Aggr: nilAggr(len(args)),
						Body: collected,
						At:   rule.At,
					})

					supApp := &MRule{Name: supKw, Args: args, At: rule.At}
					collected = []MagicAtom{supApp}

					inpKw := MagicSym{Kind: KindInput, Name: t.Name.Name, Adornment: t.Name.Adornment}
					var inpArgs []core.Symbol
					for i, arg := range t.Args {
						if t.Name.Adornment.BoundAt(i) {
							inpArgs = append(inpArgs, arg)
						}
					}
					out.RulesEntry(inpKw).Rules = append(out.RulesEntry(inpKw).Rules, &MagicRule{
						Head: inpArgs,
						Aggr: nilAggr(len(inpArgs)),
						Body: []MagicAtom{supApp},
						At:   rule.At,
					})
				}
				for _, arg := range t.Args {
					seen.add(arg)
				}
				collected = append(collected, t)
			}
		}

		out.RulesEntry(head).Rules = append(out.RulesEntry(head).Rules, &MagicRule{
			Head: rule.Head,
			Aggr: rule.Aggr,
			Body: collected,
			At:   rule.At,
		})
	}
}
