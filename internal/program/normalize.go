package program

import (
	"fmt"
	"time"

	"strata/internal/aggr"
	"strata/internal/core"
	"strata/internal/expr"
)

// RelationResolver supplies the stored-relation facts normalization needs:
// column names for named-field atoms and validity eligibility for `@ vld`
// scans. The storage transaction implements it.
type RelationResolver interface {
	RelationColumns(name string) ([]string, error)
	RelationSupportsValidity(name string) (bool, error)
}

type normalizer struct {
	res    RelationResolver
	curVld core.Validity
	serial int
}

func (n *normalizer) freshIgnored(span core.Span) core.Symbol {
	n.serial++
	return core.GenIgnoredSym(n.serial, span)
}

func (n *normalizer) freshUnify(span core.Span) core.Symbol {
	n.serial++
	return core.Symbol{Name: fmt.Sprintf("*u*%d", n.serial), Span: span}
}

// Normalize lowers an input program to conjunctive normal form: disjunctions
// lift into separate rules with the same head, named fields resolve to
// positions, complex rule arguments move into unifications, `_` placeholders
// become fresh ignored variables, and every expression is partially
// evaluated.
func Normalize(ip *InputProgram, res RelationResolver, curVld core.Validity) (*NormalProgram, error) {
	n := &normalizer{res: res, curVld: curVld}
	out := &NormalProgram{
		Rules:               map[string]*NormalRuleSet{},
		DisableMagicRewrite: ip.Options.DisableMagicRewrite,
	}
	for _, name := range ip.Order {
		set := ip.Rules[name]
		if set.Fixed != nil {
			out.Rules[name] = &NormalRuleSet{Fixed: set.Fixed}
			out.Order = append(out.Order, name)
			continue
		}
		normalSet := &NormalRuleSet{}
		for _, rule := range set.Rules {
			normalized, err := n.normalizeRule(rule)
			if err != nil {
				return nil, err
			}
			normalSet.Rules = append(normalSet.Rules, normalized...)
		}
		if err := checkHeadConsistency(name, normalSet.Rules); err != nil {
			return nil, err
		}
		out.Rules[name] = normalSet
		out.Order = append(out.Order, name)
	}
	return out, nil
}

// checkHeadConsistency enforces that every definition of a head agrees on
// arity and on the aggregation applied at each position, and that meet
// aggregations trail the plain positions unless a normal aggregation is
// present (then the post-pass handles any layout).
func checkHeadConsistency(name string, rules []*NormalRule) error {
	if len(rules) == 0 {
		return fmt.Errorf("rule '%s' has no definitions", name)
	}
	first := rules[0]
	for _, r := range rules[1:] {
		if len(r.Head) != len(first.Head) {
			return fmt.Errorf("the rule '%s' cannot be found to have a unique arity at %s", name, r.At)
		}
		for i := range r.Head {
			if !sameAggr(first.Aggr[i], r.Aggr[i]) {
				return fmt.Errorf("conflicting aggregations for rule '%s' at %s", name, r.At)
			}
		}
	}
	hasNormal := false
	hasAggr := false
	for _, a := range first.Aggr {
		if a != nil {
			hasAggr = true
			if !a.Aggr.IsMeet {
				hasNormal = true
			}
		}
	}
	if hasAggr && !hasNormal {
		seenAggr := false
		for _, a := range first.Aggr {
			if a == nil && seenAggr {
				return fmt.Errorf("meet aggregations of rule '%s' must come after all plain head positions", name)
			}
			if a != nil {
				seenAggr = true
			}
		}
	}
	return nil
}

func sameAggr(a, b *aggr.Application) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if a.Aggr.Name != b.Aggr.Name || len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if core.Compare(a.Args[i], b.Args[i]) != 0 {
			return false
		}
	}
	return true
}

func (n *normalizer) normalizeRule(rule *InputRule) ([]*NormalRule, error) {
	positive, err := pushNegation(&AtomConj{Atoms: rule.Body, At: rule.At}, false)
	if err != nil {
		return nil, err
	}
	head := make([]core.Symbol, len(rule.Head))
	headAggr := make([]*aggr.Application, len(rule.Head))
	for i, h := range rule.Head {
		head[i] = h.Var
		headAggr[i] = h.Aggr
	}
	var out []*NormalRule
	for _, disjunct := range expandDisjuncts(positive) {
		var body []NormalAtom
		for _, atom := range disjunct {
			converted, err := n.convertAtom(atom)
			if err != nil {
				return nil, err
			}
			body = append(body, converted...)
		}
		out = append(out, &NormalRule{Head: head, Aggr: headAggr, Body: body, At: rule.At})
	}
	return out, nil
}

// pushNegation drives negations down to rule and relation atoms, applying
// De Morgan over groups and lowering negated predicates and unifications to
// negated boolean expressions.
func pushNegation(atom InputAtom, negated bool) (InputAtom, error) {
	switch t := atom.(type) {
	case *AtomNegation:
		return pushNegation(t.Atom, !negated)
	case *AtomConj:
		parts := make([]InputAtom, len(t.Atoms))
		for i, a := range t.Atoms {
			p, err := pushNegation(a, negated)
			if err != nil {
				return nil, err
			}
			parts[i] = p
		}
		if negated {
			return &AtomDisj{Atoms: parts, At: t.At}, nil
		}
		return &AtomConj{Atoms: parts, At: t.At}, nil
	case *AtomDisj:
		parts := make([]InputAtom, len(t.Atoms))
		for i, a := range t.Atoms {
			p, err := pushNegation(a, negated)
			if err != nil {
				return nil, err
			}
			parts[i] = p
		}
		if negated {
			return &AtomConj{Atoms: parts, At: t.At}, nil
		}
		return &AtomDisj{Atoms: parts, At: t.At}, nil
	case *AtomPredicate:
		if negated {
			return &AtomPredicate{E: &expr.Apply{Op: expr.OpNegate, Args: []expr.Expr{t.E}, At: t.At}, At: t.At}, nil
		}
		return t, nil
	case *AtomUnify:
		if negated {
			if t.OneMany {
				return nil, fmt.Errorf("a multi-valued unification cannot be negated at %s", t.At)
			}
			eq := &expr.Apply{Op: expr.OpEq, Args: []expr.Expr{expr.NewBinding(t.Var), t.E}, At: t.At}
			return &AtomPredicate{E: &expr.Apply{Op: expr.OpNegate, Args: []expr.Expr{eq}, At: t.At}, At: t.At}, nil
		}
		return t, nil
	case *AtomRule, *AtomRelation:
		if negated {
			return &AtomNegation{Atom: atom, At: atom.AtomSpan()}, nil
		}
		return atom, nil
	}
	return nil, fmt.Errorf("unknown atom %T", atom)
}

// expandDisjuncts flattens to disjunctive normal form: a list of conjuncts
// of primitive (or singly-negated) atoms.
func expandDisjuncts(atom InputAtom) [][]InputAtom {
	switch t := atom.(type) {
	case *AtomConj:
		out := [][]InputAtom{{}}
		for _, a := range t.Atoms {
			sub := expandDisjuncts(a)
			var next [][]InputAtom
			for _, left := range out {
				for _, right := range sub {
					merged := make([]InputAtom, 0, len(left)+len(right))
					merged = append(merged, left...)
					merged = append(merged, right...)
					next = append(next, merged)
				}
			}
			out = next
		}
		return out
	case *AtomDisj:
		var out [][]InputAtom
		for _, a := range t.Atoms {
			out = append(out, expandDisjuncts(a)...)
		}
		return out
	default:
		return [][]InputAtom{{atom}}
	}
}

// convertAtom lowers one primitive atom; argument expressions that are not
// plain variables introduce unifications ahead of the atom, so constants in
// argument positions become bound variables (which the magic rewrite sees
// as bound head positions).
func (n *normalizer) convertAtom(atom InputAtom) ([]NormalAtom, error) {
	switch t := atom.(type) {
	case *AtomRule:
		var pre []NormalAtom
		args, err := n.argsToSymbols(t.Args, &pre)
		if err != nil {
			return nil, err
		}
		return append(pre, &NRule{Name: t.Name, Args: args, At: t.At}), nil
	case *AtomRelation:
		return n.convertRelation(t, false)
	case *AtomNegation:
		switch inner := t.Atom.(type) {
		case *AtomRule:
			var pre []NormalAtom
			args, err := n.argsToSymbols(inner.Args, &pre)
			if err != nil {
				return nil, err
			}
			return append(pre, &NNegRule{Name: inner.Name, Args: args, At: inner.At}), nil
		case *AtomRelation:
			return n.convertRelation(inner, true)
		default:
			return nil, fmt.Errorf("cannot negate atom at %s", t.At)
		}
	case *AtomPredicate:
		folded, err := expr.PartialEval(t.E)
		if err != nil {
			return nil, err
		}
		if c, ok := folded.(*expr.Const); ok {
			if b, isBool := c.Val.(core.Bool); isBool && bool(b) {
				return nil, nil // statically true conjunct
			}
		}
		return []NormalAtom{&NPred{E: folded, At: t.At}}, nil
	case *AtomUnify:
		folded, err := expr.PartialEval(t.E)
		if err != nil {
			return nil, err
		}
		return []NormalAtom{&NUnify{Var: t.Var, E: folded, OneMany: t.OneMany, At: t.At}}, nil
	}
	return nil, fmt.Errorf("atom %T survived DNF expansion", atom)
}

func (n *normalizer) argsToSymbols(args []expr.Expr, pre *[]NormalAtom) ([]core.Symbol, error) {
	out := make([]core.Symbol, len(args))
	for i, a := range args {
		sym, err := n.argToSymbol(a, pre)
		if err != nil {
			return nil, err
		}
		out[i] = sym
	}
	return out, nil
}

func (n *normalizer) argToSymbol(a expr.Expr, pre *[]NormalAtom) (core.Symbol, error) {
	if b, ok := a.(*expr.Binding); ok {
		if b.Var.Name == "_" {
			return n.freshIgnored(b.Var.Span), nil
		}
		return b.Var, nil
	}
	folded, err := expr.PartialEval(a)
	if err != nil {
		return core.Symbol{}, err
	}
	v := n.freshUnify(a.Span())
	*pre = append(*pre, &NUnify{Var: v, E: folded, At: a.Span()})
	return v, nil
}

func (n *normalizer) convertRelation(t *AtomRelation, negated bool) ([]NormalAtom, error) {
	var validAt *core.Validity
	if t.ValidAt != nil {
		ok, err := n.res.RelationSupportsValidity(t.Name.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("the last key column of relation '%s' must be a non-null Validity for time travel at %s", t.Name.Name, t.At)
		}
		v, err := n.resolveValidity(t.ValidAt)
		if err != nil {
			return nil, err
		}
		validAt = &v
	}
	var pre []NormalAtom
	var args []core.Symbol
	if t.Named != nil {
		cols, err := n.res.RelationColumns(t.Name.Name)
		if err != nil {
			return nil, err
		}
		known := map[string]bool{}
		for _, c := range cols {
			known[c] = true
		}
		for field := range t.Named {
			if !known[field] {
				return nil, fmt.Errorf("field '%s' not found in relation '%s' at %s", field, t.Name.Name, t.At)
			}
		}
		args = make([]core.Symbol, len(cols))
		for i, col := range cols {
			if e, ok := t.Named[col]; ok {
				sym, err := n.argToSymbol(e, &pre)
				if err != nil {
					return nil, err
				}
				args[i] = sym
			} else {
				args[i] = n.freshIgnored(t.At)
			}
		}
	} else {
		var err error
		args, err = n.argsToSymbols(t.Args, &pre)
		if err != nil {
			return nil, err
		}
	}
	if negated {
		return append(pre, &NNegRelation{Name: t.Name.Name, Args: args, ValidAt: validAt, At: t.At}), nil
	}
	return append(pre, &NRelation{Name: t.Name.Name, Args: args, ValidAt: validAt, At: t.At}), nil
}

// resolveValidity evaluates a `@ expr` annotation to a concrete validity:
// an integer is microseconds, a float seconds, a string an RFC 3339 stamp or
// the symbolic "NOW"/"END".
func (n *normalizer) resolveValidity(e expr.Expr) (core.Validity, error) {
	v, err := expr.EvalConst(e)
	if err != nil {
		return core.Validity{}, fmt.Errorf("the `@` annotation must be a constant at %s: %w", e.Span(), err)
	}
	switch t := v.(type) {
	case core.Validity:
		return t, nil
	case core.Int:
		return core.Validity{Ts: int64(t), Assert: true}, nil
	case core.Float:
		return core.Validity{Ts: int64(float64(t) * 1e6), Assert: true}, nil
	case core.Str:
		switch string(t) {
		case "NOW":
			return n.curVld, nil
		case "END":
			return core.Validity{Ts: 1<<63 - 1, Assert: true}, nil
		}
		if parsed, err := time.Parse(time.RFC3339, string(t)); err == nil {
			return core.ValidityAt(parsed), nil
		}
	}
	return core.Validity{}, fmt.Errorf("cannot interpret %s as a validity at %s", core.String(v), e.Span())
}
