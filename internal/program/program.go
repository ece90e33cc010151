// Package program defines the intermediate representations of a query and
// the transformations between them: the parsed input program, its
// conjunctive normal form, the stratified form, and the magic-set rewritten
// form handed to the compiler.
package program

import (
	"fmt"
	"sort"
	"strings"

	"strata/internal/aggr"
	"strata/internal/core"
	"strata/internal/expr"
)

// RelationOp selects what a query result does to a stored relation.
type RelationOp uint8

const (
	OpNone RelationOp = iota
	OpCreate
	OpReplace
	OpPut
	OpInsert
	OpUpdate
	OpRm
	OpDelete
	OpEnsure
	OpEnsureNot
)

func (op RelationOp) String() string {
	switch op {
	case OpNone:
		return "none"
	case OpCreate:
		return "create"
	case OpReplace:
		return "replace"
	case OpPut:
		return "put"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRm:
		return "rm"
	case OpDelete:
		return "delete"
	case OpEnsure:
		return "ensure"
	case OpEnsureNot:
		return "ensure_not"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// SortDir is the direction of one :order key.
type SortDir int8

const (
	SortAsc  SortDir = 1
	SortDesc SortDir = -1
)

// Sorter is one :order entry.
type Sorter struct {
	Var core.Symbol
	Dir SortDir
}

// AssertKind is the :assert option.
type AssertKind uint8

const (
	AssertNothing AssertKind = iota
	AssertNone
	AssertSome
)

// SchemaCol is one column of an inline relation schema in a store clause.
type SchemaCol struct {
	Name    string
	Spec    TypeSpec
	Default expr.Expr
}

// TypeSpec is the parsed column type annotation; it maps onto the storage
// layer's column specs in the mutation executor.
type TypeSpec struct {
	Name     string // Any, Bool, Int, Float, String, Bytes, Uuid, Json, Validity, List, Vec
	Nullable bool
	Elem     *TypeSpec
	VecWidth int
	VecLen   int
}

// StoreTarget is the relation a query result is applied to.
type StoreTarget struct {
	Op      RelationOp
	Name    string
	Keys    []SchemaCol
	Values  []SchemaCol
	HasSpec bool
	At      core.Span
}

// QueryOptions collects every option line of a query.
type QueryOptions struct {
	Limit               *int
	Offset              int
	TimeoutSecs         float64
	SleepSecs           float64
	Sorters             []Sorter
	Assert              AssertKind
	Store               *StoreTarget
	Returning           bool
	DisableMagicRewrite bool
	ValidAt             *core.Validity
}

// HeadEntry is one head position: a variable, optionally aggregated.
type HeadEntry struct {
	Var  core.Symbol
	Aggr *aggr.Application
}

// InputRule is one parsed rule definition.
type InputRule struct {
	Head []HeadEntry
	Body []InputAtom
	At   core.Span
}

// FixedRuleArg is one relation argument of a fixed-rule application: either
// an in-program rule or a stored relation.
type FixedRuleArg struct {
	InMem    bool
	Name     core.Symbol
	Bindings []core.Symbol
	ValidAt  *core.Validity
	At       core.Span
}

// FixedApply is an application of a registered fixed rule (graph algorithm
// or tabular utility).
type FixedApply struct {
	Name     string
	RuleArgs []FixedRuleArg
	Options  map[string]expr.Expr
	Head     []core.Symbol
	Arity    int
	At       core.Span
}

// InputRuleSet is all definitions sharing one head: inline rules or one
// fixed-rule application.
type InputRuleSet struct {
	Rules []*InputRule
	Fixed *FixedApply
}

// InputProgram is the parser's output for a query.
type InputProgram struct {
	Rules   map[string]*InputRuleSet
	Order   []string // rule names in first-definition order
	Options QueryOptions
}

// NewInputProgram builds an empty program.
func NewInputProgram() *InputProgram {
	return &InputProgram{Rules: map[string]*InputRuleSet{}}
}

// AddRule appends a rule definition under its head name.
func (p *InputProgram) AddRule(name string, rule *InputRule) error {
	set, ok := p.Rules[name]
	if !ok {
		set = &InputRuleSet{}
		p.Rules[name] = set
		p.Order = append(p.Order, name)
	}
	if set.Fixed != nil {
		return fmt.Errorf("rule '%s' is already defined by a fixed rule application at %s", name, rule.At)
	}
	set.Rules = append(set.Rules, rule)
	return nil
}

// AddFixed registers a fixed-rule application under the head name.
func (p *InputProgram) AddFixed(name string, fixed *FixedApply) error {
	if _, dup := p.Rules[name]; dup {
		return fmt.Errorf("duplicate definition for rule '%s' at %s", name, fixed.At)
	}
	p.Rules[name] = &InputRuleSet{Fixed: fixed}
	p.Order = append(p.Order, name)
	return nil
}

// HasEntry reports whether the program defines the `?` entry rule.
func (p *InputProgram) HasEntry() bool {
	_, ok := p.Rules[core.ProgEntry]
	return ok
}

// EntryHeadVars returns the variable names of the entry head, used to
// resolve sort keys and store bindings.
func (p *InputProgram) EntryHeadVars() ([]string, error) {
	set, ok := p.Rules[core.ProgEntry]
	if !ok {
		return nil, fmt.Errorf("program has no entry ('?' rule)")
	}
	if set.Fixed != nil {
		if len(set.Fixed.Head) == 0 {
			return nil, fmt.Errorf("the entry fixed rule needs explicit head variables")
		}
		out := make([]string, len(set.Fixed.Head))
		for i, s := range set.Fixed.Head {
			out[i] = s.Name
		}
		return out, nil
	}
	out := make([]string, len(set.Rules[0].Head))
	for i, h := range set.Rules[0].Head {
		out[i] = h.Var.Name
	}
	return out, nil
}

// InputAtom is the closed sum of parsed body atoms.
type InputAtom interface {
	AtomSpan() core.Span
}

// AtomRule applies another rule.
type AtomRule struct {
	Name core.Symbol
	Args []expr.Expr
	At   core.Span
}

// AtomRelation scans a stored relation, positionally or by named fields.
type AtomRelation struct {
	Name    core.Symbol
	Args    []expr.Expr          // positional form
	Named   map[string]expr.Expr // named form; nil when positional
	ValidAt expr.Expr            // optional `@ expr`
	At      core.Span
}

// AtomPredicate filters with a boolean expression.
type AtomPredicate struct {
	E  expr.Expr
	At core.Span
}

// AtomUnify binds Var to E; with OneMany set, E yields a list and Var ranges
// over its elements.
type AtomUnify struct {
	Var     core.Symbol
	E       expr.Expr
	OneMany bool
	At      core.Span
}

// AtomConj groups atoms conjunctively.
type AtomConj struct {
	Atoms []InputAtom
	At    core.Span
}

// AtomDisj groups alternatives.
type AtomDisj struct {
	Atoms []InputAtom
	At    core.Span
}

// AtomNegation negates an atom.
type AtomNegation struct {
	Atom InputAtom
	At   core.Span
}

func (a *AtomRule) AtomSpan() core.Span      { return a.At }
func (a *AtomRelation) AtomSpan() core.Span  { return a.At }
func (a *AtomPredicate) AtomSpan() core.Span { return a.At }
func (a *AtomUnify) AtomSpan() core.Span     { return a.At }
func (a *AtomConj) AtomSpan() core.Span      { return a.At }
func (a *AtomDisj) AtomSpan() core.Span      { return a.At }
func (a *AtomNegation) AtomSpan() core.Span  { return a.At }

// ---- normal form ----

// NormalAtom is the closed sum of primitive atoms after normalization.
type NormalAtom interface {
	NormalSpan() core.Span
}

// NRule applies another rule positionally over variables.
type NRule struct {
	Name core.Symbol
	Args []core.Symbol
	At   core.Span
}

// NNegRule anti-joins against another rule.
type NNegRule struct {
	Name core.Symbol
	Args []core.Symbol
	At   core.Span
}

// NRelation scans a stored relation.
type NRelation struct {
	Name    string
	Args    []core.Symbol
	ValidAt *core.Validity
	At      core.Span
}

// NNegRelation anti-joins against a stored relation.
type NNegRelation struct {
	Name    string
	Args    []core.Symbol
	ValidAt *core.Validity
	At      core.Span
}

// NPred is a boolean filter.
type NPred struct {
	E  expr.Expr
	At core.Span
}

// NUnify introduces a binding.
type NUnify struct {
	Var     core.Symbol
	E       expr.Expr
	OneMany bool
	At      core.Span
}

func (a *NRule) NormalSpan() core.Span        { return a.At }
func (a *NNegRule) NormalSpan() core.Span     { return a.At }
func (a *NRelation) NormalSpan() core.Span    { return a.At }
func (a *NNegRelation) NormalSpan() core.Span { return a.At }
func (a *NPred) NormalSpan() core.Span        { return a.At }
func (a *NUnify) NormalSpan() core.Span       { return a.At }

// NormalRule is one Horn-like rule with a primitive-atom body.
type NormalRule struct {
	Head []core.Symbol
	Aggr []*aggr.Application
	Body []NormalAtom
	At   core.Span
}

// NormalRuleSet is all normalized rules for one head, or a fixed rule.
type NormalRuleSet struct {
	Rules []*NormalRule
	Fixed *FixedApply
}

// Arity of the stored head.
func (s *NormalRuleSet) Arity() int {
	if s.Fixed != nil {
		return s.Fixed.Arity
	}
	return len(s.Rules[0].Head)
}

// HasAggr reports whether any rule of the set aggregates.
func (s *NormalRuleSet) HasAggr() bool {
	if s.Fixed != nil {
		return false
	}
	for _, r := range s.Rules {
		for _, a := range r.Aggr {
			if a != nil {
				return true
			}
		}
	}
	return false
}

// HasNonMeetAggr reports a normal (stratum-breaking) aggregation.
func (s *NormalRuleSet) HasNonMeetAggr() bool {
	if s.Fixed != nil {
		return false
	}
	for _, r := range s.Rules {
		for _, a := range r.Aggr {
			if a != nil && !a.Aggr.IsMeet {
				return true
			}
		}
	}
	return false
}

// NormalProgram maps head names to normalized rule sets.
type NormalProgram struct {
	Rules               map[string]*NormalRuleSet
	Order               []string
	DisableMagicRewrite bool
}

// SortedNames returns head names in deterministic order.
func (p *NormalProgram) SortedNames() []string {
	out := append([]string{}, p.Order...)
	sort.Strings(out)
	return out
}

// StratifiedProgram lists strata dependents-first: the entry stratum is
// first, leaves last. Evaluation iterates in reverse.
type StratifiedProgram struct {
	Strata  []*NormalProgram
	Options QueryOptions
}

// ---- magic form ----

// MagicKind discriminates magic symbols.
type MagicKind uint8

const (
	KindMuggle MagicKind = iota
	KindMagic
	KindInput
	KindSup
)

// Adornment is one letter per head position: 'b' bound, 'f' free.
type Adornment string

// NewAdornment builds an adornment from a bound mask.
func NewAdornment(bound []bool) Adornment {
	var sb strings.Builder
	for _, b := range bound {
		if b {
			sb.WriteByte('b')
		} else {
			sb.WriteByte('f')
		}
	}
	return Adornment(sb.String())
}

// HasBound reports any 'b' position.
func (a Adornment) HasBound() bool { return strings.ContainsRune(string(a), 'b') }

// BoundAt reports position i.
func (a Adornment) BoundAt(i int) bool { return a[i] == 'b' }

// MagicSym addresses a derived relation after the magic rewrite. It is
// comparable and used as a map key.
type MagicSym struct {
	Kind      MagicKind
	Name      string
	Adornment Adornment
	RuleIdx   uint16
	SupIdx    uint16
}

// Muggle wraps an unrewritten rule name.
func Muggle(name string) MagicSym { return MagicSym{Kind: KindMuggle, Name: name} }

func (m MagicSym) String() string {
	switch m.Kind {
	case KindMuggle:
		return m.Name
	case KindMagic:
		return fmt.Sprintf("%s|%s", m.Name, m.Adornment)
	case KindInput:
		return fmt.Sprintf("%s|%s|inp", m.Name, m.Adornment)
	case KindSup:
		return fmt.Sprintf("%s|%s|sup|%d|%d", m.Name, m.Adornment, m.RuleIdx, m.SupIdx)
	}
	return m.Name
}

// IsEntry reports the program entry head.
func (m MagicSym) IsEntry() bool { return m.Kind == KindMuggle && m.Name == core.ProgEntry }

// MagicAtom is the closed sum of atoms after the rewrite.
type MagicAtom interface {
	MagicSpan() core.Span
}

// MRule applies a derived relation.
type MRule struct {
	Name MagicSym
	Args []core.Symbol
	At   core.Span
}

// MNegRule anti-joins a derived relation (always a muggle).
type MNegRule struct {
	Name MagicSym
	Args []core.Symbol
	At   core.Span
}

// MRelation and MNegRelation carry over stored-relation atoms unchanged.
type MRelation struct {
	Name    string
	Args    []core.Symbol
	ValidAt *core.Validity
	At      core.Span
}

type MNegRelation struct {
	Name    string
	Args    []core.Symbol
	ValidAt *core.Validity
	At      core.Span
}

type MPred struct {
	E  expr.Expr
	At core.Span
}

type MUnify struct {
	Var     core.Symbol
	E       expr.Expr
	OneMany bool
	At      core.Span
}

func (a *MRule) MagicSpan() core.Span        { return a.At }
func (a *MNegRule) MagicSpan() core.Span     { return a.At }
func (a *MRelation) MagicSpan() core.Span    { return a.At }
func (a *MNegRelation) MagicSpan() core.Span { return a.At }
func (a *MPred) MagicSpan() core.Span        { return a.At }
func (a *MUnify) MagicSpan() core.Span       { return a.At }

// MagicRule is one rewritten rule.
type MagicRule struct {
	Head []core.Symbol
	Aggr []*aggr.Application
	Body []MagicAtom
	At   core.Span
}

// MagicFixedArg mirrors FixedRuleArg with in-mem names resolved to magic
// symbols.
type MagicFixedArg struct {
	InMem    bool
	Sym      MagicSym
	Stored   string
	Bindings []core.Symbol
	ValidAt  *core.Validity
	At       core.Span
}

// MagicFixedApply is a fixed-rule application after the rewrite.
type MagicFixedApply struct {
	Name     string
	RuleArgs []MagicFixedArg
	Options  map[string]expr.Expr
	Head     []core.Symbol
	Arity    int
	At       core.Span
}

// MagicRuleSet is the definitions of one magic symbol.
type MagicRuleSet struct {
	Rules []*MagicRule
	Fixed *MagicFixedApply
}

// Arity of the head.
func (s *MagicRuleSet) Arity() int {
	if s.Fixed != nil {
		return s.Fixed.Arity
	}
	return len(s.Rules[0].Head)
}

// MagicProgram preserves deterministic iteration order over magic symbols.
type MagicProgram struct {
	keys []MagicSym
	sets map[MagicSym]*MagicRuleSet
}

// NewMagicProgram builds an empty rewritten stratum.
func NewMagicProgram() *MagicProgram {
	return &MagicProgram{sets: map[MagicSym]*MagicRuleSet{}}
}

// Get looks up a symbol's rule set.
func (p *MagicProgram) Get(sym MagicSym) (*MagicRuleSet, bool) {
	s, ok := p.sets[sym]
	return s, ok
}

// Put inserts or replaces a rule set.
func (p *MagicProgram) Put(sym MagicSym, set *MagicRuleSet) {
	if _, exists := p.sets[sym]; !exists {
		p.keys = append(p.keys, sym)
	}
	p.sets[sym] = set
}

// RulesEntry returns the mutable rule list for sym, creating it on demand.
func (p *MagicProgram) RulesEntry(sym MagicSym) *MagicRuleSet {
	if set, ok := p.sets[sym]; ok {
		return set
	}
	set := &MagicRuleSet{}
	p.Put(sym, set)
	return set
}

// Each visits rule sets sorted by symbol string for determinism; rule
// evaluation order within a stratum follows this order.
func (p *MagicProgram) Each(fn func(sym MagicSym, set *MagicRuleSet) error) error {
	keys := append([]MagicSym{}, p.keys...)
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		if err := fn(k, p.sets[k]); err != nil {
			return err
		}
	}
	return nil
}

// Len is the number of magic symbols defined.
func (p *MagicProgram) Len() int { return len(p.keys) }

// StratifiedMagicProgram is the rewrite output, strata ordered like
// StratifiedProgram (entry first).
type StratifiedMagicProgram struct {
	Strata  []*MagicProgram
	Options QueryOptions
}
