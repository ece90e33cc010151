package parser

import (
	"fmt"
	"strconv"
	"strings"

	"strata/internal/aggr"
	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/fixedrule"
	"strata/internal/program"
)

// Script is the parse result: a query program or a system op.
type Script struct {
	Query *program.InputProgram
	SysOp *SysOp
}

// Parse lexes and parses a whole script. Parameters referenced as `$name`
// are substituted as constants.
func Parse(src string, params map[string]core.Value) (*Script, error) {
	lex := NewLexer(src)
	var toks []Token
	for {
		tok, err := lex.Next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Kind == TokEOF {
			break
		}
	}
	p := &parser{src: src, toks: toks, params: params}
	if p.peek().Kind == TokDblColon {
		op, err := p.parseSysOp()
		if err != nil {
			return nil, err
		}
		return &Script{SysOp: op}, nil
	}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	return &Script{Query: q}, nil
}

type parser struct {
	src    string
	toks   []Token
	i      int
	params map[string]core.Value
}

func (p *parser) peek() Token { return p.toks[p.i] }

func (p *parser) peekAt(n int) Token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *parser) next() Token {
	t := p.toks[p.i]
	if p.i < len(p.toks)-1 {
		p.i++
	}
	return t
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	t := p.peek()
	if t.Kind != kind {
		return t, p.errAt(t, "expected %s, found %s", kind, describe(t))
	}
	return p.next(), nil
}

func (p *parser) errAt(t Token, format string, args ...interface{}) error {
	return fmt.Errorf(format+fmt.Sprintf(" at %d..%d", t.Start, t.End), args...)
}

func describe(t Token) string {
	if t.Kind == TokIdent {
		return fmt.Sprintf("'%s'", t.Text)
	}
	return t.Kind.String()
}

func spanOf(t Token) core.Span { return core.Span{Start: t.Start, End: t.End} }

// ---- query ----

func (p *parser) parseQuery() (*program.InputProgram, error) {
	prog := program.NewInputProgram()
	sawAssert := false
	sawReturning := false
	for p.peek().Kind != TokEOF {
		switch p.peek().Kind {
		case TokColon:
			if err := p.parseOption(prog, &sawAssert, &sawReturning); err != nil {
				return nil, err
			}
		case TokSemi:
			p.next()
		default:
			if err := p.parseRuleDef(prog); err != nil {
				return nil, err
			}
		}
	}
	if len(prog.Order) == 0 {
		return nil, fmt.Errorf("the script contains no rule definitions")
	}
	return prog, nil
}

func (p *parser) parseRuleDef(prog *program.InputProgram) error {
	nameTok := p.peek()
	var name string
	switch nameTok.Kind {
	case TokQuestion:
		name = core.ProgEntry
		p.next()
	case TokIdent:
		name = nameTok.Text
		p.next()
	default:
		return p.errAt(nameTok, "expected a rule definition, found %s", describe(nameTok))
	}

	if _, err := p.expect(TokLBracket); err != nil {
		return err
	}
	head, err := p.parseHeadEntries()
	if err != nil {
		return err
	}
	if _, err := p.expect(TokRBracket); err != nil {
		return err
	}

	switch p.peek().Kind {
	case TokAssign:
		p.next()
		body, err := p.parseBody()
		if err != nil {
			return err
		}
		return prog.AddRule(name, &program.InputRule{
			Head: head,
			Body: body,
			At:   spanOf(nameTok),
		})
	case TokConstFrom:
		p.next()
		data, err := p.parseExpr()
		if err != nil {
			return err
		}
		return p.addConstRule(prog, name, head, data, spanOf(nameTok))
	case TokFixedFrom:
		p.next()
		return p.parseFixedApply(prog, name, head, spanOf(nameTok))
	}
	return p.errAt(p.peek(), "expected ':=', '<-' or '<~' after the rule head, found %s", describe(p.peek()))
}

func (p *parser) addConstRule(prog *program.InputProgram, name string, head []program.HeadEntry, data expr.Expr, at core.Span) error {
	for _, h := range head {
		if h.Aggr != nil {
			return fmt.Errorf("aggregation on constant rule '%s' at %s", name, at)
		}
	}
	headSyms := make([]core.Symbol, len(head))
	for i, h := range head {
		headSyms[i] = h.Var
	}
	folded, err := expr.PartialEval(data)
	if err != nil {
		return err
	}
	fixed := &program.FixedApply{
		Name:    "Constant",
		Options: map[string]expr.Expr{"data": folded},
		Head:    headSyms,
		At:      at,
	}
	impl, _ := fixedrule.Lookup("Constant")
	arity, err := impl.Arity(fixed.Options, headSyms, at)
	if err != nil {
		return err
	}
	if len(headSyms) > 0 {
		// with a head Arity reports the head width; measure the data itself
		if width, werr := impl.Arity(fixed.Options, nil, at); werr == nil && width != len(headSyms) {
			return fmt.Errorf("constant rule '%s' has %d head variables but rows of width %d at %s", name, len(headSyms), width, at)
		}
	}
	fixed.Arity = arity
	return prog.AddFixed(name, fixed)
}

func (p *parser) parseFixedApply(prog *program.InputProgram, name string, head []program.HeadEntry, at core.Span) error {
	for _, h := range head {
		if h.Aggr != nil {
			return fmt.Errorf("aggregation on fixed rule application '%s' at %s", name, at)
		}
	}
	implTok, err := p.expect(TokIdent)
	if err != nil {
		return err
	}
	impl, ok := fixedrule.Lookup(implTok.Text)
	if !ok {
		return p.errAt(implTok, "cannot find a fixed rule named '%s'", implTok.Text)
	}
	if _, err := p.expect(TokLParen); err != nil {
		return err
	}

	fixed := &program.FixedApply{
		Name:    implTok.Text,
		Options: map[string]expr.Expr{},
		At:      at,
	}
	headSyms := make([]core.Symbol, len(head))
	for i, h := range head {
		headSyms[i] = h.Var
	}
	fixed.Head = headSyms

	for p.peek().Kind != TokRParen {
		if err := p.parseFixedArg(fixed); err != nil {
			return err
		}
		if p.peek().Kind == TokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(TokRParen); err != nil {
		return err
	}

	if err := impl.InitOptions(fixed.Options, at); err != nil {
		return err
	}
	arity, err := impl.Arity(fixed.Options, headSyms, at)
	if err != nil {
		return err
	}
	if len(headSyms) > 0 && arity != len(headSyms) {
		return fmt.Errorf("fixed rule '%s' yields rows of width %d but the head of '%s' has %d variables at %s", fixed.Name, arity, name, len(headSyms), at)
	}
	fixed.Arity = arity
	return prog.AddFixed(name, fixed)
}

func (p *parser) parseFixedArg(fixed *program.FixedApply) error {
	t := p.peek()
	switch {
	case t.Kind == TokStar:
		p.next()
		nameTok, err := p.expect(TokIdent)
		if err != nil {
			return err
		}
		bindings, err := p.parseBindingList()
		if err != nil {
			return err
		}
		arg := program.FixedRuleArg{Name: core.Sym(nameTok.Text, spanOf(nameTok)), Bindings: bindings, At: spanOf(nameTok)}
		if p.peek().Kind == TokAt {
			p.next()
			vexpr, err := p.parseExpr()
			if err != nil {
				return err
			}
			v, err := expr.EvalConst(vexpr)
			if err != nil {
				return fmt.Errorf("the `@` annotation must be a constant: %w", err)
			}
			ts, ok := core.IntVal(v)
			if !ok {
				return fmt.Errorf("the `@` annotation must be a timestamp at %s", spanOf(nameTok))
			}
			arg.ValidAt = &core.Validity{Ts: ts, Assert: true}
		}
		fixed.RuleArgs = append(fixed.RuleArgs, arg)
		return nil
	case t.Kind == TokIdent && p.peekAt(1).Kind == TokLBracket:
		p.next()
		bindings, err := p.parseBindingList()
		if err != nil {
			return err
		}
		fixed.RuleArgs = append(fixed.RuleArgs, program.FixedRuleArg{
			InMem:    true,
			Name:     core.Sym(t.Text, spanOf(t)),
			Bindings: bindings,
			At:       spanOf(t),
		})
		return nil
	case t.Kind == TokIdent && p.peekAt(1).Kind == TokColon:
		p.next()
		p.next() // ':'
		optExpr, err := p.parseExpr()
		if err != nil {
			return err
		}
		folded, err := expr.PartialEval(optExpr)
		if err != nil {
			return err
		}
		fixed.Options[t.Text] = folded
		return nil
	}
	return p.errAt(t, "expected a relation argument or option, found %s", describe(t))
}

func (p *parser) parseBindingList() ([]core.Symbol, error) {
	if _, err := p.expect(TokLBracket); err != nil {
		return nil, err
	}
	var out []core.Symbol
	for p.peek().Kind != TokRBracket {
		t := p.peek()
		switch t.Kind {
		case TokIdent, TokUnderscore:
			out = append(out, core.Sym(t.Text, spanOf(t)))
			p.next()
		default:
			return nil, p.errAt(t, "expected a binding, found %s", describe(t))
		}
		if p.peek().Kind == TokComma {
			p.next()
		}
	}
	p.next() // ']'
	return out, nil
}

func (p *parser) parseHeadEntries() ([]program.HeadEntry, error) {
	var out []program.HeadEntry
	for p.peek().Kind != TokRBracket {
		t := p.peek()
		if t.Kind != TokIdent && t.Kind != TokUnderscore {
			return nil, p.errAt(t, "expected a head variable or aggregation, found %s", describe(t))
		}
		if t.Kind == TokIdent && p.peekAt(1).Kind == TokLParen {
			entry, err := p.parseHeadAggr()
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		} else {
			p.next()
			out = append(out, program.HeadEntry{Var: core.Sym(t.Text, spanOf(t))})
		}
		if p.peek().Kind == TokComma {
			p.next()
		} else {
			break
		}
	}
	return out, nil
}

func (p *parser) parseHeadAggr() (program.HeadEntry, error) {
	nameTok := p.next()
	a, ok := aggr.Lookup(nameTok.Text)
	if !ok {
		return program.HeadEntry{}, p.errAt(nameTok, "unknown aggregation '%s'", nameTok.Text)
	}
	if _, err := p.expect(TokLParen); err != nil {
		return program.HeadEntry{}, err
	}
	varTok, err := p.expect(TokIdent)
	if err != nil {
		return program.HeadEntry{}, err
	}
	app := &aggr.Application{Aggr: a, At: spanOf(nameTok)}
	for p.peek().Kind == TokComma {
		p.next()
		argExpr, err := p.parseExpr()
		if err != nil {
			return program.HeadEntry{}, err
		}
		v, err := expr.EvalConst(argExpr)
		if err != nil {
			return program.HeadEntry{}, fmt.Errorf("aggregation arguments must be constants: %w", err)
		}
		app.Args = append(app.Args, v)
	}
	if _, err := p.expect(TokRParen); err != nil {
		return program.HeadEntry{}, err
	}
	return program.HeadEntry{Var: core.Sym(varTok.Text, spanOf(varTok)), Aggr: app}, nil
}

// ---- rule bodies ----

// parseBody reads a disjunction of conjunctions of atoms.
func (p *parser) parseBody() ([]program.InputAtom, error) {
	first, err := p.parseConjunction()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind != TokKwOr {
		return first, nil
	}
	alternatives := []program.InputAtom{&program.AtomConj{Atoms: first}}
	for p.peek().Kind == TokKwOr {
		orTok := p.next()
		alt, err := p.parseConjunction()
		if err != nil {
			return nil, err
		}
		alternatives = append(alternatives, &program.AtomConj{Atoms: alt, At: spanOf(orTok)})
	}
	return []program.InputAtom{&program.AtomDisj{Atoms: alternatives}}, nil
}

func (p *parser) parseConjunction() ([]program.InputAtom, error) {
	var out []program.InputAtom
	for {
		atom, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		out = append(out, atom)
		if p.peek().Kind == TokComma {
			p.next()
			continue
		}
		return out, nil
	}
}

func (p *parser) parseAtom() (program.InputAtom, error) {
	t := p.peek()
	switch t.Kind {
	case TokKwNot:
		p.next()
		inner, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return &program.AtomNegation{Atom: inner, At: spanOf(t)}, nil
	case TokLParen:
		p.next()
		body, err := p.parseBody()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		if len(body) == 1 {
			return body[0], nil
		}
		return &program.AtomConj{Atoms: body, At: spanOf(t)}, nil
	case TokStar:
		return p.parseRelationAtom()
	case TokIdent:
		switch p.peekAt(1).Kind {
		case TokLBracket:
			return p.parseRuleAtom()
		case TokEqSingle:
			p.next()
			p.next()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return &program.AtomUnify{Var: core.Sym(t.Text, spanOf(t)), E: e, At: spanOf(t)}, nil
		case TokKwIn:
			p.next()
			p.next()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return &program.AtomUnify{Var: core.Sym(t.Text, spanOf(t)), E: e, OneMany: true, At: spanOf(t)}, nil
		}
	}
	// anything else is a boolean expression predicate
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &program.AtomPredicate{E: e, At: spanOf(t)}, nil
}

func (p *parser) parseRuleAtom() (program.InputAtom, error) {
	nameTok := p.next()
	if _, err := p.expect(TokLBracket); err != nil {
		return nil, err
	}
	var args []expr.Expr
	for p.peek().Kind != TokRBracket {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		if p.peek().Kind == TokComma {
			p.next()
		}
	}
	p.next() // ']'
	return &program.AtomRule{Name: core.Sym(nameTok.Text, spanOf(nameTok)), Args: args, At: spanOf(nameTok)}, nil
}

func (p *parser) parseRelationAtom() (program.InputAtom, error) {
	starTok := p.next() // '*'
	nameTok, err := p.expect(TokIdent)
	if err != nil {
		return nil, err
	}
	atom := &program.AtomRelation{Name: core.Sym(nameTok.Text, spanOf(nameTok)), At: spanOf(starTok)}

	switch p.peek().Kind {
	case TokLBracket:
		p.next()
		for p.peek().Kind != TokRBracket {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			atom.Args = append(atom.Args, e)
			if p.peek().Kind == TokComma {
				p.next()
			}
		}
		p.next()
	case TokLBrace:
		p.next()
		atom.Named = map[string]expr.Expr{}
		for p.peek().Kind != TokRBrace {
			fieldTok, err := p.expect(TokIdent)
			if err != nil {
				return nil, err
			}
			if p.peek().Kind == TokColon {
				p.next()
				e, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				atom.Named[fieldTok.Text] = e
			} else {
				// a bare field introduces a binding of the same name
				atom.Named[fieldTok.Text] = expr.NewBinding(core.Sym(fieldTok.Text, spanOf(fieldTok)))
			}
			if p.peek().Kind == TokComma {
				p.next()
			}
		}
		p.next()
	default:
		return nil, p.errAt(p.peek(), "expected '[' or '{' after the relation name, found %s", describe(p.peek()))
	}

	if p.peek().Kind == TokAt {
		p.next()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		atom.ValidAt = e
	}
	return atom, nil
}

// ---- expressions ----

func (p *parser) parseExpr() (expr.Expr, error) {
	return p.parseOrExpr()
}

func (p *parser) binaryLevel(next func() (expr.Expr, error), ops map[TokenKind]*expr.Op) (expr.Expr, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := ops[p.peek().Kind]
		if !ok {
			return left, nil
		}
		opTok := p.next()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &expr.Apply{Op: op, Args: []expr.Expr{left, right}, At: spanOf(opTok)}
	}
}

func (p *parser) parseOrExpr() (expr.Expr, error) {
	return p.binaryLevel(p.parseAndExpr, map[TokenKind]*expr.Op{TokOrOr: expr.OpOr})
}

func (p *parser) parseAndExpr() (expr.Expr, error) {
	return p.binaryLevel(p.parseCmpExpr, map[TokenKind]*expr.Op{TokAndAnd: expr.OpAnd})
}

func (p *parser) parseCmpExpr() (expr.Expr, error) {
	return p.binaryLevel(p.parseConcatExpr, map[TokenKind]*expr.Op{
		TokEq: expr.OpEq, TokNeq: expr.OpNeq,
		TokLt: expr.OpLt, TokLe: expr.OpLe,
		TokGt: expr.OpGt, TokGe: expr.OpGe,
	})
}

func (p *parser) parseConcatExpr() (expr.Expr, error) {
	return p.binaryLevel(p.parseAddExpr, map[TokenKind]*expr.Op{TokConcat: expr.OpConcat})
}

func (p *parser) parseAddExpr() (expr.Expr, error) {
	return p.binaryLevel(p.parseMulExpr, map[TokenKind]*expr.Op{TokPlus: expr.OpAdd, TokMinus: expr.OpSub})
}

func (p *parser) parseMulExpr() (expr.Expr, error) {
	return p.binaryLevel(p.parsePowExpr, map[TokenKind]*expr.Op{
		TokStar: expr.OpMul, TokSlash: expr.OpDiv, TokPercent: expr.OpMod,
	})
}

func (p *parser) parsePowExpr() (expr.Expr, error) {
	left, err := p.parseUnaryExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind != TokCaret {
		return left, nil
	}
	opTok := p.next()
	right, err := p.parsePowExpr() // right associative
	if err != nil {
		return nil, err
	}
	return &expr.Apply{Op: expr.OpPow, Args: []expr.Expr{left, right}, At: spanOf(opTok)}, nil
}

func (p *parser) parseUnaryExpr() (expr.Expr, error) {
	t := p.peek()
	switch t.Kind {
	case TokMinus:
		p.next()
		inner, err := p.parseUnaryExpr()
		if err != nil {
			return nil, err
		}
		return &expr.Apply{Op: expr.OpMinus, Args: []expr.Expr{inner}, At: spanOf(t)}, nil
	case TokBang:
		p.next()
		inner, err := p.parseUnaryExpr()
		if err != nil {
			return nil, err
		}
		return &expr.Apply{Op: expr.OpNegate, Args: []expr.Expr{inner}, At: spanOf(t)}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (expr.Expr, error) {
	t := p.peek()
	switch t.Kind {
	case TokInt:
		p.next()
		text := strings.ReplaceAll(t.Text, "_", "")
		var n int64
		var err error
		if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
			n, err = strconv.ParseInt(text[2:], 16, 64)
		} else {
			n, err = strconv.ParseInt(text, 10, 64)
		}
		if err != nil {
			return nil, p.errAt(t, "cannot parse integer '%s'", t.Text)
		}
		return &expr.Const{Val: core.Int(n), At: spanOf(t)}, nil
	case TokFloat:
		p.next()
		f, err := strconv.ParseFloat(strings.ReplaceAll(t.Text, "_", ""), 64)
		if err != nil {
			return nil, p.errAt(t, "cannot parse float '%s'", t.Text)
		}
		return &expr.Const{Val: core.Float(f), At: spanOf(t)}, nil
	case TokString:
		p.next()
		return &expr.Const{Val: core.Str(t.Text), At: spanOf(t)}, nil
	case TokKwTrue:
		p.next()
		return &expr.Const{Val: core.Bool(true), At: spanOf(t)}, nil
	case TokKwFalse:
		p.next()
		return &expr.Const{Val: core.Bool(false), At: spanOf(t)}, nil
	case TokKwNull:
		p.next()
		return &expr.Const{Val: core.Null{}, At: spanOf(t)}, nil
	case TokParam:
		p.next()
		v, ok := p.params[t.Text]
		if !ok {
			return nil, p.errAt(t, "parameter '$%s' is not supplied", t.Text)
		}
		return &expr.Const{Val: v, At: spanOf(t)}, nil
	case TokUnderscore:
		p.next()
		return expr.NewBinding(core.Sym("_", spanOf(t))), nil
	case TokLBracket:
		return p.parseListLiteral()
	case TokLParen:
		p.next()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		return e, nil
	case TokIdent:
		if p.peekAt(1).Kind == TokLParen {
			return p.parseCall()
		}
		p.next()
		return expr.NewBinding(core.Sym(t.Text, spanOf(t))), nil
	}
	return nil, p.errAt(t, "expected an expression, found %s", describe(t))
}

func (p *parser) parseListLiteral() (expr.Expr, error) {
	open := p.next() // '['
	var elems []expr.Expr
	for p.peek().Kind != TokRBracket {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if p.peek().Kind == TokComma {
			p.next()
		}
	}
	p.next() // ']'
	allConst := true
	vals := make([]core.Value, 0, len(elems))
	for _, e := range elems {
		if c, ok := e.(*expr.Const); ok {
			vals = append(vals, c.Val)
		} else {
			allConst = false
			break
		}
	}
	if allConst {
		return &expr.Const{Val: core.List(vals), At: spanOf(open)}, nil
	}
	return &expr.Apply{Op: expr.OpList, Args: elems, At: spanOf(open)}, nil
}

// parseCall handles function application plus the cond/if/try special forms.
func (p *parser) parseCall() (expr.Expr, error) {
	nameTok := p.next()
	p.next() // '('
	var args []expr.Expr
	for p.peek().Kind != TokRParen {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		if p.peek().Kind == TokComma {
			p.next()
		}
	}
	closeTok := p.next() // ')'
	at := core.Span{Start: nameTok.Start, End: closeTok.End}

	switch nameTok.Text {
	case "cond":
		if len(args) < 2 {
			return nil, p.errAt(nameTok, "'cond' requires condition/value pairs")
		}
		var clauses []expr.CondClause
		for i := 0; i+1 < len(args); i += 2 {
			clauses = append(clauses, expr.CondClause{Cond: args[i], Val: args[i+1]})
		}
		if len(args)%2 == 1 {
			clauses = append(clauses, expr.CondClause{
				Cond: &expr.Const{Val: core.Bool(true), At: at},
				Val:  args[len(args)-1],
			})
		}
		return &expr.Cond{Clauses: clauses, At: at}, nil
	case "if":
		if len(args) != 2 && len(args) != 3 {
			return nil, p.errAt(nameTok, "'if' requires two or three arguments")
		}
		clauses := []expr.CondClause{{Cond: args[0], Val: args[1]}}
		elseVal := expr.Expr(&expr.Const{Val: core.Null{}, At: at})
		if len(args) == 3 {
			elseVal = args[2]
		}
		clauses = append(clauses, expr.CondClause{Cond: &expr.Const{Val: core.Bool(true), At: at}, Val: elseVal})
		return &expr.Cond{Clauses: clauses, At: at}, nil
	case "try":
		if len(args) == 0 {
			return nil, p.errAt(nameTok, "'try' requires at least one argument")
		}
		return &expr.Try{Args: args, At: at}, nil
	}

	ap, err := expr.NewApply(nameTok.Text, args, at)
	if err != nil {
		return nil, err
	}
	return ap, nil
}

// captureBraceBlock returns the raw source between a '{' at the current
// token and its matching '}', leaving the parser positioned after it.
func (p *parser) captureBraceBlock() (string, error) {
	open, err := p.expect(TokLBrace)
	if err != nil {
		return "", err
	}
	depth := 1
	for {
		t := p.peek()
		switch t.Kind {
		case TokEOF:
			return "", p.errAt(open, "unmatched '{'")
		case TokLBrace:
			depth++
		case TokRBrace:
			depth--
			if depth == 0 {
				p.next()
				return p.src[open.End:t.Start], nil
			}
		}
		p.next()
	}
}
