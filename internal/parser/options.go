package parser

import (
	"fmt"

	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/program"
)

// Query options: lines starting with ':'. Each option value must be a
// constant expression.

var storeOps = map[string]program.RelationOp{
	"create":     program.OpCreate,
	"replace":    program.OpReplace,
	"put":        program.OpPut,
	"insert":     program.OpInsert,
	"update":     program.OpUpdate,
	"rm":         program.OpRm,
	"delete":     program.OpDelete,
	"ensure":     program.OpEnsure,
	"ensure_not": program.OpEnsureNot,
}

func (p *parser) parseOption(prog *program.InputProgram, sawAssert, sawReturning *bool) error {
	colonTok := p.next() // ':'
	nameTok, err := p.expect(TokIdent)
	if err != nil {
		return err
	}
	name := nameTok.Text

	if op, isStore := storeOps[name]; isStore {
		if prog.Options.Store != nil {
			return p.errAt(nameTok, "duplicate storage op in query")
		}
		target, err := p.parseStoreTarget(op, spanOf(colonTok))
		if err != nil {
			return err
		}
		prog.Options.Store = target
		return nil
	}

	switch name {
	case "limit":
		n, err := p.constNonNegInt(name)
		if err != nil {
			return err
		}
		limit := int(n)
		prog.Options.Limit = &limit
	case "offset":
		n, err := p.constNonNegInt(name)
		if err != nil {
			return err
		}
		prog.Options.Offset = int(n)
	case "timeout":
		f, err := p.constPositiveFloat(name)
		if err != nil {
			return err
		}
		prog.Options.TimeoutSecs = f
	case "sleep":
		f, err := p.constPositiveFloat(name)
		if err != nil {
			return err
		}
		prog.Options.SleepSecs = f
	case "order", "sort":
		if err := p.parseSorters(prog); err != nil {
			return err
		}
	case "assert":
		if *sawAssert {
			return p.errAt(nameTok, "duplicate :assert")
		}
		*sawAssert = true
		kindTok, err := p.expect(TokIdent)
		if err != nil {
			return err
		}
		switch kindTok.Text {
		case "none":
			prog.Options.Assert = program.AssertNone
		case "some":
			prog.Options.Assert = program.AssertSome
		default:
			return p.errAt(kindTok, "expected 'none' or 'some' after :assert")
		}
	case "returning":
		if *sawReturning {
			return p.errAt(nameTok, "duplicate :returning")
		}
		*sawReturning = true
		prog.Options.Returning = true
	case "disable_magic_rewrite":
		v, err := p.constOption(name)
		if err != nil {
			return err
		}
		b, ok := v.(core.Bool)
		if !ok {
			return p.errAt(nameTok, "option ':disable_magic_rewrite' must be a boolean")
		}
		prog.Options.DisableMagicRewrite = bool(b)
	default:
		return p.errAt(nameTok, "unknown query option ':%s'", name)
	}
	return nil
}

func (p *parser) constOption(name string) (core.Value, error) {
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	v, err := expr.EvalConst(e)
	if err != nil {
		return nil, fmt.Errorf("option ':%s' must be a constant: %w", name, err)
	}
	return v, nil
}

func (p *parser) constNonNegInt(name string) (int64, error) {
	v, err := p.constOption(name)
	if err != nil {
		return 0, err
	}
	n, ok := core.IntVal(v)
	if !ok || n < 0 {
		return 0, fmt.Errorf("option ':%s' must be a non-negative integer, got %s", name, core.String(v))
	}
	return n, nil
}

func (p *parser) constPositiveFloat(name string) (float64, error) {
	v, err := p.constOption(name)
	if err != nil {
		return 0, err
	}
	f, ok := core.NumVal(v)
	if !ok || f <= 0 {
		return 0, fmt.Errorf("option ':%s' must be a positive number, got %s", name, core.String(v))
	}
	return f, nil
}

func (p *parser) parseSorters(prog *program.InputProgram) error {
	for {
		dir := program.SortAsc
		switch p.peek().Kind {
		case TokMinus:
			dir = program.SortDesc
			p.next()
		case TokPlus:
			p.next()
		}
		varTok, err := p.expect(TokIdent)
		if err != nil {
			return err
		}
		prog.Options.Sorters = append(prog.Options.Sorters, program.Sorter{
			Var: core.Sym(varTok.Text, spanOf(varTok)),
			Dir: dir,
		})
		if p.peek().Kind == TokComma {
			p.next()
			continue
		}
		return nil
	}
}

func (p *parser) parseStoreTarget(op program.RelationOp, at core.Span) (*program.StoreTarget, error) {
	nameTok, err := p.expect(TokIdent)
	if err != nil {
		return nil, err
	}
	target := &program.StoreTarget{Op: op, Name: nameTok.Text, At: at}
	if p.peek().Kind != TokLBrace {
		return target, nil
	}
	p.next() // '{'
	target.HasSpec = true
	inValues := false
	for p.peek().Kind != TokRBrace {
		if p.peek().Kind == TokImplies {
			if inValues {
				return nil, p.errAt(p.peek(), "'=>' may appear only once in a column spec")
			}
			inValues = true
			p.next()
			continue
		}
		col, err := p.parseSchemaCol()
		if err != nil {
			return nil, err
		}
		if inValues {
			target.Values = append(target.Values, col)
		} else {
			target.Keys = append(target.Keys, col)
		}
		if p.peek().Kind == TokComma {
			p.next()
		}
	}
	p.next() // '}'
	if len(target.Keys) == 0 {
		return nil, fmt.Errorf("stored relation '%s' must have at least one key column at %s", target.Name, at)
	}
	return target, nil
}

func (p *parser) parseSchemaCol() (program.SchemaCol, error) {
	nameTok, err := p.expect(TokIdent)
	if err != nil {
		return program.SchemaCol{}, err
	}
	col := program.SchemaCol{Name: nameTok.Text, Spec: program.TypeSpec{Name: "Any", Nullable: true}}
	if p.peek().Kind == TokColon {
		p.next()
		spec, err := p.parseTypeSpec()
		if err != nil {
			return program.SchemaCol{}, err
		}
		col.Spec = spec
	}
	if p.peek().Kind == TokIdent && p.peek().Text == "default" {
		p.next()
		e, err := p.parseExpr()
		if err != nil {
			return program.SchemaCol{}, err
		}
		folded, err := expr.PartialEval(e)
		if err != nil {
			return program.SchemaCol{}, err
		}
		col.Default = folded
	}
	return col, nil
}

func (p *parser) parseTypeSpec() (program.TypeSpec, error) {
	t := p.peek()
	switch t.Kind {
	case TokLBracket:
		// homogeneous list: [Elem]
		p.next()
		elem, err := p.parseTypeSpec()
		if err != nil {
			return program.TypeSpec{}, err
		}
		if _, err := p.expect(TokRBracket); err != nil {
			return program.TypeSpec{}, err
		}
		out := program.TypeSpec{Name: "List", Elem: &elem}
		return p.withNullableSuffix(out), nil
	case TokLt:
		// vector: <F32; 128>
		p.next()
		widthTok, err := p.expect(TokIdent)
		if err != nil {
			return program.TypeSpec{}, err
		}
		width := 0
		switch widthTok.Text {
		case "F32":
			width = 32
		case "F64":
			width = 64
		default:
			return program.TypeSpec{}, p.errAt(widthTok, "vector element type must be F32 or F64")
		}
		if _, err := p.expect(TokSemi); err != nil {
			return program.TypeSpec{}, err
		}
		lenTok, err := p.expect(TokInt)
		if err != nil {
			return program.TypeSpec{}, err
		}
		n, err := parseIntText(lenTok.Text)
		if err != nil || n <= 0 {
			return program.TypeSpec{}, p.errAt(lenTok, "vector length must be a positive integer")
		}
		if _, err := p.expect(TokGt); err != nil {
			return program.TypeSpec{}, err
		}
		out := program.TypeSpec{Name: "Vec", VecWidth: width, VecLen: int(n)}
		return p.withNullableSuffix(out), nil
	case TokIdent:
		p.next()
		out := program.TypeSpec{Name: t.Text}
		return p.withNullableSuffix(out), nil
	}
	return program.TypeSpec{}, p.errAt(t, "expected a column type, found %s", describe(t))
}

// withNullableSuffix consumes a trailing '?'.
func (p *parser) withNullableSuffix(spec program.TypeSpec) program.TypeSpec {
	if p.peek().Kind == TokQuestion {
		p.next()
		spec.Nullable = true
	}
	return spec
}

func parseIntText(text string) (int64, error) {
	var n int64
	for _, c := range text {
		if c == '_' {
			continue
		}
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a decimal integer: %s", text)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}
