package parser

import (
	"strings"
)

// SysOpKind enumerates the `::` system ops.
type SysOpKind uint8

const (
	SysCompact SysOpKind = iota
	SysListRelations
	SysColumns
	SysIndices
	SysRemove
	SysRename
	SysRunning
	SysKill
	SysAccessLevel
	SysIndexCreate
	SysIndexDrop
	SysSetTriggers
	SysShowTriggers
	SysExplain
)

// SysOp is a parsed system op.
type SysOp struct {
	Kind      SysOpKind
	Relations []string
	Renames   [][2]string
	Columns   []string
	// Target is "rel" or "rel:index" depending on the op.
	Target      string
	IndexName   string
	AccessLevel string
	QueryID     string
	TriggerPut  []string
	TriggerRm   []string
	TriggerRepl []string
	Script      string
}

func (p *parser) parseSysOp() (*SysOp, error) {
	p.next() // '::'
	nameTok, err := p.expect(TokIdent)
	if err != nil {
		return nil, err
	}
	switch nameTok.Text {
	case "compact":
		return &SysOp{Kind: SysCompact}, nil
	case "relations", "list_relations":
		return &SysOp{Kind: SysListRelations}, nil
	case "running":
		return &SysOp{Kind: SysRunning}, nil
	case "columns":
		rel, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		return &SysOp{Kind: SysColumns, Target: rel.Text}, nil
	case "indices":
		rel, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		return &SysOp{Kind: SysIndices, Target: rel.Text}, nil
	case "remove":
		op := &SysOp{Kind: SysRemove}
		for {
			rel, err := p.expect(TokIdent)
			if err != nil {
				return nil, err
			}
			op.Relations = append(op.Relations, rel.Text)
			if p.peek().Kind == TokComma {
				p.next()
				continue
			}
			return op, nil
		}
	case "rename":
		op := &SysOp{Kind: SysRename}
		for {
			oldTok, err := p.expect(TokIdent)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokArrow); err != nil {
				return nil, err
			}
			newTok, err := p.expect(TokIdent)
			if err != nil {
				return nil, err
			}
			op.Renames = append(op.Renames, [2]string{oldTok.Text, newTok.Text})
			if p.peek().Kind == TokComma {
				p.next()
				continue
			}
			return op, nil
		}
	case "kill":
		t := p.peek()
		switch t.Kind {
		case TokString, TokIdent:
			p.next()
			return &SysOp{Kind: SysKill, QueryID: t.Text}, nil
		}
		return nil, p.errAt(t, "expected a query id after ::kill")
	case "access_level":
		levelTok, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		op := &SysOp{Kind: SysAccessLevel, AccessLevel: levelTok.Text}
		for {
			rel, err := p.expect(TokIdent)
			if err != nil {
				return nil, err
			}
			op.Relations = append(op.Relations, rel.Text)
			if p.peek().Kind == TokComma {
				p.next()
				continue
			}
			return op, nil
		}
	case "index":
		actionTok, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		relTok, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokColon); err != nil {
			return nil, err
		}
		idxTok, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		switch actionTok.Text {
		case "create":
			op := &SysOp{Kind: SysIndexCreate, Target: relTok.Text, IndexName: idxTok.Text}
			if _, err := p.expect(TokLBrace); err != nil {
				return nil, err
			}
			for p.peek().Kind != TokRBrace {
				col, err := p.expect(TokIdent)
				if err != nil {
					return nil, err
				}
				op.Columns = append(op.Columns, col.Text)
				if p.peek().Kind == TokComma {
					p.next()
				}
			}
			p.next() // '}'
			return op, nil
		case "drop":
			return &SysOp{Kind: SysIndexDrop, Target: relTok.Text, IndexName: idxTok.Text}, nil
		}
		return nil, p.errAt(actionTok, "expected 'create' or 'drop' after ::index")
	case "set_triggers":
		relTok, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		op := &SysOp{Kind: SysSetTriggers, Target: relTok.Text}
		for p.peek().Kind == TokIdent && p.peek().Text == "on" {
			p.next()
			eventTok, err := p.expect(TokIdent)
			if err != nil {
				return nil, err
			}
			script, err := p.captureBraceBlock()
			if err != nil {
				return nil, err
			}
			script = strings.TrimSpace(script)
			switch eventTok.Text {
			case "put":
				op.TriggerPut = append(op.TriggerPut, script)
			case "rm":
				op.TriggerRm = append(op.TriggerRm, script)
			case "replace":
				op.TriggerRepl = append(op.TriggerRepl, script)
			default:
				return nil, p.errAt(eventTok, "trigger event must be put, rm or replace")
			}
		}
		return op, nil
	case "show_triggers":
		relTok, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		return &SysOp{Kind: SysShowTriggers, Target: relTok.Text}, nil
	case "explain":
		script, err := p.captureBraceBlock()
		if err != nil {
			return nil, err
		}
		return &SysOp{Kind: SysExplain, Script: strings.TrimSpace(script)}, nil
	}
	return nil, p.errAt(nameTok, "unknown system op '::%s'", nameTok.Text)
}
