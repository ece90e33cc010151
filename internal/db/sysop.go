package db

import (
	"fmt"
	"time"

	"strata/internal/algebra"
	"strata/internal/core"
	"strata/internal/eval"
	"strata/internal/parser"
	"strata/internal/store"
)

// runSysOp executes a `::` system op.
func (d *Database) runSysOp(op *parser.SysOp) (eval.NamedRows, error) {
	switch op.Kind {
	case parser.SysCompact:
		if err := d.engine.Compact(); err != nil {
			return eval.NamedRows{}, err
		}
		return statusRows("OK"), nil

	case parser.SysListRelations:
		return d.withReadTx(func(tx *store.Tx) (eval.NamedRows, error) {
			metas, err := tx.ListRelations()
			if err != nil {
				return eval.NamedRows{}, err
			}
			out := eval.NamedRows{Headers: []string{"name", "arity", "access_level", "n_keys", "n_non_keys", "n_indices"}}
			for _, m := range metas {
				out.Rows = append(out.Rows, core.Tuple{
					core.Str(m.Name),
					core.Int(m.Arity()),
					core.Str(m.Access.String()),
					core.Int(len(m.Keys)),
					core.Int(len(m.NonKeys)),
					core.Int(len(m.Indices)),
				})
			}
			return out, nil
		})

	case parser.SysColumns:
		return d.withReadTx(func(tx *store.Tx) (eval.NamedRows, error) {
			meta, err := tx.GetRelation(op.Target)
			if err != nil {
				return eval.NamedRows{}, err
			}
			out := eval.NamedRows{Headers: []string{"column", "is_key", "type", "has_default"}}
			emit := func(cols []store.ColumnDef, isKey bool) {
				for _, c := range cols {
					out.Rows = append(out.Rows, core.Tuple{
						core.Str(c.Name),
						core.Bool(isKey),
						core.Str(c.Spec.String()),
						core.Bool(c.Default != nil),
					})
				}
			}
			emit(meta.Keys, true)
			emit(meta.NonKeys, false)
			return out, nil
		})

	case parser.SysIndices:
		return d.withReadTx(func(tx *store.Tx) (eval.NamedRows, error) {
			meta, err := tx.GetRelation(op.Target)
			if err != nil {
				return eval.NamedRows{}, err
			}
			out := eval.NamedRows{Headers: []string{"name", "columns"}}
			allCols := meta.ColumnNames()
			for _, idx := range meta.Indices {
				cols := make(core.List, len(idx.Extractor))
				for i, src := range idx.Extractor {
					cols[i] = core.Str(allCols[src])
				}
				out.Rows = append(out.Rows, core.Tuple{core.Str(idx.Name), cols})
			}
			return out, nil
		})

	case parser.SysRemove:
		return d.withWriteTx(func(tx *store.Tx) (eval.NamedRows, error) {
			for _, rel := range op.Relations {
				if err := tx.DestroyRelation(rel); err != nil {
					return eval.NamedRows{}, err
				}
			}
			return statusRows("OK"), nil
		})

	case parser.SysRename:
		return d.withWriteTx(func(tx *store.Tx) (eval.NamedRows, error) {
			for _, pair := range op.Renames {
				if err := tx.RenameRelation(pair[0], pair[1]); err != nil {
					return eval.NamedRows{}, err
				}
			}
			return statusRows("OK"), nil
		})

	case parser.SysRunning:
		return d.RunningQueries(), nil

	case parser.SysKill:
		if d.Kill(op.QueryID) {
			return statusRows("KILLING"), nil
		}
		return statusRows("NOT_FOUND"), nil

	case parser.SysAccessLevel:
		level, err := store.ParseAccessLevel(op.AccessLevel)
		if err != nil {
			return eval.NamedRows{}, err
		}
		return d.withWriteTx(func(tx *store.Tx) (eval.NamedRows, error) {
			for _, rel := range op.Relations {
				meta, err := tx.GetRelation(rel)
				if err != nil {
					return eval.NamedRows{}, err
				}
				meta.Access = level
				if err := tx.UpdateRelation(meta); err != nil {
					return eval.NamedRows{}, err
				}
			}
			return statusRows("OK"), nil
		})

	case parser.SysIndexCreate:
		return d.withWriteTx(func(tx *store.Tx) (eval.NamedRows, error) {
			if err := tx.CreateIndex(op.Target, op.IndexName, op.Columns); err != nil {
				return eval.NamedRows{}, err
			}
			return statusRows("OK"), nil
		})

	case parser.SysIndexDrop:
		return d.withWriteTx(func(tx *store.Tx) (eval.NamedRows, error) {
			if err := tx.DropIndex(op.Target, op.IndexName); err != nil {
				return eval.NamedRows{}, err
			}
			return statusRows("OK"), nil
		})

	case parser.SysSetTriggers:
		// trigger scripts must at least parse before they are installed
		for _, script := range append(append(append([]string{}, op.TriggerPut...), op.TriggerRm...), op.TriggerRepl...) {
			if _, err := parser.Parse(script, nil); err != nil {
				return eval.NamedRows{}, fmt.Errorf("invalid trigger script: %w", err)
			}
		}
		return d.withWriteTx(func(tx *store.Tx) (eval.NamedRows, error) {
			meta, err := tx.GetRelation(op.Target)
			if err != nil {
				return eval.NamedRows{}, err
			}
			meta.PutTriggers = op.TriggerPut
			meta.RmTriggers = op.TriggerRm
			meta.ReplaceTriggers = op.TriggerRepl
			if err := tx.UpdateRelation(meta); err != nil {
				return eval.NamedRows{}, err
			}
			return statusRows("OK"), nil
		})

	case parser.SysShowTriggers:
		return d.withReadTx(func(tx *store.Tx) (eval.NamedRows, error) {
			meta, err := tx.GetRelation(op.Target)
			if err != nil {
				return eval.NamedRows{}, err
			}
			out := eval.NamedRows{Headers: []string{"event", "script"}}
			for _, s := range meta.PutTriggers {
				out.Rows = append(out.Rows, core.Tuple{core.Str("put"), core.Str(s)})
			}
			for _, s := range meta.RmTriggers {
				out.Rows = append(out.Rows, core.Tuple{core.Str("rm"), core.Str(s)})
			}
			for _, s := range meta.ReplaceTriggers {
				out.Rows = append(out.Rows, core.Tuple{core.Str("replace"), core.Str(s)})
			}
			return out, nil
		})

	case parser.SysExplain:
		return d.explain(op.Script)
	}
	return eval.NamedRows{}, fmt.Errorf("unsupported system op")
}

func (d *Database) withReadTx(fn func(*store.Tx) (eval.NamedRows, error)) (eval.NamedRows, error) {
	tx, err := d.engine.NewTx(false)
	if err != nil {
		return eval.NamedRows{}, err
	}
	defer tx.Discard()
	return fn(tx)
}

func (d *Database) withWriteTx(fn func(*store.Tx) (eval.NamedRows, error)) (eval.NamedRows, error) {
	tx, err := d.engine.NewTx(true)
	if err != nil {
		return eval.NamedRows{}, err
	}
	defer tx.Discard()
	out, err := fn(tx)
	if err != nil {
		return eval.NamedRows{}, err
	}
	if err := tx.Commit(); err != nil {
		return eval.NamedRows{}, err
	}
	return out, nil
}

// explain compiles a query without evaluating it and renders one row per
// algebra node.
func (d *Database) explain(src string) (eval.NamedRows, error) {
	script, err := parser.Parse(src, nil)
	if err != nil {
		return eval.NamedRows{}, err
	}
	if script.Query == nil {
		return eval.NamedRows{}, fmt.Errorf("::explain requires a query")
	}
	return d.withReadTx(func(tx *store.Tx) (eval.NamedRows, error) {
		compiled, err := d.compileProgram(tx, script.Query, core.ValidityAt(time.Now()))
		if err != nil {
			return eval.NamedRows{}, err
		}
		out := eval.NamedRows{Headers: []string{"stratum", "rule", "atom", "operation"}}
		for i, stratum := range compiled {
			stratumIdx := i
			err := stratum.Each(func(set *algebra.CompiledRuleSet) error {
				if set.Fixed != nil {
					out.Rows = append(out.Rows, core.Tuple{
						core.Int(stratumIdx),
						core.Str(set.Sym.String()),
						core.Int(0),
						core.Str(fmt.Sprintf("fixed_rule(%s)", set.Fixed.Name)),
					})
					return nil
				}
				for ruleIdx, rule := range set.Rules {
					for _, line := range algebra.Describe(rule.Relation) {
						out.Rows = append(out.Rows, core.Tuple{
							core.Int(stratumIdx),
							core.Str(set.Sym.String()),
							core.Int(ruleIdx),
							core.Str(line),
						})
					}
				}
				return nil
			})
			if err != nil {
				return eval.NamedRows{}, err
			}
		}
		return out, nil
	})
}
