package eval

import (
	"bytes"
	"fmt"

	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/program"
	"strata/internal/store"
)

// CallbackOp tags a change event.
type CallbackOp uint8

const (
	CbPut CallbackOp = iota
	CbRm
	CbReplace
)

func (op CallbackOp) String() string {
	switch op {
	case CbPut:
		return "put"
	case CbRm:
		return "rm"
	case CbReplace:
		return "replace"
	}
	return "unknown"
}

// CallbackEvent is one committed mutation on a registered relation.
type CallbackEvent struct {
	Relation string
	Op       CallbackOp
	New      NamedRows
	Old      NamedRows
}

// CallbackCollector accumulates events during a transaction; the database
// dispatches them to subscribers after commit.
type CallbackCollector struct {
	Events []CallbackEvent
}

// ConstRule is a tuple set injected into a trigger program as a constant
// rule (`_new`, `_old`).
type ConstRule struct {
	Bindings []string
	Rows     []core.Tuple
}

// ScriptRunner executes a script inside the same transaction; the database
// facade supplies it, with trigger propagation disabled to stop recursive
// firing.
type ScriptRunner func(tx *store.Tx, script string, constRules map[string]ConstRule) error

// MutateEnv carries the cross-cutting state of a mutation.
type MutateEnv struct {
	CurVld            core.Validity
	CallbackTargets   map[string]bool
	Collector         *CallbackCollector
	PropagateTriggers bool
	RunScript         ScriptRunner
}

// TransactAssertionError reports :ensure / :ensure_not / :insert failures.
type TransactAssertionError struct {
	Relation string
	Key      core.Tuple
	Notice   string
}

func (e *TransactAssertionError) Error() string {
	return fmt.Sprintf("assertion failure for %s of %s: %s", core.String(core.List(e.Key)), e.Relation, e.Notice)
}

// ExecuteRelation applies a query result to a stored relation under the
// selected op. Everything happens inside the caller's transaction; any error
// aborts the whole batch.
func ExecuteRelation(tx *store.Tx, result NamedRows, target *program.StoreTarget, env *MutateEnv) error {
	op := target.Op

	var savedPut, savedRm []string
	if op == program.OpReplace {
		if !env.PropagateTriggers {
			return fmt.Errorf("replace op in trigger is not allowed: %s", target.Name)
		}
		if old, err := tx.GetRelation(target.Name); err == nil {
			if len(old.Indices) > 0 {
				return fmt.Errorf("cannot replace relation %s since it has indices", target.Name)
			}
			if old.Access < store.AccessNormal {
				return &store.InsufficientAccessError{Relation: old.Name, Operation: "relation replacement", Level: old.Access}
			}
			savedPut, savedRm = old.PutTriggers, old.RmTriggers
			for _, script := range old.ReplaceTriggers {
				if err := env.RunScript(tx, script, nil); err != nil {
					return fmt.Errorf("replace trigger of '%s': %w", target.Name, err)
				}
			}
			if err := tx.DestroyRelation(target.Name); err != nil {
				return err
			}
		} else if _, notFound := err.(*store.ErrRelationNotFound); !notFound {
			return err
		}
	}

	var meta *store.RelationMeta
	var err error
	switch op {
	case program.OpCreate, program.OpReplace:
		meta, err = createFromTarget(tx, target)
	default:
		meta, err = tx.GetRelation(target.Name)
	}
	if err != nil {
		return err
	}
	if op == program.OpReplace && (len(savedPut) > 0 || len(savedRm) > 0) {
		meta.PutTriggers, meta.RmTriggers = savedPut, savedRm
		if err := tx.UpdateRelation(meta); err != nil {
			return err
		}
	}

	switch op {
	case program.OpRm, program.OpDelete:
		return executeRemove(tx, result, meta, env)
	case program.OpEnsure:
		return executeEnsure(tx, result, meta, env)
	case program.OpEnsureNot:
		return executeEnsureNot(tx, result, meta, env)
	case program.OpCreate, program.OpReplace, program.OpPut, program.OpInsert, program.OpUpdate:
		return executePut(tx, result, meta, op, env)
	}
	return fmt.Errorf("unsupported relation op %s", op)
}

// createFromTarget registers a new relation from the inline schema of the
// store clause; a schema is mandatory for :create and :replace.
func createFromTarget(tx *store.Tx, target *program.StoreTarget) (*store.RelationMeta, error) {
	if !target.HasSpec {
		return nil, fmt.Errorf("a column spec is required to create relation '%s' at %s", target.Name, target.At)
	}
	meta := &store.RelationMeta{Name: target.Name, Access: store.AccessNormal}
	for _, col := range target.Keys {
		def, err := schemaColToDef(col)
		if err != nil {
			return nil, err
		}
		meta.Keys = append(meta.Keys, def)
	}
	for _, col := range target.Values {
		def, err := schemaColToDef(col)
		if err != nil {
			return nil, err
		}
		meta.NonKeys = append(meta.NonKeys, def)
	}
	return tx.CreateRelation(meta)
}

func schemaColToDef(col program.SchemaCol) (store.ColumnDef, error) {
	spec, err := typeSpecToColSpec(col.Spec)
	if err != nil {
		return store.ColumnDef{}, err
	}
	def := store.ColumnDef{Name: col.Name, Spec: spec}
	if col.Default != nil {
		serial, err := expr.ToSerial(col.Default)
		if err != nil {
			return store.ColumnDef{}, err
		}
		def.Default = serial
	}
	return def, nil
}

func typeSpecToColSpec(t program.TypeSpec) (store.ColSpec, error) {
	out := store.ColSpec{Nullable: t.Nullable}
	switch t.Name {
	case "", "Any":
		out.Type.Base = store.TypeAny
	case "Bool":
		out.Type.Base = store.TypeBool
	case "Int":
		out.Type.Base = store.TypeInt
	case "Float":
		out.Type.Base = store.TypeFloat
	case "String":
		out.Type.Base = store.TypeString
	case "Bytes":
		out.Type.Base = store.TypeBytes
	case "Uuid":
		out.Type.Base = store.TypeUuid
	case "Json":
		out.Type.Base = store.TypeJson
	case "Validity":
		out.Type.Base = store.TypeValidity
	case "List":
		out.Type.Base = store.TypeList
		if t.Elem != nil {
			elem, err := typeSpecToColSpec(*t.Elem)
			if err != nil {
				return out, err
			}
			out.Type.Elem = &elem
		}
	case "Vec":
		out.Type.Base = store.TypeVec
		out.Type.VecWidth = t.VecWidth
		out.Type.VecLen = t.VecLen
	default:
		return out, fmt.Errorf("unknown column type '%s'", t.Name)
	}
	return out, nil
}

// extractor pulls one stored column out of a result row: by position when
// the result headers carry the column, through the default expression
// otherwise.
type extractor struct {
	pos  int // -1 when defaulted
	dflt expr.Expr
	spec store.ColSpec
	name string
}

func (ex *extractor) extract(row core.Tuple, curVld core.Validity) (core.Value, error) {
	if ex.pos >= 0 {
		return ex.spec.Coerce(row[ex.pos], curVld)
	}
	v, err := expr.EvalConst(ex.dflt)
	if err != nil {
		return nil, fmt.Errorf("default for column '%s': %w", ex.name, err)
	}
	return ex.spec.Coerce(v, curVld)
}

func makeExtractors(cols []store.ColumnDef, headers []string) ([]extractor, error) {
	out := make([]extractor, 0, len(cols))
	for _, col := range cols {
		ex := extractor{pos: -1, spec: col.Spec, name: col.Name}
		for i, h := range headers {
			if h == col.Name {
				ex.pos = i
				break
			}
		}
		if ex.pos < 0 {
			dflt, err := col.DefaultExpr()
			if err != nil {
				return nil, err
			}
			if dflt == nil {
				return nil, fmt.Errorf("cannot make extractor for column '%s': not in the result and no default", col.Name)
			}
			ex.dflt = dflt
		}
		out = append(out, ex)
	}
	return out, nil
}

func executePut(tx *store.Tx, result NamedRows, meta *store.RelationMeta, op program.RelationOp, env *MutateEnv) error {
	if meta.Access < store.AccessProtected {
		return &store.InsufficientAccessError{Relation: meta.Name, Operation: "row insertion", Level: meta.Access}
	}
	keyEx, err := makeExtractors(meta.Keys, result.Headers)
	if err != nil {
		return err
	}
	var valEx []extractor
	if op == program.OpUpdate {
		// columns missing from the result keep their stored value
		valEx, err = updateExtractors(meta, result.Headers)
	} else {
		valEx, err = makeExtractors(meta.NonKeys, result.Headers)
	}
	if err != nil {
		return err
	}

	isCallbackTarget := env.CallbackTargets[meta.Name]
	needCollect := isCallbackTarget || (env.PropagateTriggers && len(meta.PutTriggers) > 0)
	hasIndices := len(meta.Indices) > 0

	var newTuples, oldTuples []core.Tuple

	for _, row := range result.Rows {
		full := make(core.Tuple, 0, meta.Arity())
		for i := range keyEx {
			v, err := keyEx[i].extract(row, env.CurVld)
			if err != nil {
				return fmt.Errorf("when processing tuple %s: %w", core.String(core.List(row)), err)
			}
			full = append(full, v)
		}
		key := core.EncodeStoredKey(meta.ID, full)

		prior, found, err := tx.Get(key)
		if err != nil {
			return err
		}
		if op == program.OpInsert && found {
			return &TransactAssertionError{Relation: meta.Name, Key: full, Notice: "key exists in database"}
		}
		if op == program.OpUpdate && !found {
			return &TransactAssertionError{Relation: meta.Name, Key: full, Notice: "key does not exist in database"}
		}

		var oldRow core.Tuple
		if found {
			oldRow, err = store.DecodeStoredRow(meta, key, prior)
			if err != nil {
				return err
			}
		}

		for i := range valEx {
			var v core.Value
			if op == program.OpUpdate && valEx[i].pos < 0 && oldRow != nil {
				v = oldRow[len(meta.Keys)+i]
			} else {
				v, err = valEx[i].extract(row, env.CurVld)
				if err != nil {
					return fmt.Errorf("when processing tuple %s: %w", core.String(core.List(row)), err)
				}
			}
			full = append(full, v)
		}

		if hasIndices {
			if err := updateIndices(tx, meta, oldRow, full); err != nil {
				return err
			}
		}
		if needCollect {
			newTuples = append(newTuples, full)
			if oldRow != nil {
				oldTuples = append(oldTuples, oldRow)
			}
		}

		val := store.EncodeRowValue(store.OpBytePut, tx.ID(), full[len(meta.Keys):])
		if err := tx.Put(key, val); err != nil {
			return err
		}
	}

	if needCollect && len(newTuples) > 0 {
		kvHeaders := meta.ColumnNames()
		if env.PropagateTriggers {
			for _, script := range meta.PutTriggers {
				consts := map[string]ConstRule{
					"_new": {Bindings: kvHeaders, Rows: newTuples},
					"_old": {Bindings: kvHeaders, Rows: oldTuples},
				}
				if err := env.RunScript(tx, script, consts); err != nil {
					return fmt.Errorf("put trigger of '%s': %w", meta.Name, err)
				}
			}
		}
		if isCallbackTarget {
			env.Collector.Events = append(env.Collector.Events, CallbackEvent{
				Relation: meta.Name,
				Op:       CbPut,
				New:      NamedRows{Headers: kvHeaders, Rows: newTuples},
				Old:      NamedRows{Headers: kvHeaders, Rows: oldTuples},
			})
		}
	}
	return nil
}

// updateExtractors marks value columns missing from the result for
// carry-over instead of defaulting.
func updateExtractors(meta *store.RelationMeta, headers []string) ([]extractor, error) {
	out := make([]extractor, 0, len(meta.NonKeys))
	for _, col := range meta.NonKeys {
		ex := extractor{pos: -1, spec: col.Spec, name: col.Name}
		for i, h := range headers {
			if h == col.Name {
				ex.pos = i
				break
			}
		}
		out = append(out, ex)
	}
	return out, nil
}

// updateIndices deletes index rows projected from the prior value and
// inserts the projections of the new row. An unchanged projection is left
// untouched, so re-putting an identical row is a no-op for indices.
func updateIndices(tx *store.Tx, meta *store.RelationMeta, oldRow, newRow core.Tuple) error {
	for _, idx := range meta.Indices {
		idxMeta, err := tx.IndexRelation(meta, idx)
		if err != nil {
			return err
		}
		var oldKey []byte
		if oldRow != nil {
			oldProj := projectRow(oldRow, idx.Extractor)
			oldKey = core.EncodeStoredKey(idxMeta.ID, oldProj)
		}
		newProj := projectRow(newRow, idx.Extractor)
		newKey := core.EncodeStoredKey(idxMeta.ID, newProj)
		if oldKey != nil && bytes.Equal(oldKey, newKey) {
			continue
		}
		if oldKey != nil {
			if err := tx.Del(oldKey); err != nil {
				return err
			}
		}
		if err := tx.Put(newKey, store.EncodeRowValue(store.OpBytePut, tx.ID(), nil)); err != nil {
			return err
		}
	}
	return nil
}

// deleteIndices removes the projections of a row being deleted.
func deleteIndices(tx *store.Tx, meta *store.RelationMeta, row core.Tuple) error {
	for _, idx := range meta.Indices {
		idxMeta, err := tx.IndexRelation(meta, idx)
		if err != nil {
			return err
		}
		proj := projectRow(row, idx.Extractor)
		if err := tx.Del(core.EncodeStoredKey(idxMeta.ID, proj)); err != nil {
			return err
		}
	}
	return nil
}

func projectRow(row core.Tuple, extractor []int) core.Tuple {
	out := make(core.Tuple, len(extractor))
	for i, src := range extractor {
		out[i] = row[src]
	}
	return out
}

func executeRemove(tx *store.Tx, result NamedRows, meta *store.RelationMeta, env *MutateEnv) error {
	if meta.Access < store.AccessProtected {
		return &store.InsufficientAccessError{Relation: meta.Name, Operation: "row removal", Level: meta.Access}
	}
	keyEx, err := makeExtractors(meta.Keys, result.Headers)
	if err != nil {
		return err
	}
	isCallbackTarget := env.CallbackTargets[meta.Name]
	needCollect := isCallbackTarget || (env.PropagateTriggers && len(meta.RmTriggers) > 0)
	hasIndices := len(meta.Indices) > 0

	var removedKeys, oldTuples []core.Tuple

	for _, row := range result.Rows {
		keyTuple := make(core.Tuple, 0, len(keyEx))
		for i := range keyEx {
			v, err := keyEx[i].extract(row, env.CurVld)
			if err != nil {
				return fmt.Errorf("when processing tuple %s: %w", core.String(core.List(row)), err)
			}
			keyTuple = append(keyTuple, v)
		}
		key := core.EncodeStoredKey(meta.ID, keyTuple)

		if needCollect || hasIndices {
			prior, found, err := tx.Get(key)
			if err != nil {
				return err
			}
			if found {
				oldRow, err := store.DecodeStoredRow(meta, key, prior)
				if err != nil {
					return err
				}
				if hasIndices {
					if err := deleteIndices(tx, meta, oldRow); err != nil {
						return err
					}
				}
				if needCollect {
					oldTuples = append(oldTuples, oldRow)
				}
			}
			if needCollect {
				removedKeys = append(removedKeys, keyTuple)
			}
		}
		if err := tx.Del(key); err != nil {
			return err
		}
	}

	if needCollect && len(removedKeys) > 0 {
		keyHeaders := make([]string, len(meta.Keys))
		for i, c := range meta.Keys {
			keyHeaders[i] = c.Name
		}
		kvHeaders := meta.ColumnNames()
		if env.PropagateTriggers {
			for _, script := range meta.RmTriggers {
				consts := map[string]ConstRule{
					"_new": {Bindings: keyHeaders, Rows: removedKeys},
					"_old": {Bindings: kvHeaders, Rows: oldTuples},
				}
				if err := env.RunScript(tx, script, consts); err != nil {
					return fmt.Errorf("rm trigger of '%s': %w", meta.Name, err)
				}
			}
		}
		if isCallbackTarget {
			env.Collector.Events = append(env.Collector.Events, CallbackEvent{
				Relation: meta.Name,
				Op:       CbRm,
				New:      NamedRows{Headers: keyHeaders, Rows: removedKeys},
				Old:      NamedRows{Headers: kvHeaders, Rows: oldTuples},
			})
		}
	}
	return nil
}

func executeEnsure(tx *store.Tx, result NamedRows, meta *store.RelationMeta, env *MutateEnv) error {
	if meta.Access < store.AccessReadOnly {
		return &store.InsufficientAccessError{Relation: meta.Name, Operation: "row check", Level: meta.Access}
	}
	keyEx, err := makeExtractors(meta.Keys, result.Headers)
	if err != nil {
		return err
	}
	valEx, err := makeExtractors(meta.NonKeys, result.Headers)
	if err != nil {
		return err
	}
	for _, row := range result.Rows {
		full := make(core.Tuple, 0, meta.Arity())
		for i := range keyEx {
			v, err := keyEx[i].extract(row, env.CurVld)
			if err != nil {
				return err
			}
			full = append(full, v)
		}
		key := core.EncodeStoredKey(meta.ID, full)
		for i := range valEx {
			v, err := valEx[i].extract(row, env.CurVld)
			if err != nil {
				return err
			}
			full = append(full, v)
		}
		want := store.EncodeRowValue(store.OpBytePut, 0, full[len(meta.Keys):])

		prior, found, err := tx.Get(key)
		if err != nil {
			return err
		}
		if !found {
			return &TransactAssertionError{Relation: meta.Name, Key: full[:len(meta.Keys)], Notice: "key does not exist in database"}
		}
		// compare only the column payload: the op byte and origin tx id
		// are bookkeeping
		if !bytes.Equal(prior[9:], want[9:]) {
			return &TransactAssertionError{Relation: meta.Name, Key: full[:len(meta.Keys)], Notice: "key exists in database, but value does not match"}
		}
	}
	return nil
}

func executeEnsureNot(tx *store.Tx, result NamedRows, meta *store.RelationMeta, env *MutateEnv) error {
	if meta.Access < store.AccessReadOnly {
		return &store.InsufficientAccessError{Relation: meta.Name, Operation: "row check", Level: meta.Access}
	}
	keyEx, err := makeExtractors(meta.Keys, result.Headers)
	if err != nil {
		return err
	}
	for _, row := range result.Rows {
		keyTuple := make(core.Tuple, 0, len(keyEx))
		for i := range keyEx {
			v, err := keyEx[i].extract(row, env.CurVld)
			if err != nil {
				return err
			}
			keyTuple = append(keyTuple, v)
		}
		key := core.EncodeStoredKey(meta.ID, keyTuple)
		exists, err := tx.Exists(key)
		if err != nil {
			return err
		}
		if exists {
			return &TransactAssertionError{Relation: meta.Name, Key: keyTuple, Notice: "key exists in database"}
		}
	}
	return nil
}
