package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"strata/internal/core"
)

// The system catalog lives in the keyspace of relation id 0. Records are
// keyed by a marker byte and the relation name; id sequences use a separate
// marker so catalog scans never see them.

const (
	catalogMarkerRelation = 'r'
	catalogMarkerSeq      = 'q'
)

func catalogKey(name string) []byte {
	return append(append(core.RelKeyPrefix(0), catalogMarkerRelation), []byte(name)...)
}

func catalogSeqKey(name string) []byte {
	return append(append(core.RelKeyPrefix(0), catalogMarkerSeq), []byte(name)...)
}

// ErrRelationNotFound wraps lookups of missing relations.
type ErrRelationNotFound struct{ Name string }

func (e *ErrRelationNotFound) Error() string {
	return fmt.Sprintf("cannot find requested stored relation '%s'", e.Name)
}

// GetRelation loads a relation's catalog record; handles are cached per
// transaction.
func (tx *Tx) GetRelation(name string) (*RelationMeta, error) {
	if meta, ok := tx.cache[name]; ok {
		return meta, nil
	}
	raw, found, err := tx.Get(catalogKey(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ErrRelationNotFound{Name: name}
	}
	meta := &RelationMeta{}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("corrupt catalog entry for '%s': %w", name, err)
	}
	tx.cache[name] = meta
	return meta, nil
}

// RelationExists probes the catalog.
func (tx *Tx) RelationExists(name string) (bool, error) {
	return tx.Exists(catalogKey(name))
}

func (tx *Tx) putCatalog(meta *RelationMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tx.cache[meta.Name] = meta
	return tx.Put(catalogKey(meta.Name), raw)
}

// CreateRelation registers a new stored relation, allocating its id. The
// caller supplies everything but the id.
func (tx *Tx) CreateRelation(meta *RelationMeta) (*RelationMeta, error) {
	if strings.HasPrefix(meta.Name, "_") && !meta.IsIndex {
		// leading underscore is reserved for temporary rule names
		return nil, fmt.Errorf("stored relation name '%s' is reserved", meta.Name)
	}
	if len(meta.Keys) == 0 {
		return nil, fmt.Errorf("stored relation '%s' must have at least one key column", meta.Name)
	}
	exists, err := tx.RelationExists(meta.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("stored relation '%s' conflicts with an existing one", meta.Name)
	}
	id, err := tx.engine.NextRelID()
	if err != nil {
		return nil, err
	}
	meta.ID = id
	if err := tx.putCatalog(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// UpdateRelation persists an in-place change to a catalog record (triggers,
// access level, indices).
func (tx *Tx) UpdateRelation(meta *RelationMeta) error {
	return tx.putCatalog(meta)
}

// DestroyRelation removes a relation: its rows, its indices and their rows,
// and the catalog records.
func (tx *Tx) DestroyRelation(name string) error {
	meta, err := tx.GetRelation(name)
	if err != nil {
		return err
	}
	if meta.Access < AccessNormal {
		return &InsufficientAccessError{Relation: name, Operation: "relation removal", Level: meta.Access}
	}
	for _, idx := range meta.Indices {
		idxName := indexRelName(name, idx.Name)
		idxMeta, err := tx.GetRelation(idxName)
		if err != nil {
			return err
		}
		if err := tx.deleteAllRows(idxMeta.ID); err != nil {
			return err
		}
		delete(tx.cache, idxName)
		if err := tx.Del(catalogKey(idxName)); err != nil {
			return err
		}
	}
	if err := tx.deleteAllRows(meta.ID); err != nil {
		return err
	}
	delete(tx.cache, name)
	return tx.Del(catalogKey(name))
}

func (tx *Tx) deleteAllRows(relID uint32) error {
	var keys [][]byte
	err := tx.PrefixScan(core.RelKeyPrefix(relID), func(k, _ []byte) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Del(k); err != nil {
			return err
		}
	}
	return nil
}

// RenameRelation moves the catalog record to a new name; rows stay put since
// keys embed only the relation id.
func (tx *Tx) RenameRelation(old, new string) error {
	meta, err := tx.GetRelation(old)
	if err != nil {
		return err
	}
	exists, err := tx.RelationExists(new)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("stored relation '%s' conflicts with an existing one", new)
	}
	delete(tx.cache, old)
	if err := tx.Del(catalogKey(old)); err != nil {
		return err
	}
	meta.Name = new
	return tx.putCatalog(meta)
}

// ListRelations returns every user-visible relation, sorted by name.
func (tx *Tx) ListRelations() ([]*RelationMeta, error) {
	var out []*RelationMeta
	prefix := append(core.RelKeyPrefix(0), catalogMarkerRelation)
	err := tx.PrefixScan(prefix, func(_, v []byte) error {
		meta := &RelationMeta{}
		if err := json.Unmarshal(v, meta); err != nil {
			return err
		}
		if !meta.IsIndex {
			out = append(out, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func indexRelName(rel, idx string) string { return rel + ":" + idx }

// CreateIndex registers a secondary index over the named columns and
// backfills it from existing rows. The index relation keys are the projected
// columns followed by any base key columns not already present, which makes
// index rows unique.
func (tx *Tx) CreateIndex(relName, idxName string, cols []string) error {
	meta, err := tx.GetRelation(relName)
	if err != nil {
		return err
	}
	for _, idx := range meta.Indices {
		if idx.Name == idxName {
			return fmt.Errorf("index '%s' on relation '%s' already exists", idxName, relName)
		}
	}
	allCols := append(append([]ColumnDef{}, meta.Keys...), meta.NonKeys...)
	var extractor []int
	var idxCols []ColumnDef
	seen := map[int]bool{}
	for _, name := range cols {
		pos := meta.ColumnPos(name)
		if pos < 0 {
			return fmt.Errorf("column '%s' not found in relation '%s'", name, relName)
		}
		if seen[pos] {
			return fmt.Errorf("column '%s' appears twice in index '%s'", name, idxName)
		}
		seen[pos] = true
		extractor = append(extractor, pos)
		idxCols = append(idxCols, allCols[pos])
	}
	// complete with the base keys so index rows are unique per base row
	for i := range meta.Keys {
		if !seen[i] {
			seen[i] = true
			extractor = append(extractor, i)
			idxCols = append(idxCols, meta.Keys[i])
		}
	}
	idxMeta := &RelationMeta{
		Name:    indexRelName(relName, idxName),
		Keys:    idxCols,
		Access:  meta.Access,
		IsIndex: true,
	}
	if _, err := tx.CreateRelation(idxMeta); err != nil {
		return err
	}
	// backfill
	err = tx.ScanRelation(meta, nil, func(row core.Tuple) error {
		idxRow := make(core.Tuple, len(extractor))
		for i, src := range extractor {
			idxRow[i] = row[src]
		}
		return tx.Put(core.EncodeStoredKey(idxMeta.ID, idxRow), EncodeRowValue(OpBytePut, tx.id, nil))
	})
	if err != nil {
		return err
	}
	meta.Indices = append(meta.Indices, IndexMeta{Name: idxName, RelID: idxMeta.ID, Extractor: extractor})
	return tx.UpdateRelation(meta)
}

// DropIndex removes an index and its rows.
func (tx *Tx) DropIndex(relName, idxName string) error {
	meta, err := tx.GetRelation(relName)
	if err != nil {
		return err
	}
	pos := -1
	for i, idx := range meta.Indices {
		if idx.Name == idxName {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("index '%s' on relation '%s' not found", idxName, relName)
	}
	idxRelName := indexRelName(relName, idxName)
	idxMeta, err := tx.GetRelation(idxRelName)
	if err != nil {
		return err
	}
	if err := tx.deleteAllRows(idxMeta.ID); err != nil {
		return err
	}
	delete(tx.cache, idxRelName)
	if err := tx.Del(catalogKey(idxRelName)); err != nil {
		return err
	}
	meta.Indices = append(meta.Indices[:pos], meta.Indices[pos+1:]...)
	return tx.UpdateRelation(meta)
}

// IndexRelation resolves the backing relation of an index.
func (tx *Tx) IndexRelation(base *RelationMeta, idx IndexMeta) (*RelationMeta, error) {
	return tx.GetRelation(indexRelName(base.Name, idx.Name))
}
