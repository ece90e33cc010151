package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"strata/internal/core"
)

// Tx wraps one Badger transaction. It is exclusive to a single query; reads
// inside the transaction see its own writes.
type Tx struct {
	engine   *Engine
	btx      *badger.Txn
	writable bool
	id       uint64
	cache    map[string]*RelationMeta
}

// ID is the origin transaction id stamped into written rows.
func (tx *Tx) ID() uint64 { return tx.id }

// Commit finishes the transaction, mapping write conflicts to ErrConflict.
func (tx *Tx) Commit() error {
	err := tx.btx.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

// Discard aborts; safe after Commit.
func (tx *Tx) Discard() { tx.btx.Discard() }

// Get fetches a raw key.
func (tx *Tx) Get(key []byte) ([]byte, bool, error) {
	item, err := tx.btx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Exists probes a raw key without fetching its value.
func (tx *Tx) Exists(key []byte) (bool, error) {
	_, err := tx.btx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put writes a raw key/value.
func (tx *Tx) Put(key, val []byte) error { return tx.btx.Set(key, val) }

// Del removes a raw key.
func (tx *Tx) Del(key []byte) error { return tx.btx.Delete(key) }

// ErrStopScan is the sentinel a scan callback returns to stop early without
// reporting failure.
var ErrStopScan = errors.New("stop scan")

// PrefixScan visits every key with the given prefix in order.
func (tx *Tx) PrefixScan(prefix []byte, fn func(k, v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := tx.btx.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// PrefixExists reports whether any key carries the prefix.
func (tx *Tx) PrefixExists(prefix []byte) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := tx.btx.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	return it.Valid(), nil
}

// EncodeRowValue builds the stored value bytes: op byte, origin tx id, then
// the non-key columns.
func EncodeRowValue(op byte, txID uint64, vals core.Tuple) []byte {
	out := make([]byte, 0, 9)
	out = append(out, op)
	out = binary.BigEndian.AppendUint64(out, txID)
	return core.AppendTuple(out, vals)
}

// DecodeRowValue splits the stored value bytes back out.
func DecodeRowValue(raw []byte) (op byte, txID uint64, vals core.Tuple, err error) {
	if len(raw) < 9 {
		return 0, 0, nil, fmt.Errorf("corrupt stored value: %d bytes", len(raw))
	}
	op = raw[0]
	txID = binary.BigEndian.Uint64(raw[1:9])
	vals, err = core.DecodeTuple(raw[9:])
	return op, txID, vals, err
}

// DecodeStoredRow reassembles a full row from a stored key/value pair.
func DecodeStoredRow(meta *RelationMeta, k, v []byte) (core.Tuple, error) {
	if len(k) < 4 {
		return nil, fmt.Errorf("corrupt stored key for relation '%s'", meta.Name)
	}
	keyTuple, err := core.DecodeTupleN(k[4:], meta.KeyArity())
	if err != nil {
		return nil, fmt.Errorf("decoding key of relation '%s': %w", meta.Name, err)
	}
	if len(meta.NonKeys) == 0 || len(v) == 0 {
		return keyTuple, nil
	}
	_, _, vals, err := DecodeRowValue(v)
	if err != nil {
		return nil, fmt.Errorf("decoding value of relation '%s': %w", meta.Name, err)
	}
	return append(keyTuple, vals...), nil
}

// ScanRelation visits full rows of a stored relation under an optional
// key-tuple prefix (encoded values of leading key columns).
func (tx *Tx) ScanRelation(meta *RelationMeta, keyPrefix []byte, fn func(core.Tuple) error) error {
	prefix := append(core.RelKeyPrefix(meta.ID), keyPrefix...)
	return tx.PrefixScan(prefix, func(k, v []byte) error {
		row, err := DecodeStoredRow(meta, k, v)
		if err != nil {
			return err
		}
		return fn(row)
	})
}

// RelationKeyExists probes for any row under the key prefix.
func (tx *Tx) RelationKeyExists(meta *RelationMeta, keyPrefix []byte) (bool, error) {
	return tx.PrefixExists(append(core.RelKeyPrefix(meta.ID), keyPrefix...))
}

// ScanRelationAt implements time travel over a relation whose last key
// column is a validity: for every distinct key prefix it seeks the newest
// row with validity not newer than at, emits it when it asserts, and skips
// the whole prefix otherwise.
func (tx *Tx) ScanRelationAt(meta *RelationMeta, keyPrefix []byte, at core.Validity, fn func(core.Tuple) error) error {
	relPrefix := core.RelKeyPrefix(meta.ID)
	prefix := append(append([]byte{}, relPrefix...), keyPrefix...)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := tx.btx.NewIterator(opts)
	defer it.Close()

	seekVld := core.AppendValue(nil, at)
	for it.Rewind(); it.Valid(); {
		item := it.Item()
		k := item.KeyCopy(nil)
		group, err := validityGroupPrefix(meta, k)
		if err != nil {
			return err
		}
		// position at the newest row of this group that is not newer
		// than the requested validity
		it.Seek(append(append([]byte{}, group...), seekVld...))
		if !it.Valid() {
			break
		}
		item = it.Item()
		k = item.KeyCopy(nil)
		if !bytes.HasPrefix(k, group) {
			continue // group has no row old enough
		}
		keyTuple, err := core.DecodeTupleN(k[4:], meta.KeyArity())
		if err != nil {
			return err
		}
		vld, ok := keyTuple[len(keyTuple)-1].(core.Validity)
		if !ok {
			return fmt.Errorf("relation '%s' is not suitable for time travel", meta.Name)
		}
		if vld.Assert {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			row, err := DecodeStoredRow(meta, k, v)
			if err != nil {
				return err
			}
			if err := fn(row); err != nil {
				if errors.Is(err, ErrStopScan) {
					return nil
				}
				return err
			}
		}
		// jump past every remaining row of this group
		it.Seek(append(append([]byte{}, group...), 0xFF))
	}
	return nil
}

// validityGroupPrefix re-encodes all key columns but the trailing validity.
func validityGroupPrefix(meta *RelationMeta, k []byte) ([]byte, error) {
	keyTuple, err := core.DecodeTupleN(k[4:], meta.KeyArity())
	if err != nil {
		return nil, err
	}
	return core.AppendTuple(core.RelKeyPrefix(meta.ID), keyTuple[:len(keyTuple)-1]), nil
}
