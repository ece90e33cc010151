package store

import (
	"bytes"

	"github.com/google/btree"

	"strata/internal/core"
)

// MemStore is the in-memory epoch-aware store backing one derived relation
// for the duration of a query. Items are ordered by the codec form of their
// key columns; the epoch tag drives semi-naive delta scans.
type MemStore struct {
	keyLen    int
	tree      *btree.BTreeG[memItem]
	finalized bool
}

type memItem struct {
	key   []byte
	tuple core.Tuple
	epoch int
}

func memLess(a, b memItem) bool { return bytes.Compare(a.key, b.key) < 0 }

// NewMemStore builds a store whose item identity is the first keyLen columns
// of each tuple; keyLen equals the arity for plain rule stores and the
// group-by width for meet-aggregation stores.
func NewMemStore(keyLen int) *MemStore {
	return &MemStore{keyLen: keyLen, tree: btree.NewG(16, memLess)}
}

// KeyLen is the number of leading columns forming the item identity.
func (m *MemStore) KeyLen() int { return m.keyLen }

func (m *MemStore) keyOf(t core.Tuple) []byte {
	n := m.keyLen
	if n > len(t) {
		n = len(t)
	}
	return core.EncodeTuple(t[:n])
}

// Put inserts the tuple at the epoch if its key is absent.
func (m *MemStore) Put(t core.Tuple, epoch int) {
	m.PutIfAbsent(t, epoch)
}

// PutIfAbsent reports whether the tuple's key was new. Existing rows keep
// their original epoch so re-derivations do not extend the delta.
func (m *MemStore) PutIfAbsent(t core.Tuple, epoch int) bool {
	item := memItem{key: m.keyOf(t), tuple: t, epoch: epoch}
	if _, found := m.tree.Get(item); found {
		return false
	}
	m.tree.ReplaceOrInsert(item)
	return true
}

// Get fetches the tuple stored under the key columns of probe.
func (m *MemStore) Get(probe core.Tuple) (core.Tuple, bool) {
	item, found := m.tree.Get(memItem{key: m.keyOf(probe)})
	if !found {
		return nil, false
	}
	return item.tuple, true
}

// Replace overwrites the row under the key of t, tagging it with epoch;
// used by in-place meet aggregation updates.
func (m *MemStore) Replace(t core.Tuple, epoch int) {
	m.tree.ReplaceOrInsert(memItem{key: m.keyOf(t), tuple: t, epoch: epoch})
}

// Finalize marks the stratum fixpoint reached: subsequent scans see every
// row regardless of epoch.
func (m *MemStore) Finalize() { m.finalized = true }

// Len is the stored row count.
func (m *MemStore) Len() int { return m.tree.Len() }

// Scan visits rows under an encoded key prefix in key order. Before
// finalization, a scan at epoch e sees rows produced strictly earlier
// (epoch < e), or exactly the previous epoch when delta is set — the
// semi-naive visibility rule.
func (m *MemStore) Scan(prefix []byte, delta bool, epoch int, fn func(core.Tuple) error) error {
	var out error
	visit := func(item memItem) bool {
		if len(prefix) > 0 && !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		if !m.finalized {
			if delta {
				if item.epoch != epoch-1 {
					return true
				}
			} else if item.epoch >= epoch {
				return true
			}
		}
		if err := fn(item.tuple); err != nil {
			if err != ErrStopScan {
				out = err
			}
			return false
		}
		return true
	}
	if len(prefix) == 0 {
		m.tree.Ascend(visit)
	} else {
		m.tree.AscendGreaterOrEqual(memItem{key: prefix}, visit)
	}
	return out
}

// ScanAll visits every row unconditionally, in key order.
func (m *MemStore) ScanAll(fn func(core.Tuple) error) error {
	var out error
	m.tree.Ascend(func(item memItem) bool {
		if err := fn(item.tuple); err != nil {
			if err != ErrStopScan {
				out = err
			}
			return false
		}
		return true
	})
	return out
}

// PrefixExists probes for any visible row under the prefix.
func (m *MemStore) PrefixExists(prefix []byte, epoch int) bool {
	found := false
	m.tree.AscendGreaterOrEqual(memItem{key: prefix}, func(item memItem) bool {
		if !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		if !m.finalized && item.epoch >= epoch {
			return true
		}
		found = true
		return false
	})
	return found
}
