package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Engine owns the BadgerDB instance and the id sequences. Every read
// transaction pins a snapshot, so iterators see a stable view regardless of
// concurrent commits; write conflicts surface at commit.
type Engine struct {
	db     *badger.DB
	relSeq *badger.Sequence
	txSeq  *badger.Sequence
}

// ErrConflict is returned by Commit when another transaction wrote a key
// this one read.
var ErrConflict = errors.New("transaction conflict, please retry")

const seqBandwidth = 128

// Open opens (or creates) a database directory.
func Open(path string) (*Engine, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	return openWith(opts)
}

// OpenInMemory backs the engine with memory only; used by tests and
// ephemeral sessions.
func OpenInMemory() (*Engine, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return openWith(opts)
}

func openWith(opts badger.Options) (*Engine, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	relSeq, err := db.GetSequence(catalogSeqKey("rel"), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening relation id sequence: %w", err)
	}
	txSeq, err := db.GetSequence(catalogSeqKey("tx"), seqBandwidth)
	if err != nil {
		relSeq.Release()
		db.Close()
		return nil, fmt.Errorf("opening tx id sequence: %w", err)
	}
	eng := &Engine{db: db, relSeq: relSeq, txSeq: txSeq}
	if err := eng.ensureFirstRelID(); err != nil {
		eng.Close()
		return nil, err
	}
	return eng, nil
}

// ensureFirstRelID burns sequence values until user relations start at a
// non-zero id: id 0 is the system keyspace.
func (e *Engine) ensureFirstRelID() error {
	for {
		peek, err := e.relSeq.Next()
		if err != nil {
			return err
		}
		if peek > 0 {
			// value is consumed; ids simply start past this point
			return nil
		}
	}
}

// Close releases the sequences and the underlying store.
func (e *Engine) Close() error {
	if e.relSeq != nil {
		_ = e.relSeq.Release()
	}
	if e.txSeq != nil {
		_ = e.txSeq.Release()
	}
	return e.db.Close()
}

// Compact runs a value-log garbage collection pass. A no-op result is not an
// error.
func (e *Engine) Compact() error {
	err := e.db.RunValueLogGC(0.5)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// NewTx starts a transaction. Writable transactions allocate an origin tx id
// recorded in every row they write.
func (e *Engine) NewTx(writable bool) (*Tx, error) {
	tx := &Tx{
		engine:   e,
		btx:      e.db.NewTransaction(writable),
		writable: writable,
		cache:    map[string]*RelationMeta{},
	}
	if writable {
		id, err := e.txSeq.Next()
		if err != nil {
			tx.Discard()
			return nil, fmt.Errorf("allocating tx id: %w", err)
		}
		tx.id = id + 1
	}
	return tx, nil
}

// NextRelID allocates a fresh relation id.
func (e *Engine) NextRelID() (uint32, error) {
	id, err := e.relSeq.Next()
	if err != nil {
		return 0, fmt.Errorf("allocating relation id: %w", err)
	}
	return uint32(id), nil
}
