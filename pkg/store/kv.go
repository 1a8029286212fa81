// Package store is the durable persistence layer: a single embedded KV
// database holding block metadata, component anchor states, the pending
// action log, the gas queue, in-flight transactions, and appointments. See
// spec.md §5 and §6 for the key families and commit discipline.
package store

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KV is the narrow interface the rest of this package depends on, kept
// separate from dbm.DB so store's callers (and tests) aren't coupled to
// CometBFT's database package directly.
type KV interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Iterator(start, end []byte) (Iterator, error)
	NewBatch() Batch
	Close() error
}

// Iterator walks a key range in ascending order.
type Iterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Close() error
}

// Batch accumulates writes for one atomic commit. Every mutation made by
// this package goes through exactly one Batch per block, per spec.md §5's
// single-writer, single-batch-per-commit discipline; there are no nested
// batches.
type Batch struct {
	dbBatch dbm.Batch
}

// Set stages a key/value write.
func (b *Batch) Set(key, value []byte) error {
	return b.dbBatch.Set(key, value)
}

// Delete stages a key removal.
func (b *Batch) Delete(key []byte) error {
	return b.dbBatch.Delete(key)
}

// Commit durably writes every staged mutation. It calls WriteSync so the
// batch is fsynced before returning, matching the teacher's SetSync
// convention for commit-time writes.
func (b *Batch) Commit() error {
	defer b.dbBatch.Close()
	return b.dbBatch.WriteSync()
}

// Adapter wraps a CometBFT dbm.DB and exposes the store.KV interface,
// grounded on the teacher's pkg/kvdb.KVAdapter (which does the same for
// pkg/ledger.KV).
type Adapter struct {
	db dbm.DB
}

// NewAdapter wraps db. Use dbm.NewGoLevelDB for a production instance or
// dbm.NewMemDB for tests.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

func (a *Adapter) Get(key []byte) ([]byte, error) {
	return a.db.Get(key)
}

func (a *Adapter) Has(key []byte) (bool, error) {
	return a.db.Has(key)
}

func (a *Adapter) Iterator(start, end []byte) (Iterator, error) {
	return a.db.Iterator(start, end)
}

func (a *Adapter) NewBatch() Batch {
	return Batch{dbBatch: a.db.NewBatch()}
}

func (a *Adapter) Close() error {
	return a.db.Close()
}
