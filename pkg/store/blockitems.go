package store

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BlockMeta is the durable record of a cached block: its hash linkage,
// height and transaction hashes. A block's logs and transaction bodies
// are not stored.
type BlockMeta struct {
	Hash              common.Hash   `json:"hash"`
	ParentHash        common.Hash   `json:"parentHash"`
	Number            uint64        `json:"number"`
	TransactionHashes []common.Hash `json:"transactionHashes"`
}

// BlockItemStore persists per-block metadata and per-component anchor
// state snapshots, grounded on the teacher's pkg/ledger.LedgerStore (same
// byte-prefixed key layout, JSON encoding, and batch-scoped writes).
//
// CONCURRENCY: like the teacher's LedgerStore, BlockItemStore assumes
// single-writer access from the block processor's commit path; concurrent
// readers (e.g. RPC handlers) must go through their own synchronization if
// added later.
type BlockItemStore struct {
	kv KV
}

// NewBlockItemStore wraps kv.
func NewBlockItemStore(kv KV) *BlockItemStore {
	return &BlockItemStore{kv: kv}
}

// PutBlock stages meta's write within batch.
func (s *BlockItemStore) PutBlock(batch *Batch, meta BlockMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: marshal block meta: %w", err)
	}
	return batch.Set(blockKey(meta.Hash), b)
}

// GetBlock returns the stored metadata for hash, or ErrNotFound.
func (s *BlockItemStore) GetBlock(hash common.Hash) (BlockMeta, error) {
	b, err := s.kv.Get(blockKey(hash))
	if err != nil {
		return BlockMeta{}, fmt.Errorf("store: get block %s: %w", hash.Hex(), err)
	}
	if len(b) == 0 {
		return BlockMeta{}, ErrNotFound
	}
	var meta BlockMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return BlockMeta{}, fmt.Errorf("store: unmarshal block meta %s: %w", hash.Hex(), err)
	}
	return meta, nil
}

// DeleteBlock stages removal of a block's metadata, e.g. when the cache
// prunes it.
func (s *BlockItemStore) DeleteBlock(batch *Batch, hash common.Hash) error {
	return batch.Delete(blockKey(hash))
}

// PutAnchor stages a component's anchor state snapshot for hash, encoded
// by the caller (typically engine.Reducer.EncodeState).
func (s *BlockItemStore) PutAnchor(batch *Batch, component string, hash common.Hash, data []byte) error {
	return batch.Set(anchorKey(component, hash), data)
}

// GetAnchor returns the raw anchor bytes for (component, hash), or
// (nil, false, nil) if absent — callers use absence to decide whether to
// fall back to the reducer's InitialState.
func (s *BlockItemStore) GetAnchor(component string, hash common.Hash) ([]byte, bool, error) {
	b, err := s.kv.Get(anchorKey(component, hash))
	if err != nil {
		return nil, false, fmt.Errorf("store: get anchor %s/%s: %w", component, hash.Hex(), err)
	}
	if len(b) == 0 {
		return nil, false, nil
	}
	return b, true, nil
}

// DeleteAnchor stages removal of a component's anchor state for hash.
func (s *BlockItemStore) DeleteAnchor(batch *Batch, component string, hash common.Hash) error {
	return batch.Delete(anchorKey(component, hash))
}

// PruneBlock stages removal of a block's metadata and every component's
// anchor state for it in one call, for use when chainfollow evicts a
// block from its cache (spec.md §4.1, §4.3).
func (s *BlockItemStore) PruneBlock(batch *Batch, hash common.Hash, components []string) error {
	if err := s.DeleteBlock(batch, hash); err != nil {
		return err
	}
	for _, c := range components {
		if err := s.DeleteAnchor(batch, c, hash); err != nil {
			return err
		}
	}
	return nil
}
