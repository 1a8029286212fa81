// Package chainfollow linearizes the canonical chain from a noisy node API
// into a stable, reorg-aware sequence of committed blocks.
package chainfollow

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block is the chain-follower's view of a block: just enough to drive the
// reducers without pulling in full transaction bodies unless asked for.
type Block struct {
	Hash              common.Hash
	ParentHash        common.Hash
	Number            uint64
	TransactionHashes []common.Hash
	Logs              []types.Log
	Transactions      types.Transactions // nil unless fetched with bodies
}

// FromGethBlock builds a Block from a go-ethereum *types.Block plus the
// logs observed for it (logs are fetched separately via eth_getLogs since
// types.Block itself carries no receipts).
func FromGethBlock(b *types.Block, logs []types.Log) *Block {
	txHashes := make([]common.Hash, len(b.Transactions()))
	for i, tx := range b.Transactions() {
		txHashes[i] = tx.Hash()
	}
	return &Block{
		Hash:              b.Hash(),
		ParentHash:        b.ParentHash(),
		Number:            b.NumberU64(),
		TransactionHashes: txHashes,
		Logs:              logs,
		Transactions:      b.Transactions(),
	}
}

// Equal reports whether two blocks describe the same chain content. Per
// the data-model invariant, any two blocks sharing a hash must be equal
// field-wise. It compares Hash, ParentHash, Number and TransactionHashes;
// Logs and Transactions are not compared.
func (b *Block) Equal(o *Block) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.Hash != o.Hash || b.ParentHash != o.ParentHash || b.Number != o.Number {
		return false
	}
	if len(b.TransactionHashes) != len(o.TransactionHashes) {
		return false
	}
	for i := range b.TransactionHashes {
		if b.TransactionHashes[i] != o.TransactionHashes[i] {
			return false
		}
	}
	return true
}
