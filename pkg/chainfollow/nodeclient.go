package chainfollow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NodeClient is the read-only subset of the node RPC the block processor
// needs (spec.md §6 Node RPC). pkg/ethrpc.Client implements this against a
// live go-ethereum node; tests implement it with an in-memory fake.
type NodeClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	// LogsForBlock returns the logs emitted within the given block.
	LogsForBlock(ctx context.Context, hash common.Hash) ([]types.Log, error)
}
