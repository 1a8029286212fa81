package chainfollow

import (
	"context"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"
)

// OnBlockFunc is invoked once per newly attached block, in topological
// order, by the owner of the pipeline (typically pkg/engine.Machine). It
// must run the component reduce/diff/persist steps and return only after
// they are durably committed; the processor advances the cache head and
// moves to the next block only once this returns successfully. pruned
// lists blocks the cache evicted as a side effect of attaching b; the
// implementation must drop their anchor states in the same commit.
type OnBlockFunc func(ctx context.Context, b *Block, pruned []common.Hash) error

// Processor polls a node for new blocks, fetches missing ancestors across
// shallow reorgs, and drives OnBlockFunc for each newly attached block in
// topological order. See spec.md §4.2.
type Processor struct {
	node     NodeClient
	cache    *BlockCache
	maxDepth uint64
	onBlock  OnBlockFunc
	logger   *log.Logger
}

// NewProcessor creates a Processor. logger may be nil, in which case a
// default stdlib logger is used (matching the teacher's convention).
func NewProcessor(node NodeClient, cache *BlockCache, maxDepth uint64, onBlock OnBlockFunc, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[BlockProcessor] ", log.LstdFlags)
	}
	return &Processor{
		node:     node,
		cache:    cache,
		maxDepth: maxDepth,
		onBlock:  onBlock,
		logger:   logger,
	}
}

// Poll fetches the node's current tip, walks back to find all blocks new
// since the cache's head, and drives OnBlockFunc for each in ascending
// order. It returns ErrDeepReorg if the walk back to an attached ancestor
// would exceed the cache's maxDepth.
func (p *Processor) Poll(ctx context.Context) error {
	tipNumber, err := p.node.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chainfollow: get tip block number: %w", err)
	}

	tip, err := p.fetchBlockByNumber(ctx, tipNumber)
	if err != nil {
		return fmt.Errorf("chainfollow: fetch tip block: %w", err)
	}
	if p.cache.Has(tip.Hash) {
		return nil
	}

	chain, err := p.collectNewBlocks(ctx, tip)
	if err != nil {
		return err
	}

	for _, b := range chain {
		result, pruned := p.cache.AddBlock(b)
		switch result {
		case NotAdded:
			continue
		case AddedDetached:
			// collectNewBlocks only returns ancestry up to an attachable
			// block, so every entry in chain attaches in order; seeing
			// AddedDetached here would indicate a logic error upstream.
			return fmt.Errorf("chainfollow: block %s failed to attach during ordered commit", b.Hash.Hex())
		case Added:
			if err := p.onBlock(ctx, b, pruned); err != nil {
				return fmt.Errorf("chainfollow: commit block %s: %w", b.Hash.Hex(), err)
			}
			p.cache.SetHead(b.Hash)
		}
	}
	return nil
}

// collectNewBlocks walks backward from tip until it reaches a block the
// cache can already attach, returning the walked blocks oldest-first.
func (p *Processor) collectNewBlocks(ctx context.Context, tip *Block) ([]*Block, error) {
	var reversed []*Block
	cur := tip
	for depth := uint64(0); ; depth++ {
		reversed = append(reversed, cur)
		if p.cache.CanAttachBlock(cur) {
			break
		}
		if depth >= p.maxDepth {
			return nil, ErrDeepReorg
		}
		parent, err := p.fetchBlockByHash(ctx, cur.ParentHash)
		if err != nil {
			return nil, fmt.Errorf("chainfollow: fetch ancestor %s: %w", cur.ParentHash.Hex(), err)
		}
		cur = parent
	}

	chain := make([]*Block, len(reversed))
	for i, b := range reversed {
		chain[len(reversed)-1-i] = b
	}
	return chain, nil
}

func (p *Processor) fetchBlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	gb, err := p.node.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	logs, err := p.node.LogsForBlock(ctx, gb.Hash())
	if err != nil {
		return nil, err
	}
	return FromGethBlock(gb, logs), nil
}

func (p *Processor) fetchBlockByHash(ctx context.Context, hash common.Hash) (*Block, error) {
	gb, err := p.node.BlockByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	logs, err := p.node.LogsForBlock(ctx, hash)
	if err != nil {
		return nil, err
	}
	return FromGethBlock(gb, logs), nil
}

// Cache exposes the processor's underlying cache, e.g. for ancestry
// queries from reducers.
func (p *Processor) Cache() *BlockCache {
	return p.cache
}
