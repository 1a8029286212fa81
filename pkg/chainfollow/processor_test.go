package chainfollow

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeNode is an in-memory NodeClient used to simulate a chain, including
// reorgs, without a live node. Headers use GasLimit as a nonce so that
// otherwise-identical headers at the same height produce distinct hashes,
// letting tests build competing forks.
type fakeNode struct {
	byHash   map[common.Hash]*types.Block
	byNumber map[uint64]common.Hash // current canonical view
	tip      uint64
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		byHash:   make(map[common.Hash]*types.Block),
		byNumber: make(map[uint64]common.Hash),
	}
}

// push appends a block at number with the given parent and a distinguishing
// nonce, records it as the canonical block at that height, and returns its
// real (geth-computed) hash.
func (f *fakeNode) push(number uint64, parent common.Hash, nonce uint64) common.Hash {
	header := &types.Header{
		ParentHash: parent,
		Number:     new(big.Int).SetUint64(number),
		GasLimit:   nonce,
	}
	b := types.NewBlockWithHeader(header)
	h := b.Hash()
	f.byHash[h] = b
	f.byNumber[number] = h
	if number > f.tip {
		f.tip = number
	}
	return h
}

// setTipNumber sets the height BlockNumber reports to number. It leaves
// byNumber and byHash untouched, so blocks above number stay fetchable.
func (f *fakeNode) setTipNumber(number uint64) {
	f.tip = number
}

func (f *fakeNode) BlockNumber(ctx context.Context) (uint64, error) {
	return f.tip, nil
}

func (f *fakeNode) BlockByHash(ctx context.Context, h common.Hash) (*types.Block, error) {
	b, ok := f.byHash[h]
	if !ok {
		return nil, fmt.Errorf("fakeNode: unknown hash %s", h.Hex())
	}
	return b, nil
}

func (f *fakeNode) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	h, ok := f.byNumber[number]
	if !ok {
		return nil, fmt.Errorf("fakeNode: unknown number %d", number)
	}
	return f.byHash[h], nil
}

func (f *fakeNode) LogsForBlock(ctx context.Context, h common.Hash) ([]types.Log, error) {
	return nil, nil
}

func TestProcessorPollLinear(t *testing.T) {
	node := newFakeNode()
	genesisHash := node.push(0, common.Hash{}, 0)

	genesis, err := (&Processor{node: node}).fetchBlockByNumber(context.Background(), 0)
	if err != nil {
		t.Fatalf("fetch genesis: %v", err)
	}
	cache, err := NewBlockCache(10, genesis)
	if err != nil {
		t.Fatalf("NewBlockCache: %v", err)
	}

	var committed []uint64
	onBlock := func(ctx context.Context, b *Block, pruned []common.Hash) error {
		committed = append(committed, b.Number)
		return nil
	}
	p := NewProcessor(node, cache, 10, onBlock, log.Default())

	h1 := node.push(1, genesisHash, 0)
	node.push(2, h1, 0)

	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(committed) != 2 || committed[0] != 1 || committed[1] != 2 {
		t.Fatalf("committed = %v, want [1 2]", committed)
	}
	if cache.Head() != cache.Get(node.byNumber[2]).Hash {
		t.Fatal("head should be the new tip after Poll")
	}

	// Second Poll with nothing new committed is a no-op.
	committed = nil
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if len(committed) != 0 {
		t.Fatalf("committed = %v, want none on a repeat Poll", committed)
	}
}

func TestProcessorPollShallowReorg(t *testing.T) {
	node := newFakeNode()
	genesisHash := node.push(0, common.Hash{}, 0)
	genesis, _ := (&Processor{node: node}).fetchBlockByNumber(context.Background(), 0)
	cache, _ := NewBlockCache(10, genesis)

	var committed []common.Hash
	onBlock := func(ctx context.Context, b *Block, pruned []common.Hash) error {
		committed = append(committed, b.Hash)
		return nil
	}
	p := NewProcessor(node, cache, 10, onBlock, log.Default())

	h1a := node.push(1, genesisHash, 1)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(committed) != 1 || committed[0] != h1a {
		t.Fatalf("expected fork A's block 1 committed first")
	}

	// Competing fork B replaces height 1 and extends to height 2; Poll must
	// detect the reorg, walk back to the shared parent (genesis), and
	// deliver fork B's blocks in order.
	h1b := node.push(1, genesisHash, 2)
	node.push(2, h1b, 0)
	node.setTipNumber(2)
	// node.byNumber[1] now points at h1b; re-pointing is implicit since
	// push always overwrites byNumber[number].

	committed = nil
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll after reorg: %v", err)
	}
	if len(committed) != 2 || committed[0] != h1b {
		t.Fatalf("committed = %v, want fork B's [1 2]", committed)
	}
}

func TestProcessorPollDeepReorgFails(t *testing.T) {
	node := newFakeNode()
	genesisHash := node.push(0, common.Hash{}, 0)
	genesis, _ := (&Processor{node: node}).fetchBlockByNumber(context.Background(), 0)
	cache, _ := NewBlockCache(1, genesis) // maxDepth=1

	onBlock := func(ctx context.Context, b *Block, pruned []common.Hash) error { return nil }
	p := NewProcessor(node, cache, 1, onBlock, log.Default())

	h1 := node.push(1, genesisHash, 1)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("initial Poll at height 1: %v", err)
	}
	h2 := node.push(2, h1, 1)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("initial Poll at height 2: %v", err)
	}
	node.push(3, h2, 1)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("initial Poll at height 3: %v", err)
	}

	// Fork diverges at genesis and climbs one block past the old tip, so
	// the walk-back needs more hops than maxDepth to find a block the
	// cache already has attached; it must fail with ErrDeepReorg rather
	// than silently treating the fork as finalized.
	h1b := node.push(1, genesisHash, 2)
	h2b := node.push(2, h1b, 2)
	h3b := node.push(3, h2b, 2)
	node.push(4, h3b, 2)

	if err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected ErrDeepReorg")
	}
}
