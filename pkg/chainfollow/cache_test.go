package chainfollow

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func hash(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func block(number uint64, self, parent byte) *Block {
	return &Block{Hash: hash(self), ParentHash: hash(parent), Number: number}
}

func mustCache(t *testing.T, maxDepth uint64, bootstrap *Block) *BlockCache {
	t.Helper()
	c, err := NewBlockCache(maxDepth, bootstrap)
	if err != nil {
		t.Fatalf("NewBlockCache: %v", err)
	}
	return c
}

func TestBlockCacheLinearAttach(t *testing.T) {
	c := mustCache(t, 10, block(0, 0, 0))

	b1 := block(1, 1, 0)
	if res, pruned := c.AddBlock(b1); res != Added || pruned != nil {
		t.Fatalf("AddBlock(b1) = %v, %v; want Added, nil", res, pruned)
	}
	c.SetHead(b1.Hash)

	if !c.IsAttached(b1.Hash) {
		t.Fatal("b1 should be attached")
	}
	if c.MaxHeight() != 1 {
		t.Fatalf("MaxHeight = %d, want 1", c.MaxHeight())
	}
}

func TestBlockCacheOutOfOrderAttach(t *testing.T) {
	c := mustCache(t, 10, block(0, 0, 0))

	b2 := block(2, 2, 1) // parent (hash 1) not yet known
	if res, _ := c.AddBlock(b2); res != AddedDetached {
		t.Fatalf("AddBlock(b2) = %v, want AddedDetached", res)
	}
	if c.IsAttached(b2.Hash) {
		t.Fatal("b2 should not be attached yet")
	}

	b1 := block(1, 1, 0)
	if res, _ := c.AddBlock(b1); res != Added {
		t.Fatalf("AddBlock(b1) = %v, want Added", res)
	}

	if !c.IsAttached(b2.Hash) {
		t.Fatal("b2 should have attached as a descendant of b1")
	}
	if c.MaxHeight() != 2 {
		t.Fatalf("MaxHeight = %d, want 2", c.MaxHeight())
	}
}

func TestBlockCacheDuplicateIsNotAdded(t *testing.T) {
	c := mustCache(t, 10, block(0, 0, 0))
	b1 := block(1, 1, 0)
	if res, _ := c.AddBlock(b1); res != Added {
		t.Fatalf("first add = %v, want Added", res)
	}
	if res, _ := c.AddBlock(b1); res != NotAdded {
		t.Fatalf("second add = %v, want NotAdded", res)
	}
}

func TestBlockCachePruneBelowMinHeight(t *testing.T) {
	c := mustCache(t, 2, block(0, 0, 0))

	var pruned []common.Hash
	for i := byte(1); i <= 5; i++ {
		b := block(uint64(i), i, i-1)
		res, p := c.AddBlock(b)
		if res != Added {
			t.Fatalf("AddBlock(height %d) = %v, want Added", i, res)
		}
		c.SetHead(b.Hash)
		pruned = append(pruned, p...)
	}

	// maxHeight=5, maxDepth=2 -> minHeight=3; heights 1 and 2 should have
	// been pruned (height 0, the bootstrap, is always retained).
	if c.Has(hash(1)) {
		t.Fatal("height 1 should have been pruned")
	}
	if c.Has(hash(2)) {
		t.Fatal("height 2 should have been pruned")
	}
	if !c.Has(hash(0)) {
		t.Fatal("bootstrap block must never be pruned")
	}
	if !c.Has(hash(3)) || !c.Has(hash(4)) || !c.Has(hash(5)) {
		t.Fatal("blocks within maxDepth of the head must be retained")
	}
	if len(pruned) != 2 {
		t.Fatalf("pruned = %v, want 2 hashes", pruned)
	}
}

func TestBlockCacheAncestryAndFindAncestor(t *testing.T) {
	c := mustCache(t, 10, block(0, 0, 0))
	for i := byte(1); i <= 3; i++ {
		b := block(uint64(i), i, i-1)
		c.AddBlock(b)
		c.SetHead(b.Hash)
	}

	anc := c.Ancestry(hash(3))
	if len(anc) != 4 {
		t.Fatalf("Ancestry length = %d, want 4", len(anc))
	}
	if anc[0].Hash != hash(3) || anc[3].Hash != hash(0) {
		t.Fatal("Ancestry must run nearest-first back to the bootstrap")
	}

	found := c.FindAncestor(hash(3), 0, func(b *Block) bool { return b.Number == 1 })
	if found == nil || found.Hash != hash(1) {
		t.Fatal("FindAncestor should locate height 1")
	}

	notFound := c.FindAncestor(hash(3), 2, func(b *Block) bool { return b.Number == 1 })
	if notFound != nil {
		t.Fatal("FindAncestor should not cross below the minHeight floor")
	}
}

func TestBlockCacheGetUnknownPanics(t *testing.T) {
	c := mustCache(t, 10, block(0, 0, 0))
	defer func() {
		if recover() == nil {
			t.Fatal("Get of unknown hash should panic")
		}
	}()
	c.Get(hash(99))
}

func TestBlockCacheSetHeadUnattachedPanics(t *testing.T) {
	c := mustCache(t, 10, block(0, 0, 0))
	b2 := block(2, 2, 1)
	c.AddBlock(b2)
	defer func() {
		if recover() == nil {
			t.Fatal("SetHead of an unattached hash should panic")
		}
	}()
	c.SetHead(b2.Hash)
}
