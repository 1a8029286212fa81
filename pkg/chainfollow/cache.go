package chainfollow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
)

// AddResult is the outcome of offering a block to the cache.
type AddResult int

const (
	// NotAdded means the block was already present.
	NotAdded AddResult = iota
	// Added means the block is now attached to the bootstrap chain.
	Added
	// AddedDetached means the block was stored but its parent is not
	// (yet) attached.
	AddedDetached
)

type entry struct {
	block    *Block
	attached bool
}

// BlockCache is a bounded, in-memory window of recent blocks with
// attach/detach bookkeeping, ancestor traversal, and head tracking. See
// spec.md §4.1.
type BlockCache struct {
	maxDepth     uint64
	initialDepth uint64 // initialHeight: the bootstrap block's number

	lru  *lru.Cache // common.Hash -> *entry, capacity safety net
	head common.Hash

	maxHeight uint64
	haveHead  bool
}

// NewBlockCache creates a cache bootstrapped at bootstrap (which is
// unconditionally attached — it is the processor's known-good starting
// point).
func NewBlockCache(maxDepth uint64, bootstrap *Block) (*BlockCache, error) {
	if bootstrap == nil {
		return nil, fmt.Errorf("chainfollow: bootstrap block is required")
	}
	// Capacity generously exceeds maxDepth so height-based pruning, not
	// LRU eviction, governs normal operation; the LRU is a backstop against
	// unbounded growth from pathological detached-block floods.
	l, err := lru.New(int(maxDepth)*8 + 64)
	if err != nil {
		return nil, fmt.Errorf("chainfollow: create lru: %w", err)
	}
	c := &BlockCache{
		maxDepth:     maxDepth,
		initialDepth: bootstrap.Number,
		lru:          l,
		maxHeight:    bootstrap.Number,
	}
	l.Add(bootstrap.Hash, &entry{block: bootstrap, attached: true})
	c.head = bootstrap.Hash
	c.haveHead = true
	return c, nil
}

func (c *BlockCache) minHeight() uint64 {
	if c.maxHeight <= c.initialDepth+c.maxDepth {
		return c.initialDepth
	}
	return c.maxHeight - c.maxDepth
}

func (c *BlockCache) getEntry(hash common.Hash) (*entry, bool) {
	v, ok := c.lru.Get(hash)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// CanAttachBlock reports whether b could attach given the cache's current
// contents: either it sits at or below the cache's minimum retained
// height (a bootstrap-equivalent block), or its parent is already attached.
func (c *BlockCache) CanAttachBlock(b *Block) bool {
	if b.Number <= c.minHeight() {
		return true
	}
	if p, ok := c.getEntry(b.ParentHash); ok && p.attached {
		return true
	}
	return false
}

// AddBlock offers b to the cache. See spec.md §4.1 for the attach/detach
// rules and the pruning sweep. The returned hashes are blocks evicted by
// this call's pruning sweep; the caller (pkg/engine.Machine) deletes their
// anchor states and block metadata from the durable store in the same
// commit batch as the new block's own writes.
func (c *BlockCache) AddBlock(b *Block) (AddResult, []common.Hash) {
	if _, ok := c.getEntry(b.Hash); ok {
		return NotAdded, nil
	}

	attached := c.CanAttachBlock(b)
	c.lru.Add(b.Hash, &entry{block: b, attached: attached})

	if attached {
		if b.Number > c.maxHeight {
			c.maxHeight = b.Number
		}
		c.attachDescendantsOf(b.Hash)
		pruned := c.prune()
		return Added, pruned
	}
	return AddedDetached, nil
}

// attachDescendantsOf flips previously-detached descendants of newlyAttached
// to attached, in a single sweep, without re-invoking AddBlock on them.
func (c *BlockCache) attachDescendantsOf(newlyAttached common.Hash) {
	progressed := true
	for progressed {
		progressed = false
		for _, k := range c.lru.Keys() {
			hash := k.(common.Hash)
			e, ok := c.getEntry(hash)
			if !ok || e.attached {
				continue
			}
			if p, ok := c.getEntry(e.block.ParentHash); ok && p.attached {
				e.attached = true
				if e.block.Number > c.maxHeight {
					c.maxHeight = e.block.Number
				}
				progressed = true
			}
		}
	}
}

// prune evicts attached blocks below the cache's minimum retained height
// and returns their hashes so the caller can evict the matching anchor
// states (spec.md §4.1, §4.3: "Anchor state lifecycle ... evicted when
// block leaves the block cache").
func (c *BlockCache) prune() []common.Hash {
	min := c.minHeight()
	var evicted []common.Hash
	for _, k := range c.lru.Keys() {
		hash := k.(common.Hash)
		e, ok := c.getEntry(hash)
		if !ok {
			continue
		}
		if e.block.Number < min && e.block.Number != c.initialDepth {
			c.lru.Remove(hash)
			evicted = append(evicted, hash)
		}
	}
	return evicted
}

// Get returns the block for hash. Reading a non-existent hash is a
// programmer error and panics, per spec.md §4.1.
func (c *BlockCache) Get(hash common.Hash) *Block {
	e, ok := c.getEntry(hash)
	if !ok {
		panic(fmt.Sprintf("chainfollow: Get of unknown block %s", hash.Hex()))
	}
	return e.block
}

// Has reports whether hash is present in the cache (attached or not).
func (c *BlockCache) Has(hash common.Hash) bool {
	_, ok := c.getEntry(hash)
	return ok
}

// IsAttached reports whether hash is present and attached.
func (c *BlockCache) IsAttached(hash common.Hash) bool {
	e, ok := c.getEntry(hash)
	return ok && e.attached
}

// SetHead sets the cache's head pointer. Panics if hash is not attached,
// per spec.md §4.1.
func (c *BlockCache) SetHead(hash common.Hash) {
	e, ok := c.getEntry(hash)
	if !ok || !e.attached {
		panic(fmt.Sprintf("chainfollow: SetHead of unattached block %s", hash.Hex()))
	}
	c.head = hash
	c.haveHead = true
}

// Head returns the current head hash.
func (c *BlockCache) Head() common.Hash {
	return c.head
}

// MaxHeight returns the maximum height among attached blocks.
func (c *BlockCache) MaxHeight() uint64 {
	return c.maxHeight
}

// MinHeight returns the cache's current pruning boundary.
func (c *BlockCache) MinHeight() uint64 {
	return c.minHeight()
}

// Ancestry walks parent pointers from hash (inclusive) until the cache
// boundary, yielding the nearest block first.
func (c *BlockCache) Ancestry(hash common.Hash) []*Block {
	var out []*Block
	cur := hash
	for {
		e, ok := c.getEntry(cur)
		if !ok {
			break
		}
		out = append(out, e.block)
		if e.block.Number <= c.initialDepth {
			break
		}
		cur = e.block.ParentHash
	}
	return out
}

// FindAncestor returns the nearest ancestor of hash (inclusive) satisfying
// pred, at height >= minHeight. Returns nil if none match.
func (c *BlockCache) FindAncestor(hash common.Hash, minHeight uint64, pred func(*Block) bool) *Block {
	for _, b := range c.Ancestry(hash) {
		if b.Number < minHeight {
			break
		}
		if pred(b) {
			return b
		}
	}
	return nil
}
