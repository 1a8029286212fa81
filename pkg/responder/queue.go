package responder

import (
	"fmt"
	"math/big"
)

// GasQueueItem is one outstanding response slot (spec.md §3).
type GasQueueItem struct {
	Request  Request
	Nonce    uint64
	GasPrice *big.Int
}

// GasQueue is a nonce-ordered list of outstanding responses on one
// operator account (spec.md §4.4). It is treated as an immutable value:
// Add and Consume return a new queue rather than mutating the receiver,
// so the multi-responder can diff the old and new queues to decide which
// broadcasts a mutation requires.
type GasQueue struct {
	items           []GasQueueItem
	emptyNonce      uint64
	replacementRate uint64 // percent
	maxDepth        int
}

// NewGasQueue creates an empty queue. emptyNonce is the nonce the next
// item will be assigned (ordinarily the operator account's current
// transaction count). replacementRate is the minimum percentage a new
// gas price must exceed a slot's existing price by to justify a
// replacement broadcast (spec.md's GLOSSARY).
func NewGasQueue(emptyNonce uint64, replacementRate uint64, maxDepth int) GasQueue {
	return GasQueue{emptyNonce: emptyNonce, replacementRate: replacementRate, maxDepth: maxDepth}
}

// Items returns a copy of the queue's contents, head first.
func (q GasQueue) Items() []GasQueueItem {
	out := make([]GasQueueItem, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of outstanding items.
func (q GasQueue) Len() int { return len(q.items) }

// EmptyNonce returns the nonce the next Add will assign if the queue were
// currently empty at the tail (i.e. emptyNonce + Len() is the actual next
// nonce to assign).
func (q GasQueue) EmptyNonce() uint64 { return q.emptyNonce }

// Add computes a new queue with request appended at the tail, then
// applies the replace-by-fee pass (spec.md §4.4): walking backward from
// the new tail, while a slot's price exceeds its predecessor's by at
// least replacementRate percent, their contents (request and gas price)
// swap, bubbling the higher-priced job toward the head. Each swap (and
// the initial append) is a slot whose content changed, i.e. exactly the
// set Difference will report against the pre-Add queue.
func (q GasQueue) Add(request Request, gasPrice *big.Int) (GasQueue, error) {
	if len(q.items) >= q.maxDepth {
		return GasQueue{}, ErrQueueFull
	}

	next := GasQueue{
		items:           append(append([]GasQueueItem{}, q.items...), GasQueueItem{}),
		emptyNonce:      q.emptyNonce,
		replacementRate: q.replacementRate,
		maxDepth:        q.maxDepth,
	}
	tail := len(next.items) - 1
	next.items[tail] = GasQueueItem{
		Request:  request,
		Nonce:    next.emptyNonce + uint64(tail),
		GasPrice: new(big.Int).Set(gasPrice),
	}

	for i := tail; i > 0; i-- {
		pred := next.items[i-1]
		cur := next.items[i]
		if cur.GasPrice.Cmp(replacementThreshold(pred.GasPrice, next.replacementRate)) < 0 {
			break
		}
		next.items[i-1].Request, next.items[i].Request = cur.Request, pred.Request
		next.items[i-1].GasPrice, next.items[i].GasPrice = cur.GasPrice, pred.GasPrice
	}

	if err := next.checkInvariants(); err != nil {
		panic(fmt.Sprintf("responder: gas queue invariant violated after Add: %v", err))
	}
	return next, nil
}

// Consume removes the head item if it matches (identifier, nonce),
// advancing emptyNonce; otherwise it is a no-op (spec.md §4.4: "chain and
// local view disagree transiently; will converge").
func (q GasQueue) Consume(identifier Identifier, nonce uint64) GasQueue {
	if len(q.items) == 0 {
		return q
	}
	head := q.items[0]
	if head.Nonce != nonce || !head.Request.Identifier.Equal(identifier) {
		return q
	}

	next := GasQueue{
		items:           append([]GasQueueItem{}, q.items[1:]...),
		emptyNonce:      q.emptyNonce + 1,
		replacementRate: q.replacementRate,
		maxDepth:        q.maxDepth,
	}
	if err := next.checkInvariants(); err != nil {
		panic(fmt.Sprintf("responder: gas queue invariant violated after Consume: %v", err))
	}
	return next
}

// Difference returns the items in q that differ from the item at the
// same nonce in other — either because other has no item there, or its
// content (identifier or gas price) differs. This is how the
// multi-responder decides which slots to (re)broadcast after a mutation.
func (q GasQueue) Difference(other GasQueue) []GasQueueItem {
	byNonce := make(map[uint64]GasQueueItem, len(other.items))
	for _, it := range other.items {
		byNonce[it.Nonce] = it
	}

	var out []GasQueueItem
	for _, it := range q.items {
		prior, ok := byNonce[it.Nonce]
		if !ok || !prior.Request.Identifier.Equal(it.Request.Identifier) || prior.GasPrice.Cmp(it.GasPrice) != 0 {
			out = append(out, it)
		}
	}
	return out
}

// ItemForLocator returns the item currently queued for locator, if any.
// The replace-by-fee pass can move a request to a different nonce slot
// than the one Add originally assigned it, so callers that need to know
// where a particular appointment landed look it up by locator rather
// than assuming its position.
func (q GasQueue) ItemForLocator(locator Locator) (GasQueueItem, bool) {
	for _, it := range q.items {
		if it.Request.Locator == locator {
			return it, true
		}
	}
	return GasQueueItem{}, false
}

// replacementThreshold returns the minimum price that justifies a
// replace-by-fee swap over a slot currently priced at predPrice: predPrice
// scaled by (100+rate)/100, per spec.md §4.4's "exceeds ... by >= rate
// percent".
func replacementThreshold(predPrice *big.Int, rate uint64) *big.Int {
	t := new(big.Int).Mul(predPrice, big.NewInt(int64(100+rate)))
	return t.Div(t, big.NewInt(100))
}

// checkInvariants verifies I1 (contiguous nonces from emptyNonce), I2
// (no adjacent pair priced far enough apart that Add's replace-by-fee
// pass should have swapped them — a successor strictly below
// replacementThreshold of its predecessor is allowed to price higher
// than its predecessor, per spec.md S3: "no replacement" is a valid
// steady state, not just ties or strict decrease), and I3 (length
// bounded by maxDepth). A violation is a programmer error per spec.md
// §4.4, not a condition callers are expected to handle.
func (q GasQueue) checkInvariants() error {
	if len(q.items) > q.maxDepth {
		return fmt.Errorf("length %d exceeds maxDepth %d", len(q.items), q.maxDepth)
	}
	for i, it := range q.items {
		wantNonce := q.emptyNonce + uint64(i)
		if it.Nonce != wantNonce {
			return fmt.Errorf("item %d has nonce %d, want %d", i, it.Nonce, wantNonce)
		}
		if i > 0 {
			pred := q.items[i-1]
			if it.GasPrice.Cmp(replacementThreshold(pred.GasPrice, q.replacementRate)) >= 0 {
				return fmt.Errorf("item %d gas price %s should have replaced predecessor %s (rate %d%%)", i, it.GasPrice, pred.GasPrice, q.replacementRate)
			}
		}
	}
	return nil
}
