package responder

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pisawatch/tower/pkg/chainfollow"
	"github.com/pisawatch/tower/pkg/engine"
	"github.com/pisawatch/tower/pkg/metrics"
	"github.com/pisawatch/tower/pkg/store"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, id Identifier) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      id.GasLimit,
		To:       &id.To,
		Value:    id.Value,
		Data:     id.Calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return signed
}

func testBlock(number uint64, hash, parent byte, txs ...*types.Transaction) *chainfollow.Block {
	var h, p common.Hash
	h[31] = hash
	p[31] = parent
	return &chainfollow.Block{Hash: h, ParentHash: p, Number: number, Transactions: types.Transactions(txs)}
}

func newCacheWithBootstrap(t *testing.T, maxDepth uint64) *chainfollow.BlockCache {
	t.Helper()
	c, err := chainfollow.NewBlockCache(maxDepth, testBlock(0, 0, 0))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestResponderReducerPendingToMinedToConfirmed(t *testing.T) {
	key := mustKey(t)
	chainID := big.NewInt(1)
	operator := crypto.PubkeyToAddress(key.PublicKey)

	kv := store.NewAdapter(dbm.NewMemDB())
	txSet := NewStore(kv)
	cache := newCacheWithBootstrap(t, 10)
	r := NewReducer(txSet, cache, chainID, operator, 2, nil)

	target := common.HexToAddress("0xbeef")
	id := Identifier{ChainID: chainID, To: target, Calldata: []byte{0x01}, Value: big.NewInt(0), GasLimit: 50000}
	var locator Locator
	locator[31] = 9

	batch := kv.NewBatch()
	if err := txSet.PutTxSetEntry(&batch, TxSetEntry{Locator: locator, Identifier: id, ObservedAtBlock: 0, Nonce: 0}); err != nil {
		t.Fatalf("seed tx-set entry: %v", err)
	}
	batch.Commit()

	prev, err := r.InitialState()
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}

	// Block 1: no matching tx yet, entry seeds as Pending.
	b1 := testBlock(1, 1, 0)
	cache.AddBlock(b1)
	s1, err := r.Reduce(prev, b1)
	if err != nil {
		t.Fatalf("reduce b1: %v", err)
	}
	if e := s1.(AnchorState).Entries[locator]; e.State != StatePending {
		t.Fatalf("after b1 state = %v, want Pending", e.State)
	}

	// Block 2: matching, operator-signed tx appears -> Mined.
	tx := signedTx(t, key, chainID, 0, id)
	b2 := testBlock(2, 2, 1, tx)
	cache.AddBlock(b2)
	s2, err := r.Reduce(s1, b2)
	if err != nil {
		t.Fatalf("reduce b2: %v", err)
	}
	e2 := s2.(AnchorState).Entries[locator]
	if e2.State != StateMined {
		t.Fatalf("after b2 state = %v, want Mined", e2.State)
	}
	intents, err := r.DetectChanges(s1, s2)
	if err != nil {
		t.Fatalf("detect changes b1->b2: %v", err)
	}
	if len(intents) != 2 || intents[0].Kind != engine.ActionTxMined || intents[1].Kind != engine.ActionCheckResponderBalance {
		t.Fatalf("intents b1->b2 = %+v, want [TxMined, CheckResponderBalance]", intents)
	}

	// Block 3: one confirmation, not yet enough (need 2).
	b3 := testBlock(3, 3, 2)
	cache.AddBlock(b3)
	s3, err := r.Reduce(s2, b3)
	if err != nil {
		t.Fatalf("reduce b3: %v", err)
	}
	if e := s3.(AnchorState).Entries[locator]; e.State != StateMined {
		t.Fatalf("after b3 state = %v, want still Mined (1 confirmation)", e.State)
	}

	// Block 4: two confirmations -> Confirmed, EndResponse fires.
	b4 := testBlock(4, 4, 3)
	cache.AddBlock(b4)
	s4, err := r.Reduce(s3, b4)
	if err != nil {
		t.Fatalf("reduce b4: %v", err)
	}
	if e := s4.(AnchorState).Entries[locator]; e.State != StateConfirmed {
		t.Fatalf("after b4 state = %v, want Confirmed", e.State)
	}
	intents, err = r.DetectChanges(s3, s4)
	if err != nil {
		t.Fatalf("detect changes b3->b4: %v", err)
	}
	if len(intents) != 1 || intents[0].Kind != engine.ActionEndResponse {
		t.Fatalf("intents b3->b4 = %+v, want [EndResponse]", intents)
	}
}

// TestResponderReducerReorgEvictsMinedTx traces S4: a mined transaction
// whose block is no longer in the new chain's ancestry reverts to
// Pending and triggers ReEnqueueMissingItems.
func TestResponderReducerReorgEvictsMinedTx(t *testing.T) {
	key := mustKey(t)
	chainID := big.NewInt(1)
	operator := crypto.PubkeyToAddress(key.PublicKey)

	kv := store.NewAdapter(dbm.NewMemDB())
	txSet := NewStore(kv)
	cache := newCacheWithBootstrap(t, 10)
	reg := metrics.New()
	r := NewReducer(txSet, cache, chainID, operator, 5, reg)

	target := common.HexToAddress("0xbeef")
	id := Identifier{ChainID: chainID, To: target, Calldata: []byte{0x02}, Value: big.NewInt(0), GasLimit: 50000}
	var locator Locator
	locator[31] = 7

	batch := kv.NewBatch()
	txSet.PutTxSetEntry(&batch, TxSetEntry{Locator: locator, Identifier: id, ObservedAtBlock: 0, Nonce: 0})
	batch.Commit()

	prev, _ := r.InitialState()
	b1 := testBlock(1, 1, 0)
	cache.AddBlock(b1)
	s1, _ := r.Reduce(prev, b1)

	tx := signedTx(t, key, chainID, 0, id)
	b51 := testBlock(2, 51, 1, tx)
	cache.AddBlock(b51)
	s51, err := r.Reduce(s1, b51)
	if err != nil {
		t.Fatalf("reduce b51: %v", err)
	}
	if e := s51.(AnchorState).Entries[locator]; e.State != StateMined {
		t.Fatalf("after b51 state = %v, want Mined", e.State)
	}

	// Reorg: a sibling block 51' (same height, different hash, same
	// parent) arrives lacking the mined tx, and becomes the new tip.
	b51Prime := testBlock(2, 52, 1)
	cache.AddBlock(b51Prime)
	s51Prime, err := r.Reduce(s1, b51Prime)
	if err != nil {
		t.Fatalf("reduce b51': %v", err)
	}
	e := s51Prime.(AnchorState).Entries[locator]
	if e.State != StatePending {
		t.Fatalf("after reorg state = %v, want Pending", e.State)
	}

	intents, err := r.DetectChanges(s51, s51Prime)
	if err != nil {
		t.Fatalf("detect changes across reorg: %v", err)
	}
	if len(intents) != 1 || intents[0].Kind != engine.ActionReEnqueueMissingItems {
		t.Fatalf("intents across reorg = %+v, want [ReEnqueueMissingItems]", intents)
	}

	if got := testutil.ToFloat64(reg.Reorgs); got != 1 {
		t.Fatalf("reorgs counter = %v, want 1", got)
	}
}

// TestResponderReducerLateObservationStaysPending traces S5: a matching
// transaction mined before the appointment's own ObservedAtBlock must not
// be mistaken for our own broadcast.
func TestResponderReducerLateObservationStaysPending(t *testing.T) {
	key := mustKey(t)
	chainID := big.NewInt(1)
	operator := crypto.PubkeyToAddress(key.PublicKey)

	kv := store.NewAdapter(dbm.NewMemDB())
	txSet := NewStore(kv)
	cache := newCacheWithBootstrap(t, 10)
	r := NewReducer(txSet, cache, chainID, operator, 5, nil)

	target := common.HexToAddress("0xbeef")
	id := Identifier{ChainID: chainID, To: target, Calldata: []byte{0x03}, Value: big.NewInt(0), GasLimit: 50000}
	var locator Locator
	locator[31] = 3

	// ObservedAtBlock is 200: we only ever accepted this appointment once
	// the chain reached block 200. A block at height 1 carrying a
	// matching, operator-signed tx predates that and must not count.
	batch := kv.NewBatch()
	txSet.PutTxSetEntry(&batch, TxSetEntry{Locator: locator, Identifier: id, ObservedAtBlock: 200, Nonce: 0})
	batch.Commit()

	prev, _ := r.InitialState()
	tx := signedTx(t, key, chainID, 0, id)
	b := testBlock(1, 1, 0, tx)
	cache.AddBlock(b)

	s, err := r.Reduce(prev, b)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	e := s.(AnchorState).Entries[locator]
	if e.State != StatePending {
		t.Fatalf("state = %v, want Pending (block predates ObservedAtBlock)", e.State)
	}
}
