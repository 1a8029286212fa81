package responder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pisawatch/tower/pkg/store"
)

var (
	prefixQueue = []byte("queue/")
	prefixTx    = []byte("tx/")
)

func queueKey(operator common.Address) []byte {
	return append(append([]byte{}, prefixQueue...), operator.Bytes()...)
}

func txKey(l Locator) []byte {
	return append(append([]byte{}, prefixTx...), l[:]...)
}

// TxSetEntry is what ResponderStore remembers about an appointment the
// multi-responder has accepted: enough to reconstruct a GasQueue request
// and to let the responder reducer seed tracking state for it (spec.md
// §3's tx-set, §4.5).
type TxSetEntry struct {
	Locator         Locator
	Identifier      Identifier
	ObservedAtBlock uint64
	Nonce           uint64
}

type txSetEntryJSON struct {
	Locator         Locator  `json:"locator"`
	ChainID         *big.Int `json:"chainId"`
	To              string   `json:"to"`
	Calldata        []byte   `json:"calldata"`
	Value           *big.Int `json:"value"`
	GasLimit        uint64   `json:"gasLimit"`
	ObservedAtBlock uint64   `json:"observedAtBlock"`
	Nonce           uint64   `json:"nonce"`
}

func (e TxSetEntry) marshal() ([]byte, error) {
	return json.Marshal(txSetEntryJSON{
		Locator:         e.Locator,
		ChainID:         e.Identifier.ChainID,
		To:              e.Identifier.To.Hex(),
		Calldata:        e.Identifier.Calldata,
		Value:           e.Identifier.Value,
		GasLimit:        e.Identifier.GasLimit,
		ObservedAtBlock: e.ObservedAtBlock,
		Nonce:           e.Nonce,
	})
}

func unmarshalTxSetEntry(data []byte) (TxSetEntry, error) {
	var j txSetEntryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return TxSetEntry{}, err
	}
	return TxSetEntry{
		Locator: j.Locator,
		Identifier: Identifier{
			ChainID:  j.ChainID,
			To:       common.HexToAddress(j.To),
			Calldata: j.Calldata,
			Value:    j.Value,
			GasLimit: j.GasLimit,
		},
		ObservedAtBlock: j.ObservedAtBlock,
		Nonce:           j.Nonce,
	}, nil
}

type gasQueueItemJSON struct {
	Request  Request  `json:"request"`
	Nonce    uint64   `json:"nonce"`
	GasPrice *big.Int `json:"gasPrice"`
}

type gasQueueJSON struct {
	Items           []gasQueueItemJSON `json:"items"`
	EmptyNonce      uint64             `json:"emptyNonce"`
	ReplacementRate uint64             `json:"replacementRate"`
	MaxDepth        int                `json:"maxDepth"`
}

func marshalGasQueue(q GasQueue) ([]byte, error) {
	j := gasQueueJSON{EmptyNonce: q.emptyNonce, ReplacementRate: q.replacementRate, MaxDepth: q.maxDepth}
	for _, it := range q.items {
		j.Items = append(j.Items, gasQueueItemJSON{Request: it.Request, Nonce: it.Nonce, GasPrice: it.GasPrice})
	}
	return json.Marshal(j)
}

func unmarshalGasQueue(data []byte) (GasQueue, error) {
	var j gasQueueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return GasQueue{}, err
	}
	q := GasQueue{emptyNonce: j.EmptyNonce, replacementRate: j.ReplacementRate, maxDepth: j.MaxDepth}
	for _, it := range j.Items {
		q.items = append(q.items, GasQueueItem{Request: it.Request, Nonce: it.Nonce, GasPrice: it.GasPrice})
	}
	return q, nil
}

// Store is the ResponderStore of spec.md §2: it owns the operator's gas
// queue snapshot and the set of appointments currently accepted for
// response, persisted so the multi-responder survives restarts.
type Store struct {
	kv store.KV
}

// NewStore wraps kv. Callers construct one Store per (kv) and share it
// between the MultiResponder and the responder reducer.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

// GetQueue returns the persisted queue for operator, or a fresh empty
// queue seeded at emptyNonce if none has been persisted yet.
func (s *Store) GetQueue(operator common.Address, emptyNonce uint64, replacementRate uint64, maxDepth int) (GasQueue, error) {
	raw, err := s.kv.Get(queueKey(operator))
	if err != nil {
		return GasQueue{}, fmt.Errorf("responder: get queue for %s: %w", operator.Hex(), err)
	}
	if raw == nil {
		return NewGasQueue(emptyNonce, replacementRate, maxDepth), nil
	}
	return unmarshalGasQueue(raw)
}

// PutQueue persists q for operator as part of batch.
func (s *Store) PutQueue(batch *store.Batch, operator common.Address, q GasQueue) error {
	data, err := marshalGasQueue(q)
	if err != nil {
		return fmt.Errorf("responder: marshal queue: %w", err)
	}
	return batch.Set(queueKey(operator), data)
}

// PutTxSetEntry records or updates the tx-set entry for e.Locator.
func (s *Store) PutTxSetEntry(batch *store.Batch, e TxSetEntry) error {
	data, err := e.marshal()
	if err != nil {
		return fmt.Errorf("responder: marshal tx-set entry: %w", err)
	}
	return batch.Set(txKey(e.Locator), data)
}

// GetTxSetEntry returns the tx-set entry for locator, or ErrNotFound.
func (s *Store) GetTxSetEntry(locator Locator) (TxSetEntry, error) {
	raw, err := s.kv.Get(txKey(locator))
	if err != nil {
		return TxSetEntry{}, fmt.Errorf("responder: get tx-set entry: %w", err)
	}
	if raw == nil {
		return TxSetEntry{}, store.ErrNotFound
	}
	return unmarshalTxSetEntry(raw)
}

// DeleteTxSetEntry removes the tx-set entry for locator, e.g. on
// EndResponse.
func (s *Store) DeleteTxSetEntry(batch *store.Batch, locator Locator) error {
	return batch.Delete(txKey(locator))
}

// AllTxSetEntries returns every currently-accepted tx-set entry. The
// responder reducer uses this to seed tracking state for appointments it
// has not yet seen (spec.md §4.3.2).
func (s *Store) AllTxSetEntries() ([]TxSetEntry, error) {
	end := store.PrefixEnd(prefixTx)
	it, err := s.kv.Iterator(prefixTx, end)
	if err != nil {
		return nil, fmt.Errorf("responder: iterate tx-set: %w", err)
	}
	defer it.Close()

	var out []TxSetEntry
	for ; it.Valid(); it.Next() {
		if !bytes.HasPrefix(it.Key(), prefixTx) {
			break
		}
		e, err := unmarshalTxSetEntry(it.Value())
		if err != nil {
			return nil, fmt.Errorf("responder: decode tx-set entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
