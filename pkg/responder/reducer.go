package responder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pisawatch/tower/pkg/chainfollow"
	"github.com/pisawatch/tower/pkg/engine"
	"github.com/pisawatch/tower/pkg/metrics"
)

// ResponseState is the per-appointment lifecycle the responder reducer
// tracks (spec.md §4.3.2).
type ResponseState int

const (
	StatePending ResponseState = iota
	StateMined
	StateConfirmed
)

func (s ResponseState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateMined:
		return "mined"
	case StateConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

type responderEntry struct {
	State           ResponseState
	Identifier      Identifier
	ObservedAtBlock uint64
	Nonce           uint64
	MinedBlockHash  common.Hash
	MinedBlockNum   uint64
}

// AnchorState is the responder component's per-block snapshot: the
// tracked state of every appointment the multi-responder has accepted.
type AnchorState struct {
	Entries map[Locator]responderEntry
}

func cloneEntries(e map[Locator]responderEntry) map[Locator]responderEntry {
	out := make(map[Locator]responderEntry, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Reducer implements engine.Reducer for the responder component
// (spec.md §4.3.2). It watches, for every appointment the multi-responder
// has accepted, whether the operator's response transaction has been
// mined and then confirmed, and whether a reorg has evicted a
// previously-mined transaction.
//
// Which appointments to track cannot be derived from block content alone
// (the multi-responder accepts them out of band, via the StartResponse
// dispatch this same engine drives) so Reduce consults txSet for newly
// accepted entries. This is safe under the single-pipeline discipline of
// spec.md §5: nothing else mutates the tx-set while a block is being
// reduced.
type Reducer struct {
	txSet                 *Store
	cache                 *chainfollow.BlockCache
	chainID               *big.Int
	operator              common.Address
	confirmationsRequired uint64
	metrics               *metrics.Registry
}

// NewReducer builds the responder reducer. cache must be the same
// BlockCache the owning chainfollow.Processor mutates, so ancestry
// lookups inside Reduce see next already attached. reg is optional; nil
// disables instrumentation.
func NewReducer(txSet *Store, cache *chainfollow.BlockCache, chainID *big.Int, operator common.Address, confirmationsRequired uint64, reg *metrics.Registry) *Reducer {
	return &Reducer{
		txSet:                 txSet,
		cache:                 cache,
		chainID:               chainID,
		operator:              operator,
		confirmationsRequired: confirmationsRequired,
		metrics:               reg,
	}
}

func (r *Reducer) Name() string { return "responder" }

func (r *Reducer) InitialState() (engine.AnchorState, error) {
	return AnchorState{Entries: map[Locator]responderEntry{}}, nil
}

func (r *Reducer) seed(entries map[Locator]responderEntry) (map[Locator]responderEntry, error) {
	known, err := r.txSet.AllTxSetEntries()
	if err != nil {
		return nil, fmt.Errorf("responder: load tx-set for seeding: %w", err)
	}
	for _, e := range known {
		if _, ok := entries[e.Locator]; ok {
			continue
		}
		entries[e.Locator] = responderEntry{
			State:           StatePending,
			Identifier:      e.Identifier,
			ObservedAtBlock: e.ObservedAtBlock,
			Nonce:           e.Nonce,
		}
	}
	return entries, nil
}

// Reduce advances every tracked appointment's state by one block:
// Pending -> Mined when a matching, operator-signed transaction appears;
// Mined -> Confirmed once enough blocks have elapsed; Mined -> Pending
// if a reorg evicts the previously-mined transaction.
func (r *Reducer) Reduce(prev engine.AnchorState, next *chainfollow.Block) (engine.AnchorState, error) {
	ps, ok := prev.(AnchorState)
	if !ok {
		return AnchorState{}, fmt.Errorf("responder: unexpected prior state type %T", prev)
	}
	entries := cloneEntries(ps.Entries)
	entries, err := r.seed(entries)
	if err != nil {
		return AnchorState{}, err
	}

	for locator, e := range entries {
		switch e.State {
		case StateConfirmed:
			continue
		case StateMined:
			if !r.ancestryContains(next.Hash, e.MinedBlockHash) {
				e.State = StatePending
				e.MinedBlockHash = common.Hash{}
				e.MinedBlockNum = 0
				entries[locator] = e
				if r.metrics != nil {
					r.metrics.Reorgs.Inc()
				}
				continue
			}
			if next.Number >= e.MinedBlockNum && next.Number-e.MinedBlockNum >= r.confirmationsRequired {
				e.State = StateConfirmed
				entries[locator] = e
			}
		case StatePending:
			tx, ok := r.findMatchingTx(next, e.Identifier)
			if !ok {
				continue
			}
			if next.Number < e.ObservedAtBlock {
				// Defensive: we are observing a block older than the
				// point at which we ourselves accepted this appointment.
				// Never saw the chain in between; stay Pending.
				continue
			}
			_ = tx
			e.State = StateMined
			e.MinedBlockHash = next.Hash
			e.MinedBlockNum = next.Number
			entries[locator] = e
		}
	}

	return AnchorState{Entries: entries}, nil
}

func (r *Reducer) ancestryContains(from, target common.Hash) bool {
	for _, b := range r.cache.Ancestry(from) {
		if b.Hash == target {
			return true
		}
	}
	return false
}

func (r *Reducer) findMatchingTx(b *chainfollow.Block, id Identifier) (*types.Transaction, bool) {
	signer := types.LatestSignerForChainID(r.chainID)
	for _, tx := range b.Transactions {
		if !matchesIdentifier(tx, id) {
			continue
		}
		from, err := types.Sender(signer, tx)
		if err != nil || from != r.operator {
			continue
		}
		return tx, true
	}
	return nil, false
}

func matchesIdentifier(tx *types.Transaction, id Identifier) bool {
	to := tx.To()
	if to == nil || *to != id.To {
		return false
	}
	if !bytes.Equal(tx.Data(), id.Calldata) {
		return false
	}
	if tx.Gas() != id.GasLimit {
		return false
	}
	value := id.Value
	if value == nil {
		value = big.NewInt(0)
	}
	if tx.Value().Cmp(value) != 0 {
		return false
	}
	if id.ChainID != nil && tx.ChainId() != nil && tx.ChainId().Cmp(id.ChainID) != 0 {
		return false
	}
	return true
}

// DetectChanges reports the transitions spec.md §4.3.2 names: a reorg
// eviction (Mined -> Pending) re-enqueues; a fresh mining reports TxMined
// and requests a balance check; reaching Confirmed ends the response.
// Idempotent: an entry already in a terminal-for-this-purpose state
// produces nothing.
func (r *Reducer) DetectChanges(prev, next engine.AnchorState) ([]engine.ActionIntent, error) {
	ps, ok := prev.(AnchorState)
	if !ok {
		return nil, fmt.Errorf("responder: unexpected prior state type %T", prev)
	}
	ns, ok := next.(AnchorState)
	if !ok {
		return nil, fmt.Errorf("responder: unexpected next state type %T", next)
	}

	var intents []engine.ActionIntent
	for locator, ne := range ns.Entries {
		pe, existed := ps.Entries[locator]
		if !existed {
			continue
		}
		switch {
		case pe.State == StateMined && ne.State == StatePending:
			intents = append(intents, engine.ActionIntent{
				Kind:    engine.ActionReEnqueueMissingItems,
				Payload: engine.ReEnqueueMissingItemsPayload{Locators: [][]byte{append([]byte{}, locator[:]...)}},
			})
		case pe.State == StatePending && ne.State == StateMined:
			intents = append(intents, engine.ActionIntent{
				Kind: engine.ActionTxMined,
				Payload: engine.TxMinedPayload{
					Locator:    append([]byte{}, locator[:]...),
					Identifier: toIdentifierFields(ne.Identifier),
					Nonce:      ne.Nonce,
				},
			})
			intents = append(intents, engine.ActionIntent{Kind: engine.ActionCheckResponderBalance, Payload: engine.CheckResponderBalancePayload{}})
		case pe.State != StateConfirmed && ne.State == StateConfirmed:
			intents = append(intents, engine.ActionIntent{
				Kind:    engine.ActionEndResponse,
				Payload: engine.EndResponsePayload{Locator: append([]byte{}, locator[:]...)},
			})
		}
	}
	return intents, nil
}

func toIdentifierFields(id Identifier) engine.IdentifierFields {
	chainID := id.ChainID
	if chainID == nil {
		chainID = big.NewInt(0)
	}
	value := id.Value
	if value == nil {
		value = big.NewInt(0)
	}
	return engine.IdentifierFields{
		ChainID:  chainID.Bytes(),
		To:       id.To.Bytes(),
		Calldata: append([]byte{}, id.Calldata...),
		Value:    value.Bytes(),
		GasLimit: id.GasLimit,
	}
}

type anchorStateJSON struct {
	Entries map[string]entryJSON `json:"entries"`
}

type entryJSON struct {
	State           ResponseState `json:"state"`
	ChainID         *big.Int      `json:"chainId"`
	To              string        `json:"to"`
	Calldata        []byte        `json:"calldata"`
	Value           *big.Int      `json:"value"`
	GasLimit        uint64        `json:"gasLimit"`
	ObservedAtBlock uint64        `json:"observedAtBlock"`
	Nonce           uint64        `json:"nonce"`
	MinedBlockHash  common.Hash   `json:"minedBlockHash"`
	MinedBlockNum   uint64        `json:"minedBlockNum"`
}

// EncodeState and DecodeState round-trip AnchorState through JSON for
// durable storage between restarts (engine.Reducer's contract).
func (r *Reducer) EncodeState(s engine.AnchorState) ([]byte, error) {
	as, ok := s.(AnchorState)
	if !ok {
		return nil, fmt.Errorf("responder: unexpected state type %T", s)
	}
	j := anchorStateJSON{Entries: make(map[string]entryJSON, len(as.Entries))}
	for locator, e := range as.Entries {
		j.Entries[locator.Hex()] = entryJSON{
			State:           e.State,
			ChainID:         e.Identifier.ChainID,
			To:              e.Identifier.To.Hex(),
			Calldata:        e.Identifier.Calldata,
			Value:           e.Identifier.Value,
			GasLimit:        e.Identifier.GasLimit,
			ObservedAtBlock: e.ObservedAtBlock,
			Nonce:           e.Nonce,
			MinedBlockHash:  e.MinedBlockHash,
			MinedBlockNum:   e.MinedBlockNum,
		}
	}
	return json.Marshal(j)
}

func (r *Reducer) DecodeState(data []byte) (engine.AnchorState, error) {
	var j anchorStateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("responder: decode anchor state: %w", err)
	}
	entries := make(map[Locator]responderEntry, len(j.Entries))
	for hex, e := range j.Entries {
		var locator Locator
		b := common.FromHex(hex)
		copy(locator[:], b)
		entries[locator] = responderEntry{
			State: e.State,
			Identifier: Identifier{
				ChainID:  e.ChainID,
				To:       common.HexToAddress(e.To),
				Calldata: e.Calldata,
				Value:    e.Value,
				GasLimit: e.GasLimit,
			},
			ObservedAtBlock: e.ObservedAtBlock,
			Nonce:           e.Nonce,
			MinedBlockHash:  e.MinedBlockHash,
			MinedBlockNum:   e.MinedBlockNum,
		}
	}
	return AnchorState{Entries: entries}, nil
}
