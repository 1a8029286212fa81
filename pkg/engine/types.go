// Package engine runs the reducer pipeline that turns each newly attached
// block into a durable anchor-state transition per component, plus the
// declarative actions that transition implies. See spec.md §4.3 and §4.7.
package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pisawatch/tower/pkg/chainfollow"
)

// AnchorState is a component's opaque per-block state snapshot. Components
// (pkg/watcher, pkg/responder) define their own concrete state types;
// engine only ever passes these through Reducer's encode/decode methods.
type AnchorState any

// ActionKind identifies what a detected action instructs a collaborator to
// do. The concrete set is fixed across the two components the machine
// drives in order: watcher, then responder.
type ActionKind string

const (
	ActionStartResponse         ActionKind = "start_response"
	ActionRemoveAppointment     ActionKind = "remove_appointment"
	ActionReEnqueueMissingItems ActionKind = "reenqueue_missing_items"
	ActionTxMined               ActionKind = "tx_mined"
	ActionCheckResponderBalance ActionKind = "check_responder_balance"
	ActionEndResponse           ActionKind = "end_response"
	ActionStuckTx               ActionKind = "stuck_tx"
)

// ActionIntent is what a Reducer's DetectChanges emits: the kind and
// payload of a change, with no identity or timestamp yet assigned. Keeping
// intents free of those makes DetectChanges a pure function of
// (prev, next) as spec.md requires; the Machine assigns identity when it
// turns an intent into a durable Action.
type ActionIntent struct {
	Kind    ActionKind
	Payload any
}

// Action is a durable, at-least-once-delivered instruction produced by a
// block commit. Payload is stored as raw JSON; the dispatcher registered
// for Kind knows the concrete type to unmarshal it into.
type Action struct {
	ID          uuid.UUID       `json:"id"`
	Component   string          `json:"component"`
	Kind        ActionKind      `json:"kind"`
	BlockHash   common.Hash     `json:"blockHash"`
	BlockNumber uint64          `json:"blockNumber"`
	CreatedAt   time.Time       `json:"createdAt"`
	Payload     json.RawMessage `json:"payload"`
}

// NewAction assigns a creation-ordered id (uuid.NewV7, so the action
// store's key order is also its replay order) and marshals payload.
func NewAction(component string, blockHash common.Hash, blockNumber uint64, intent ActionIntent) (Action, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Action{}, fmt.Errorf("engine: generate action id: %w", err)
	}
	raw, err := json.Marshal(intent.Payload)
	if err != nil {
		return Action{}, fmt.Errorf("engine: marshal action payload: %w", err)
	}
	return Action{
		ID:          id,
		Component:   component,
		Kind:        intent.Kind,
		BlockHash:   blockHash,
		BlockNumber: blockNumber,
		CreatedAt:   time.Now().UTC(),
		Payload:     raw,
	}, nil
}

// Marshal encodes the full action record for the action store.
func (a Action) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalAction decodes a record produced by Action.Marshal.
func UnmarshalAction(data []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, fmt.Errorf("engine: unmarshal action: %w", err)
	}
	return a, nil
}

// Action payloads. These carry only primitive/JSON-friendly fields (never
// a domain type from pkg/appointment or pkg/responder) so that engine has
// no import edge toward either — both of those packages import engine for
// the Dispatcher/ActionKind contract, and Go forbids the cycle the other
// way.

// StartResponsePayload is carried by ActionStartResponse, produced by the
// watcher on a NotObserved -> Observed transition.
type StartResponsePayload struct {
	Locator         []byte `json:"locator"`
	ObservedAtBlock uint64 `json:"observedAtBlock"`
}

// RemoveAppointmentPayload is carried by ActionRemoveAppointment.
type RemoveAppointmentPayload struct {
	Locator []byte `json:"locator"`
}

// IdentifierFields is the wire form of a responder TransactionIdentifier
// (spec.md §3): chainId, calldata, to, value, gasLimit.
type IdentifierFields struct {
	ChainID  []byte `json:"chainId"`
	To       []byte `json:"to"`
	Calldata []byte `json:"calldata"`
	Value    []byte `json:"value"`
	GasLimit uint64 `json:"gasLimit"`
}

// ReEnqueueMissingItemsPayload is carried by ActionReEnqueueMissingItems,
// produced when a reorg evicts one or more pending responses.
type ReEnqueueMissingItemsPayload struct {
	Locators [][]byte `json:"locators"`
}

// TxMinedPayload is carried by ActionTxMined.
type TxMinedPayload struct {
	Locator    []byte           `json:"locator"`
	Identifier IdentifierFields `json:"identifier"`
	Nonce      uint64           `json:"nonce"`
}

// CheckResponderBalancePayload is carried by ActionCheckResponderBalance;
// it has no fields, the dispatcher reads the live balance itself.
type CheckResponderBalancePayload struct{}

// EndResponsePayload is carried by ActionEndResponse.
type EndResponsePayload struct {
	Locator []byte `json:"locator"`
}

// StuckTxPayload is carried by ActionStuckTx, the informational signal
// spec.md §9's open question keeps alongside reorg eviction: new blocks
// are arriving but this response's transaction has not been mined. No
// reducer or dispatcher in this module emits or handles ActionStuckTx.
type StuckTxPayload struct {
	Locator             []byte `json:"locator"`
	BlocksSinceObserved uint64 `json:"blocksSinceObserved"`
}

// Reducer is one component of the blockchain machine. Implementations
// must be total: InitialState, Reduce, and DetectChanges never error on
// well-formed input, and none of them reads a clock. DetectChanges
// depends on its arguments alone; Reduce may also read collaborator state
// that only the pipeline mutates (the watcher reads the appointment store,
// the responder its tx-set, both the block cache) — see spec.md §4.3's
// idempotence and purity invariants.
type Reducer interface {
	// Name identifies the component for anchor-state and action keys.
	Name() string

	// InitialState returns the state assumed for a block whose parent has
	// no recorded anchor state (cold start, or the parent predates the
	// component's bootstrap height).
	InitialState() (AnchorState, error)

	// Reduce computes the state for block `next` given the state recorded
	// for its parent.
	Reduce(prev AnchorState, next *chainfollow.Block) (AnchorState, error)

	// DetectChanges compares two consecutive states and returns the
	// actions their difference implies. Must be pure in prev and next
	// alone.
	DetectChanges(prev, next AnchorState) ([]ActionIntent, error)

	// EncodeState and DecodeState round-trip AnchorState for durable
	// storage between restarts.
	EncodeState(s AnchorState) ([]byte, error)
	DecodeState(data []byte) (AnchorState, error)
}
