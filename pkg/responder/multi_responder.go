package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pisawatch/tower/pkg/appointment"
	"github.com/pisawatch/tower/pkg/engine"
	"github.com/pisawatch/tower/pkg/metrics"
)

// GasPriceEstimator supplies the price to submit a new response at.
type GasPriceEstimator interface {
	EstimateGasPrice(ctx context.Context) (*big.Int, error)
}

// Broadcaster submits a signed, RLP-encoded transaction to the network.
type Broadcaster interface {
	SendRawTransaction(ctx context.Context, raw []byte) error
}

// BalanceProvider reads the operator account's native-token balance.
type BalanceProvider interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// NonceSource supplies the operator's current on-chain transaction count,
// used only to seed a brand-new, never-persisted gas queue.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
}

// OperatorSigner owns the private key used to sign response transactions.
// It is the only collaborator that ever touches the key (spec.md §4.5,
// §5): one MultiResponder, one signer, one queue.
type OperatorSigner interface {
	Address() common.Address
	SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Alarm is the out-of-band low-balance notification hook (spec.md §4.5).
// It never fails the pipeline; it is fire-and-forget operator paging.
type Alarm func(msg string)

// MultiResponder is the collaborator spec.md §4.5 describes: it owns the
// operator signing key and the gas queue that serializes every
// concurrent response onto that one account, and implements
// engine.Dispatcher for the five action kinds the responder component
// can emit or receive.
type MultiResponder struct {
	mu sync.Mutex

	txSet        *Store
	appointments *appointment.Store
	estimator    GasPriceEstimator
	broadcaster  Broadcaster
	balances     BalanceProvider
	nonces       NonceSource
	signer       OperatorSigner
	alarm        Alarm
	logger       *log.Logger
	metrics      *metrics.Registry

	chainID             *big.Int
	replacementRate     uint64
	maxDepth            int
	lowBalanceThreshold *big.Int
}

// Config bundles MultiResponder's collaborators and tunables.
type Config struct {
	ChainID             *big.Int
	ReplacementRate     uint64
	MaxQueueDepth       int
	LowBalanceThreshold *big.Int
	Estimator           GasPriceEstimator
	Broadcaster         Broadcaster
	Balances            BalanceProvider
	Nonces              NonceSource
	Signer              OperatorSigner
	Alarm               Alarm
	Logger              *log.Logger
	Metrics             *metrics.Registry // optional; nil disables instrumentation
}

// NewMultiResponder wires txSet (the responder's own store) and
// appointments (to look up a locator's payload on StartResponse) with cfg.
func NewMultiResponder(txSet *Store, appointments *appointment.Store, cfg Config) *MultiResponder {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[MultiResponder] ", log.LstdFlags)
	}
	alarm := cfg.Alarm
	if alarm == nil {
		alarm = func(string) {}
	}
	return &MultiResponder{
		txSet:               txSet,
		appointments:        appointments,
		estimator:           cfg.Estimator,
		broadcaster:         cfg.Broadcaster,
		balances:            cfg.Balances,
		nonces:              cfg.Nonces,
		signer:              cfg.Signer,
		alarm:               alarm,
		logger:              logger,
		metrics:             cfg.Metrics,
		chainID:             cfg.ChainID,
		replacementRate:     cfg.ReplacementRate,
		maxDepth:            cfg.MaxQueueDepth,
		lowBalanceThreshold: cfg.LowBalanceThreshold,
	}
}

// Dispatch implements engine.Dispatcher. Every op runs under one mutex:
// the single-threaded discipline spec.md §4.5 and §5 require for the
// operator key and its queue.
func (m *MultiResponder) Dispatch(ctx context.Context, a engine.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch a.Kind {
	case engine.ActionStartResponse:
		return m.startResponse(ctx, a)
	case engine.ActionReEnqueueMissingItems:
		return m.reEnqueueMissingItems(ctx, a)
	case engine.ActionTxMined:
		return m.txMined(ctx, a)
	case engine.ActionCheckResponderBalance:
		return m.checkBalance(ctx)
	case engine.ActionEndResponse:
		return m.endResponse(ctx, a)
	default:
		return fmt.Errorf("responder: multi-responder does not handle action kind %s", a.Kind)
	}
}

func (m *MultiResponder) loadQueue() (GasQueue, error) {
	return m.txSet.GetQueue(m.signer.Address(), 0, m.replacementRate, m.maxDepth)
}

func (m *MultiResponder) startResponse(ctx context.Context, a engine.Action) error {
	var payload engine.StartResponsePayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return fmt.Errorf("responder: unmarshal StartResponse payload: %w", err)
	}
	var locator Locator
	copy(locator[:], payload.Locator)
	var apptLocator appointment.Locator
	copy(apptLocator[:], payload.Locator)

	appt, err := m.appointments.Get(apptLocator)
	if err != nil {
		return fmt.Errorf("responder: look up appointment %x for StartResponse: %w", locator, err)
	}

	gasPrice, err := m.estimator.EstimateGasPrice(ctx)
	if err != nil {
		// Estimator errors are swallowed (spec.md §7): logged, no queue
		// mutation, nothing to retry from since the watcher fires
		// StartResponse exactly once per appointment. An operator alarm
		// would be the production remedy; out of scope here.
		m.logger.Printf("estimate gas price for %x: %v", locator, err)
		return nil
	}

	identifier := Identifier{
		ChainID:  m.chainID,
		To:       appt.Payload.Target,
		Calldata: appt.Payload.Calldata,
		Value:    big.NewInt(0),
		GasLimit: appt.Payload.GasLimit,
	}
	req := Request{Identifier: identifier, Locator: locator, GasLimit: appt.Payload.GasLimit}

	old, err := m.currentOrFreshQueue(ctx)
	if err != nil {
		return err
	}
	newQ, err := old.Add(req, gasPrice)
	if err == ErrQueueFull {
		m.logger.Printf("gas queue at capacity, dropping response for %x", locator)
		return nil
	}
	if err != nil {
		return fmt.Errorf("responder: add %x to gas queue: %w", locator, err)
	}

	item, _ := newQ.ItemForLocator(locator)
	return m.persistAndBroadcast(ctx, old, newQ, TxSetEntry{
		Locator:         locator,
		Identifier:      identifier,
		ObservedAtBlock: payload.ObservedAtBlock,
		Nonce:           item.Nonce,
	})
}

func (m *MultiResponder) currentOrFreshQueue(ctx context.Context) (GasQueue, error) {
	q, err := m.loadQueue()
	if err != nil {
		return GasQueue{}, fmt.Errorf("responder: load gas queue: %w", err)
	}
	if q.EmptyNonce() != 0 || q.Len() != 0 {
		return q, nil
	}
	// Indistinguishable from a genuinely fresh queue seeded at nonce 0;
	// harmless in practice since a real operator account only reaches
	// this path once, before its first response.
	nonce, err := m.nonces.PendingNonceAt(ctx, m.signer.Address())
	if err != nil {
		return GasQueue{}, fmt.Errorf("responder: fetch operator nonce: %w", err)
	}
	return NewGasQueue(nonce, m.replacementRate, m.maxDepth), nil
}

func (m *MultiResponder) reEnqueueMissingItems(ctx context.Context, a engine.Action) error {
	var payload engine.ReEnqueueMissingItemsPayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return fmt.Errorf("responder: unmarshal ReEnqueueMissingItems payload: %w", err)
	}

	old, err := m.loadQueue()
	if err != nil {
		return fmt.Errorf("responder: load gas queue: %w", err)
	}
	current := old
	var lastEntry TxSetEntry
	for _, raw := range payload.Locators {
		var locator Locator
		copy(locator[:], raw)

		entry, err := m.txSet.GetTxSetEntry(locator)
		if err != nil {
			return fmt.Errorf("%w: %x", ErrUnknownAppointment, locator)
		}

		gasPrice, err := m.estimator.EstimateGasPrice(ctx)
		if err != nil {
			m.logger.Printf("estimate gas price for re-enqueue of %x: %v", locator, err)
			continue
		}
		req := Request{Identifier: entry.Identifier, Locator: locator, GasLimit: entry.Identifier.GasLimit}
		next, err := current.Add(req, gasPrice)
		if err == ErrQueueFull {
			m.logger.Printf("gas queue at capacity, dropping re-enqueue for %x", locator)
			continue
		}
		if err != nil {
			return fmt.Errorf("responder: re-enqueue %x: %w", locator, err)
		}
		current = next
		item, _ := current.ItemForLocator(locator)
		entry.Nonce = item.Nonce
		lastEntry = entry
	}

	if current.Len() == old.Len() && len(current.Difference(old)) == 0 {
		return nil
	}
	return m.persistAndBroadcast(ctx, old, current, lastEntry)
}

// persistAndBroadcast writes the new queue (and, when entry is non-zero,
// the tx-set entry it belongs to) in one batch, then broadcasts every
// slot that changed relative to old.
func (m *MultiResponder) persistAndBroadcast(ctx context.Context, old, next GasQueue, entry TxSetEntry) error {
	batch := m.txSet.kv.NewBatch()
	if err := m.txSet.PutQueue(&batch, m.signer.Address(), next); err != nil {
		return fmt.Errorf("responder: stage queue write: %w", err)
	}
	var zero Locator
	if entry.Locator != zero {
		if err := m.txSet.PutTxSetEntry(&batch, entry); err != nil {
			return fmt.Errorf("responder: stage tx-set write: %w", err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("responder: commit queue mutation: %w", err)
	}

	if m.metrics != nil {
		m.metrics.GasQueueDepth.Set(float64(next.Len()))
	}

	for _, item := range next.Difference(old) {
		m.broadcast(ctx, item)
	}
	return nil
}

func (m *MultiResponder) broadcast(ctx context.Context, item GasQueueItem) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    item.Nonce,
		GasPrice: item.GasPrice,
		Gas:      item.Request.Identifier.GasLimit,
		To:       &item.Request.Identifier.To,
		Value:    item.Request.Identifier.Value,
		Data:     item.Request.Identifier.Calldata,
	})
	signed, err := m.signer.SignTransaction(tx, m.chainID)
	if err != nil {
		m.logger.Printf("sign response at nonce %d: %v", item.Nonce, err)
		return
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		m.logger.Printf("encode response at nonce %d: %v", item.Nonce, err)
		return
	}
	// Broadcast errors are logged and swallowed (spec.md §7). Nothing
	// rebroadcasts the slot afterwards: the responder reducer re-enqueues
	// only a transaction that was mined and then left the chain.
	if err := m.broadcaster.SendRawTransaction(ctx, raw); err != nil {
		m.logger.Printf("broadcast response at nonce %d: %v", item.Nonce, err)
		return
	}
	if m.metrics != nil {
		m.metrics.QueuedBroadcasts.Inc()
	}
}

func (m *MultiResponder) txMined(ctx context.Context, a engine.Action) error {
	var payload engine.TxMinedPayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return fmt.Errorf("responder: unmarshal TxMined payload: %w", err)
	}
	identifier := Identifier{
		ChainID:  new(big.Int).SetBytes(payload.Identifier.ChainID),
		To:       common.BytesToAddress(payload.Identifier.To),
		Calldata: payload.Identifier.Calldata,
		Value:    new(big.Int).SetBytes(payload.Identifier.Value),
		GasLimit: payload.Identifier.GasLimit,
	}

	old, err := m.loadQueue()
	if err != nil {
		return fmt.Errorf("responder: load gas queue: %w", err)
	}
	next := old.Consume(identifier, payload.Nonce)
	if next.Len() == old.Len() {
		return nil // already consumed or not at head; no-op per spec.md §4.4
	}

	batch := m.txSet.kv.NewBatch()
	if err := m.txSet.PutQueue(&batch, m.signer.Address(), next); err != nil {
		return fmt.Errorf("responder: stage queue write: %w", err)
	}
	return batch.Commit()
}

func (m *MultiResponder) endResponse(ctx context.Context, a engine.Action) error {
	var payload engine.EndResponsePayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return fmt.Errorf("responder: unmarshal EndResponse payload: %w", err)
	}
	var locator Locator
	copy(locator[:], payload.Locator)

	batch := m.txSet.kv.NewBatch()
	if err := m.txSet.DeleteTxSetEntry(&batch, locator); err != nil {
		return fmt.Errorf("responder: stage tx-set removal: %w", err)
	}
	return batch.Commit()
}

func (m *MultiResponder) checkBalance(ctx context.Context) error {
	balance, err := m.balances.BalanceAt(ctx, m.signer.Address())
	if err != nil {
		m.logger.Printf("check operator balance: %v", err)
		return nil
	}
	if m.metrics != nil {
		balanceF, _ := new(big.Float).SetInt(balance).Float64()
		m.metrics.ResponderBalance.Set(balanceF)
	}
	if m.lowBalanceThreshold != nil && balance.Cmp(m.lowBalanceThreshold) < 0 {
		m.alarm(fmt.Sprintf("operator %s balance %s below threshold %s", m.signer.Address().Hex(), balance, m.lowBalanceThreshold))
	}
	return nil
}
