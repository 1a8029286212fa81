package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pisawatch/tower/pkg/chainfollow"
	"github.com/pisawatch/tower/pkg/metrics"
	"github.com/pisawatch/tower/pkg/store"
)

// Dispatcher delivers one action kind to its collaborator (the
// multi-responder or the appointment store). Returning nil marks the
// action acknowledged and removes it from the action store; any other
// error leaves it pending for at-least-once redelivery on the next poll
// or on restart.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Action) error
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(ctx context.Context, a Action) error

func (f DispatcherFunc) Dispatch(ctx context.Context, a Action) error { return f(ctx, a) }

// Config holds Machine's tunables.
type Config struct {
	PollInterval time.Duration
	MaxDepth     uint64
	Logger       *log.Logger
	Metrics      *metrics.Registry // optional; nil disables instrumentation
}

// Machine is the blockchain machine (spec.md §4.3, §4.7): it drives
// pkg/chainfollow's processor, runs each registered Reducer over every
// newly attached block in a fixed order, persists the resulting anchor
// states and actions in one batch per block, and dispatches the actions
// to their collaborators.
type Machine struct {
	mu sync.RWMutex

	kv          store.KV
	blockStore  *store.BlockItemStore
	actionStore *store.ActionStore
	reducers    []Reducer
	dispatch    map[ActionKind]Dispatcher
	processor   *chainfollow.Processor

	pollInterval time.Duration
	logger       *log.Logger
	metrics      *metrics.Registry

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Machine. reducers run, per block, in the order given —
// spec.md §4.3 fixes this as {watcher, responder}. dispatch must have an
// entry for every ActionKind any reducer's DetectChanges can produce.
func New(
	node chainfollow.NodeClient,
	cache *chainfollow.BlockCache,
	kv store.KV,
	reducers []Reducer,
	dispatch map[ActionKind]Dispatcher,
	cfg Config,
) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Machine] ", log.LstdFlags)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}

	m := &Machine{
		kv:           kv,
		blockStore:   store.NewBlockItemStore(kv),
		actionStore:  store.NewActionStore(kv),
		reducers:     reducers,
		dispatch:     dispatch,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	m.processor = chainfollow.NewProcessor(node, cache, cfg.MaxDepth, m.onBlock, cfg.Logger)
	return m
}

// Start replays any actions left pending from a previous run, then begins
// polling the node on a ticker. It returns once the replay completes; the
// first poll and every later one run in a background goroutine until Stop
// or ctx is canceled.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	if err := m.replayPending(ctx); err != nil {
		return fmt.Errorf("engine: replay pending actions: %w", err)
	}

	go m.run(ctx)
	m.logger.Printf("started (polling every %s)", m.pollInterval)
	return nil
}

// Stop halts the poll loop and waits for the in-flight poll, if any, to
// finish. It does not touch the dispatched collaborators; callers
// orchestrating a full shutdown stop those separately, in the order
// spec.md §4.7 prescribes.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	<-m.doneCh
	m.logger.Println("stopped")
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Machine) poll(ctx context.Context) {
	if err := m.processor.Poll(ctx); err != nil {
		m.logger.Printf("poll failed: %v", err)
	}
}

// replayPending re-dispatches every action still in the store from a prior
// run, in creation order, per spec.md §4.7's "replay undispatched actions
// on startup". Dispatch failures are logged, not fatal: the action stays
// in the store for the next attempt.
func (m *Machine) replayPending(ctx context.Context) error {
	pending, err := m.actionStore.ListPending()
	if err != nil {
		return err
	}
	for _, sa := range pending {
		a, err := UnmarshalAction(sa.Data)
		if err != nil {
			return fmt.Errorf("engine: decode pending action %s: %w", sa.ID, err)
		}
		if err := m.dispatchOne(ctx, a); err != nil {
			m.logger.Printf("replay: action %s (%s) not yet dispatched: %v", a.ID, a.Kind, err)
		}
	}
	return nil
}

func (m *Machine) componentNames() []string {
	names := make([]string, len(m.reducers))
	for i, r := range m.reducers {
		names[i] = r.Name()
	}
	return names
}

func (m *Machine) loadState(r Reducer, blockHash common.Hash) (AnchorState, error) {
	data, ok, err := m.blockStore.GetAnchor(r.Name(), blockHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.InitialState()
	}
	return r.DecodeState(data)
}

// onBlock is chainfollow.OnBlockFunc: it runs every reducer over the new
// block, persists block metadata, anchor states, actions, and any pruned
// blocks' eviction in a single commit, then dispatches the new actions.
func (m *Machine) onBlock(ctx context.Context, b *chainfollow.Block, pruned []common.Hash) error {
	batch := m.kv.NewBatch()

	if err := m.blockStore.PutBlock(&batch, store.BlockMeta{
		Hash:              b.Hash,
		ParentHash:        b.ParentHash,
		Number:            b.Number,
		TransactionHashes: b.TransactionHashes,
	}); err != nil {
		return fmt.Errorf("persist block meta: %w", err)
	}

	var newActions []Action
	for _, r := range m.reducers {
		prev, err := m.loadState(r, b.ParentHash)
		if err != nil {
			return fmt.Errorf("load %s anchor state: %w", r.Name(), err)
		}
		next, err := r.Reduce(prev, b)
		if err != nil {
			return fmt.Errorf("%s.Reduce: %w", r.Name(), err)
		}
		encoded, err := r.EncodeState(next)
		if err != nil {
			return fmt.Errorf("%s.EncodeState: %w", r.Name(), err)
		}
		if err := m.blockStore.PutAnchor(&batch, r.Name(), b.Hash, encoded); err != nil {
			return fmt.Errorf("persist %s anchor state: %w", r.Name(), err)
		}

		intents, err := r.DetectChanges(prev, next)
		if err != nil {
			return fmt.Errorf("%s.DetectChanges: %w", r.Name(), err)
		}
		for _, intent := range intents {
			a, err := NewAction(r.Name(), b.Hash, b.Number, intent)
			if err != nil {
				return fmt.Errorf("%s: build action: %w", r.Name(), err)
			}
			raw, err := a.Marshal()
			if err != nil {
				return fmt.Errorf("%s: marshal action: %w", r.Name(), err)
			}
			if err := m.actionStore.Put(&batch, a.ID, raw); err != nil {
				return fmt.Errorf("%s: persist action: %w", r.Name(), err)
			}
			newActions = append(newActions, a)
		}
	}

	components := m.componentNames()
	for _, h := range pruned {
		if err := m.blockStore.PruneBlock(&batch, h, components); err != nil {
			return fmt.Errorf("prune block %s: %w", h.Hex(), err)
		}
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit block %s: %w", b.Hash.Hex(), err)
	}

	if m.metrics != nil {
		m.metrics.HeadHeight.Set(float64(b.Number))
		m.metrics.BlocksProcessed.Inc()
		if len(pruned) > 0 {
			m.metrics.PrunedBlocks.Add(float64(len(pruned)))
		}
	}

	for _, a := range newActions {
		if err := m.dispatchOne(ctx, a); err != nil {
			m.logger.Printf("action %s (%s) deferred: %v", a.ID, a.Kind, err)
		}
	}
	return nil
}

// dispatchOne delivers a to its registered collaborator and, on success,
// removes it from the action store in its own commit (deliberately
// separate from the block's commit: dispatch is a side effect outside the
// reducers' pure world, and a crash between block commit and ack must
// leave the action to be redelivered, not lost).
func (m *Machine) dispatchOne(ctx context.Context, a Action) error {
	d, ok := m.dispatch[a.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDispatcher, a.Kind)
	}
	start := time.Now()
	err := d.Dispatch(ctx, a)
	if m.metrics != nil {
		m.metrics.DispatchLatency.Observe(time.Since(start).Seconds())
		m.metrics.ActionsDispatched.WithLabelValues(string(a.Kind)).Inc()
	}
	if err != nil {
		return err
	}
	batch := m.kv.NewBatch()
	if err := m.actionStore.Delete(&batch, a.ID); err != nil {
		return err
	}
	return batch.Commit()
}
