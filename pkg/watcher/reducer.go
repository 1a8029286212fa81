// Package watcher implements the component that watches every active
// appointment for its triggering on-chain event. See spec.md §4.3.1.
package watcher

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pisawatch/tower/pkg/appointment"
	"github.com/pisawatch/tower/pkg/chainfollow"
	"github.com/pisawatch/tower/pkg/engine"
	"github.com/pisawatch/tower/pkg/metrics"
)

// WatchState is the per-appointment state the watcher tracks.
type WatchState int

const (
	NotObserved WatchState = iota
	Observed
)

func (s WatchState) String() string {
	if s == Observed {
		return "observed"
	}
	return "not_observed"
}

type watchEntry struct {
	State             WatchState
	StartBlock        uint64
	EndBlock          uint64
	Filter            appointment.EventFilter
	ObservedAtBlock   uint64
	ObservedBlockHash common.Hash
}

// AnchorState is the watcher component's per-block snapshot.
type AnchorState struct {
	Entries map[appointment.Locator]watchEntry
}

// Reducer implements engine.Reducer for the watcher component. The set of
// appointments to watch cannot be derived from block content alone (an
// appointment arrives out of band, through intake) so Reduce consults the
// appointment store for the current set each call, exactly as
// pkg/responder.Reducer consults its tx-set — safe under spec.md §5's
// single-pipeline discipline.
type Reducer struct {
	appointments          *appointment.Store
	cache                 *chainfollow.BlockCache
	confirmationsRequired uint64
	maxReorgLimit         uint64
	metrics               *metrics.Registry
}

// NewReducer builds the watcher reducer. cache must be the same
// BlockCache the owning chainfollow.Processor mutates. reg is optional;
// nil disables instrumentation.
func NewReducer(appointments *appointment.Store, cache *chainfollow.BlockCache, confirmationsRequired, maxReorgLimit uint64, reg *metrics.Registry) *Reducer {
	return &Reducer{
		appointments:          appointments,
		cache:                 cache,
		confirmationsRequired: confirmationsRequired,
		maxReorgLimit:         maxReorgLimit,
		metrics:               reg,
	}
}

func (r *Reducer) Name() string { return "watcher" }

func (r *Reducer) InitialState() (engine.AnchorState, error) {
	return AnchorState{Entries: map[appointment.Locator]watchEntry{}}, nil
}

func cloneWatchEntries(e map[appointment.Locator]watchEntry) map[appointment.Locator]watchEntry {
	out := make(map[appointment.Locator]watchEntry, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Reduce reconciles the tracked set against the live appointment store,
// then advances every still-tracked appointment by one block: a
// NotObserved entry whose window contains a sufficiently-confirmed
// matching log becomes Observed; any entry whose window has closed more
// than maxReorgLimit blocks ago is dropped from tracking (the
// RemoveAppointment action fires on that transition, and the appointment
// dispatcher is expected to have removed it from the store by the time
// this reducer looks again).
func (r *Reducer) Reduce(prev engine.AnchorState, next *chainfollow.Block) (engine.AnchorState, error) {
	ps, ok := prev.(AnchorState)
	if !ok {
		return AnchorState{}, fmt.Errorf("watcher: unexpected prior state type %T", prev)
	}
	entries := cloneWatchEntries(ps.Entries)

	current, err := r.appointments.All()
	if err != nil {
		return AnchorState{}, fmt.Errorf("watcher: load appointment set: %w", err)
	}
	live := make(map[appointment.Locator]appointment.Appointment, len(current))
	for _, a := range current {
		live[a.Locator] = a
		if _, ok := entries[a.Locator]; !ok {
			entries[a.Locator] = watchEntry{
				State:      NotObserved,
				StartBlock: a.StartBlock,
				EndBlock:   a.EndBlock,
				Filter:     a.EventFilter,
			}
		}
	}
	for locator := range entries {
		if _, ok := live[locator]; !ok {
			delete(entries, locator)
		}
	}

	for locator, e := range entries {
		if next.Number > e.EndBlock+r.maxReorgLimit {
			delete(entries, locator)
			continue
		}
		if e.State == Observed {
			if !r.ancestryContains(next.Hash, e.ObservedBlockHash) {
				e.State = NotObserved
				e.ObservedAtBlock = 0
				e.ObservedBlockHash = common.Hash{}
				entries[locator] = e
				if r.metrics != nil {
					r.metrics.Reorgs.Inc()
				}
			}
			continue
		}
		if b, ok := r.findConfirmedMatch(next, e); ok {
			e.State = Observed
			e.ObservedAtBlock = b.Number
			e.ObservedBlockHash = b.Hash
			entries[locator] = e
		}
	}

	if r.metrics != nil {
		r.metrics.WatchedCount.Set(float64(len(entries)))
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

// findConfirmedMatch scans next's ancestry for the nearest block, at
// depth >= confirmationsRequired and within [StartBlock, EndBlock], that
// carries a log matching e.Filter.
func (r *Reducer) findConfirmedMatch(next *chainfollow.Block, e watchEntry) (*chainfollow.Block, bool) {
	for _, b := range r.cache.Ancestry(next.Hash) {
		if b.Number < e.StartBlock {
			break
		}
		if b.Number > e.EndBlock {
			continue
		}
		if next.Number < b.Number || next.Number-b.Number < r.confirmationsRequired {
			continue
		}
		for _, lg := range b.Logs {
			if matchesFilter(e.Filter, lg) {
				return b, true
			}
		}
	}
	return nil, false
}

func matchesFilter(filter appointment.EventFilter, lg types.Log) bool {
	if lg.Address != filter.Contract {
		return false
	}
	if len(lg.Topics) < len(filter.Topics) {
		return false
	}
	var zero common.Hash
	for i, want := range filter.Topics {
		if want == zero {
			continue // wildcard indexed argument
		}
		if lg.Topics[i] != want {
			return false
		}
	}
	return true
}

// DetectChanges reports StartResponse exactly once per appointment, on
// its NotObserved -> Observed transition, and RemoveAppointment when an
// appointment's window has aged out of tracking (spec.md §4.3.1).
func (r *Reducer) DetectChanges(prev, next engine.AnchorState) ([]engine.ActionIntent, error) {
	ps, ok := prev.(AnchorState)
	if !ok {
		return nil, fmt.Errorf("watcher: unexpected prior state type %T", prev)
	}
	ns, ok := next.(AnchorState)
	if !ok {
		return nil, fmt.Errorf("watcher: unexpected next state type %T", next)
	}

	var intents []engine.ActionIntent
	for locator, pe := range ps.Entries {
		if _, stillTracked := ns.Entries[locator]; !stillTracked {
			intents = append(intents, engine.ActionIntent{
				Kind:    engine.ActionRemoveAppointment,
				Payload: engine.RemoveAppointmentPayload{Locator: append([]byte{}, locator[:]...)},
			})
			continue
		}
		ne := ns.Entries[locator]
		if pe.State == NotObserved && ne.State == Observed {
			intents = append(intents, engine.ActionIntent{
				Kind: engine.ActionStartResponse,
				Payload: engine.StartResponsePayload{
					Locator:         append([]byte{}, locator[:]...),
					ObservedAtBlock: ne.ObservedAtBlock,
				},
			})
		}
	}
	return intents, nil
}

type watchStateJSON struct {
	Entries map[string]watchEntryJSON `json:"entries"`
}

type watchEntryJSON struct {
	State             WatchState `json:"state"`
	StartBlock        uint64     `json:"startBlock"`
	EndBlock          uint64     `json:"endBlock"`
	Contract          string     `json:"contract"`
	Topics            []string   `json:"topics"`
	ObservedAtBlock   uint64     `json:"observedAtBlock"`
	ObservedBlockHash string     `json:"observedBlockHash"`
}

// EncodeState and DecodeState round-trip AnchorState through JSON.
func (r *Reducer) EncodeState(s engine.AnchorState) ([]byte, error) {
	as, ok := s.(AnchorState)
	if !ok {
		return nil, fmt.Errorf("watcher: unexpected state type %T", s)
	}
	j := watchStateJSON{Entries: make(map[string]watchEntryJSON, len(as.Entries))}
	for locator, e := range as.Entries {
		topics := make([]string, len(e.Filter.Topics))
		for i, t := range e.Filter.Topics {
			topics[i] = t.Hex()
		}
		j.Entries[locator.Hex()] = watchEntryJSON{
			State:             e.State,
			StartBlock:        e.StartBlock,
			EndBlock:          e.EndBlock,
			Contract:          e.Filter.Contract.Hex(),
			Topics:            topics,
			ObservedAtBlock:   e.ObservedAtBlock,
			ObservedBlockHash: e.ObservedBlockHash.Hex(),
		}
	}
	return json.Marshal(j)
}

func (r *Reducer) DecodeState(data []byte) (engine.AnchorState, error) {
	var j watchStateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("watcher: decode anchor state: %w", err)
	}
	entries := make(map[appointment.Locator]watchEntry, len(j.Entries))
	for hex, e := range j.Entries {
		var locator appointment.Locator
		copy(locator[:], common.FromHex(hex))
		topics := make([]common.Hash, len(e.Topics))
		for i, t := range e.Topics {
			topics[i] = common.HexToHash(t)
		}
		entries[locator] = watchEntry{
			State:      e.State,
			StartBlock: e.StartBlock,
			EndBlock:   e.EndBlock,
			Filter: appointment.EventFilter{
				Contract: common.HexToAddress(e.Contract),
				Topics:   topics,
			},
			ObservedAtBlock:   e.ObservedAtBlock,
			ObservedBlockHash: common.HexToHash(e.ObservedBlockHash),
		}
	}
	return AnchorState{Entries: entries}, nil
}
