package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pisawatch/tower/pkg/engine"
	"github.com/pisawatch/tower/pkg/store"
)

// Dispatcher handles engine.ActionRemoveAppointment actions by deleting
// the named appointment, implementing engine.Dispatcher. It is the
// "appointment store" collaborator spec.md §2 and §4.7 refer to.
type Dispatcher struct {
	kv     store.KV
	store  *Store
	logger *log.Logger
}

// NewDispatcher wraps kv and the Store built on it (the caller constructs
// both against the same kv so removals are visible to subsequent reads).
func NewDispatcher(kv store.KV, s *Store, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[AppointmentDispatcher] ", log.LstdFlags)
	}
	return &Dispatcher{kv: kv, store: s, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, a engine.Action) error {
	if a.Kind != engine.ActionRemoveAppointment {
		return fmt.Errorf("appointment: dispatcher does not handle action kind %s", a.Kind)
	}
	var payload engine.RemoveAppointmentPayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return fmt.Errorf("appointment: unmarshal RemoveAppointment payload: %w", err)
	}
	var locator Locator
	copy(locator[:], payload.Locator)

	batch := d.kv.NewBatch()
	removed, err := d.store.RemoveByID(&batch, locator)
	if err != nil {
		return fmt.Errorf("appointment: remove %s: %w", locator.Hex(), err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("appointment: commit removal of %s: %w", locator.Hex(), err)
	}
	if removed {
		d.logger.Printf("removed expired appointment %s", locator.Hex())
	}
	return nil
}
