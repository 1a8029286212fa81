package appointment

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pisawatch/tower/pkg/engine"
)

func removeAction(t *testing.T, l Locator) engine.Action {
	t.Helper()
	a, err := engine.NewAction("watcher", common.Hash{}, 1, engine.ActionIntent{
		Kind:    engine.ActionRemoveAppointment,
		Payload: engine.RemoveAppointmentPayload{Locator: append([]byte{}, l[:]...)},
	})
	if err != nil {
		t.Fatalf("build action: %v", err)
	}
	return a
}

func TestDispatcherRemovesAppointment(t *testing.T) {
	kv := testKV()
	s := NewStore(kv)
	l := locator(1)
	customer := common.HexToAddress("0xaaaa")

	batch := kv.NewBatch()
	if err := s.AddOrUpdateByLocator(&batch, sampleAppointment(l, 1, customer, 100)); err != nil {
		t.Fatalf("seed appointment: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	d := NewDispatcher(kv, s, nil)
	if err := d.Dispatch(context.Background(), removeAction(t, l)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if _, err := s.Get(l); err == nil {
		t.Fatal("appointment still present after dispatch")
	}
}

func TestDispatcherRemoveIsIdempotent(t *testing.T) {
	kv := testKV()
	s := NewStore(kv)
	l := locator(2)

	d := NewDispatcher(kv, s, nil)
	a := removeAction(t, l)
	if err := d.Dispatch(context.Background(), a); err != nil {
		t.Fatalf("first dispatch of unknown locator: %v", err)
	}
	if err := d.Dispatch(context.Background(), a); err != nil {
		t.Fatalf("redelivered dispatch: %v", err)
	}
}

func TestDispatcherRejectsOtherActionKinds(t *testing.T) {
	kv := testKV()
	s := NewStore(kv)
	d := NewDispatcher(kv, s, nil)

	a, err := engine.NewAction("watcher", common.Hash{}, 1, engine.ActionIntent{
		Kind:    engine.ActionStartResponse,
		Payload: engine.StartResponsePayload{Locator: []byte{1}, ObservedAtBlock: 1},
	})
	if err != nil {
		t.Fatalf("build action: %v", err)
	}
	if err := d.Dispatch(context.Background(), a); err == nil {
		t.Fatal("expected error for unsupported action kind")
	}
}
