package store

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func newTestKV(t *testing.T) KV {
	t.Helper()
	return NewAdapter(dbm.NewMemDB())
}

func TestBlockItemStoreRoundTrip(t *testing.T) {
	kv := newTestKV(t)
	s := NewBlockItemStore(kv)

	h := common.HexToHash("0x01")
	meta := BlockMeta{Hash: h, ParentHash: common.HexToHash("0x00"), Number: 1}

	batch := kv.NewBatch()
	if err := s.PutBlock(&batch, meta); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
	if err := s.PutAnchor(&batch, "watcher", h, []byte(`{"state":1}`)); err != nil {
		t.Fatalf("PutAnchor: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.GetBlock(h)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if got.Number != 1 || got.ParentHash != common.HexToHash("0x00") {
		t.Fatalf("GetBlock = %+v, mismatch", got)
	}

	data, ok, err := s.GetAnchor("watcher", h)
	if err != nil || !ok {
		t.Fatalf("GetAnchor: data=%s ok=%v err=%v", data, ok, err)
	}
	if string(data) != `{"state":1}` {
		t.Fatalf("GetAnchor data = %s", data)
	}

	if _, ok, _ := s.GetAnchor("responder", h); ok {
		t.Fatal("GetAnchor for an unwritten component should report absent")
	}
}

func TestBlockItemStorePrune(t *testing.T) {
	kv := newTestKV(t)
	s := NewBlockItemStore(kv)
	h := common.HexToHash("0x02")

	batch := kv.NewBatch()
	s.PutBlock(&batch, BlockMeta{Hash: h, Number: 2})
	s.PutAnchor(&batch, "watcher", h, []byte("a"))
	s.PutAnchor(&batch, "responder", h, []byte("b"))
	batch.Commit()

	batch = kv.NewBatch()
	if err := s.PruneBlock(&batch, h, []string{"watcher", "responder"}); err != nil {
		t.Fatalf("PruneBlock: %v", err)
	}
	batch.Commit()

	if _, err := s.GetBlock(h); err != ErrNotFound {
		t.Fatalf("GetBlock after prune = %v, want ErrNotFound", err)
	}
	if _, ok, _ := s.GetAnchor("watcher", h); ok {
		t.Fatal("watcher anchor should be pruned")
	}
	if _, ok, _ := s.GetAnchor("responder", h); ok {
		t.Fatal("responder anchor should be pruned")
	}
}

func TestActionStoreListPendingIsCreationOrdered(t *testing.T) {
	kv := newTestKV(t)
	s := NewActionStore(kv)

	ids := make([]uuid.UUID, 5)
	batch := kv.NewBatch()
	for i := range ids {
		id, err := uuid.NewV7()
		if err != nil {
			t.Fatalf("uuid.NewV7: %v", err)
		}
		ids[i] = id
		if err := s.Put(&batch, id, []byte{byte(i)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	pending, err := s.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != len(ids) {
		t.Fatalf("ListPending returned %d, want %d", len(pending), len(ids))
	}
	for i, sa := range pending {
		if sa.ID != ids[i] {
			t.Fatalf("ListPending[%d].ID = %s, want %s (out of creation order)", i, sa.ID, ids[i])
		}
		if sa.Data[0] != byte(i) {
			t.Fatalf("ListPending[%d].Data = %v, want [%d]", i, sa.Data, i)
		}
	}

	batch = kv.NewBatch()
	if err := s.Delete(&batch, ids[2]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	batch.Commit()

	pending, err = s.ListPending()
	if err != nil {
		t.Fatalf("ListPending after delete: %v", err)
	}
	if len(pending) != 4 {
		t.Fatalf("ListPending after delete returned %d, want 4", len(pending))
	}
}
