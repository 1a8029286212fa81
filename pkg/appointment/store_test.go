package appointment

import (
	"math/big"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"

	"github.com/pisawatch/tower/pkg/store"
)

func testKV() store.KV {
	return store.NewAdapter(dbm.NewMemDB())
}

func locator(b byte) Locator {
	var l Locator
	l[31] = b
	return l
}

func sampleAppointment(l Locator, nonce uint64, customer common.Address, endBlock uint64) Appointment {
	return Appointment{
		Locator:    l,
		Customer:   customer,
		Nonce:      nonce,
		EndBlock:   endBlock,
		StartBlock: 1,
		Mode:       ModeEventTriggered,
		Refund:     big.NewInt(0),
	}
}

func TestAppointmentMonotonicity(t *testing.T) {
	kv := testKV()
	s := NewStore(kv)
	l := locator(1)
	customer := common.HexToAddress("0xaaaa")

	batch := kv.NewBatch()
	a1 := sampleAppointment(l, 5, customer, 100)
	if err := s.AddOrUpdateByLocator(&batch, a1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	batch.Commit()

	// Strictly greater nonce: must overwrite.
	batch = kv.NewBatch()
	a2 := sampleAppointment(l, 7, customer, 200)
	if err := s.AddOrUpdateByLocator(&batch, a2); err != nil {
		t.Fatalf("update with greater nonce: %v", err)
	}
	batch.Commit()

	got, err := s.Get(l)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Nonce != 7 || got.EndBlock != 200 {
		t.Fatalf("got = %+v, want nonce=7 endBlock=200", got)
	}

	// Stale (lesser) nonce: rejected, stored record unchanged.
	batch = kv.NewBatch()
	a3 := sampleAppointment(l, 6, customer, 300)
	if err := s.AddOrUpdateByLocator(&batch, a3); err != ErrStaleNonce {
		t.Fatalf("update with stale nonce = %v, want ErrStaleNonce", err)
	}

	// Equal nonce, identical content: idempotent no-op.
	batch = kv.NewBatch()
	if err := s.AddOrUpdateByLocator(&batch, a2); err != nil {
		t.Fatalf("replay of identical record: %v", err)
	}

	// Equal nonce, differing content: protocol error.
	batch = kv.NewBatch()
	a2Diff := a2
	a2Diff.EndBlock = 9999
	if err := s.AddOrUpdateByLocator(&batch, a2Diff); err != ErrEqualNonceMismatch {
		t.Fatalf("equal-nonce differing content = %v, want ErrEqualNonceMismatch", err)
	}
}

func TestAppointmentRemoveByID(t *testing.T) {
	kv := testKV()
	s := NewStore(kv)
	l := locator(2)
	customer := common.HexToAddress("0xbbbb")

	batch := kv.NewBatch()
	s.AddOrUpdateByLocator(&batch, sampleAppointment(l, 1, customer, 50))
	batch.Commit()

	batch = kv.NewBatch()
	removed, err := s.RemoveByID(&batch, l)
	if err != nil || !removed {
		t.Fatalf("RemoveByID = %v, %v", removed, err)
	}
	batch.Commit()

	if _, err := s.Get(l); err != ErrNotFound {
		t.Fatalf("Get after removal = %v, want ErrNotFound", err)
	}

	batch = kv.NewBatch()
	removed, err = s.RemoveByID(&batch, l)
	if err != nil || removed {
		t.Fatalf("second RemoveByID = %v, %v, want (false, nil)", removed, err)
	}
}

func TestAppointmentGetExpiredSinceIsInsertionOrdered(t *testing.T) {
	kv := testKV()
	s := NewStore(kv)
	customer := common.HexToAddress("0xcccc")

	locators := []Locator{locator(1), locator(2), locator(3)}
	endBlocks := []uint64{90, 10, 95}

	for i, l := range locators {
		batch := kv.NewBatch()
		s.AddOrUpdateByLocator(&batch, sampleAppointment(l, 1, customer, endBlocks[i]))
		batch.Commit()
	}

	expired, err := s.GetExpiredSince(100)
	if err != nil {
		t.Fatalf("GetExpiredSince: %v", err)
	}
	if len(expired) != 3 {
		t.Fatalf("GetExpiredSince(100) = %d, want 3 (all end before 100)", len(expired))
	}
	for i, a := range expired {
		if a.Locator != locators[i] {
			t.Fatalf("expired[%d] = %s, want insertion order %s", i, a.Locator.Hex(), locators[i].Hex())
		}
	}

	expired, err = s.GetExpiredSince(50)
	if err != nil {
		t.Fatalf("GetExpiredSince(50): %v", err)
	}
	if len(expired) != 1 || expired[0].Locator != locators[1] {
		t.Fatalf("GetExpiredSince(50) = %v, want only locator 2", expired)
	}
}

func TestAppointmentsByCustomerAddress(t *testing.T) {
	kv := testKV()
	s := NewStore(kv)
	alice := common.HexToAddress("0x1111")
	bob := common.HexToAddress("0x2222")

	batch := kv.NewBatch()
	s.AddOrUpdateByLocator(&batch, sampleAppointment(locator(1), 1, alice, 10))
	s.AddOrUpdateByLocator(&batch, sampleAppointment(locator(2), 1, alice, 20))
	s.AddOrUpdateByLocator(&batch, sampleAppointment(locator(3), 1, bob, 30))
	batch.Commit()

	aliceAppts, err := s.AppointmentsByCustomerAddress(alice)
	if err != nil {
		t.Fatalf("AppointmentsByCustomerAddress(alice): %v", err)
	}
	if len(aliceAppts) != 2 {
		t.Fatalf("alice has %d appointments, want 2", len(aliceAppts))
	}

	bobAppts, err := s.AppointmentsByCustomerAddress(bob)
	if err != nil {
		t.Fatalf("AppointmentsByCustomerAddress(bob): %v", err)
	}
	if len(bobAppts) != 1 {
		t.Fatalf("bob has %d appointments, want 1", len(bobAppts))
	}
}

func TestAppointmentInvalidModeRejected(t *testing.T) {
	kv := testKV()
	s := NewStore(kv)
	batch := kv.NewBatch()
	a := sampleAppointment(locator(9), 1, common.HexToAddress("0xdddd"), 10)
	a.Mode = Mode(7)
	if err := s.AddOrUpdateByLocator(&batch, a); err != ErrInvalidMode {
		t.Fatalf("AddOrUpdateByLocator with invalid mode = %v, want ErrInvalidMode", err)
	}
}
