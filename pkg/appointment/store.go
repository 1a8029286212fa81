package appointment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pisawatch/tower/pkg/store"
)

// Key layout, local to this package (spec.md §6):
//
//	appointment/<locator>                        -> Appointment
//	appointment_by_customer/<addr>/<locator>      -> empty, secondary index
//	appointment_seq/<uint64 be>                   -> locator, insertion order
//	appointment_seq_counter                       -> uint64, next sequence number
var (
	prefixAppointment           = []byte("appointment/")
	prefixAppointmentByCustomer = []byte("appointment_by_customer/")
	prefixAppointmentSeq        = []byte("appointment_seq/")
	keySeqCounter               = []byte("appointment_seq_counter")
)

func appointmentKey(l Locator) []byte {
	return append(append([]byte{}, prefixAppointment...), l[:]...)
}

func byCustomerKey(addr common.Address, l Locator) []byte {
	k := append(append([]byte{}, prefixAppointmentByCustomer...), addr.Bytes()...)
	k = append(k, '/')
	return append(k, l[:]...)
}

func byCustomerPrefix(addr common.Address) []byte {
	k := append(append([]byte{}, prefixAppointmentByCustomer...), addr.Bytes()...)
	return append(k, '/')
}

func seqKey(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return append(append([]byte{}, prefixAppointmentSeq...), b...)
}

// Store is the durable appointment set of spec.md §4.6, grounded on the
// teacher's pkg/ledger.LedgerStore key-prefix/JSON-marshal pattern.
type Store struct {
	kv store.KV
}

// NewStore wraps kv.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) nextSeq(batch *store.Batch) (uint64, error) {
	b, err := s.kv.Get(keySeqCounter)
	if err != nil {
		return 0, err
	}
	var n uint64
	if len(b) == 8 {
		n = binary.BigEndian.Uint64(b)
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, n+1)
	if err := batch.Set(keySeqCounter, out); err != nil {
		return 0, err
	}
	return n, nil
}

// AddOrUpdateByLocator applies spec.md §4.6's monotone-update rule: reject
// if the stored nonce is strictly greater than a's, overwrite if a's is
// strictly greater, and treat equal id+nonce as an idempotent no-op
// (erroring if the equal-nonce records actually differ, per spec.md §3).
func (s *Store) AddOrUpdateByLocator(batch *store.Batch, a Appointment) error {
	if !a.Mode.Valid() {
		return ErrInvalidMode
	}

	existing, err := s.Get(a.Locator)
	if err == ErrNotFound {
		return s.insert(batch, a)
	}
	if err != nil {
		return err
	}

	switch {
	case a.Nonce > existing.Nonce:
		return s.insert(batch, a)
	case a.Nonce < existing.Nonce:
		return ErrStaleNonce
	default:
		if !equalContent(existing, a) {
			return ErrEqualNonceMismatch
		}
		return nil
	}
}

func (s *Store) insert(batch *store.Batch, a Appointment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("appointment: marshal: %w", err)
	}
	if err := batch.Set(appointmentKey(a.Locator), data); err != nil {
		return err
	}
	if err := batch.Set(byCustomerKey(a.Customer, a.Locator), []byte{1}); err != nil {
		return err
	}
	seq, err := s.nextSeq(batch)
	if err != nil {
		return err
	}
	return batch.Set(seqKey(seq), a.Locator[:])
}

// Get returns the stored appointment for locator, or ErrNotFound.
func (s *Store) Get(locator Locator) (Appointment, error) {
	b, err := s.kv.Get(appointmentKey(locator))
	if err != nil {
		return Appointment{}, fmt.Errorf("appointment: get %s: %w", locator.Hex(), err)
	}
	if len(b) == 0 {
		return Appointment{}, ErrNotFound
	}
	var a Appointment
	if err := json.Unmarshal(b, &a); err != nil {
		return Appointment{}, fmt.Errorf("appointment: unmarshal %s: %w", locator.Hex(), err)
	}
	return a, nil
}

// RemoveByID deletes the appointment for locator, reporting whether it was
// present. It deletes the primary record and the by-customer index entry;
// the insertion-sequence index is left to age out of GetExpiredSince's
// ignore-missing-primary scan; this mirrors the teacher's tolerant-read
// convention for JSON-blob stores with secondary indexes.
func (s *Store) RemoveByID(batch *store.Batch, locator Locator) (bool, error) {
	a, err := s.Get(locator)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := batch.Delete(appointmentKey(locator)); err != nil {
		return false, err
	}
	if err := batch.Delete(byCustomerKey(a.Customer, locator)); err != nil {
		return false, err
	}
	return true, nil
}

// GetExpiredSince returns appointments with EndBlock < blockNumber, in
// insertion order, per spec.md §4.6. It is a single finite pass over the
// current store contents each call, not a resumable cursor.
func (s *Store) GetExpiredSince(blockNumber uint64) ([]Appointment, error) {
	it, err := s.kv.Iterator(prefixAppointmentSeq, store.PrefixEnd(prefixAppointmentSeq))
	if err != nil {
		return nil, fmt.Errorf("appointment: iterate sequence: %w", err)
	}
	defer it.Close()

	var out []Appointment
	for ; it.Valid(); it.Next() {
		var locator Locator
		copy(locator[:], it.Value())
		a, err := s.Get(locator)
		if err == ErrNotFound {
			continue // removed since this sequence entry was written
		}
		if err != nil {
			return nil, err
		}
		if a.EndBlock < blockNumber {
			out = append(out, a)
		}
	}
	return out, nil
}

// AppointmentsByCustomerAddress returns the current set of appointments
// for addr.
func (s *Store) AppointmentsByCustomerAddress(addr common.Address) ([]Appointment, error) {
	prefix := byCustomerPrefix(addr)
	it, err := s.kv.Iterator(prefix, store.PrefixEnd(prefix))
	if err != nil {
		return nil, fmt.Errorf("appointment: iterate customer index: %w", err)
	}
	defer it.Close()

	var out []Appointment
	for ; it.Valid(); it.Next() {
		var locator Locator
		copy(locator[:], it.Key()[len(prefix):])
		a, err := s.Get(locator)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// All returns every appointment currently stored, in no particular order.
// The watcher component uses this as its candidate set each block: an
// appointment no longer worth watching is expected to have already left
// the store via a RemoveAppointment action.
func (s *Store) All() ([]Appointment, error) {
	it, err := s.kv.Iterator(prefixAppointment, store.PrefixEnd(prefixAppointment))
	if err != nil {
		return nil, fmt.Errorf("appointment: iterate all: %w", err)
	}
	defer it.Close()

	var out []Appointment
	for ; it.Valid(); it.Next() {
		var a Appointment
		if err := json.Unmarshal(it.Value(), &a); err != nil {
			return nil, fmt.Errorf("appointment: unmarshal during All: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func equalContent(a, b Appointment) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
