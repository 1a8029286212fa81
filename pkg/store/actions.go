package store

import (
	"fmt"

	"github.com/google/uuid"
)

// ActionStore persists the pending action log (spec.md §4.3, §4.7). Action
// encoding is owned by pkg/engine; this package only moves bytes so it has
// no dependency on engine's types. IDs must be pkg/engine's uuid.NewV7
// identifiers so that the key space iterates in creation order, which is
// what makes ListPending a correct replay-on-startup source.
type ActionStore struct {
	kv KV
}

// NewActionStore wraps kv.
func NewActionStore(kv KV) *ActionStore {
	return &ActionStore{kv: kv}
}

// Put stages an action record within batch.
func (s *ActionStore) Put(batch *Batch, id uuid.UUID, data []byte) error {
	return batch.Set(actionKey(id), data)
}

// Delete stages removal of an acknowledged action.
func (s *ActionStore) Delete(batch *Batch, id uuid.UUID) error {
	return batch.Delete(actionKey(id))
}

// Get returns the raw bytes for id, or (nil, false, nil) if absent.
func (s *ActionStore) Get(id uuid.UUID) ([]byte, bool, error) {
	b, err := s.kv.Get(actionKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("store: get action %s: %w", id, err)
	}
	if len(b) == 0 {
		return nil, false, nil
	}
	return b, true, nil
}

// StoredAction pairs an action's id with its encoded bytes, as returned by
// ListPending.
type StoredAction struct {
	ID   uuid.UUID
	Data []byte
}

// ListPending returns every undispatched action still in the store, in
// creation order, for replay on startup (spec.md §4.7).
func (s *ActionStore) ListPending() ([]StoredAction, error) {
	it, err := s.kv.Iterator(prefixAction, PrefixEnd(prefixAction))
	if err != nil {
		return nil, fmt.Errorf("store: iterate actions: %w", err)
	}
	defer it.Close()

	var out []StoredAction
	for ; it.Valid(); it.Next() {
		key := it.Key()
		id, err := uuid.FromBytes(key[len(prefixAction):])
		if err != nil {
			return nil, fmt.Errorf("store: decode action key: %w", err)
		}
		data := make([]byte, len(it.Value()))
		copy(data, it.Value())
		out = append(out, StoredAction{ID: id, Data: data})
	}
	return out, nil
}
