package metadata

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. Contents do not survive a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func cloneEntry(e Entry) Entry {
	if e.Record.ID != nil {
		id := *e.Record.ID
		e.Record.ID = &id
	}
	e.Record.Content = nil
	return e
}

// List returns every record ordered by id.
func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// Insert stores e and assigns the next id.
func (s *MemoryStore) Insert(_ context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	e.Record.ID = &id
	e = cloneEntry(e)
	s.entries = append(s.entries, e)
	return cloneEntry(e), nil
}

// FindByKey returns the oldest record keyed by name.
func (s *MemoryStore) FindByKey(_ context.Context, name string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.Record.Key() == name {
			return cloneEntry(e), nil
		}
	}
	return Entry{}, ErrNotFound
}

// DeleteByKey removes every record keyed by name.
func (s *MemoryStore) DeleteByKey(_ context.Context, name string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Record.Key() == name {
			removed = append(removed, cloneEntry(e))
		} else {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return removed, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
