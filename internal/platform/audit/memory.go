package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps entries in process memory. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Metadata = copyMetadata(e.Metadata)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) ListByActor(_ context.Context, actorID uuid.UUID, limit, offset int) ([]Entry, int, error) {
	s.mu.RLock()
	var matched []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ActorID == actorID {
			e := s.entries[i]
			e.Metadata = copyMetadata(e.Metadata)
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	// Append order approximates time order; the stable sort fixes entries
	// that were persisted out of order by the async writer.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return page(matched, limit, offset), len(matched), nil
}

// All returns every entry in append order.
func (s *MemoryStore) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func page(entries []Entry, limit, offset int) []Entry {
	if offset >= len(entries) {
		return []Entry{}
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
