package credential

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store, used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record

	// UpsertCalls counts writes.
	UpsertCalls int
}

// NewMemoryStore returns a store seeded with recs.
func NewMemoryStore(recs ...Record) *MemoryStore {
	s := &MemoryStore{records: make(map[string]Record)}
	for _, r := range recs {
		r.Identity = Canonical(r.Identity)
		s.records[r.Identity] = r
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, identity string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[Canonical(identity)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Identity = Canonical(rec.Identity)
	s.records[rec.Identity] = rec
	s.UpsertCalls++
	return nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
