package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process memory store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Record)}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.records[record.AgentID] = append(s.records[record.AgentID], record)
	return record, nil
}

func (s *InMemoryStore) Recent(_ context.Context, agentID string, kinds []Kind, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := Query{Kinds: kinds}
	arr := s.records[agentID]
	out := make([]Record, 0, len(arr))
	for i := len(arr) - 1; i >= 0; i-- {
		if q.allows(arr[i].Kind) {
			out = append(out, arr[i])
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) PendingProspective(_ context.Context, agentID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records[agentID] {
		if r.Kind == KindProspective && !r.Completed {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) MarkCompleted(_ context.Context, agentID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.records[agentID]
	for i := range arr {
		if arr[i].ID == id {
			arr[i].Completed = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) Close() error { return nil }
