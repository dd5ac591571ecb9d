package planning

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrSnapshotNotFound = errors.New("planner snapshot not found")

// Store persists planner snapshots keyed by agent id. Saves carry a revision
// and a store keeps the highest one it has seen.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, agentID string) (Snapshot, error)
	Close() error
}

// NewStore returns a postgres store when databaseURL is set and an in-memory
// one otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

type InMemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snaps: make(map[string]Snapshot)}
}

func (s *InMemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	if strings.TrimSpace(snap.AgentID) == "" {
		return errors.New("agent_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snaps[snap.AgentID]; ok && cur.Revision > snap.Revision {
		return nil
	}
	s.snaps[snap.AgentID] = snap
	return nil
}

func (s *InMemoryStore) LoadSnapshot(_ context.Context, agentID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[agentID]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

func (s *InMemoryStore) Close() error { return nil }
