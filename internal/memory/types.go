package memory

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("memory not found")

type Kind string

const (
	KindSemantic    Kind = "semantic"
	KindEpisodic    Kind = "episodic"
	KindProcedural  Kind = "procedural"
	KindProspective Kind = "prospective"
)

// Record is one remembered item. Prospective records are intentions with an
// optional due time that the planner can turn into tasks.
type Record struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Kind      Kind           `json:"kind"`
	Content   string         `json:"content"`
	DueAt     *time.Time     `json:"due_at,omitempty"`
	Completed bool           `json:"completed,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Query narrows a relevance search.
type Query struct {
	Kinds []Kind
	Limit int
}

func (q Query) allows(k Kind) bool {
	if len(q.Kinds) == 0 {
		return true
	}
	for _, want := range q.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Store persists agent memories.
type Store interface {
	Save(ctx context.Context, record Record) (Record, error)
	// Recent returns the newest records of an agent, newest first.
	Recent(ctx context.Context, agentID string, kinds []Kind, limit int) ([]Record, error)
	PendingProspective(ctx context.Context, agentID string) ([]Record, error)
	MarkCompleted(ctx context.Context, agentID, id string) error
	Close() error
}
