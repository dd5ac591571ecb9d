package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/policy"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/tree"
)

const searchWindow = 200

// Service is the planner's view of agent memory: relevance lookups for
// decomposition, lifecycle hooks, and prospective intentions.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	if store == nil {
		store = NewInMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Close() error { return s.store.Close() }

// GetRelevantMemories ranks recent memories of agentID by word overlap with
// text. Records with no overlap are left out.
func (s *Service) GetRelevantMemories(ctx context.Context, agentID, text string, q Query) ([]Record, error) {
	recent, err := s.store.Recent(ctx, agentID, q.Kinds, searchWindow)
	if err != nil {
		return nil, err
	}
	type hit struct {
		rec   Record
		score float64
	}
	hits := make([]hit, 0, len(recent))
	for _, r := range recent {
		score := attention.Relevance(text, r.Content)
		if score <= 0 {
			continue
		}
		hits = append(hits, hit{rec: r, score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].rec.CreatedAt.After(hits[j].rec.CreatedAt)
	})
	limit := q.Limit
	if limit <= 0 || limit > len(hits) {
		limit = len(hits)
	}
	out := make([]Record, 0, limit)
	for _, h := range hits[:limit] {
		out = append(out, h.rec)
	}
	return out, nil
}

func (s *Service) OnGoalCreated(ctx context.Context, agentID string, goal tree.Node) {
	s.remember(ctx, agentID, KindEpisodic, fmt.Sprintf("Goal created: %s", goal.Title), map[string]any{"goal_id": goal.ID})
}

func (s *Service) OnGoalCompleted(ctx context.Context, agentID string, goal tree.Node) {
	s.remember(ctx, agentID, KindEpisodic, fmt.Sprintf("Goal completed: %s", goal.Title), map[string]any{"goal_id": goal.ID})
}

func (s *Service) OnTaskCreated(ctx context.Context, agentID string, task queue.Task) {
	s.remember(ctx, agentID, KindEpisodic, fmt.Sprintf("Task created: %s", task.Title), map[string]any{"task_id": task.ID})
}

// remember stores a hook record. Titles come from user text, so common PII is
// masked before it reaches the store.
func (s *Service) remember(ctx context.Context, agentID string, kind Kind, content string, meta map[string]any) {
	content, masked := policy.MaskPII(content)
	if len(masked) > 0 {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["masked"] = masked
	}
	if _, err := s.store.Save(ctx, Record{AgentID: agentID, Kind: kind, Content: content, Metadata: meta, CreatedAt: s.now()}); err != nil {
		s.logger.Warn("memory hook failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Remember stores an arbitrary memory.
func (s *Service) Remember(ctx context.Context, r Record) (Record, error) {
	r.Content = strings.TrimSpace(r.Content)
	if r.Content == "" {
		return Record{}, fmt.Errorf("memory content is required")
	}
	if r.Kind == "" {
		r.Kind = KindSemantic
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	return s.store.Save(ctx, r)
}

func (s *Service) PendingProspective(ctx context.Context, agentID string) ([]Record, error) {
	return s.store.PendingProspective(ctx, agentID)
}

func (s *Service) CompleteProspectiveMemory(ctx context.Context, agentID, id string) error {
	return s.store.MarkCompleted(ctx, agentID, id)
}
