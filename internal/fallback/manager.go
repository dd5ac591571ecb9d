// Package fallback turns failures into substitute tasks registered ahead of
// time.
package fallback

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/work"
)

const (
	MetaFallbackFor   = "fallbackFor"
	MetaFallbackDepth = "fallbackDepth"

	DefaultMaxDepth = 2
)

var ErrInvalidPlan = errors.New("invalid fallback plan")

type Plan struct {
	TaskID      string  `json:"task_id"`
	Description string  `json:"description"`
	Priority    float64 `json:"priority"`
}

// Manager keeps at most one registered plan per task. A plan is consumed the
// first time its task fails, and fallbacks of fallbacks stop at maxDepth.
type Manager struct {
	plans    map[string]Plan
	maxDepth int
}

func NewManager(maxDepth int) *Manager {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Manager{plans: make(map[string]Plan), maxDepth: maxDepth}
}

func (m *Manager) MaxDepth() int { return m.maxDepth }

// RegisterFallback stores or replaces the plan for taskID.
func (m *Manager) RegisterFallback(taskID, description string, priority float64) (Plan, error) {
	taskID = strings.TrimSpace(taskID)
	description = strings.TrimSpace(description)
	if taskID == "" {
		return Plan{}, fmt.Errorf("%w: task_id is required", ErrInvalidPlan)
	}
	if description == "" {
		return Plan{}, fmt.Errorf("%w: description is required", ErrInvalidPlan)
	}
	p := Plan{TaskID: taskID, Description: description, Priority: work.ClampPriority(priority)}
	m.plans[taskID] = p
	return p, nil
}

func (m *Manager) Registered(taskID string) (Plan, bool) {
	p, ok := m.plans[taskID]
	return p, ok
}

func (m *Manager) Forget(taskID string) {
	delete(m.plans, taskID)
}

// Resolve produces the fallback task for a failed task, if any. The task is
// not queued; the caller adds it.
func (m *Manager) Resolve(failed queue.Task) (queue.Task, bool) {
	p, ok := m.plans[failed.ID]
	if !ok {
		return queue.Task{}, false
	}
	delete(m.plans, failed.ID)
	depth := Depth(failed)
	if depth >= m.maxDepth {
		return queue.Task{}, false
	}
	return queue.Task{
		Title:       p.Description,
		Description: fmt.Sprintf("Fallback for %q", failed.Title),
		Type:        queue.TaskTypeImmediate,
		Source:      work.SourceSelfGenerated,
		Priority:    p.Priority,
		Urgency:     failed.Urgency,
		Metadata: map[string]any{
			MetaFallbackFor:   failed.ID,
			MetaFallbackDepth: depth + 1,
		},
	}, true
}

// Depth is how many fallbacks separate t from an original task.
func Depth(t queue.Task) int {
	switch v := t.Metadata[MetaFallbackDepth].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Plans lists registered plans ordered by task id.
func (m *Manager) Plans() []Plan {
	out := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (m *Manager) Restore(plans []Plan) {
	m.plans = make(map[string]Plan, len(plans))
	for _, p := range plans {
		if p.TaskID != "" && p.Description != "" {
			m.plans[p.TaskID] = p
		}
	}
}
