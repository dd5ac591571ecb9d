package reactive

import (
	"time"

	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/tactical"
	"github.com/ent0n29/planner/internal/work"
)

// SavedContext is what a preempted task had when it was pushed back.
type SavedContext struct {
	TaskID   string          `json:"task_id"`
	Progress int             `json:"progress"`
	Status   work.TaskStatus `json:"status"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Steps    []tactical.Step `json:"steps,omitempty"`
	Cursor   int             `json:"cursor"`
	SavedAt  time.Time       `json:"saved_at"`
}

// ContextStore keeps one saved context per task id.
type ContextStore struct {
	saved map[string]SavedContext
}

func NewContextStore() *ContextStore {
	return &ContextStore{saved: make(map[string]SavedContext)}
}

// Save records the state of a task at the moment it was interrupted.
func (c *ContextStore) Save(task queue.Task, state tactical.State, at time.Time) SavedContext {
	sc := SavedContext{
		TaskID:   task.ID,
		Progress: task.Progress,
		Status:   task.Status,
		Metadata: cloneMap(task.Metadata),
		Steps:    append([]tactical.Step(nil), state.Steps...),
		Cursor:   state.Cursor,
		SavedAt:  at,
	}
	c.saved[task.ID] = sc
	return sc
}

func (c *ContextStore) Get(taskID string) (SavedContext, bool) {
	sc, ok := c.saved[taskID]
	return sc, ok
}

// Take returns and forgets the saved context of taskID.
func (c *ContextStore) Take(taskID string) (SavedContext, bool) {
	sc, ok := c.saved[taskID]
	if ok {
		delete(c.saved, taskID)
	}
	return sc, ok
}

func (c *ContextStore) Delete(taskID string) {
	delete(c.saved, taskID)
}

func (c *ContextStore) Len() int { return len(c.saved) }

func (c *ContextStore) All() []SavedContext {
	out := make([]SavedContext, 0, len(c.saved))
	for _, sc := range c.saved {
		out = append(out, sc)
	}
	return out
}

func (c *ContextStore) Restore(in []SavedContext) {
	c.saved = make(map[string]SavedContext, len(in))
	for _, sc := range in {
		if sc.TaskID != "" {
			c.saved[sc.TaskID] = sc
		}
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
