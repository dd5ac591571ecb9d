package queue

import (
	"time"

	"github.com/ent0n29/planner/internal/work"
)

type TaskType string

const (
	TaskTypeImmediate TaskType = "immediate"
	TaskTypeStrategic TaskType = "strategic"
	TaskTypeScheduled TaskType = "scheduled"
)

func ParseTaskType(raw string) TaskType {
	switch t := TaskType(raw); t {
	case TaskTypeStrategic, TaskTypeScheduled:
		return t
	default:
		return TaskTypeImmediate
	}
}

// Task is the flattened queue record. NodeID links it to the tree node it
// mirrors; for tasks created through the planner the two ids are equal.
type Task struct {
	ID                  string          `json:"id"`
	NodeID              string          `json:"node_id,omitempty"`
	Title               string          `json:"title"`
	Description         string          `json:"description,omitempty"`
	Type                TaskType        `json:"type"`
	Source              work.Source     `json:"source"`
	Priority            float64         `json:"priority"`
	Urgency             work.Urgency    `json:"urgency"`
	Status              work.TaskStatus `json:"status"`
	Dependencies        []string        `json:"dependencies,omitempty"`
	Progress            int             `json:"progress"`
	Result              string          `json:"result,omitempty"`
	Error               string          `json:"error,omitempty"`
	ProspectiveMemoryID string          `json:"prospective_memory_id,omitempty"`
	ScheduledFor        *time.Time      `json:"scheduled_for,omitempty"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

func (t Task) Clone() Task {
	out := t
	if t.Dependencies != nil {
		out.Dependencies = make([]string, len(t.Dependencies))
		copy(out.Dependencies, t.Dependencies)
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	if t.ScheduledFor != nil {
		ts := *t.ScheduledFor
		out.ScheduledFor = &ts
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		out.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

func (t Task) Terminal() bool { return t.Status.Terminal() }

// Queue is a point-in-time copy of every partition.
type Queue struct {
	Pending   []Task `json:"pending"`
	Active    *Task  `json:"active,omitempty"`
	Completed []Task `json:"completed"`
	Strategic []Task `json:"strategic"`
}
