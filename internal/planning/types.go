package planning

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/fallback"
	"github.com/ent0n29/planner/internal/memory"
	"github.com/ent0n29/planner/internal/oracle"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/reactive"
	"github.com/ent0n29/planner/internal/tactical"
	"github.com/ent0n29/planner/internal/tree"
	"github.com/ent0n29/planner/internal/work"
)

var (
	ErrTaskNotFound          = errors.New("task not found")
	ErrNoActiveTask          = errors.New("no active task")
	ErrNoPendingInterruption = errors.New("no pending interruption")
	ErrAwaitingConfirmation  = errors.New("current step awaits confirmation")
	ErrInvalidRequest        = errors.New("invalid request")
)

// MemoryCollaborator is the agent memory the planner reads for decomposition
// and notifies about lifecycle changes.
type MemoryCollaborator interface {
	GetRelevantMemories(ctx context.Context, agentID, text string, q memory.Query) ([]memory.Record, error)
	OnGoalCreated(ctx context.Context, agentID string, goal tree.Node)
	OnGoalCompleted(ctx context.Context, agentID string, goal tree.Node)
	OnTaskCreated(ctx context.Context, agentID string, task queue.Task)
	PendingProspective(ctx context.Context, agentID string) ([]memory.Record, error)
	CompleteProspectiveMemory(ctx context.Context, agentID, id string) error
}

// AttentionCollaborator tracks what the agent is focused on.
type AttentionCollaborator interface {
	UpdateTaskFocus(agentID, title string, urgency work.Urgency, conversationID string)
	ClearTaskFocus(agentID string)
	Focus(agentID string) attention.Focus
}

// Observer receives counters about planner activity.
type Observer interface {
	ObserveTaskFinished(status work.TaskStatus, elapsed time.Duration)
	ObserveDecision(action reactive.Action)
	ObserveFallback()
}

type nopObserver struct{}

func (nopObserver) ObserveTaskFinished(work.TaskStatus, time.Duration) {}
func (nopObserver) ObserveDecision(reactive.Action)                    {}
func (nopObserver) ObserveFallback()                                   {}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	AgentID           string
	Oracles           oracle.Set
	Memory            MemoryCollaborator
	Attention         AttentionCollaborator
	Store             Store
	Observer          Observer
	Weights           *attention.Weights
	MaxFallbackDepth  int
	StepConfirmations bool
	Limits            tree.Limits
	Logger            *zap.Logger
	Now               func() time.Time
}

type EventType string

const (
	EventQueueUpdate         EventType = "queue_update"
	EventStepProgress        EventType = "step_progress"
	EventStepFailure         EventType = "step_failure"
	EventStepConfirmation    EventType = "step_confirmation"
	EventInterruptionRequest EventType = "interruption_request"
	EventTaskCompleted       EventType = "task_completed"
)

// Event is what subscribers receive. Only the fields relevant to Type are set.
type Event struct {
	Type         EventType            `json:"type"`
	AgentID      string               `json:"agent_id"`
	Queue        *queue.Queue         `json:"queue,omitempty"`
	Task         *queue.Task          `json:"task,omitempty"`
	Step         *tactical.Step       `json:"step,omitempty"`
	Percent      int                  `json:"percent,omitempty"`
	Success      bool                 `json:"success,omitempty"`
	Error        string               `json:"error,omitempty"`
	Fallback     *queue.Task          `json:"fallback,omitempty"`
	Interruption *PendingInterruption `json:"interruption,omitempty"`
	Message      string               `json:"message,omitempty"`
	At           time.Time            `json:"at"`
}

// PendingInterruption is a switch waiting for the user's answer. At most one
// exists per planner.
type PendingInterruption struct {
	CurrentTask         queue.Task        `json:"current_task"`
	NewTask             queue.Task        `json:"new_task"`
	OriginalUserMessage string            `json:"original_user_message,omitempty"`
	Assessment          oracle.Assessment `json:"assessment"`
	Message             string            `json:"message"`
	ConversationID      string            `json:"conversation_id,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

func (p *PendingInterruption) clone() *PendingInterruption {
	if p == nil {
		return nil
	}
	out := *p
	out.CurrentTask = p.CurrentTask.Clone()
	out.NewTask = p.NewTask.Clone()
	return &out
}

// Resolution is the user's answer to a pending interruption.
type Resolution string

const (
	ResolutionProceed    Resolution = "proceed"
	ResolutionAddToQueue Resolution = "add_to_queue"
	ResolutionDiscard    Resolution = "discard"
)

func ResolutionOf(in oracle.Interpretation) Resolution {
	switch {
	case in.Proceed:
		return ResolutionProceed
	case in.AddToQueue:
		return ResolutionAddToQueue
	default:
		return ResolutionDiscard
	}
}

type ResultType string

const (
	// ResultTask means a task was started, or resumed, by this call.
	ResultTask ResultType = "task"
	// ResultContinue means the active task keeps running.
	ResultContinue     ResultType = "continue"
	ResultInterruption ResultType = "interruption"
	ResultIdle         ResultType = "idle"
)

// ProcessResult is the outcome of one queue pass.
type ProcessResult struct {
	Type         ResultType           `json:"type"`
	Task         *queue.Task          `json:"task,omitempty"`
	Steps        []tactical.Step      `json:"steps,omitempty"`
	Preempted    *queue.Task          `json:"preempted,omitempty"`
	Interruption *PendingInterruption `json:"interruption,omitempty"`
}

// Stats are running totals since the planner was created.
type Stats struct {
	TotalCompleted        int     `json:"total_completed"`
	TotalFailed           int     `json:"total_failed"`
	TotalCancelled        int     `json:"total_cancelled"`
	AverageCompletionTime float64 `json:"average_completion_time_ms"`
}

// recordCompletion folds one sample into the incremental mean.
func (s *Stats) recordCompletion(sample time.Duration) {
	s.TotalCompleted++
	n := float64(s.TotalCompleted)
	ms := float64(sample) / float64(time.Millisecond)
	s.AverageCompletionTime = (s.AverageCompletionTime*(n-1) + ms) / n
}

// TaskRequest creates a task. ParentID attaches it under a goal; empty hangs
// it off the root.
type TaskRequest struct {
	Title               string         `json:"title"`
	Description         string         `json:"description,omitempty"`
	Type                queue.TaskType `json:"type,omitempty"`
	Source              work.Source    `json:"source,omitempty"`
	Urgency             work.Urgency   `json:"urgency,omitempty"`
	Priority            float64        `json:"priority,omitempty"`
	ParentID            string         `json:"parent_id,omitempty"`
	Order               int            `json:"order,omitempty"`
	Dependencies        []string       `json:"dependencies,omitempty"`
	ScheduledFor        *time.Time     `json:"scheduled_for,omitempty"`
	ProspectiveMemoryID string         `json:"prospective_memory_id,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

type GoalRequest struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	ParentID    string       `json:"parent_id,omitempty"`
	Source      work.Source  `json:"source,omitempty"`
	Urgency     work.Urgency `json:"urgency,omitempty"`
	// Children are inserted as given. When empty and Decompose is set, the
	// decomposition oracle proposes them.
	Children  []tree.Proposal `json:"children,omitempty"`
	Decompose bool            `json:"decompose,omitempty"`
}

// GoalResult lists what a goal operation added to the tree and queue.
type GoalResult struct {
	Goal     tree.Node    `json:"goal"`
	Inserted []tree.Node  `json:"inserted,omitempty"`
	Tasks    []queue.Task `json:"tasks,omitempty"`
	Skipped  bool         `json:"skipped,omitempty"`
}

type Completion struct {
	Task  queue.Task    `json:"task"`
	Goals []tree.Node   `json:"completed_goals,omitempty"`
	Next  ProcessResult `json:"next"`
}

type Failure struct {
	Task     queue.Task     `json:"task"`
	Step     *tactical.Step `json:"step,omitempty"`
	Fallback *queue.Task    `json:"fallback,omitempty"`
	Next     ProcessResult  `json:"next"`
}

type StepResult struct {
	Progress  tactical.Progress `json:"progress"`
	Completed *Completion       `json:"completed,omitempty"`
}

type Cancellation struct {
	Cancelled []queue.Task   `json:"cancelled"`
	Next      *ProcessResult `json:"next,omitempty"`
}

// Snapshot is the persisted form of one planner.
type Snapshot struct {
	AgentID      string                  `json:"agent_id"`
	Revision     int64                   `json:"revision"`
	Tree         tree.Snapshot           `json:"tree"`
	Queue        queue.Queue             `json:"queue"`
	Execution    *tactical.State         `json:"execution,omitempty"`
	Contexts     []reactive.SavedContext `json:"contexts,omitempty"`
	Fallbacks    []fallback.Plan         `json:"fallbacks,omitempty"`
	Deferred     map[string]string       `json:"deferred,omitempty"`
	Interruption *PendingInterruption    `json:"interruption,omitempty"`
	Stats        Stats                   `json:"stats"`
	SavedAt      time.Time               `json:"saved_at"`
}
