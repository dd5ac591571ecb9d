// Package tactical runs the active task one step at a time. The executor
// holds at most one task; the planner serializes every call.
package tactical

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/oracle"
	"github.com/ent0n29/planner/internal/queue"
)

var (
	ErrExecutorBusy         = errors.New("executor already runs a task")
	ErrNoActiveExecution    = errors.New("no task is executing")
	ErrAwaitingConfirmation = errors.New("current step awaits confirmation")
	ErrNoConfirmation       = errors.New("current step does not await confirmation")
)

type Step struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Description          string `json:"description,omitempty"`
	Order                int    `json:"order"`
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`
	Confirmed            bool   `json:"confirmed,omitempty"`
	Completed            bool   `json:"completed"`
	Result               string `json:"result,omitempty"`
	Error                string `json:"error,omitempty"`
}

// Progress reports the step that just completed and the task percentage.
type Progress struct {
	Step    Step `json:"step"`
	Percent int  `json:"percent"`
	Done    bool `json:"done"`
}

// State is everything needed to resume a task later.
type State struct {
	Task   queue.Task `json:"task"`
	Steps  []Step     `json:"steps"`
	Cursor int        `json:"cursor"`
}

type Executor struct {
	decomposer    oracle.StepDecomposer
	confirmations bool
	logger        *zap.Logger

	task   *queue.Task
	steps  []Step
	cursor int
}

// NewExecutor builds an executor. With confirmations off, steps flagged for
// confirmation run without pausing.
func NewExecutor(decomposer oracle.StepDecomposer, confirmations bool, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		decomposer:    decomposer,
		confirmations: confirmations,
		logger:        logger,
	}
}

// StartExecution plans the steps of task and makes it the executing task.
// When the step oracle fails or returns nothing, the local planner is used.
func (e *Executor) StartExecution(ctx context.Context, task queue.Task) ([]Step, error) {
	if e.task != nil {
		return nil, ErrExecutorBusy
	}
	var proposals []oracle.StepProposal
	if e.decomposer != nil {
		out, err := e.decomposer.DecomposeSteps(ctx, task)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("step decomposition failed, using local plan",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
		proposals = out
	}
	steps := buildSteps(proposals)
	if len(steps) == 0 {
		steps = buildSteps(oracle.PlanSteps(task.Title, task.Description))
	}
	t := task.Clone()
	e.task = &t
	e.steps = steps
	e.cursor = 0
	return e.Steps(), nil
}

func buildSteps(proposals []oracle.StepProposal) []Step {
	out := make([]Step, 0, len(proposals))
	for _, p := range proposals {
		title := strings.TrimSpace(p.Title)
		if title == "" {
			continue
		}
		out = append(out, Step{
			ID:                   uuid.NewString(),
			Title:                title,
			Description:          strings.TrimSpace(p.Description),
			Order:                len(out) + 1,
			RequiresConfirmation: p.RequiresConfirmation,
		})
	}
	return out
}

// Resume reinstalls a task that was suspended earlier.
func (e *Executor) Resume(s State) error {
	if e.task != nil {
		return ErrExecutorBusy
	}
	t := s.Task.Clone()
	e.task = &t
	e.steps = cloneSteps(s.Steps)
	e.cursor = s.Cursor
	if e.cursor < 0 {
		e.cursor = 0
	}
	if e.cursor > len(e.steps) {
		e.cursor = len(e.steps)
	}
	return nil
}

// Clear drops the executing task and returns what it held.
func (e *Executor) Clear() (State, bool) {
	s, ok := e.State()
	e.task = nil
	e.steps = nil
	e.cursor = 0
	return s, ok
}

func (e *Executor) State() (State, bool) {
	if e.task == nil {
		return State{}, false
	}
	return State{Task: e.task.Clone(), Steps: e.Steps(), Cursor: e.cursor}, true
}

func (e *Executor) Active() (queue.Task, bool) {
	if e.task == nil {
		return queue.Task{}, false
	}
	return e.task.Clone(), true
}

func (e *Executor) Steps() []Step { return cloneSteps(e.steps) }

func (e *Executor) CurrentStep() (Step, bool) {
	if e.task == nil || e.cursor >= len(e.steps) {
		return Step{}, false
	}
	return e.steps[e.cursor], true
}

// AwaitingConfirmation reports whether the current step is paused for an
// external go-ahead.
func (e *Executor) AwaitingConfirmation() bool {
	step, ok := e.CurrentStep()
	return ok && e.confirmations && step.RequiresConfirmation && !step.Confirmed
}

// ConfirmCurrentStep records the answer for a paused step. A rejection is
// reported as false and leaves the step for the caller to fail.
func (e *Executor) ConfirmCurrentStep(approved bool) (Step, bool, error) {
	if e.task == nil {
		return Step{}, false, ErrNoActiveExecution
	}
	if !e.AwaitingConfirmation() {
		return Step{}, false, ErrNoConfirmation
	}
	if approved {
		e.steps[e.cursor].Confirmed = true
	}
	return e.steps[e.cursor], approved, nil
}

// CompleteCurrentStep marks the current step done and advances the cursor.
func (e *Executor) CompleteCurrentStep(result string) (Progress, error) {
	if e.task == nil {
		return Progress{}, ErrNoActiveExecution
	}
	if e.cursor >= len(e.steps) {
		return Progress{Percent: 100, Done: true}, nil
	}
	if e.AwaitingConfirmation() {
		return Progress{}, ErrAwaitingConfirmation
	}
	step := &e.steps[e.cursor]
	step.Completed = true
	step.Result = strings.TrimSpace(result)
	step.Error = ""
	e.cursor++
	return Progress{
		Step:    *step,
		Percent: e.Percent(),
		Done:    e.AreAllStepsCompleted(),
	}, nil
}

// FailCurrentStep records an error on the current step without advancing.
func (e *Executor) FailCurrentStep(reason string) (Step, bool) {
	if e.task == nil || e.cursor >= len(e.steps) {
		return Step{}, false
	}
	e.steps[e.cursor].Error = strings.TrimSpace(reason)
	return e.steps[e.cursor], true
}

func (e *Executor) AreAllStepsCompleted() bool {
	if e.task == nil {
		return false
	}
	for _, s := range e.steps {
		if !s.Completed {
			return false
		}
	}
	return true
}

// Percent is the share of completed steps, rounded down.
func (e *Executor) Percent() int {
	if len(e.steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range e.steps {
		if s.Completed {
			done++
		}
	}
	return done * 100 / len(e.steps)
}

func cloneSteps(in []Step) []Step {
	if in == nil {
		return nil
	}
	out := make([]Step, len(in))
	copy(out, in)
	return out
}
