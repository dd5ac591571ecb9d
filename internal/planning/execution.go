package planning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/fallback"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/tactical"
	"github.com/ent0n29/planner/internal/tree"
	"github.com/ent0n29/planner/internal/work"
)

// CompleteCurrentStep finishes the current step of the active task. Finishing
// the last step completes the task.
func (m *Manager) CompleteCurrentStep(ctx context.Context, result string) (StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.queue.Active()
	if !ok {
		return StepResult{}, ErrNoActiveTask
	}
	p, err := m.executor.CompleteCurrentStep(result)
	switch {
	case errors.Is(err, tactical.ErrAwaitingConfirmation):
		return StepResult{}, ErrAwaitingConfirmation
	case errors.Is(err, tactical.ErrNoActiveExecution):
		return StepResult{}, ErrNoActiveTask
	case err != nil:
		return StepResult{}, err
	}
	m.queue.UpdateProgress(p.Percent)
	if active.NodeID != "" {
		_ = m.tree.SetTaskProgress(active.NodeID, p.Percent)
	}
	if cur, ok := m.queue.Active(); ok {
		active = cur
	}
	step := p.Step
	m.publishLocked(Event{Type: EventStepProgress, Task: &active, Step: &step, Percent: p.Percent, Success: true})

	out := StepResult{Progress: p}
	if p.Done {
		out.Completed = m.completeLocked(ctx, result)
	} else {
		m.announceConfirmationLocked()
	}
	m.queueUpdateLocked()
	m.persistLocked()
	return out, nil
}

// ConfirmCurrentStep answers a step that paused for confirmation. A declined
// step fails the task like any other step failure.
func (m *Manager) ConfirmCurrentStep(ctx context.Context, approved bool) (tactical.Step, *Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue.Active(); !ok {
		return tactical.Step{}, nil, ErrNoActiveTask
	}
	step, ok, err := m.executor.ConfirmCurrentStep(approved)
	if err != nil {
		if errors.Is(err, tactical.ErrNoConfirmation) {
			return tactical.Step{}, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return tactical.Step{}, nil, err
	}
	var f *Failure
	if !ok {
		step, _ = m.executor.FailCurrentStep("step declined")
		f = m.failLocked(ctx, "step declined", &step, true)
	}
	m.queueUpdateLocked()
	m.persistLocked()
	return step, f, nil
}

// CompleteCurrentTask completes the active task, updates the statistics and
// runs the next queue pass. It returns nil and changes nothing when no task
// is active.
func (m *Manager) CompleteCurrentTask(ctx context.Context, result string) *Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.completeLocked(ctx, result)
	if c == nil {
		return nil
	}
	m.queueUpdateLocked()
	m.persistLocked()
	return c
}

func (m *Manager) completeLocked(ctx context.Context, result string) *Completion {
	if _, ok := m.queue.Active(); !ok {
		return nil
	}
	conversationID := m.focusLocked().ConversationID
	t, ok := m.queue.CompleteTask(result)
	if !ok {
		return nil
	}
	m.executor.Clear()
	m.attention.ClearTaskFocus(m.agentID)
	m.forgetTaskLocked(t.ID)
	goals := m.setNodeStatusLocked(ctx, t.NodeID, work.StatusCompleted)

	elapsed := m.elapsed(t)
	m.stats.recordCompletion(elapsed)
	m.observer.ObserveTaskFinished(work.StatusCompleted, elapsed)
	if t.ProspectiveMemoryID != "" && m.memory != nil {
		if err := m.memory.CompleteProspectiveMemory(ctx, m.agentID, t.ProspectiveMemoryID); err != nil {
			m.logger.Warn("complete prospective memory failed",
				zap.String("memory_id", t.ProspectiveMemoryID),
				zap.Error(err),
			)
		}
	}
	m.publishLocked(Event{Type: EventTaskCompleted, Task: &t})

	c := &Completion{Task: t, Goals: goals}
	c.Next = m.nextLocked(ctx, conversationID)
	return c
}

// FailCurrentTask fails the active task. A registered fallback is queued in
// its place. It returns nil when no task is active.
func (m *Manager) FailCurrentTask(ctx context.Context, reason string) *Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.failLocked(ctx, reason, nil, false)
	if f == nil {
		return nil
	}
	m.queueUpdateLocked()
	m.persistLocked()
	return f
}

// HandleStepFailure records the error on the current step and fails the
// active task through the fallback manager.
func (m *Manager) HandleStepFailure(ctx context.Context, stepErr string) *Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue.Active(); !ok {
		return nil
	}
	var step *tactical.Step
	if s, ok := m.executor.FailCurrentStep(stepErr); ok {
		step = &s
	}
	f := m.failLocked(ctx, stepErr, step, true)
	m.queueUpdateLocked()
	m.persistLocked()
	return f
}

func (m *Manager) failLocked(ctx context.Context, reason string, step *tactical.Step, fromStep bool) *Failure {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "task failed"
	}
	if _, ok := m.queue.Active(); !ok {
		return nil
	}
	conversationID := m.focusLocked().ConversationID
	t, ok := m.queue.FailTask(reason)
	if !ok {
		return nil
	}
	m.executor.Clear()
	m.attention.ClearTaskFocus(m.agentID)
	m.contexts.Delete(t.ID)
	m.switcher.Prune(t.ID)
	m.setNodeStatusLocked(ctx, t.NodeID, work.StatusFailed)
	m.stats.TotalFailed++
	m.observer.ObserveTaskFinished(work.StatusFailed, m.elapsed(t))

	f := &Failure{Task: t, Step: step}
	if plan, ok := m.fallbacks.Resolve(t); ok {
		created, err := m.addFallbackLocked(ctx, t, plan)
		if err != nil {
			m.logger.Warn("queue fallback task failed", zap.String("task_id", t.ID), zap.Error(err))
		} else {
			f.Fallback = &created
			m.observer.ObserveFallback()
		}
	} else if depth := fallback.Depth(t); depth > 0 {
		m.logger.Info("fallback chain ended", zap.String("task_id", t.ID), zap.Int("depth", depth))
	}
	m.logger.Info("task failed",
		zap.String("task_id", t.ID),
		zap.String("reason", reason),
		zap.Bool("fallback", f.Fallback != nil),
	)
	if fromStep {
		m.publishLocked(Event{Type: EventStepFailure, Task: &t, Step: step, Error: reason, Fallback: f.Fallback})
	}
	f.Next = m.nextLocked(ctx, conversationID)
	return f
}

// addFallbackLocked places the fallback next to the failed task in the tree
// and queues it.
func (m *Manager) addFallbackLocked(ctx context.Context, failed, plan queue.Task) (queue.Task, error) {
	parentID, order := "", 0
	if n, ok := m.tree.Get(failed.NodeID); ok {
		parentID, order = n.ParentID, n.Order
	}
	node, err := m.tree.AddNode(tree.Node{
		Type:        tree.NodeTypeTask,
		Title:       plan.Title,
		Description: plan.Description,
		Order:       order,
		Source:      plan.Source,
		Urgency:     plan.Urgency,
		Priority:    plan.Priority,
		Metadata:    plan.Metadata,
	}, parentID)
	if err != nil {
		return queue.Task{}, err
	}
	if failed.NodeID != "" {
		if err := m.tree.Supersede(failed.NodeID, node.ID); err != nil {
			m.logger.Warn("link fallback to failed node failed", zap.Error(err))
		}
	}
	return m.enqueueNodeLocked(ctx, node, plan.Type, TaskRequest{})
}

// CancelTask cancels a pending or active task, or a goal with every open task
// under it. Cancelling the active task runs the next queue pass.
func (m *Manager) CancelTask(ctx context.Context, id, reason string) (Cancellation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = strings.TrimSpace(id)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}
	conversationID := m.focusLocked().ConversationID

	var ids []string
	if n, ok := m.tree.Get(id); ok && n.IsGoal() {
		cancelled, err := m.tree.CancelSubtree(id)
		if err != nil {
			return Cancellation{}, err
		}
		ids = cancelled
	} else {
		if _, ok := m.queue.Get(id); !ok {
			return Cancellation{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		ids = []string{id}
	}

	out := Cancellation{Cancelled: []queue.Task{}}
	freed := false
	for _, tid := range ids {
		t, wasActive, ok := m.cancelQueuedLocked(ctx, tid, reason)
		if !ok {
			continue
		}
		out.Cancelled = append(out.Cancelled, t)
		freed = freed || wasActive
	}
	if freed {
		next := m.nextLocked(ctx, conversationID)
		out.Next = &next
	}
	m.queueUpdateLocked()
	m.persistLocked()
	return out, nil
}

// cancelQueuedLocked cancels one queued task. Terminal and unknown ids are
// skipped.
func (m *Manager) cancelQueuedLocked(ctx context.Context, id, reason string) (queue.Task, bool, bool) {
	cur, ok := m.queue.Get(id)
	if !ok || cur.Terminal() {
		return queue.Task{}, false, false
	}
	t, wasActive, err := m.queue.CancelTask(id, reason)
	if err != nil {
		return queue.Task{}, false, false
	}
	if wasActive {
		m.executor.Clear()
		m.attention.ClearTaskFocus(m.agentID)
		m.tree.SetActive("")
	}
	if n, ok := m.tree.Get(t.NodeID); ok && !n.Terminal() {
		m.setNodeStatusLocked(ctx, t.NodeID, work.StatusCancelled)
	}
	m.forgetTaskLocked(id)
	if p := m.interruption; p != nil && (p.NewTask.ID == id || p.CurrentTask.ID == id) {
		m.interruption = nil
	}
	m.stats.TotalCancelled++
	m.observer.ObserveTaskFinished(work.StatusCancelled, m.elapsed(t))
	return t, wasActive, true
}

// RegisterFallback stores the task to queue if taskID fails.
func (m *Manager) RegisterFallback(taskID, description string, priority float64) (fallback.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.queue.Get(strings.TrimSpace(taskID))
	if !ok {
		return fallback.Plan{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Terminal() {
		return fallback.Plan{}, fmt.Errorf("%w: task %s is %s", ErrInvalidRequest, t.ID, t.Status)
	}
	p, err := m.fallbacks.RegisterFallback(t.ID, description, priority)
	if err != nil {
		return fallback.Plan{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	m.persistLocked()
	return p, nil
}

func (m *Manager) nextLocked(ctx context.Context, conversationID string) ProcessResult {
	next, err := m.processLocked(ctx, conversationID, "")
	if err != nil {
		m.logger.Warn("queue pass after task change failed", zap.Error(err))
		return ProcessResult{Type: ResultIdle}
	}
	return next
}

func (m *Manager) forgetTaskLocked(id string) {
	m.contexts.Delete(id)
	m.fallbacks.Forget(id)
	m.switcher.Prune(id)
}

// setNodeStatusLocked mirrors a queue transition onto the task's tree node and
// reports goals that completed as a result to memory.
func (m *Manager) setNodeStatusLocked(ctx context.Context, nodeID string, status work.TaskStatus) []tree.Node {
	if nodeID == "" {
		return nil
	}
	goals, err := m.tree.SetTaskStatus(nodeID, status)
	if err != nil {
		m.logger.Debug("tree node not updated", zap.String("node_id", nodeID), zap.Error(err))
		return nil
	}
	m.notifyGoalsLocked(ctx, goals)
	return goals
}

func (m *Manager) notifyGoalsLocked(ctx context.Context, goals []tree.Node) {
	if m.memory == nil {
		return
	}
	for _, g := range goals {
		m.memory.OnGoalCompleted(ctx, m.agentID, g)
	}
}

func (m *Manager) announceConfirmationLocked() {
	if !m.executor.AwaitingConfirmation() {
		return
	}
	step, ok := m.executor.CurrentStep()
	if !ok {
		return
	}
	task, _ := m.executor.Active()
	m.publishLocked(Event{
		Type:    EventStepConfirmation,
		Task:    &task,
		Step:    &step,
		Message: fmt.Sprintf("Step %q needs confirmation before it runs.", step.Title),
	})
}

// elapsed is the time from the first start, or creation, to completion.
func (m *Manager) elapsed(t queue.Task) time.Duration {
	start := t.CreatedAt
	if t.StartedAt != nil {
		start = *t.StartedAt
	}
	end := m.now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}
