package planning

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/oracle"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/reactive"
	"github.com/ent0n29/planner/internal/tactical"
	"github.com/ent0n29/planner/internal/work"
)

// ProcessQueue scores the ready tasks and either starts the best one, keeps
// the active task, preempts it for a critical task, or raises an
// interruption that needs the user's answer.
func (m *Manager) ProcessQueue(ctx context.Context, conversationID, originalUserMessage string) (ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, err := m.processLocked(ctx, conversationID, originalUserMessage)
	m.queueUpdateLocked()
	m.persistLocked()
	return res, err
}

// ProcessIfIdle runs a queue pass only when nothing is active and something
// is pending. It reports whether a pass ran.
func (m *Manager) ProcessIfIdle(ctx context.Context) (ProcessResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue.Active(); ok {
		return ProcessResult{}, false, nil
	}
	if len(m.scheduler.Eligible(m.queue.Pending())) == 0 {
		return ProcessResult{}, false, nil
	}
	res, err := m.processLocked(ctx, m.focusLocked().ConversationID, "")
	m.queueUpdateLocked()
	m.persistLocked()
	return res, true, err
}

func (m *Manager) processLocked(ctx context.Context, conversationID, originalUserMessage string) (ProcessResult, error) {
	m.dropStaleInterruptionLocked()
	active, hasActive := m.queue.Active()
	if !hasActive && len(m.queue.Pending()) == 0 {
		if t, ok := m.queue.PromoteStrategic(); ok {
			m.logger.Debug("promoted strategic task", zap.String("task_id", t.ID))
		}
	}

	focus := m.focusLocked()
	scored := m.prioritizer.Prioritize(m.candidatesLocked(), focus, m.queue.DependenciesMet)
	m.storeScoresLocked(scored)
	if len(scored) == 0 {
		if hasActive {
			return ProcessResult{Type: ResultContinue, Task: &active}, nil
		}
		return ProcessResult{Type: ResultIdle}, nil
	}
	next := scored[0]

	if m.interruption != nil {
		if next.Task.Urgency != work.UrgencyCritical || active.Urgency == work.UrgencyCritical {
			return ProcessResult{Type: ResultInterruption, Task: &active, Interruption: m.interruption.clone()}, nil
		}
		m.logger.Info("critical task overrides pending interruption",
			zap.String("candidate_id", next.Task.ID),
			zap.String("dropped_candidate_id", m.interruption.NewTask.ID),
		)
		m.interruption = nil
	}

	var current *attention.Scored
	if hasActive {
		current = &attention.Scored{
			Task:  active,
			Score: m.prioritizer.Score(active, focus, m.queue.DependenciesMet(active)),
		}
	}
	d := m.switcher.Decide(ctx, current, next, focus)
	m.observer.ObserveDecision(d.Action)

	switch d.Action {
	case reactive.ActionStart:
		return m.startLocked(ctx, next.Task.ID, conversationID)
	case reactive.ActionPreempt:
		m.logger.Info("preempting active task",
			zap.String("active_id", active.ID),
			zap.String("candidate_id", next.Task.ID),
			zap.String("reason", d.Reason),
		)
		return m.preemptLocked(ctx, next.Task.ID, conversationID)
	case reactive.ActionConfirm:
		return m.requestInterruptionLocked(ctx, active, next.Task, d.Assessment, conversationID, originalUserMessage), nil
	default:
		return ProcessResult{Type: ResultContinue, Task: &active}, nil
	}
}

// candidatesLocked lists pending tasks that are due and whose tree node, if
// any, is ready.
func (m *Manager) candidatesLocked() []queue.Task {
	due := m.scheduler.Eligible(m.queue.Pending())
	out := due[:0]
	for _, t := range due {
		if _, ok := m.tree.Get(t.NodeID); ok && !m.tree.IsReady(t.NodeID) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// storeScoresLocked writes scores back as priorities and puts the scored
// tasks at the head of pending in score order.
func (m *Manager) storeScoresLocked(scored []attention.Scored) {
	if len(scored) == 0 {
		return
	}
	ordered := make([]queue.Task, 0, len(scored))
	for i := range scored {
		scored[i].Task.Priority = work.ClampPriority(scored[i].Score)
		ordered = append(ordered, scored[i].Task)
	}
	if err := m.queue.SetPendingTasks(ordered); err != nil {
		m.logger.Warn("reorder pending tasks failed", zap.Error(err))
	}
}

func (m *Manager) startLocked(ctx context.Context, taskID, conversationID string) (ProcessResult, error) {
	started, err := m.queue.StartTask(taskID)
	if err != nil {
		return ProcessResult{}, err
	}
	var steps []tactical.Step
	if saved, ok := m.contexts.Take(started.ID); ok && len(saved.Steps) > 0 {
		err = m.executor.Resume(tactical.State{Task: started, Steps: saved.Steps, Cursor: saved.Cursor})
		steps = m.executor.Steps()
	} else {
		steps, err = m.executor.StartExecution(ctx, started)
	}
	if err != nil {
		m.queue.SuspendActive()
		return ProcessResult{}, fmt.Errorf("start task %s: %w", started.ID, err)
	}
	m.setNodeStatusLocked(ctx, started.NodeID, work.StatusActive)
	m.tree.SetActive(started.NodeID)
	m.attention.UpdateTaskFocus(m.agentID, started.Title, started.Urgency, conversationID)
	m.announceConfirmationLocked()
	return ProcessResult{Type: ResultTask, Task: &started, Steps: steps}, nil
}

func (m *Manager) preemptLocked(ctx context.Context, taskID, conversationID string) (ProcessResult, error) {
	old, suspended := m.suspendActiveLocked(ctx)
	res, err := m.startLocked(ctx, taskID, conversationID)
	if err != nil {
		return res, err
	}
	if suspended {
		res.Preempted = &old
	}
	return res, nil
}

// suspendActiveLocked pushes the active task back to pending and keeps its
// progress and steps for when it runs again.
func (m *Manager) suspendActiveLocked(ctx context.Context) (queue.Task, bool) {
	running, ok := m.queue.Active()
	if !ok {
		return queue.Task{}, false
	}
	state, _ := m.executor.Clear()
	m.contexts.Save(running, state, m.now())
	old, ok := m.queue.SuspendActive()
	if !ok {
		return queue.Task{}, false
	}
	m.setNodeStatusLocked(ctx, old.NodeID, work.StatusPending)
	m.tree.SetActive("")
	m.switcher.Prune(old.ID)
	return old, true
}

func (m *Manager) requestInterruptionLocked(ctx context.Context, current, candidate queue.Task, assessment oracle.Assessment, conversationID, originalUserMessage string) ProcessResult {
	text := fmt.Sprintf("You're in the middle of %q. Switch to %q now?", current.Title, candidate.Title)
	if m.confirmer != nil {
		out, err := m.confirmer.ConfirmationText(ctx, current, candidate, originalUserMessage)
		switch {
		case err != nil:
			m.logger.Warn("confirmation text failed, using default", zap.Error(err))
		case strings.TrimSpace(out) != "":
			text = strings.TrimSpace(out)
		}
	}
	p := &PendingInterruption{
		CurrentTask:         current,
		NewTask:             candidate,
		OriginalUserMessage: originalUserMessage,
		Assessment:          assessment,
		Message:             text,
		ConversationID:      conversationID,
		CreatedAt:           m.now(),
	}
	m.interruption = p
	m.publishLocked(Event{Type: EventInterruptionRequest, Interruption: p.clone(), Message: text})
	return ProcessResult{Type: ResultInterruption, Task: &current, Interruption: p.clone()}
}

// dropStaleInterruptionLocked forgets the pending interruption once its
// active task stopped or its candidate left pending.
func (m *Manager) dropStaleInterruptionLocked() {
	p := m.interruption
	if p == nil {
		return
	}
	active, ok := m.queue.Active()
	cand, candOK := m.queue.Get(p.NewTask.ID)
	if !ok || active.ID != p.CurrentTask.ID || !candOK || cand.Status != work.StatusPending {
		m.interruption = nil
	}
}

func (m *Manager) GetPendingInterruption() *PendingInterruption {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropStaleInterruptionLocked()
	return m.interruption.clone()
}

// HandleInterruptionConfirmation interprets the user's reply to the pending
// interruption and applies it.
func (m *Manager) HandleInterruptionConfirmation(ctx context.Context, userText string) (Resolution, ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropStaleInterruptionLocked()
	if m.interruption == nil {
		return "", ProcessResult{}, ErrNoPendingInterruption
	}
	res := ResolutionOf(m.switcher.Interpret(ctx, userText))
	out, err := m.resolveLocked(ctx, res)
	m.queueUpdateLocked()
	m.persistLocked()
	return res, out, err
}

// ResolveInterruption applies an explicit answer to the pending interruption.
func (m *Manager) ResolveInterruption(ctx context.Context, res Resolution) (ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropStaleInterruptionLocked()
	if m.interruption == nil {
		return ProcessResult{}, ErrNoPendingInterruption
	}
	out, err := m.resolveLocked(ctx, res)
	m.queueUpdateLocked()
	m.persistLocked()
	return out, err
}

func (m *Manager) resolveLocked(ctx context.Context, res Resolution) (ProcessResult, error) {
	switch res {
	case ResolutionProceed, ResolutionAddToQueue, ResolutionDiscard:
	default:
		return ProcessResult{}, fmt.Errorf("%w: unknown resolution %q", ErrInvalidRequest, res)
	}
	p := m.interruption
	m.interruption = nil
	m.logger.Info("interruption resolved",
		zap.String("resolution", string(res)),
		zap.String("active_id", p.CurrentTask.ID),
		zap.String("candidate_id", p.NewTask.ID),
	)

	switch res {
	case ResolutionProceed:
		m.observer.ObserveDecision(reactive.ActionPreempt)
		return m.preemptLocked(ctx, p.NewTask.ID, p.ConversationID)
	case ResolutionAddToQueue:
		m.switcher.Defer(p.NewTask.ID, p.CurrentTask.ID)
	case ResolutionDiscard:
		if t, ok := m.queue.RemovePending(p.NewTask.ID); ok {
			m.setNodeStatusLocked(ctx, t.NodeID, work.StatusCancelled)
			m.fallbacks.Forget(t.ID)
			m.contexts.Delete(t.ID)
			m.stats.TotalCancelled++
			m.observer.ObserveTaskFinished(work.StatusCancelled, m.elapsed(t))
		}
	}
	if active, ok := m.queue.Active(); ok {
		return ProcessResult{Type: ResultContinue, Task: &active}, nil
	}
	return ProcessResult{Type: ResultIdle}, nil
}
