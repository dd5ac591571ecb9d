// Package queue keeps the flattened task partitions of one agent: pending,
// the single active task, finished tasks and parked strategic tasks. Like the
// tree it is owned by one planner and relies on the planner's lock.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/planner/internal/work"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskState = errors.New("invalid task state")
	ErrActiveTaskExists = errors.New("another task is already active")
	ErrDuplicateTask    = errors.New("duplicate task id")
)

type Manager struct {
	now func() time.Time

	tasks     map[string]*Task
	pending   []string
	active    string
	completed []string
	strategic []string
}

func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		now:   now,
		tasks: make(map[string]*Task),
	}
}

// AddTask assigns an id and timestamps when absent and files the task as
// pending, or as strategic for strategic tasks.
func (m *Manager) AddTask(task Task) (Task, error) {
	task.Title = strings.TrimSpace(task.Title)
	if task.Title == "" {
		return Task{}, fmt.Errorf("%w: title is required", ErrInvalidTaskState)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := m.tasks[task.ID]; exists {
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	now := m.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Type = ParseTaskType(string(task.Type))
	if task.Source == "" {
		task.Source = work.SourceUser
	}
	if !task.Urgency.Valid() {
		task.Urgency = work.UrgencyMedium
	}
	task.Priority = work.ClampPriority(task.Priority)
	task.Progress = work.ClampProgress(task.Progress)
	task.Status = work.StatusPending
	task.StartedAt = nil
	task.CompletedAt = nil

	stored := task.Clone()
	m.tasks[stored.ID] = &stored
	if stored.Type == TaskTypeStrategic {
		m.strategic = append(m.strategic, stored.ID)
	} else {
		m.pending = append(m.pending, stored.ID)
	}
	return stored.Clone(), nil
}

// StartTask moves a pending task into the active slot.
func (m *Manager) StartTask(id string) (Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if m.active != "" && m.active != id {
		return Task{}, fmt.Errorf("%w: %s", ErrActiveTaskExists, m.active)
	}
	if m.active == id {
		return t.Clone(), nil
	}
	if t.Status != work.StatusPending || !containsID(m.pending, id) {
		return Task{}, fmt.Errorf("%w: start is only valid for pending tasks", ErrInvalidTaskState)
	}
	now := m.now()
	m.pending = removeID(m.pending, id)
	m.active = id
	t.Status = work.StatusActive
	t.UpdatedAt = now
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	return t.Clone(), nil
}

// CompleteTask finishes the active task. It reports false when nothing is
// active.
func (m *Manager) CompleteTask(result string) (Task, bool) {
	return m.finishActive(work.StatusCompleted, strings.TrimSpace(result), "")
}

func (m *Manager) FailTask(reason string) (Task, bool) {
	return m.finishActive(work.StatusFailed, "", strings.TrimSpace(reason))
}

func (m *Manager) finishActive(status work.TaskStatus, result, reason string) (Task, bool) {
	if m.active == "" {
		return Task{}, false
	}
	t, ok := m.tasks[m.active]
	if !ok {
		m.active = ""
		return Task{}, false
	}
	m.active = ""
	m.finishLocked(t, status, result, reason)
	return t.Clone(), true
}

func (m *Manager) finishLocked(t *Task, status work.TaskStatus, result, reason string) {
	now := m.now()
	t.Status = status
	t.Result = result
	t.Error = reason
	if status == work.StatusCompleted {
		t.Progress = 100
	}
	t.UpdatedAt = now
	t.CompletedAt = &now
	m.completed = append(m.completed, t.ID)
}

// CancelTask cancels a pending, strategic or active task. The returned flag
// reports whether the active slot was freed.
func (m *Manager) CancelTask(id, reason string) (Task, bool, error) {
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false, ErrTaskNotFound
	}
	if t.Terminal() {
		return t.Clone(), false, nil
	}
	wasActive := m.active == id
	if wasActive {
		m.active = ""
	}
	m.pending = removeID(m.pending, id)
	m.strategic = removeID(m.strategic, id)
	m.finishLocked(t, work.StatusCancelled, "", strings.TrimSpace(reason))
	return t.Clone(), wasActive, nil
}

// SuspendActive returns the active task to the front of pending with its
// progress intact.
func (m *Manager) SuspendActive() (Task, bool) {
	if m.active == "" {
		return Task{}, false
	}
	t, ok := m.tasks[m.active]
	m.active = ""
	if !ok {
		return Task{}, false
	}
	t.Status = work.StatusPending
	t.UpdatedAt = m.now()
	m.pending = append([]string{t.ID}, m.pending...)
	return t.Clone(), true
}

// SetPendingTasks replaces the pending ordering in one step. Every task must
// already be pending; updated priorities are stored.
func (m *Manager) SetPendingTasks(ordered []Task) error {
	ids := make([]string, 0, len(ordered))
	seen := make(map[string]bool, len(ordered))
	for _, t := range ordered {
		cur, ok := m.tasks[t.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
		}
		if cur.Status != work.StatusPending || !containsID(m.pending, t.ID) {
			return fmt.Errorf("%w: %s is not pending", ErrInvalidTaskState, t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: %s listed twice", ErrInvalidTaskState, t.ID)
		}
		seen[t.ID] = true
		ids = append(ids, t.ID)
	}
	for _, id := range m.pending {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	for _, t := range ordered {
		m.tasks[t.ID].Priority = work.ClampPriority(t.Priority)
	}
	m.pending = ids
	return nil
}

// RemovePending drops a pending task without recording it as finished.
func (m *Manager) RemovePending(id string) (Task, bool) {
	t, ok := m.tasks[id]
	if !ok || !containsID(m.pending, id) {
		return Task{}, false
	}
	m.pending = removeID(m.pending, id)
	delete(m.tasks, id)
	return t.Clone(), true
}

// PromoteStrategic moves the highest-priority strategic task into pending.
func (m *Manager) PromoteStrategic() (Task, bool) {
	if len(m.strategic) == 0 {
		return Task{}, false
	}
	best := -1
	for i, id := range m.strategic {
		t := m.tasks[id]
		if t == nil {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := m.tasks[m.strategic[best]]
		if t.Priority > b.Priority || (t.Priority == b.Priority && t.CreatedAt.Before(b.CreatedAt)) {
			best = i
		}
	}
	if best < 0 {
		m.strategic = nil
		return Task{}, false
	}
	id := m.strategic[best]
	m.strategic = removeID(m.strategic, id)
	m.pending = append(m.pending, id)
	t := m.tasks[id]
	t.UpdatedAt = m.now()
	return t.Clone(), true
}

// UpdateProgress stores progress for the active task.
func (m *Manager) UpdateProgress(progress int) bool {
	t, ok := m.tasks[m.active]
	if !ok {
		return false
	}
	t.Progress = work.ClampProgress(progress)
	t.UpdatedAt = m.now()
	return true
}

func (m *Manager) SetMetadata(id, key string, value any) bool {
	t, ok := m.tasks[id]
	if !ok {
		return false
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
	return true
}

func (m *Manager) Get(id string) (Task, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

func (m *Manager) Active() (Task, bool) {
	if m.active == "" {
		return Task{}, false
	}
	return m.Get(m.active)
}

func (m *Manager) Pending() []Task {
	return m.collect(m.pending)
}

// DependenciesMet reports whether every dependency of t has completed.
func (m *Manager) DependenciesMet(t Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := m.tasks[dep]
		if !ok || d.Status != work.StatusCompleted {
			return false
		}
	}
	return true
}

// ActiveCount counts tasks whose status is active across all partitions.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, t := range m.tasks {
		if t.Status == work.StatusActive {
			n++
		}
	}
	return n
}

func (m *Manager) State() Queue {
	out := Queue{
		Pending:   m.collect(m.pending),
		Completed: m.collect(m.completed),
		Strategic: m.collect(m.strategic),
	}
	if t, ok := m.Active(); ok {
		out.Active = &t
	}
	return out
}

// Restore replaces every partition with the content of q.
func (m *Manager) Restore(q Queue) error {
	tasks := make(map[string]*Task)
	add := func(list []Task, status func(Task) bool) ([]string, error) {
		ids := make([]string, 0, len(list))
		for _, t := range list {
			if t.ID == "" {
				return nil, fmt.Errorf("%w: task without id", ErrInvalidTaskState)
			}
			if _, dup := tasks[t.ID]; dup {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
			}
			if !status(t) {
				return nil, fmt.Errorf("%w: %s has status %s", ErrInvalidTaskState, t.ID, t.Status)
			}
			c := t.Clone()
			tasks[t.ID] = &c
			ids = append(ids, t.ID)
		}
		return ids, nil
	}
	isPending := func(t Task) bool { return t.Status == work.StatusPending }
	pending, err := add(q.Pending, isPending)
	if err != nil {
		return err
	}
	strategic, err := add(q.Strategic, isPending)
	if err != nil {
		return err
	}
	completed, err := add(q.Completed, Task.Terminal)
	if err != nil {
		return err
	}
	active := ""
	if q.Active != nil {
		ids, err := add([]Task{*q.Active}, func(t Task) bool { return t.Status == work.StatusActive })
		if err != nil {
			return err
		}
		active = ids[0]
	}
	m.tasks = tasks
	m.pending = pending
	m.strategic = strategic
	m.completed = completed
	m.active = active
	return nil
}

func (m *Manager) collect(ids []string) []Task {
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	if len(ids) == 0 {
		return ids
	}
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return append([]string(nil), out...)
}
