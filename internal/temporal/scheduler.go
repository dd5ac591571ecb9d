// Package temporal gates scheduled tasks on their trigger time.
package temporal

import (
	"time"

	"github.com/ent0n29/planner/internal/queue"
)

type Scheduler struct {
	now func() time.Time
}

func NewScheduler(now func() time.Time) *Scheduler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{now: now}
}

func (s *Scheduler) Now() time.Time { return s.now() }

// Due reports whether a scheduled task may run at now. A scheduled task
// without a trigger time is always due.
func Due(t queue.Task, now time.Time) bool {
	if t.Type != queue.TaskTypeScheduled || t.ScheduledFor == nil {
		return true
	}
	return !t.ScheduledFor.After(now)
}

// FilterDueTasks returns the scheduled tasks whose trigger time has passed.
func (s *Scheduler) FilterDueTasks(pending []queue.Task) []queue.Task {
	now := s.now()
	var out []queue.Task
	for _, t := range pending {
		if t.Type == queue.TaskTypeScheduled && Due(t, now) {
			out = append(out, t)
		}
	}
	return out
}

// Eligible drops scheduled tasks that are not due yet and keeps everything
// else in order.
func (s *Scheduler) Eligible(pending []queue.Task) []queue.Task {
	now := s.now()
	out := make([]queue.Task, 0, len(pending))
	for _, t := range pending {
		if Due(t, now) {
			out = append(out, t)
		}
	}
	return out
}

// NextDue returns the earliest trigger time still in the future.
func (s *Scheduler) NextDue(pending []queue.Task) (time.Time, bool) {
	now := s.now()
	var next time.Time
	found := false
	for _, t := range pending {
		if t.Type != queue.TaskTypeScheduled || t.ScheduledFor == nil || !t.ScheduledFor.After(now) {
			continue
		}
		if !found || t.ScheduledFor.Before(next) {
			next = *t.ScheduledFor
			found = true
		}
	}
	return next, found
}
