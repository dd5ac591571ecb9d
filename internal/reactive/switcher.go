// Package reactive decides whether a newly ready task should take over from
// the running one and interprets the user's answer when that needs asking.
package reactive

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/oracle"
	"github.com/ent0n29/planner/internal/work"
)

type Action string

const (
	// ActionStart runs the candidate because nothing is active.
	ActionStart Action = "start"
	// ActionContinue keeps the active task.
	ActionContinue Action = "continue"
	// ActionPreempt switches to the candidate without asking.
	ActionPreempt Action = "preempt"
	// ActionConfirm asks the user before switching.
	ActionConfirm Action = "confirm"
)

type Decision struct {
	Action     Action
	Assessment oracle.Assessment
	Reason     string
}

// Phase is the interruption state of one planner.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseRunning             Phase = "running"
	PhasePendingConfirmation Phase = "pending_confirmation"
)

func PhaseOf(hasActive, hasPending bool) Phase {
	switch {
	case hasPending:
		return PhasePendingConfirmation
	case hasActive:
		return PhaseRunning
	default:
		return PhaseIdle
	}
}

// DefaultAssessment is used when the continuity oracle cannot answer.
var DefaultAssessment = oracle.DefaultAssessment

type Switcher struct {
	continuity  oracle.ContinuityAssessor
	interpreter oracle.ResponseInterpreter
	logger      *zap.Logger

	// deferred maps a parked candidate to the active task it yielded to.
	deferred map[string]string
}

func NewSwitcher(continuity oracle.ContinuityAssessor, interpreter oracle.ResponseInterpreter, logger *zap.Logger) *Switcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Switcher{
		continuity:  continuity,
		interpreter: interpreter,
		logger:      logger,
		deferred:    make(map[string]string),
	}
}

// Decide compares the best ready candidate with the active task. A nil
// active means the executor is idle.
func (s *Switcher) Decide(ctx context.Context, active *attention.Scored, next attention.Scored, focus attention.Focus) Decision {
	if active == nil {
		return Decision{Action: ActionStart, Reason: "executor idle"}
	}
	cur, cand := active.Task, next.Task
	if cand.ID == cur.ID {
		return Decision{Action: ActionContinue, Reason: "candidate is the active task"}
	}
	if s.deferred[cand.ID] == cur.ID {
		return Decision{Action: ActionContinue, Reason: "candidate was deferred by the user"}
	}
	if cand.Urgency == work.UrgencyCritical {
		if cur.Urgency == work.UrgencyCritical {
			return Decision{Action: ActionContinue, Reason: "active task is also critical"}
		}
		return Decision{Action: ActionPreempt, Reason: "critical candidate"}
	}
	if next.Score <= active.Score {
		return Decision{Action: ActionContinue, Reason: "candidate does not outrank the active task"}
	}

	assessment := DefaultAssessment
	if s.continuity != nil {
		got, err := s.continuity.AssessSwitch(ctx, cur, cand, focus)
		if err != nil {
			s.logger.Warn("continuity assessment failed, assuming switch",
				zap.String("active_id", cur.ID),
				zap.String("candidate_id", cand.ID),
				zap.Error(err),
			)
		} else {
			assessment = got
			assessment.ContinuityStrength = work.ClampPriority(assessment.ContinuityStrength)
		}
	}
	if !assessment.ShouldSwitch {
		return Decision{Action: ActionContinue, Assessment: assessment, Reason: "continuity favours the active task"}
	}
	return Decision{Action: ActionConfirm, Assessment: assessment, Reason: "switch needs confirmation"}
}

// Interpret reads the user's reply to a confirmation request, falling back
// to keyword matching when the interpreter fails.
func (s *Switcher) Interpret(ctx context.Context, userText string) oracle.Interpretation {
	if strings.TrimSpace(userText) == "" {
		return oracle.KeywordInterpretation("")
	}
	if s.interpreter != nil {
		got, err := s.interpreter.Interpret(ctx, userText)
		if err == nil {
			if got.Proceed && got.AddToQueue {
				got.AddToQueue = false
			}
			return got
		}
		s.logger.Warn("interruption reply interpretation failed, using keywords", zap.Error(err))
	}
	return oracle.KeywordInterpretation(userText)
}

// Defer parks candidateID behind activeID so it does not raise another
// interruption while activeID keeps running.
func (s *Switcher) Defer(candidateID, activeID string) {
	s.deferred[candidateID] = activeID
}

func (s *Switcher) Deferred(candidateID string) (string, bool) {
	id, ok := s.deferred[candidateID]
	return id, ok
}

// Prune drops deferrals that no longer apply because activeID stopped.
func (s *Switcher) Prune(activeID string) {
	for cand, act := range s.deferred {
		if act == activeID || cand == activeID {
			delete(s.deferred, cand)
		}
	}
}

func (s *Switcher) DeferredSnapshot() map[string]string {
	out := make(map[string]string, len(s.deferred))
	for k, v := range s.deferred {
		out[k] = v
	}
	return out
}

func (s *Switcher) RestoreDeferred(in map[string]string) {
	s.deferred = make(map[string]string, len(in))
	for k, v := range in {
		s.deferred[k] = v
	}
}
