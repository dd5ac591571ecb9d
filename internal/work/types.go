// Package work holds the vocabulary shared by the tree, the queue and the
// planner: urgency levels, task sources and task statuses.
package work

import (
	"math"
	"strings"
)

type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

type Source string

const (
	SourceUser          Source = "user"
	SourceProspective   Source = "prospective"
	SourceSelfGenerated Source = "self-generated"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusActive    TaskStatus = "active"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Rank orders urgencies for sorting; higher is more urgent.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 4
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 1
	default:
		return 0
	}
}

func (u Urgency) Valid() bool {
	return u.Rank() > 0
}

// ParseUrgency normalizes free-form input; unknown values map to fallback.
func ParseUrgency(raw string, fallback Urgency) Urgency {
	u := Urgency(strings.ToLower(strings.TrimSpace(raw)))
	if u.Valid() {
		return u
	}
	return fallback
}

func ParseSource(raw string, fallback Source) Source {
	switch s := Source(strings.ToLower(strings.TrimSpace(raw))); s {
	case SourceUser, SourceProspective, SourceSelfGenerated:
		return s
	default:
		return fallback
	}
}

// ClampPriority keeps a priority inside [0,1]. NaN collapses to 0.
func ClampPriority(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
