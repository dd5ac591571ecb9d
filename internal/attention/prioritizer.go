// Package attention scores ready tasks against the agent's current focus and
// keeps that focus per agent.
package attention

import (
	"sort"
	"strings"
	"unicode"

	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/work"
)

type Weights struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
	Low      float64 `yaml:"low"`

	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	RelevanceBoost     float64 `yaml:"relevance_boost"`
	CurrentTaskBonus   float64 `yaml:"current_task_bonus"`

	UserSource          float64 `yaml:"user_source"`
	ProspectiveSource   float64 `yaml:"prospective_source"`
	SelfGeneratedSource float64 `yaml:"self_generated_source"`

	// DependencyFactor multiplies the score of a task with unmet dependencies.
	DependencyFactor float64 `yaml:"dependency_factor"`
}

func DefaultWeights() Weights {
	return Weights{
		Critical:            1.0,
		High:                0.8,
		Medium:              0.5,
		Low:                 0.3,
		RelevanceThreshold:  0.5,
		RelevanceBoost:      0.3,
		CurrentTaskBonus:    0.2,
		UserSource:          0.1,
		ProspectiveSource:   0.05,
		SelfGeneratedSource: 0,
		DependencyFactor:    0.8,
	}
}

func (w Weights) urgency(u work.Urgency) float64 {
	switch u {
	case work.UrgencyCritical:
		return w.Critical
	case work.UrgencyHigh:
		return w.High
	case work.UrgencyLow:
		return w.Low
	default:
		return w.Medium
	}
}

func (w Weights) source(s work.Source) float64 {
	switch s {
	case work.SourceUser:
		return w.UserSource
	case work.SourceProspective:
		return w.ProspectiveSource
	default:
		return w.SelfGeneratedSource
	}
}

// Scored pairs a task with its attention score.
type Scored struct {
	Task  queue.Task
	Score float64
}

type Prioritizer struct {
	weights Weights
}

func NewPrioritizer(w Weights) *Prioritizer {
	return &Prioritizer{weights: w}
}

func (p *Prioritizer) Weights() Weights { return p.weights }

// Score rates a single task. depsMet is false when the task still waits on
// another task.
func (p *Prioritizer) Score(t queue.Task, focus Focus, depsMet bool) float64 {
	w := p.weights
	score := w.urgency(t.Urgency)
	if topic := strings.TrimSpace(focus.Topic); topic != "" {
		if r := Relevance(t.Title+" "+t.Description, topic); r > w.RelevanceThreshold {
			score += w.RelevanceBoost * r
		}
	}
	if cur := strings.ToLower(strings.TrimSpace(focus.CurrentTask)); cur != "" {
		if strings.Contains(strings.ToLower(t.Title), cur) {
			score += w.CurrentTaskBonus
		}
	}
	score += w.source(t.Source)
	if !depsMet {
		score *= w.DependencyFactor
	}
	return work.ClampPriority(score)
}

// Prioritize scores tasks and sorts them by score, highest first, with
// creation time breaking ties. A nil depsMet treats every dependency as met.
func (p *Prioritizer) Prioritize(tasks []queue.Task, focus Focus, depsMet func(queue.Task) bool) []Scored {
	out := make([]Scored, 0, len(tasks))
	for _, t := range tasks {
		met := true
		if depsMet != nil {
			met = depsMet(t)
		}
		out = append(out, Scored{Task: t, Score: p.Score(t, focus, met)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Task.CreatedAt.Before(out[j].Task.CreatedAt)
	})
	return out
}

// Relevance is the share of topic words that appear in text.
func Relevance(text, topic string) float64 {
	want := tokenize(topic)
	if len(want) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, tok := range tokenize(text) {
		have[tok] = true
	}
	hits := 0
	for _, tok := range want {
		if have[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
