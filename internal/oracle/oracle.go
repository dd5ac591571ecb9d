// Package oracle defines the decision capabilities the planner consumes but
// does not own, plus a local heuristic implementation and an HTTP client.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/tree"
	"github.com/ent0n29/planner/internal/work"
)

// DecomposeRequest carries what a decomposition may look at.
type DecomposeRequest struct {
	Goal     tree.Node       `json:"goal"`
	Urgency  work.Urgency    `json:"urgency"`
	Focus    attention.Focus `json:"focus"`
	Memories []string        `json:"memories,omitempty"`
}

type Assessment struct {
	ContinuityStrength float64 `json:"continuity_strength"`
	ShouldSwitch       bool    `json:"should_switch"`
	Reasoning          string  `json:"reasoning,omitempty"`
}

// DefaultAssessment answers a continuity question the oracle could not.
var DefaultAssessment = Assessment{
	ContinuityStrength: 0.5,
	ShouldSwitch:       true,
	Reasoning:          "continuity oracle unavailable",
}

type Interpretation struct {
	Proceed    bool   `json:"proceed"`
	AddToQueue bool   `json:"add_to_queue"`
	Reasoning  string `json:"reasoning,omitempty"`
}

type StepProposal struct {
	Title                string `json:"title"`
	Description          string `json:"description,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`
}

type Decomposer interface {
	Decompose(ctx context.Context, req DecomposeRequest) ([]tree.Proposal, error)
}

type ContinuityAssessor interface {
	AssessSwitch(ctx context.Context, current, candidate queue.Task, focus attention.Focus) (Assessment, error)
}

type ConfirmationWriter interface {
	ConfirmationText(ctx context.Context, current, candidate queue.Task, requestText string) (string, error)
}

type ResponseInterpreter interface {
	Interpret(ctx context.Context, userText string) (Interpretation, error)
}

type StepDecomposer interface {
	DecomposeSteps(ctx context.Context, task queue.Task) ([]StepProposal, error)
}

// Set bundles one implementation of every oracle.
type Set struct {
	Decomposer  Decomposer
	Continuity  ContinuityAssessor
	Confirmer   ConfirmationWriter
	Interpreter ResponseInterpreter
	Steps       StepDecomposer
}

// Config controls oracle construction.
type Config struct {
	Mode    string
	URL     string
	Timeout time.Duration
	Retries int
}

// NewSet builds the oracles for mode "heuristic" (default) or "http". HTTP
// oracles are wrapped in a Fallback.
func NewSet(cfg Config, logger *zap.Logger) (Set, error) {
	local := NewHeuristic()
	heuristic := Set{
		Decomposer:  local,
		Continuity:  local,
		Confirmer:   local,
		Interpreter: local,
		Steps:       local,
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "heuristic":
		return heuristic, nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return Set{}, errors.New("oracle url is required for http mode")
		}
		remote := NewHTTPClient(cfg.URL, cfg.Timeout, cfg.Retries, logger)
		fb := NewFallback(remote, local, logger)
		return Set{
			Decomposer:  fb,
			Continuity:  fb,
			Confirmer:   fb,
			Interpreter: fb,
			Steps:       fb,
		}, nil
	default:
		return Set{}, fmt.Errorf("unsupported oracle mode %q", cfg.Mode)
	}
}

// KeywordInterpretation reads a confirmation reply without any model. Later or
// not now parks the request and wins over yes or sure, which proceed; anything
// else drops it.
func KeywordInterpretation(userText string) Interpretation {
	text := strings.NewReplacer(",", " ", ".", " ", "!", " ", "?", " ").Replace(strings.ToLower(userText))
	text = " " + strings.Join(strings.Fields(text), " ") + " "
	switch {
	case strings.Contains(text, " not now "), strings.Contains(text, " later "):
		return Interpretation{AddToQueue: true, Reasoning: "keyword: defer"}
	case strings.Contains(text, " yes "), strings.Contains(text, " sure "):
		return Interpretation{Proceed: true, Reasoning: "keyword: proceed"}
	default:
		return Interpretation{Reasoning: "keyword: discard"}
	}
}
