package oracle

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/tree"
)

// Remote is the full capability set a primary oracle backend offers.
type Remote interface {
	Decomposer
	ContinuityAssessor
	ConfirmationWriter
	ResponseInterpreter
	StepDecomposer
}

// Fallback asks the primary oracle first. When it fails, decomposition yields
// nothing and continuity answers DefaultAssessment; confirmation text, reply
// interpretation and step planning are answered by the local heuristic.
// Cancellation is never masked.
type Fallback struct {
	primary  Remote
	fallback *Heuristic
	logger   *zap.Logger
}

func NewFallback(primary Remote, fallback *Heuristic, logger *zap.Logger) *Fallback {
	if fallback == nil {
		fallback = NewHeuristic()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{primary: primary, fallback: fallback, logger: logger}
}

func (f *Fallback) useFallback(ctx context.Context, op string, err error) bool {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return false
	}
	f.logger.Warn("oracle call failed, using fallback", zap.String("op", op), zap.Error(err))
	return true
}

func (f *Fallback) Decompose(ctx context.Context, req DecomposeRequest) ([]tree.Proposal, error) {
	out, err := f.primary.Decompose(ctx, req)
	if err != nil && f.useFallback(ctx, "decompose", err) {
		return nil, nil
	}
	return out, err
}

func (f *Fallback) AssessSwitch(ctx context.Context, current, candidate queue.Task, focus attention.Focus) (Assessment, error) {
	out, err := f.primary.AssessSwitch(ctx, current, candidate, focus)
	if err != nil && f.useFallback(ctx, "continuity", err) {
		return DefaultAssessment, nil
	}
	return out, err
}

func (f *Fallback) ConfirmationText(ctx context.Context, current, candidate queue.Task, requestText string) (string, error) {
	out, err := f.primary.ConfirmationText(ctx, current, candidate, requestText)
	if err != nil && f.useFallback(ctx, "confirmation", err) {
		return f.fallback.ConfirmationText(ctx, current, candidate, requestText)
	}
	return out, err
}

func (f *Fallback) Interpret(ctx context.Context, userText string) (Interpretation, error) {
	out, err := f.primary.Interpret(ctx, userText)
	if err != nil && f.useFallback(ctx, "interpret", err) {
		return f.fallback.Interpret(ctx, userText)
	}
	return out, err
}

func (f *Fallback) DecomposeSteps(ctx context.Context, task queue.Task) ([]StepProposal, error) {
	out, err := f.primary.DecomposeSteps(ctx, task)
	if err != nil && f.useFallback(ctx, "steps", err) {
		return f.fallback.DecomposeSteps(ctx, task)
	}
	return out, err
}
