package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/policy"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/tree"
)

var (
	planSplitRe = regexp.MustCompile(`(?i)\b(?:and then|then|after that|next|finally)\b|[.;\n]+`)
	planSpaceRe = regexp.MustCompile(`\s+`)
)

const maxPlanChunks = 6

// Heuristic answers every oracle locally and deterministically.
type Heuristic struct{}

func NewHeuristic() *Heuristic { return &Heuristic{} }

// Decompose splits the goal description (or title) on sequencing words.
func (h *Heuristic) Decompose(ctx context.Context, req DecomposeRequest) ([]tree.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := req.Goal.Description
	if strings.TrimSpace(text) == "" {
		text = req.Goal.Title
	}
	chunks := SplitPlan(text)
	if len(chunks) < 2 {
		return nil, nil
	}
	out := make([]tree.Proposal, 0, len(chunks))
	for i, c := range chunks {
		out = append(out, tree.Proposal{
			Title:   c,
			Type:    tree.NodeTypeTask,
			Urgency: req.Urgency,
			Order:   i + 1,
		})
	}
	return out, nil
}

// AssessSwitch treats word overlap between the two tasks as continuity and
// only recommends switching to a loosely related, more urgent task.
func (h *Heuristic) AssessSwitch(ctx context.Context, current, candidate queue.Task, focus attention.Focus) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	strength := attention.Relevance(candidate.Title+" "+candidate.Description, current.Title)
	if topic := strings.TrimSpace(focus.Topic); topic != "" {
		if r := attention.Relevance(candidate.Title+" "+candidate.Description, topic); r > strength {
			strength = r
		}
	}
	outranks := candidate.Urgency.Rank() > current.Urgency.Rank()
	switch {
	case !outranks:
		return Assessment{ContinuityStrength: strength, Reasoning: "candidate is not more urgent than the current task"}, nil
	case strength >= 0.5:
		return Assessment{ContinuityStrength: strength, Reasoning: "candidate continues the current work"}, nil
	default:
		return Assessment{ContinuityStrength: strength, ShouldSwitch: true, Reasoning: "candidate is more urgent and unrelated"}, nil
	}
}

func (h *Heuristic) ConfirmationText(ctx context.Context, current, candidate queue.Task, requestText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("I'm working on %q (%d%% done). %q came up with %s urgency.", current.Title, current.Progress, candidate.Title, candidate.Urgency)
	if req := strings.TrimSpace(requestText); req != "" {
		msg += fmt.Sprintf(" You asked: %q.", req)
	}
	return msg + " Switch now, do it later, or drop it?", nil
}

func (h *Heuristic) Interpret(ctx context.Context, userText string) (Interpretation, error) {
	if err := ctx.Err(); err != nil {
		return Interpretation{}, err
	}
	return KeywordInterpretation(userText), nil
}

// DecomposeSteps turns the task text into ordered steps. Steps that look like
// irreversible actions ask for confirmation.
func (h *Heuristic) DecomposeSteps(ctx context.Context, task queue.Task) ([]StepProposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return PlanSteps(task.Title, task.Description), nil
}

// PlanSteps is the local step planner used whenever no oracle answers.
func PlanSteps(title, description string) []StepProposal {
	chunks := SplitPlan(description)
	if len(chunks) == 0 {
		base := strings.TrimSpace(title)
		if base == "" {
			base = "Execute task"
		}
		chunks = []string{base}
	}
	out := make([]StepProposal, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, StepProposal{
			Title:                c,
			RequiresConfirmation: policy.ClassifyStep(c).RequiresConfirmation,
		})
	}
	return out
}

// SplitPlan cuts free text into at most six capitalized chunks.
func SplitPlan(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	parts := planSplitRe.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = planSpaceRe.ReplaceAllString(strings.TrimSpace(p), " ")
		p = strings.Trim(p, " ,:-")
		if p == "" {
			continue
		}
		out = append(out, capitalizeFirst(p))
		if len(out) >= maxPlanChunks {
			break
		}
	}
	return out
}

func capitalizeFirst(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	if r[0] >= 'a' && r[0] <= 'z' {
		r[0] = r[0] - ('a' - 'A')
	}
	return string(r)
}
