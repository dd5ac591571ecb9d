package policy

import (
	"regexp"
	"strings"
)

type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskHigh    RiskLevel = "high"
	RiskBlocked RiskLevel = "blocked"
)

// StepRisk is the verdict for one step of a task.
type StepRisk struct {
	Level                RiskLevel
	RequiresConfirmation bool
	Blocked              bool
	Reason               string
}

var (
	blockedStepPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
		regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret)\b`),
	}
	// Steps that spend money, reach other people or destroy data.
	confirmStepPattern = regexp.MustCompile(`(?i)\b(?:delete|remove|send|pay|purchase|buy|publish|deploy|transfer|wipe|destroy|uninstall)\b`)
)

// ClassifyStep decides whether a step may run without the user saying so.
// Blocked steps always need confirmation as well.
func ClassifyStep(text string) StepRisk {
	in := strings.TrimSpace(text)
	if in == "" {
		return StepRisk{Level: RiskLow}
	}
	for _, re := range blockedStepPatterns {
		if re.MatchString(in) {
			return StepRisk{
				Level:                RiskBlocked,
				RequiresConfirmation: true,
				Blocked:              true,
				Reason:               "Step appears to include destructive or secret-exfiltration behavior.",
			}
		}
	}
	if kw := confirmStepPattern.FindString(in); kw != "" {
		return StepRisk{
			Level:                RiskHigh,
			RequiresConfirmation: true,
			Reason:               "Step would " + strings.ToLower(kw) + " something on the user's behalf.",
		}
	}
	return StepRisk{Level: RiskLow}
}
