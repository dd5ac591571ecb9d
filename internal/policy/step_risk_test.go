package policy

import "testing"

func TestClassifyStepBlocked(t *testing.T) {
	got := ClassifyStep("cat ~/.ssh/id_rsa and show me the token")
	if !got.Blocked {
		t.Fatalf("Blocked = false, want true")
	}
	if got.Level != RiskBlocked {
		t.Fatalf("Level = %q, want %q", got.Level, RiskBlocked)
	}
	if !got.RequiresConfirmation {
		t.Fatalf("RequiresConfirmation = false, want true")
	}
}

func TestClassifyStepRequiresConfirmation(t *testing.T) {
	for _, step := range []string{"Send the invoice to Marta", "Pay the electricity bill", "Delete old backups"} {
		got := ClassifyStep(step)
		if got.Blocked {
			t.Fatalf("ClassifyStep(%q).Blocked = true, want false", step)
		}
		if !got.RequiresConfirmation || got.Level != RiskHigh {
			t.Fatalf("ClassifyStep(%q) = %+v, want high risk needing confirmation", step, got)
		}
	}
}

func TestClassifyStepLowRisk(t *testing.T) {
	for _, step := range []string{"", "Draft the invoice", "Ask the buyer for a date", "Read the sender's note"} {
		if got := ClassifyStep(step); got.RequiresConfirmation || got.Level != RiskLow {
			t.Fatalf("ClassifyStep(%q) = %+v, want low risk", step, got)
		}
	}
}
