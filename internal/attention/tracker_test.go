package attention

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ent0n29/planner/internal/work"
)

func TestTrackerFocusLifecycle(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, Focus{}, tr.Focus("agent-1"))

	tr.SetTopic("agent-1", " travel ")
	tr.UpdateTaskFocus("agent-1", "Book flight", work.UrgencyHigh, "conv-9")
	f := tr.Focus("agent-1")
	assert.Equal(t, "Book flight", f.CurrentTask)
	assert.Equal(t, work.UrgencyHigh, f.Urgency)
	assert.Equal(t, "travel", f.Topic)
	assert.Equal(t, "conv-9", f.ConversationID)

	tr.ClearTaskFocus("agent-1")
	f = tr.Focus("agent-1")
	assert.Empty(t, f.CurrentTask)
	assert.Equal(t, "travel", f.Topic)

	tr.UpdateTaskFocus("agent-2", "Other", work.UrgencyLow, "")
	tr.ClearTaskFocus("agent-2")
	assert.Equal(t, Focus{}, tr.Focus("agent-2"))

	tr.Forget("agent-1")
	assert.Equal(t, Focus{}, tr.Focus("agent-1"))
}
