package fallback

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/work"
)

func TestResolveConsumesPlan(t *testing.T) {
	m := NewManager(0)
	_, err := m.RegisterFallback("t1", "Order takeaway", 1.8)
	require.NoError(t, err)

	failed := queue.Task{ID: "t1", Title: "Cook dinner", Urgency: work.UrgencyHigh}
	fb, ok := m.Resolve(failed)
	require.True(t, ok)
	assert.Equal(t, "Order takeaway", fb.Title)
	assert.Equal(t, 1.0, fb.Priority)
	assert.Equal(t, work.UrgencyHigh, fb.Urgency)
	assert.Equal(t, work.SourceSelfGenerated, fb.Source)
	assert.Equal(t, "t1", fb.Metadata[MetaFallbackFor])
	assert.Equal(t, 1, Depth(fb))

	_, ok = m.Resolve(failed)
	assert.False(t, ok)
}

func TestResolveWithoutPlan(t *testing.T) {
	m := NewManager(2)
	_, ok := m.Resolve(queue.Task{ID: "nothing"})
	assert.False(t, ok)
}

func TestFallbackChainIsCapped(t *testing.T) {
	m := NewManager(2)
	original := queue.Task{ID: "a", Title: "a"}
	_, _ = m.RegisterFallback("a", "b", 0.5)
	first, ok := m.Resolve(original)
	require.True(t, ok)
	first.ID = "b"

	_, _ = m.RegisterFallback("b", "c", 0.5)
	second, ok := m.Resolve(first)
	require.True(t, ok)
	second.ID = "c"
	assert.Equal(t, 2, Depth(second))

	_, _ = m.RegisterFallback("c", "d", 0.5)
	_, ok = m.Resolve(second)
	assert.False(t, ok)
	_, still := m.Registered("c")
	assert.False(t, still)
}

func TestDepthSurvivesJSON(t *testing.T) {
	task := queue.Task{ID: "x", Metadata: map[string]any{MetaFallbackDepth: 2}}
	raw, err := json.Marshal(task)
	require.NoError(t, err)
	var back queue.Task
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, 2, Depth(back))
}

func TestRegisterValidatesInput(t *testing.T) {
	m := NewManager(1)
	_, err := m.RegisterFallback(" ", "x", 0)
	assert.ErrorIs(t, err, ErrInvalidPlan)
	_, err = m.RegisterFallback("t", " ", 0)
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, _ = m.RegisterFallback("b", "x", 0.1)
	_, _ = m.RegisterFallback("a", "y", 0.2)
	plans := m.Plans()
	require.Len(t, plans, 2)
	assert.Equal(t, "a", plans[0].TaskID)

	other := NewManager(1)
	other.Restore(plans)
	assert.Equal(t, plans, other.Plans())
}
