package planning

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/fallback"
	"github.com/ent0n29/planner/internal/memory"
	"github.com/ent0n29/planner/internal/oracle"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/reactive"
	"github.com/ent0n29/planner/internal/tree"
	"github.com/ent0n29/planner/internal/work"
)

type testClock struct {
	t time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeContinuity struct {
	out   oracle.Assessment
	err   error
	calls int
}

func (f *fakeContinuity) AssessSwitch(context.Context, queue.Task, queue.Task, attention.Focus) (oracle.Assessment, error) {
	f.calls++
	return f.out, f.err
}

type fakeDecomposer struct {
	out  []tree.Proposal
	err  error
	reqs []oracle.DecomposeRequest
}

func (f *fakeDecomposer) Decompose(_ context.Context, req oracle.DecomposeRequest) ([]tree.Proposal, error) {
	f.reqs = append(f.reqs, req)
	return f.out, f.err
}

type fakeSteps struct {
	steps []oracle.StepProposal
}

func (f fakeSteps) DecomposeSteps(context.Context, queue.Task) ([]oracle.StepProposal, error) {
	return f.steps, nil
}

func newTestManager(t *testing.T, c *testClock, set oracle.Set) *Manager {
	t.Helper()
	m := NewManager(Options{AgentID: "agent-1", Oracles: set, Now: c.now})
	t.Cleanup(m.Close)
	return m
}

func mustAddTask(t *testing.T, m *Manager, req TaskRequest) queue.Task {
	t.Helper()
	task, err := m.AddTask(context.Background(), req)
	require.NoError(t, err)
	return task
}

func mustProcess(t *testing.T, m *Manager) ProcessResult {
	t.Helper()
	res, err := m.ProcessQueue(context.Background(), "conv-1", "")
	require.NoError(t, err)
	return res
}

func TestProcessQueueStartsOnlyTask(t *testing.T) {
	m := newTestManager(t, newClock(), oracle.Set{})
	mustAddTask(t, m, TaskRequest{Title: "Buy milk", Urgency: work.UrgencyLow, Source: work.SourceUser, Type: queue.TaskTypeImmediate})
	assert.Equal(t, reactive.PhaseIdle, m.Phase())

	res := mustProcess(t, m)
	require.Equal(t, ResultTask, res.Type)
	require.NotNil(t, res.Task)
	assert.Equal(t, "Buy milk", res.Task.Title)
	assert.NotEmpty(t, res.Steps)

	q := m.GetQueueState()
	require.NotNil(t, q.Active)
	assert.Empty(t, q.Pending)
	assert.Equal(t, "Buy milk", m.Focus().CurrentTask)
}

func TestProcessQueuePrefersCriticalRegardlessOfOrder(t *testing.T) {
	for _, order := range [][]work.Urgency{
		{work.UrgencyMedium, work.UrgencyCritical},
		{work.UrgencyCritical, work.UrgencyMedium},
	} {
		m := newTestManager(t, newClock(), oracle.Set{})
		for _, u := range order {
			mustAddTask(t, m, TaskRequest{Title: "task " + string(u), Urgency: u})
		}
		res := mustProcess(t, m)
		require.Equal(t, ResultTask, res.Type)
		assert.Equal(t, work.UrgencyCritical, res.Task.Urgency)
	}
}

func TestHigherTaskRaisesInterruption(t *testing.T) {
	cont := &fakeContinuity{out: oracle.Assessment{ShouldSwitch: true, ContinuityStrength: 0.2, Reasoning: "unrelated"}}
	m := newTestManager(t, newClock(), oracle.Set{Continuity: cont})
	events, cancel := m.Subscribe()
	defer cancel()

	a := mustAddTask(t, m, TaskRequest{Title: "Sort photos", Urgency: work.UrgencyLow})
	mustProcess(t, m)
	b := mustAddTask(t, m, TaskRequest{Title: "Reply to landlord", Urgency: work.UrgencyHigh})

	res := mustProcess(t, m)
	require.Equal(t, ResultInterruption, res.Type)
	require.NotNil(t, res.Interruption)
	assert.Equal(t, a.ID, res.Interruption.CurrentTask.ID)
	assert.Equal(t, b.ID, res.Interruption.NewTask.ID)
	assert.Equal(t, 0.2, res.Interruption.Assessment.ContinuityStrength)
	assert.Equal(t, "conv-1", res.Interruption.ConversationID)
	assert.NotEmpty(t, res.Interruption.Message)

	q := m.GetQueueState()
	require.NotNil(t, q.Active)
	assert.Equal(t, a.ID, q.Active.ID)
	require.Len(t, q.Pending, 1)
	assert.Equal(t, b.ID, q.Pending[0].ID)
	assert.Equal(t, work.StatusPending, q.Pending[0].Status)

	again := mustProcess(t, m)
	assert.Equal(t, ResultInterruption, again.Type)
	assert.Equal(t, 1, cont.calls)
	assert.Equal(t, res.Interruption.CreatedAt, again.Interruption.CreatedAt)

	sawRequest := false
	for len(events) > 0 {
		if evt := <-events; evt.Type == EventInterruptionRequest {
			sawRequest = true
			assert.Equal(t, "agent-1", evt.AgentID)
		}
	}
	assert.True(t, sawRequest)
}

func setupInterruption(t *testing.T) (*Manager, queue.Task, queue.Task) {
	t.Helper()
	cont := &fakeContinuity{out: oracle.Assessment{ShouldSwitch: true, ContinuityStrength: 0.1}}
	steps := fakeSteps{steps: []oracle.StepProposal{{Title: "Open album"}, {Title: "Tag faces"}}}
	m := newTestManager(t, newClock(), oracle.Set{Continuity: cont, Steps: steps})
	a := mustAddTask(t, m, TaskRequest{Title: "Sort photos", Urgency: work.UrgencyLow})
	mustProcess(t, m)
	_, err := m.CompleteCurrentStep(context.Background(), "opened")
	require.NoError(t, err)
	b := mustAddTask(t, m, TaskRequest{Title: "Reply to landlord", Urgency: work.UrgencyHigh})
	res := mustProcess(t, m)
	require.Equal(t, ResultInterruption, res.Type)
	return m, a, b
}

func TestProceedSwitchesAndKeepsContext(t *testing.T) {
	m, a, b := setupInterruption(t)

	res, err := m.ResolveInterruption(context.Background(), ResolutionProceed)
	require.NoError(t, err)
	require.Equal(t, ResultTask, res.Type)
	assert.Equal(t, b.ID, res.Task.ID)
	require.NotNil(t, res.Preempted)
	assert.Equal(t, a.ID, res.Preempted.ID)
	assert.Nil(t, m.GetPendingInterruption())

	requeued, ok := m.queue.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, work.StatusPending, requeued.Status)
	assert.Equal(t, 50, requeued.Progress)

	saved, ok := m.contexts.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, work.StatusActive, saved.Status)
	assert.Equal(t, 50, saved.Progress)
	assert.Equal(t, 1, saved.Cursor)
	assert.Equal(t, "Reply to landlord", m.Focus().CurrentTask)

	node, _ := m.tree.Get(a.ID)
	assert.Equal(t, work.StatusPending, node.TaskStatus)

	// finishing B resumes A at its second step
	_, err = m.CompleteCurrentStep(context.Background(), "")
	require.NoError(t, err)
	out, err := m.CompleteCurrentStep(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, out.Completed)
	require.Equal(t, ResultTask, out.Completed.Next.Type)
	assert.Equal(t, a.ID, out.Completed.Next.Task.ID)
	st, ok := m.Execution()
	require.True(t, ok)
	assert.Equal(t, 1, st.Cursor)
	_, ok = m.contexts.Get(a.ID)
	assert.False(t, ok)
}

func TestAddToQueueDefersCandidate(t *testing.T) {
	m, a, b := setupInterruption(t)
	assert.Equal(t, reactive.PhasePendingConfirmation, m.Phase())

	res, out, err := m.HandleInterruptionConfirmation(context.Background(), "not now, later")
	require.NoError(t, err)
	assert.Equal(t, ResolutionAddToQueue, res)
	assert.Equal(t, ResultContinue, out.Type)
	q := m.GetQueueState()
	require.NotNil(t, q.Active)
	assert.Equal(t, a.ID, q.Active.ID)
	require.Len(t, q.Pending, 1)
	assert.Equal(t, b.ID, q.Pending[0].ID)

	again := mustProcess(t, m)
	assert.Equal(t, ResultContinue, again.Type)
	assert.Nil(t, m.GetPendingInterruption())
	assert.Equal(t, reactive.PhaseRunning, m.Phase())
}

func TestDiscardRemovesCandidate(t *testing.T) {
	m, a, b := setupInterruption(t)

	res, out, err := m.HandleInterruptionConfirmation(context.Background(), "no")
	require.NoError(t, err)
	assert.Equal(t, ResolutionDiscard, res)
	assert.Equal(t, ResultContinue, out.Type)
	assert.Equal(t, a.ID, out.Task.ID)

	q := m.GetQueueState()
	assert.Empty(t, q.Pending)
	_, ok := m.queue.Get(b.ID)
	assert.False(t, ok)
	node, ok := m.tree.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, work.StatusCancelled, node.TaskStatus)
	assert.Equal(t, 1, m.Stats().TotalCancelled)

	_, _, err = m.HandleInterruptionConfirmation(context.Background(), "yes")
	assert.ErrorIs(t, err, ErrNoPendingInterruption)
}

func TestCriticalTaskPreemptsWithoutAsking(t *testing.T) {
	cont := &fakeContinuity{}
	m := newTestManager(t, newClock(), oracle.Set{Continuity: cont})
	a := mustAddTask(t, m, TaskRequest{Title: "Write newsletter", Urgency: work.UrgencyHigh})
	mustProcess(t, m)
	c := mustAddTask(t, m, TaskRequest{Title: "Server is down", Urgency: work.UrgencyCritical})

	res := mustProcess(t, m)
	require.Equal(t, ResultTask, res.Type)
	assert.Equal(t, c.ID, res.Task.ID)
	require.NotNil(t, res.Preempted)
	assert.Equal(t, a.ID, res.Preempted.ID)
	assert.Equal(t, 0, cont.calls)
	_, ok := m.contexts.Get(a.ID)
	assert.True(t, ok)
}

func TestStepFailureQueuesRegisteredFallback(t *testing.T) {
	m := newTestManager(t, newClock(), oracle.Set{})
	events, cancel := m.Subscribe()
	defer cancel()

	a := mustAddTask(t, m, TaskRequest{Title: "Upload build", Urgency: work.UrgencyHigh})
	mustProcess(t, m)
	_, err := m.RegisterFallback(a.ID, "Upload build via mirror", 0.7)
	require.NoError(t, err)

	f := m.HandleStepFailure(context.Background(), "connection reset")
	require.NotNil(t, f)
	assert.Equal(t, work.StatusFailed, f.Task.Status)
	require.NotNil(t, f.Step)
	assert.Equal(t, "connection reset", f.Step.Error)
	require.NotNil(t, f.Fallback)
	assert.Equal(t, "Upload build via mirror", f.Fallback.Title)
	assert.Equal(t, work.UrgencyHigh, f.Fallback.Urgency)
	assert.Equal(t, a.ID, f.Fallback.Metadata[fallback.MetaFallbackFor])

	q := m.GetQueueState()
	fallbacks := 0
	for _, task := range append(q.Pending, activeList(q)...) {
		if task.Metadata[fallback.MetaFallbackFor] == a.ID {
			fallbacks++
		}
	}
	assert.Equal(t, 1, fallbacks)
	assert.Equal(t, ResultTask, f.Next.Type)
	assert.Equal(t, f.Fallback.ID, f.Next.Task.ID)
	assert.Equal(t, 1, m.Stats().TotalFailed)

	failed, _ := m.tree.Get(a.ID)
	assert.True(t, failed.Superseded())

	// the fallback itself has no plan, so its failure ends the chain
	f2 := m.FailCurrentTask(context.Background(), "mirror down")
	require.NotNil(t, f2)
	assert.Nil(t, f2.Fallback)
	assert.Equal(t, ResultIdle, f2.Next.Type)
	assert.Equal(t, 2, m.Stats().TotalFailed)

	sawFailure := false
	for len(events) > 0 {
		if evt := <-events; evt.Type == EventStepFailure {
			sawFailure = true
			require.NotNil(t, evt.Fallback)
		}
	}
	assert.True(t, sawFailure)
}

func activeList(q queue.Queue) []queue.Task {
	if q.Active == nil {
		return nil
	}
	return []queue.Task{*q.Active}
}

func TestFallbackChainIsCapped(t *testing.T) {
	m := NewManager(Options{AgentID: "a", MaxFallbackDepth: 1})
	defer m.Close()
	a := mustAddTask(t, m, TaskRequest{Title: "Primary"})
	mustProcess(t, m)
	_, err := m.RegisterFallback(a.ID, "Secondary", 0.5)
	require.NoError(t, err)
	f := m.FailCurrentTask(context.Background(), "boom")
	require.NotNil(t, f.Fallback)

	_, err = m.RegisterFallback(f.Fallback.ID, "Tertiary", 0.5)
	require.NoError(t, err)
	f2 := m.FailCurrentTask(context.Background(), "boom again")
	require.NotNil(t, f2)
	assert.Nil(t, f2.Fallback)
}

func TestCompletionStatsUseIncrementalMean(t *testing.T) {
	c := newClock()
	m := newTestManager(t, c, oracle.Set{})

	mustAddTask(t, m, TaskRequest{Title: "First"})
	mustProcess(t, m)
	c.advance(10 * time.Second)
	out, err := m.CompleteCurrentStep(context.Background(), "done")
	require.NoError(t, err)
	require.NotNil(t, out.Completed)
	assert.Equal(t, 100, out.Progress.Percent)
	assert.Equal(t, 1, m.Stats().TotalCompleted)
	assert.Equal(t, 10000.0, m.Stats().AverageCompletionTime)

	mustAddTask(t, m, TaskRequest{Title: "Second"})
	mustProcess(t, m)
	c.advance(20 * time.Second)
	require.NotNil(t, m.CompleteCurrentTask(context.Background(), ""))
	assert.Equal(t, 15000.0, m.Stats().AverageCompletionTime)

	mustAddTask(t, m, TaskRequest{Title: "Third"})
	mustProcess(t, m)
	c.advance(4 * time.Second)
	require.NotNil(t, m.CompleteCurrentTask(context.Background(), ""))
	stats := m.Stats()
	assert.Equal(t, 3, stats.TotalCompleted)
	assert.InDelta(t, (15000.0*2+4000)/3, stats.AverageCompletionTime, 1e-9)
}

func TestCompleteWithoutActiveTaskIsNoop(t *testing.T) {
	m := newTestManager(t, newClock(), oracle.Set{})
	mustAddTask(t, m, TaskRequest{Title: "Waiting"})
	before := m.Snapshot()

	assert.Nil(t, m.CompleteCurrentTask(context.Background(), ""))
	assert.Nil(t, m.FailCurrentTask(context.Background(), "x"))
	assert.Nil(t, m.HandleStepFailure(context.Background(), "x"))
	_, err := m.CompleteCurrentStep(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoActiveTask)

	after := m.Snapshot()
	assert.Equal(t, before.Queue, after.Queue)
	assert.Equal(t, before.Stats, after.Stats)
}

func TestCancelActiveTaskStartsNext(t *testing.T) {
	m := newTestManager(t, newClock(), oracle.Set{})
	a := mustAddTask(t, m, TaskRequest{Title: "Alpha", Urgency: work.UrgencyHigh})
	b := mustAddTask(t, m, TaskRequest{Title: "Beta", Urgency: work.UrgencyLow})
	mustProcess(t, m)

	out, err := m.CancelTask(context.Background(), a.ID, "")
	require.NoError(t, err)
	require.Len(t, out.Cancelled, 1)
	require.NotNil(t, out.Next)
	assert.Equal(t, b.ID, out.Next.Task.ID)
	assert.Equal(t, 1, m.Stats().TotalCancelled)

	again, err := m.CancelTask(context.Background(), a.ID, "")
	require.NoError(t, err)
	assert.Empty(t, again.Cancelled)

	_, err = m.CancelTask(context.Background(), "missing", "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelGoalCancelsItsTasks(t *testing.T) {
	m := newTestManager(t, newClock(), oracle.Set{})
	res, err := m.CreateGoal(context.Background(), GoalRequest{
		Title:    "Plan party",
		Children: []tree.Proposal{{Title: "Invite friends"}, {Title: "Order cake"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	mustProcess(t, m)

	out, err := m.CancelTask(context.Background(), res.Goal.ID, "party off")
	require.NoError(t, err)
	assert.Len(t, out.Cancelled, 2)
	require.NotNil(t, out.Next)
	assert.Equal(t, ResultIdle, out.Next.Type)
	g, _ := m.tree.Get(res.Goal.ID)
	assert.Equal(t, tree.GoalStatusCancelled, g.GoalStatus)
}

func TestGoalCompletesThroughItsTasks(t *testing.T) {
	mem := memory.NewService(memory.NewInMemoryStore(), nil)
	m := NewManager(Options{AgentID: "a", Memory: mem})
	defer m.Close()
	res, err := m.CreateGoal(context.Background(), GoalRequest{
		Title:    "Tidy desk",
		Children: []tree.Proposal{{Title: "Clear papers"}, {Title: "Wipe surface"}},
	})
	require.NoError(t, err)

	var done *Completion
	for i := 0; i < 2; i++ {
		mustProcess(t, m)
		done = m.CompleteCurrentTask(context.Background(), "")
		require.NotNil(t, done)
	}
	require.Len(t, done.Goals, 1)
	assert.Equal(t, res.Goal.ID, done.Goals[0].ID)
	assert.Equal(t, ResultIdle, done.Next.Type)

	recs, err := mem.GetRelevantMemories(context.Background(), "a", "Goal completed tidy desk", memory.Query{Kinds: []memory.Kind{memory.KindEpisodic}})
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, "Goal completed: Tidy desk", recs[0].Content)
}

func TestDecomposeAndRedecompose(t *testing.T) {
	dec := &fakeDecomposer{out: []tree.Proposal{{Title: "Pick venue"}, {Title: "Send invites", Urgency: work.UrgencyHigh}}}
	m := newTestManager(t, newClock(), oracle.Set{Decomposer: dec})

	res, err := m.CreateGoal(context.Background(), GoalRequest{Title: "Host meetup", Urgency: work.UrgencyLow, Decompose: true})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, work.SourceSelfGenerated, res.Tasks[0].Source)
	assert.Equal(t, work.UrgencyLow, res.Tasks[0].Urgency)
	assert.Equal(t, work.UrgencyHigh, res.Tasks[1].Urgency)
	require.Len(t, dec.reqs, 1)
	assert.Equal(t, "Host meetup", dec.reqs[0].Goal.Title)

	skipped, err := m.RedecomposeGoal(context.Background(), res.Goal.ID, work.UrgencyLow)
	require.NoError(t, err)
	assert.True(t, skipped.Skipped)
	assert.Len(t, dec.reqs, 1)

	dec.out = []tree.Proposal{{Title: "Pick venue"}, {Title: "Book caterer"}}
	redo, err := m.RedecomposeGoal(context.Background(), res.Goal.ID, work.UrgencyHigh)
	require.NoError(t, err)
	assert.False(t, redo.Skipped)
	require.Len(t, redo.Tasks, 2)

	q := m.GetQueueState()
	assert.Len(t, q.Pending, 2)
	cancelled := 0
	for _, task := range q.Completed {
		if task.Status == work.StatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 2, cancelled)
	assert.Len(t, m.tree.Children(res.Goal.ID), 4)
	ctxMeta, ok := m.tree.DecompositionContextOf(res.Goal.ID)
	require.True(t, ok)
	assert.Equal(t, work.UrgencyHigh, ctxMeta.Urgency)
}

func TestDecompositionFailureInsertsNothing(t *testing.T) {
	dec := &fakeDecomposer{err: errors.New("oracle down")}
	m := newTestManager(t, newClock(), oracle.Set{Decomposer: dec})
	res, err := m.CreateGoal(context.Background(), GoalRequest{Title: "Learn Go", Decompose: true})
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)
	assert.Equal(t, tree.GoalStatusActive, res.Goal.GoalStatus)

	_, err = m.DecomposeGoal(context.Background(), "missing", work.UrgencyLow)
	assert.ErrorIs(t, err, tree.ErrNodeNotFound)
}

func TestTasksOnlyNestUnderGoals(t *testing.T) {
	m := newTestManager(t, newClock(), oracle.Set{})
	parent := mustAddTask(t, m, TaskRequest{Title: "Get passport", Urgency: work.UrgencyLow})
	_, err := m.AddTask(context.Background(), TaskRequest{Title: "Book flight", Urgency: work.UrgencyCritical, ParentID: parent.ID})
	require.ErrorIs(t, err, tree.ErrNotAGoal)

	q := m.GetQueueState()
	require.Len(t, q.Pending, 1)
	assert.Equal(t, []string{parent.ID}, m.ExecutionPath())
	res := mustProcess(t, m)
	require.Equal(t, ResultTask, res.Type)
	assert.Equal(t, parent.ID, res.Task.ID)
}

func TestRedecomposeSkipsWithMemoryHooksWired(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewService(memory.NewInMemoryStore(), nil)
	_, err := mem.Remember(ctx, memory.Record{AgentID: "agent-1", Kind: memory.KindSemantic, Content: "meetup venues fill up a month ahead"})
	require.NoError(t, err)

	dec := &fakeDecomposer{out: []tree.Proposal{{Title: "Pick meetup venue"}, {Title: "Send meetup invites"}}}
	m := NewManager(Options{AgentID: "agent-1", Oracles: oracle.Set{Decomposer: dec}, Memory: mem, Now: newClock().now})
	defer m.Close()

	res, err := m.CreateGoal(ctx, GoalRequest{Title: "Host meetup", Urgency: work.UrgencyLow, Decompose: true})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	require.Len(t, dec.reqs, 1)
	assert.Equal(t, []string{"meetup venues fill up a month ahead"}, dec.reqs[0].Memories)

	for i := 0; i < 2; i++ {
		again, err := m.RedecomposeGoal(ctx, res.Goal.ID, work.UrgencyLow)
		require.NoError(t, err)
		assert.True(t, again.Skipped)
	}
	assert.Len(t, dec.reqs, 1)
	assert.Len(t, m.tree.Children(res.Goal.ID), 2)
	assert.Zero(t, m.Stats().TotalCancelled)

	_, err = mem.Remember(ctx, memory.Record{AgentID: "agent-1", Kind: memory.KindProcedural, Content: "meetup checklist: venue, invites, snacks"})
	require.NoError(t, err)
	redo, err := m.RedecomposeGoal(ctx, res.Goal.ID, work.UrgencyLow)
	require.NoError(t, err)
	assert.False(t, redo.Skipped)
	assert.Len(t, dec.reqs, 2)
}

func TestScheduledTaskWaitsForTrigger(t *testing.T) {
	c := newClock()
	m := newTestManager(t, c, oracle.Set{})
	at := c.now().Add(time.Hour)
	mustAddTask(t, m, TaskRequest{Title: "Water plants", Type: queue.TaskTypeScheduled, ScheduledFor: &at})

	res := mustProcess(t, m)
	assert.Equal(t, ResultIdle, res.Type)
	next, ok := m.NextDue()
	require.True(t, ok)
	assert.Equal(t, at, next)

	_, ran, err := m.ProcessIfIdle(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	c.advance(time.Hour)
	res, ran, err = m.ProcessIfIdle(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, ResultTask, res.Type)
}

func TestProspectiveMemoriesBecomeTasks(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewService(memory.NewInMemoryStore(), nil)
	rec, err := mem.Remember(ctx, memory.Record{AgentID: "a", Kind: memory.KindProspective, Content: "Call the dentist", Metadata: map[string]any{"urgency": "high"}})
	require.NoError(t, err)

	m := NewManager(Options{AgentID: "a", Memory: mem})
	defer m.Close()
	added, err := m.SyncProspectiveMemories(ctx)
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, work.SourceProspective, added[0].Source)
	assert.Equal(t, work.UrgencyHigh, added[0].Urgency)
	assert.Equal(t, rec.ID, added[0].ProspectiveMemoryID)

	again, err := m.SyncProspectiveMemories(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	mustProcess(t, m)
	require.NotNil(t, m.CompleteCurrentTask(ctx, "booked"))
	pending, err := mem.PendingProspective(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSingleActiveAndClampedPriorities(t *testing.T) {
	cont := &fakeContinuity{out: oracle.Assessment{ShouldSwitch: true}}
	m := newTestManager(t, newClock(), oracle.Set{Continuity: cont})
	urgencies := []work.Urgency{work.UrgencyLow, work.UrgencyCritical, work.UrgencyMedium, work.UrgencyHigh, work.UrgencyCritical}
	ctx := context.Background()

	check := func() {
		t.Helper()
		assert.LessOrEqual(t, m.queue.ActiveCount(), 1)
		q := m.GetQueueState()
		for _, task := range append(q.Pending, q.Completed...) {
			assert.GreaterOrEqual(t, task.Priority, 0.0)
			assert.LessOrEqual(t, task.Priority, 1.0)
		}
	}
	for i, u := range urgencies {
		mustAddTask(t, m, TaskRequest{Title: "job " + string(rune('a'+i)), Urgency: u, Priority: float64(i) - 1})
		mustProcess(t, m)
		check()
		if i%2 == 1 {
			_, _ = m.ResolveInterruption(ctx, ResolutionProceed)
			check()
		}
	}
	for i := 0; i < len(urgencies)+1; i++ {
		m.CompleteCurrentTask(ctx, "")
		check()
	}
}

func TestSnapshotRoundTripThroughStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := newClock()
	m := NewManager(Options{AgentID: "agent-7", Store: store, Now: c.now,
		Oracles: oracle.Set{Steps: fakeSteps{steps: []oracle.StepProposal{{Title: "One"}, {Title: "Two"}}}}})
	a := mustAddTask(t, m, TaskRequest{Title: "Alpha", Urgency: work.UrgencyHigh})
	mustAddTask(t, m, TaskRequest{Title: "Beta"})
	mustProcess(t, m)
	_, err := m.CompleteCurrentStep(ctx, "")
	require.NoError(t, err)
	_, err = m.RegisterFallback(a.ID, "Alpha plan B", 0.4)
	require.NoError(t, err)
	m.Close()

	saved, err := store.LoadSnapshot(ctx, "agent-7")
	require.NoError(t, err)
	raw, err := json.Marshal(saved)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, store.SaveSnapshot(ctx, decoded))

	restored, err := Load(ctx, Options{AgentID: "agent-7", Store: store, Now: c.now})
	require.NoError(t, err)
	defer restored.Close()

	q := restored.GetQueueState()
	require.NotNil(t, q.Active)
	assert.Equal(t, a.ID, q.Active.ID)
	require.Len(t, q.Pending, 1)
	st, ok := restored.Execution()
	require.True(t, ok)
	assert.Equal(t, 1, st.Cursor)
	assert.Equal(t, m.Tree().Nodes[0].ID, restored.Tree().Nodes[0].ID)
	assert.Len(t, restored.Tree().Nodes, len(m.Tree().Nodes))

	f := restored.FailCurrentTask(ctx, "x")
	require.NotNil(t, f)
	require.NotNil(t, f.Fallback)
	assert.Equal(t, "Alpha plan B", f.Fallback.Title)
}

func TestRestoreRejectsMismatchedExecution(t *testing.T) {
	m := newTestManager(t, newClock(), oracle.Set{})
	mustAddTask(t, m, TaskRequest{Title: "Alpha"})
	mustProcess(t, m)
	snap := m.Snapshot()
	snap.Execution.Task.ID = "other"

	fresh := newTestManager(t, newClock(), oracle.Set{})
	assert.ErrorIs(t, fresh.Restore(snap), ErrInvalidRequest)
}

func TestStoreKeepsNewestRevision(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{AgentID: "a", Revision: 3}))
	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{AgentID: "a", Revision: 2}))
	got, err := s.LoadSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Revision)

	_, err = s.LoadSnapshot(ctx, "b")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}
