package planning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/memory"
	"github.com/ent0n29/planner/internal/oracle"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/tree"
	"github.com/ent0n29/planner/internal/work"
)

const relevantMemoryLimit = 5

// decompositionMemoryKinds leaves out episodic records, which include the
// planner's own creation hooks and would change after every decomposition.
var decompositionMemoryKinds = []memory.Kind{memory.KindSemantic, memory.KindProcedural}

// AddTask creates a task node, under req.ParentID or the root, and queues it.
func (m *Manager) AddTask(ctx context.Context, req TaskRequest) (queue.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.addTaskLocked(ctx, req)
	if err != nil {
		return queue.Task{}, err
	}
	m.queueUpdateLocked()
	m.persistLocked()
	return t, nil
}

// CreateTask adds a task under an existing goal.
func (m *Manager) CreateTask(ctx context.Context, goalID string, req TaskRequest) (queue.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.tree.Get(strings.TrimSpace(goalID))
	if !ok {
		return queue.Task{}, fmt.Errorf("%w: %s", tree.ErrNodeNotFound, goalID)
	}
	if !g.IsGoal() {
		return queue.Task{}, fmt.Errorf("%w: %s", tree.ErrNotAGoal, goalID)
	}
	if g.Terminal() {
		return queue.Task{}, fmt.Errorf("%w: goal %s is %s", ErrInvalidRequest, g.ID, g.GoalStatus)
	}
	req.ParentID = g.ID
	t, err := m.addTaskLocked(ctx, req)
	if err != nil {
		return queue.Task{}, err
	}
	m.queueUpdateLocked()
	m.persistLocked()
	return t, nil
}

func (m *Manager) addTaskLocked(ctx context.Context, req TaskRequest) (queue.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return queue.Task{}, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	node, err := m.tree.AddNode(tree.Node{
		Type:        tree.NodeTypeTask,
		Title:       req.Title,
		Description: strings.TrimSpace(req.Description),
		Order:       req.Order,
		Source:      work.ParseSource(string(req.Source), work.SourceUser),
		Urgency:     work.ParseUrgency(string(req.Urgency), work.UrgencyMedium),
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	}, strings.TrimSpace(req.ParentID))
	if err != nil {
		return queue.Task{}, err
	}
	return m.enqueueNodeLocked(ctx, node, req.Type, req)
}

// enqueueNodeLocked mirrors a task node into the queue under the same id.
func (m *Manager) enqueueNodeLocked(ctx context.Context, node tree.Node, typ queue.TaskType, req TaskRequest) (queue.Task, error) {
	t, err := m.queue.AddTask(queue.Task{
		ID:                  node.ID,
		NodeID:              node.ID,
		Title:               node.Title,
		Description:         node.Description,
		Type:                typ,
		Source:              node.Source,
		Priority:            node.Priority,
		Urgency:             node.Urgency,
		Dependencies:        append([]string(nil), req.Dependencies...),
		ScheduledFor:        req.ScheduledFor,
		ProspectiveMemoryID: strings.TrimSpace(req.ProspectiveMemoryID),
		Metadata:            node.Metadata,
	})
	if err != nil {
		m.setNodeStatusLocked(ctx, node.ID, work.StatusCancelled)
		return queue.Task{}, err
	}
	if m.memory != nil {
		m.memory.OnTaskCreated(ctx, m.agentID, t)
	}
	return t, nil
}

// CreateGoal adds a goal. Children given in the request are inserted as is;
// otherwise, with Decompose set, the decomposition oracle proposes them.
func (m *Manager) CreateGoal(ctx context.Context, req GoalRequest) (GoalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(req.Title) == "" {
		return GoalResult{}, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	source := work.ParseSource(string(req.Source), work.SourceUser)
	goal, err := m.tree.AddNode(tree.Node{
		Type:        tree.NodeTypeGoal,
		Title:       req.Title,
		Description: strings.TrimSpace(req.Description),
		Source:      source,
	}, strings.TrimSpace(req.ParentID))
	if err != nil {
		return GoalResult{}, err
	}
	if m.memory != nil {
		m.memory.OnGoalCreated(ctx, m.agentID, goal)
	}

	urgency := work.ParseUrgency(string(req.Urgency), work.UrgencyMedium)
	out := GoalResult{Goal: goal}
	switch {
	case len(req.Children) > 0:
		out.Inserted, out.Tasks, err = m.insertLocked(ctx, goal.ID, req.Children, source, urgency)
	case req.Decompose:
		out, err = m.decomposeLocked(ctx, goal.ID, urgency, false)
	}
	if g, ok := m.tree.Get(goal.ID); ok {
		out.Goal = g
	}
	m.queueUpdateLocked()
	m.persistLocked()
	return out, err
}

// DecomposeGoal asks the decomposition oracle for children of goalID and
// inserts the valid ones. An oracle failure leaves the goal as it was.
func (m *Manager) DecomposeGoal(ctx context.Context, goalID string, urgency work.Urgency) (GoalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := m.decomposeLocked(ctx, strings.TrimSpace(goalID), urgency, false)
	m.queueUpdateLocked()
	m.persistLocked()
	return out, err
}

// RedecomposeGoal replaces the open children of goalID with a fresh
// decomposition. It is skipped when urgency and relevant memories are
// unchanged since the last one.
func (m *Manager) RedecomposeGoal(ctx context.Context, goalID string, urgency work.Urgency) (GoalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := m.decomposeLocked(ctx, strings.TrimSpace(goalID), urgency, true)
	if !out.Skipped {
		m.queueUpdateLocked()
		m.persistLocked()
	}
	return out, err
}

func (m *Manager) decomposeLocked(ctx context.Context, goalID string, urgency work.Urgency, replace bool) (GoalResult, error) {
	g, ok := m.tree.Get(goalID)
	if !ok {
		return GoalResult{}, fmt.Errorf("%w: %s", tree.ErrNodeNotFound, goalID)
	}
	if !g.IsGoal() {
		return GoalResult{}, fmt.Errorf("%w: %s", tree.ErrNotAGoal, goalID)
	}
	if g.Terminal() {
		return GoalResult{}, fmt.Errorf("%w: goal %s is %s", ErrInvalidRequest, g.ID, g.GoalStatus)
	}
	urgency = work.ParseUrgency(string(urgency), work.UrgencyMedium)
	memories, hash := m.relevantMemoriesLocked(ctx, g)

	if replace {
		if prev, ok := m.tree.DecompositionContextOf(goalID); ok && !prev.Changed(urgency, hash) {
			return GoalResult{Goal: g, Skipped: true}, nil
		}
		ids, err := m.tree.CancelOpenChildren(goalID)
		if err != nil {
			return GoalResult{}, err
		}
		for _, id := range ids {
			m.cancelQueuedLocked(ctx, id, "replaced by redecomposition")
		}
	}

	var proposals []tree.Proposal
	if m.decomposer != nil {
		out, err := m.decomposer.Decompose(ctx, oracle.DecomposeRequest{
			Goal:     g,
			Urgency:  urgency,
			Focus:    m.focusLocked(),
			Memories: memories,
		})
		switch {
		case err != nil && ctx.Err() != nil:
			m.notifyGoalsLocked(ctx, m.tree.Settle(goalID))
			return GoalResult{Goal: g}, ctx.Err()
		case err != nil:
			m.logger.Warn("goal decomposition failed, inserting nothing",
				zap.String("goal_id", goalID),
				zap.Error(err),
			)
		default:
			proposals = out
		}
	}

	inserted, tasks, err := m.insertLocked(ctx, goalID, proposals, work.SourceSelfGenerated, urgency)
	if cerr := m.tree.SetDecompositionContext(goalID, tree.DecompositionContext{
		Urgency:    urgency,
		MemoryHash: hash,
		Timestamp:  m.now(),
	}); cerr != nil {
		err = errors.Join(err, cerr)
	}
	m.notifyGoalsLocked(ctx, m.tree.Settle(goalID))
	if cur, ok := m.tree.Get(goalID); ok {
		g = cur
	}
	return GoalResult{Goal: g, Inserted: inserted, Tasks: tasks}, err
}

// insertLocked validates proposals into the tree and queues every inserted
// task.
func (m *Manager) insertLocked(ctx context.Context, parentID string, proposals []tree.Proposal, source work.Source, urgency work.Urgency) ([]tree.Node, []queue.Task, error) {
	if len(proposals) == 0 {
		return nil, nil, nil
	}
	inserted, err := m.tree.InsertProposals(parentID, proposals, source, urgency, m.limits)
	var tasks []queue.Task
	for _, n := range inserted {
		if n.IsGoal() {
			if m.memory != nil {
				m.memory.OnGoalCreated(ctx, m.agentID, n)
			}
			continue
		}
		t, qerr := m.enqueueNodeLocked(ctx, n, queue.TaskTypeImmediate, TaskRequest{})
		if qerr != nil {
			err = errors.Join(err, qerr)
			continue
		}
		tasks = append(tasks, t)
	}
	return inserted, tasks, err
}

func (m *Manager) relevantMemoriesLocked(ctx context.Context, g tree.Node) ([]string, string) {
	if m.memory == nil {
		return nil, ""
	}
	recs, err := m.memory.GetRelevantMemories(ctx, m.agentID, g.Title+" "+g.Description, memory.Query{
		Kinds: decompositionMemoryKinds,
		Limit: relevantMemoryLimit,
	})
	if err != nil {
		m.logger.Warn("relevant memory lookup failed", zap.String("goal_id", g.ID), zap.Error(err))
		return nil, ""
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Content)
	}
	return out, memoryHash(recs)
}

// memoryHash fingerprints the memories a decomposition saw.
func memoryHash(recs []memory.Record) string {
	if len(recs) == 0 {
		return ""
	}
	d := xxhash.New()
	for _, r := range recs {
		_, _ = d.WriteString(r.ID)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(r.Content)
		_, _ = d.WriteString("\x00")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// SyncProspectiveMemories queues every pending prospective memory that has no
// task yet as a scheduled task due at the memory's time.
func (m *Manager) SyncProspectiveMemories(ctx context.Context) ([]queue.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memory == nil {
		return nil, nil
	}
	recs, err := m.memory.PendingProspective(ctx, m.agentID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool)
	q := m.queue.State()
	all := append(append(append([]queue.Task{}, q.Pending...), q.Completed...), q.Strategic...)
	if q.Active != nil {
		all = append(all, *q.Active)
	}
	for _, t := range all {
		if t.ProspectiveMemoryID != "" {
			known[t.ProspectiveMemoryID] = true
		}
	}

	var added []queue.Task
	for _, r := range recs {
		if known[r.ID] {
			continue
		}
		urgency, _ := r.Metadata["urgency"].(string)
		t, err := m.addTaskLocked(ctx, TaskRequest{
			Title:               r.Content,
			Type:                queue.TaskTypeScheduled,
			Source:              work.SourceProspective,
			Urgency:             work.ParseUrgency(urgency, work.UrgencyMedium),
			ScheduledFor:        r.DueAt,
			ProspectiveMemoryID: r.ID,
		})
		if err != nil {
			m.logger.Warn("queue prospective memory failed", zap.String("memory_id", r.ID), zap.Error(err))
			continue
		}
		added = append(added, t)
	}
	if len(added) > 0 {
		m.queueUpdateLocked()
		m.persistLocked()
	}
	return added, nil
}
