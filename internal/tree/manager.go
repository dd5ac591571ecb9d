// Package tree owns the goal/task hierarchy of one agent. Nodes live in an
// arena keyed by id with explicit parent/child id links. The Manager is not
// safe for concurrent use; the planner serializes access to it.
package tree

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/planner/internal/work"
)

const rootTitle = "root"

type Manager struct {
	rootID       string
	activeNodeID string
	nodes        map[string]*Node
	now          func() time.Time
}

// NewManager returns a tree holding only the synthetic root goal.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ts := now()
	root := &Node{
		ID:         uuid.NewString(),
		Type:       NodeTypeGoal,
		Title:      rootTitle,
		Source:     work.SourceSelfGenerated,
		GoalStatus: GoalStatusActive,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	return &Manager{
		rootID: root.ID,
		nodes:  map[string]*Node{root.ID: root},
		now:    now,
	}
}

func (m *Manager) RootID() string { return m.rootID }

func (m *Manager) ActiveNodeID() string { return m.activeNodeID }

// SetActive records which task node is being executed. Unknown ids clear it.
func (m *Manager) SetActive(id string) {
	if _, ok := m.nodes[id]; !ok {
		m.activeNodeID = ""
		return
	}
	m.activeNodeID = id
}

func (m *Manager) Len() int { return len(m.nodes) }

func (m *Manager) Get(id string) (Node, bool) {
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// AddNode attaches node under parentID, or under the root when parentID is
// empty. Missing ids and timestamps are filled in and the status fields are
// normalized so exactly one of GoalStatus/TaskStatus is set.
func (m *Manager) AddNode(node Node, parentID string) (Node, error) {
	node.Title = strings.TrimSpace(node.Title)
	if node.Title == "" {
		return Node{}, fmt.Errorf("%w: title is required", ErrInvalidNode)
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if _, exists := m.nodes[node.ID]; exists {
		return Node{}, fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	if parentID == "" {
		parentID = m.rootID
	}
	parent, ok := m.nodes[parentID]
	if !ok {
		return Node{}, fmt.Errorf("%w: parent %s", ErrNodeNotFound, parentID)
	}
	if !parent.IsGoal() {
		return Node{}, fmt.Errorf("%w: parent %s", ErrNotAGoal, parentID)
	}

	switch node.Type {
	case NodeTypeGoal:
		node.TaskStatus = ""
		node.Urgency = ""
		node.Priority = 0
		if node.GoalStatus == "" {
			node.GoalStatus = GoalStatusActive
		}
	case NodeTypeTask:
		node.GoalStatus = ""
		if node.TaskStatus == "" {
			node.TaskStatus = work.StatusPending
		}
		if !node.Urgency.Valid() {
			node.Urgency = work.UrgencyMedium
		}
		node.Priority = work.ClampPriority(node.Priority)
	default:
		return Node{}, fmt.Errorf("%w: type %q", ErrInvalidNode, node.Type)
	}
	if node.Source == "" {
		node.Source = work.SourceUser
	}
	node.Progress = work.ClampProgress(node.Progress)
	node.Children = nil
	node.ParentID = parent.ID
	ts := m.now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = ts
	}
	node.UpdatedAt = ts

	stored := node.Clone()
	m.nodes[stored.ID] = &stored
	m.insertChildLocked(parent, &stored)
	parent.UpdatedAt = ts
	return stored.Clone(), nil
}

// insertChildLocked keeps parent.Children ordered by Order; equal orders keep
// insertion order.
func (m *Manager) insertChildLocked(parent, child *Node) {
	idx := len(parent.Children)
	for i, id := range parent.Children {
		if sibling := m.nodes[id]; sibling != nil && sibling.Order > child.Order {
			idx = i
			break
		}
	}
	parent.Children = append(parent.Children, "")
	copy(parent.Children[idx+1:], parent.Children[idx:])
	parent.Children[idx] = child.ID
}

// Ancestors walks parent links from id up to and including the root. The
// nearest parent comes first.
func (m *Manager) Ancestors(id string) []Node {
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	var out []Node
	seen := map[string]bool{n.ID: true}
	for pid := n.ParentID; pid != ""; {
		if seen[pid] {
			break
		}
		seen[pid] = true
		p, ok := m.nodes[pid]
		if !ok {
			break
		}
		out = append(out, p.Clone())
		pid = p.ParentID
	}
	return out
}

func (m *Manager) Children(id string) []Node {
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Node, 0, len(n.Children))
	for _, cid := range n.Children {
		if c, ok := m.nodes[cid]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Nodes returns every node ordered by creation time, root first.
func (m *Manager) Nodes() []Node {
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ID == m.rootID {
			return true
		}
		if out[j].ID == m.rootID {
			return false
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetTaskProgress stores progress on a task and refreshes its ancestors.
func (m *Manager) SetTaskProgress(id string, progress int) error {
	n, ok := m.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	if !n.IsTask() {
		return ErrNotATask
	}
	n.Progress = work.ClampProgress(progress)
	n.UpdatedAt = m.now()
	if n.ParentID != "" {
		m.UpdateNodeProgress(n.ParentID)
	}
	return nil
}

// UpdateNodeProgress recomputes the progress of id (when it has children) as
// the rounded mean of its children, descending through nested goals, and then
// refreshes every ancestor.
func (m *Manager) UpdateNodeProgress(id string) {
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	m.recomputeProgress(n, map[string]bool{})
	seen := map[string]bool{n.ID: true}
	for pid := n.ParentID; pid != "" && !seen[pid]; {
		seen[pid] = true
		p, ok := m.nodes[pid]
		if !ok {
			return
		}
		m.averageChildren(p)
		pid = p.ParentID
	}
}

func (m *Manager) recomputeProgress(n *Node, seen map[string]bool) int {
	if seen[n.ID] {
		return n.Progress
	}
	seen[n.ID] = true
	if len(n.Children) == 0 {
		return n.Progress
	}
	for _, cid := range n.Children {
		if c, ok := m.nodes[cid]; ok && c.IsGoal() {
			m.recomputeProgress(c, seen)
		}
	}
	m.averageChildren(n)
	return n.Progress
}

func (m *Manager) averageChildren(n *Node) {
	if len(n.Children) == 0 {
		return
	}
	total, count := 0, 0
	for _, cid := range n.Children {
		c, ok := m.nodes[cid]
		if !ok {
			continue
		}
		total += c.Progress
		count++
	}
	if count == 0 {
		return
	}
	next := int(math.Round(float64(total) / float64(count)))
	if n.IsGoal() && n.GoalStatus == GoalStatusCompleted {
		next = 100
	}
	if next != n.Progress {
		n.Progress = work.ClampProgress(next)
		n.UpdatedAt = m.now()
	}
}

// SetTaskStatus transitions a task node. Completion forces progress to 100.
// Goals that become complete as a consequence are returned in completion
// order, innermost first.
func (m *Manager) SetTaskStatus(id string, status work.TaskStatus) ([]Node, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	if !n.IsTask() {
		return nil, ErrNotATask
	}
	n.TaskStatus = status
	if status == work.StatusCompleted {
		n.Progress = 100
	}
	n.UpdatedAt = m.now()
	if status.Terminal() && m.activeNodeID == id {
		m.activeNodeID = ""
	}
	if n.ParentID == "" {
		return nil, nil
	}
	m.UpdateNodeProgress(n.ParentID)
	return m.cascadeCompletion(n.ParentID), nil
}

// cascadeCompletion completes goalID when every child is finished and at
// least one child completed; cancelled and superseded children do not block. The check then
// re-runs on the parent. The root is never completed.
func (m *Manager) cascadeCompletion(goalID string) []Node {
	var completed []Node
	seen := map[string]bool{}
	for id := goalID; id != "" && id != m.rootID && !seen[id]; {
		seen[id] = true
		g, ok := m.nodes[id]
		if !ok || !g.IsGoal() || g.GoalStatus != GoalStatusActive || len(g.Children) == 0 {
			break
		}
		done := 0
		blocked := false
		for _, cid := range g.Children {
			c, ok := m.nodes[cid]
			if !ok {
				continue
			}
			switch {
			case c.CompletedTerminal():
				done++
			case c.IsGoal() && c.GoalStatus == GoalStatusCancelled:
			case c.IsTask() && c.TaskStatus == work.StatusCancelled:
			case c.Superseded():
			default:
				blocked = true
			}
			if blocked {
				break
			}
		}
		if blocked || done == 0 {
			break
		}
		g.GoalStatus = GoalStatusCompleted
		g.Progress = 100
		g.UpdatedAt = m.now()
		completed = append(completed, g.Clone())
		if g.ParentID != "" {
			m.UpdateNodeProgress(g.ParentID)
		}
		id = g.ParentID
	}
	return completed
}

// CancelSubtree cancels id and every non-terminal descendant. It returns the
// ids of task nodes that were cancelled so the queue can follow.
func (m *Manager) CancelSubtree(id string) ([]string, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	if id == m.rootID {
		return nil, fmt.Errorf("%w: root cannot be cancelled", ErrInvalidNode)
	}
	var cancelled []string
	var walk func(*Node)
	walk = func(cur *Node) {
		if !cur.Terminal() {
			if cur.IsGoal() {
				cur.GoalStatus = GoalStatusCancelled
			} else {
				cur.TaskStatus = work.StatusCancelled
				cancelled = append(cancelled, cur.ID)
			}
			cur.UpdatedAt = m.now()
		}
		for _, cid := range cur.Children {
			if c, ok := m.nodes[cid]; ok {
				walk(c)
			}
		}
	}
	walk(n)
	if n.ParentID != "" {
		m.UpdateNodeProgress(n.ParentID)
		m.cascadeCompletion(n.ParentID)
	}
	return cancelled, nil
}

// CancelOpenChildren cancels every unfinished child subtree of goalID that
// does not hold the active node. Unlike CancelSubtree it does not complete
// the goal, so new children can be attached before Settle runs.
func (m *Manager) CancelOpenChildren(goalID string) ([]string, error) {
	g, ok := m.nodes[goalID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	if !g.IsGoal() {
		return nil, ErrNotAGoal
	}
	var cancelled []string
	var walk func(*Node)
	walk = func(cur *Node) {
		if !cur.Terminal() {
			if cur.IsGoal() {
				cur.GoalStatus = GoalStatusCancelled
			} else {
				cur.TaskStatus = work.StatusCancelled
				cancelled = append(cancelled, cur.ID)
			}
			cur.UpdatedAt = m.now()
		}
		for _, cid := range cur.Children {
			if c, ok := m.nodes[cid]; ok {
				walk(c)
			}
		}
	}
	for _, cid := range g.Children {
		c, ok := m.nodes[cid]
		if !ok || c.Terminal() || m.holdsActive(c.ID) {
			continue
		}
		walk(c)
	}
	return cancelled, nil
}

func (m *Manager) holdsActive(id string) bool {
	if m.activeNodeID == "" {
		return false
	}
	if m.activeNodeID == id {
		return true
	}
	for _, a := range m.Ancestors(m.activeNodeID) {
		if a.ID == id {
			return true
		}
	}
	return false
}

// Settle refreshes progress under id and completes it, and its ancestors,
// when their children allow it.
func (m *Manager) Settle(id string) []Node {
	if _, ok := m.nodes[id]; !ok {
		return nil
	}
	m.UpdateNodeProgress(id)
	return m.cascadeCompletion(id)
}

// Supersede links a failed task to the fallback task that replaces it so the
// failure no longer holds back its goal.
func (m *Manager) Supersede(failedID, replacementID string) error {
	n, ok := m.nodes[failedID]
	if !ok {
		return ErrNodeNotFound
	}
	if _, ok := m.nodes[replacementID]; !ok {
		return fmt.Errorf("%w: replacement %s", ErrNodeNotFound, replacementID)
	}
	if !n.IsTask() || n.TaskStatus != work.StatusFailed {
		return fmt.Errorf("%w: only failed tasks can be superseded", ErrInvalidNode)
	}
	return m.SetMetadata(failedID, MetaSupersededBy, replacementID)
}

func (m *Manager) SetMetadata(id, key string, value any) error {
	n, ok := m.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	if n.Metadata == nil {
		n.Metadata = make(map[string]any)
	}
	n.Metadata[key] = value
	n.UpdatedAt = m.now()
	return nil
}

func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		RootID:       m.rootID,
		ActiveNodeID: m.activeNodeID,
		Nodes:        m.Nodes(),
	}
}

// Restore rebuilds a Manager from a snapshot after checking that every
// parent/child edge is present on both ends.
func Restore(s Snapshot, now func() time.Time) (*Manager, error) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if s.RootID == "" {
		return nil, fmt.Errorf("%w: missing root id", ErrInvalidSnapshot)
	}
	nodes := make(map[string]*Node, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrInvalidSnapshot)
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrInvalidSnapshot, n.ID)
		}
		c := n.Clone()
		nodes[n.ID] = &c
	}
	if _, ok := nodes[s.RootID]; !ok {
		return nil, fmt.Errorf("%w: root %s not present", ErrInvalidSnapshot, s.RootID)
	}
	for _, n := range nodes {
		if n.ID != s.RootID {
			p, ok := nodes[n.ParentID]
			if !ok {
				return nil, fmt.Errorf("%w: node %s has unknown parent %q", ErrInvalidSnapshot, n.ID, n.ParentID)
			}
			if !containsID(p.Children, n.ID) {
				return nil, fmt.Errorf("%w: parent %s does not list child %s", ErrInvalidSnapshot, p.ID, n.ID)
			}
		}
		if n.IsTask() && len(n.Children) > 0 {
			return nil, fmt.Errorf("%w: task %s has children", ErrInvalidSnapshot, n.ID)
		}
		for _, cid := range n.Children {
			c, ok := nodes[cid]
			if !ok || c.ParentID != n.ID {
				return nil, fmt.Errorf("%w: child link %s -> %s is broken", ErrInvalidSnapshot, n.ID, cid)
			}
		}
	}
	m := &Manager{rootID: s.RootID, nodes: nodes, now: now}
	m.SetActive(s.ActiveNodeID)
	return m, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
