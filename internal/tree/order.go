package tree

import (
	"sort"

	"github.com/ent0n29/planner/internal/work"
)

// blocks reports whether an ancestor prevents its descendants from running.
// Only goals have descendants, and only a cancelled one holds them.
func blocks(ancestor Node) bool {
	return ancestor.IsGoal() && ancestor.GoalStatus == GoalStatusCancelled
}

// IsReady reports whether id is a pending leaf task with no blocking ancestor.
func (m *Manager) IsReady(id string) bool {
	n, ok := m.nodes[id]
	if !ok {
		return false
	}
	return m.readyLocked(n)
}

func (m *Manager) readyLocked(n *Node) bool {
	if !n.IsTask() || !n.IsLeaf() || n.TaskStatus != work.StatusPending {
		return false
	}
	for _, a := range m.Ancestors(n.ID) {
		if blocks(a) {
			return false
		}
	}
	return true
}

// ReadyTasks returns executable leaf tasks ordered by urgency rank, then
// priority, then creation time.
func (m *Manager) ReadyTasks() []Node {
	var out []Node
	for _, n := range m.nodes {
		if m.readyLocked(n) {
			out = append(out, n.Clone())
		}
	}
	sortExecutionOrder(out)
	return out
}

// BlockedTasks returns pending leaf tasks held back by an ancestor.
func (m *Manager) BlockedTasks() []Node {
	var out []Node
	for _, n := range m.nodes {
		if !n.IsTask() || !n.IsLeaf() || n.TaskStatus != work.StatusPending {
			continue
		}
		if !m.readyLocked(n) {
			out = append(out, n.Clone())
		}
	}
	sortExecutionOrder(out)
	return out
}

// ExecutionPath is the ordered id list of ReadyTasks.
func (m *Manager) ExecutionPath() []string {
	ready := m.ReadyTasks()
	out := make([]string, 0, len(ready))
	for _, n := range ready {
		out = append(out, n.ID)
	}
	return out
}

func sortExecutionOrder(nodes []Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		ri, rj := nodes[i].Urgency.Rank(), nodes[j].Urgency.Rank()
		if ri != rj {
			return ri > rj
		}
		if nodes[i].Priority != nodes[j].Priority {
			return nodes[i].Priority > nodes[j].Priority
		}
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}
