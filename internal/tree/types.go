package tree

import (
	"errors"
	"time"

	"github.com/ent0n29/planner/internal/work"
)

var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrDuplicateNode   = errors.New("duplicate node id")
	ErrInvalidNode     = errors.New("invalid node")
	ErrNotATask        = errors.New("node is not a task")
	ErrNotAGoal        = errors.New("node is not a goal")
	ErrInvalidSnapshot = errors.New("invalid tree snapshot")
)

type NodeType string

const (
	NodeTypeGoal NodeType = "goal"
	NodeTypeTask NodeType = "task"
)

type GoalStatus string

const (
	GoalStatusActive    GoalStatus = "active"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusCancelled GoalStatus = "cancelled"
)

// MetaDecompositionContext is the metadata key holding the inputs of the last
// decomposition of a goal.
const MetaDecompositionContext = "decompositionContext"

// MetaSupersededBy marks a failed task that a fallback task replaced.
const MetaSupersededBy = "supersededBy"

// Node is one goal or task in the arena. Parent and children are referenced by
// id only; the Tree owns every node.
type Node struct {
	ID          string          `json:"id" yaml:"id"`
	Type        NodeType        `json:"type" yaml:"type"`
	Title       string          `json:"title" yaml:"title"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	ParentID    string          `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Children    []string        `json:"children,omitempty" yaml:"children,omitempty"`
	Order       int             `json:"order" yaml:"order"`
	Source      work.Source     `json:"source" yaml:"source"`
	GoalStatus  GoalStatus      `json:"goal_status,omitempty" yaml:"goal_status,omitempty"`
	TaskStatus  work.TaskStatus `json:"task_status,omitempty" yaml:"task_status,omitempty"`
	Urgency     work.Urgency    `json:"urgency,omitempty" yaml:"urgency,omitempty"`
	Priority    float64         `json:"priority,omitempty" yaml:"priority,omitempty"`
	Progress    int             `json:"progress" yaml:"progress"`
	Metadata    map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
}

func (n Node) IsGoal() bool { return n.Type == NodeTypeGoal }
func (n Node) IsTask() bool { return n.Type == NodeTypeTask }
func (n Node) IsLeaf() bool { return len(n.Children) == 0 }

// CompletedTerminal reports whether the node finished successfully.
func (n Node) CompletedTerminal() bool {
	if n.IsGoal() {
		return n.GoalStatus == GoalStatusCompleted
	}
	return n.TaskStatus == work.StatusCompleted
}

// Superseded reports whether a failed task was replaced by a fallback.
func (n Node) Superseded() bool {
	if !n.IsTask() || n.TaskStatus != work.StatusFailed {
		return false
	}
	id, _ := n.Metadata[MetaSupersededBy].(string)
	return id != ""
}

// Terminal reports whether the node can no longer change status.
func (n Node) Terminal() bool {
	if n.IsGoal() {
		return n.GoalStatus == GoalStatusCompleted || n.GoalStatus == GoalStatusCancelled
	}
	return n.TaskStatus.Terminal()
}

func (n Node) Clone() Node {
	out := n
	if n.Children != nil {
		out.Children = make([]string, len(n.Children))
		copy(out.Children, n.Children)
	}
	if n.Metadata != nil {
		out.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Snapshot is the plain, id-keyed form of a tree used for persistence.
type Snapshot struct {
	RootID       string `json:"root_id" yaml:"root_id"`
	ActiveNodeID string `json:"active_node_id,omitempty" yaml:"active_node_id,omitempty"`
	Nodes        []Node `json:"nodes" yaml:"nodes"`
}
