package tree

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/planner/internal/work"
)

// Proposal is one child suggested by a decomposition oracle. Goal proposals
// may carry their own children.
type Proposal struct {
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Type        NodeType     `json:"type,omitempty" yaml:"type,omitempty"`
	Urgency     work.Urgency `json:"urgency,omitempty" yaml:"urgency,omitempty"`
	Priority    float64      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Order       int          `json:"order,omitempty" yaml:"order,omitempty"`
	Children    []Proposal   `json:"children,omitempty" yaml:"children,omitempty"`
}

// Limits bounds what a single decomposition may insert.
type Limits struct {
	MaxChildren int
	MaxDepth    int
}

func (l Limits) withDefaults() Limits {
	if l.MaxChildren <= 0 {
		l.MaxChildren = 8
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = 3
	}
	return l
}

// DecompositionContext records the inputs of the last decomposition so a
// redecomposition can be skipped when nothing changed.
type DecompositionContext struct {
	Urgency    work.Urgency
	MemoryHash string
	Timestamp  time.Time
}

func (c DecompositionContext) toMetadata() map[string]any {
	return map[string]any{
		"urgency":    string(c.Urgency),
		"memoryHash": c.MemoryHash,
		"timestamp":  c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func decompositionContextFromMetadata(v any) (DecompositionContext, bool) {
	raw, ok := v.(map[string]any)
	if !ok {
		return DecompositionContext{}, false
	}
	var out DecompositionContext
	if s, ok := raw["urgency"].(string); ok {
		out.Urgency = work.Urgency(s)
	}
	if s, ok := raw["memoryHash"].(string); ok {
		out.MemoryHash = s
	}
	if s, ok := raw["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			out.Timestamp = ts
		}
	}
	return out, true
}

func (m *Manager) SetDecompositionContext(id string, c DecompositionContext) error {
	return m.SetMetadata(id, MetaDecompositionContext, c.toMetadata())
}

func (m *Manager) DecompositionContextOf(id string) (DecompositionContext, bool) {
	n, ok := m.nodes[id]
	if !ok || n.Metadata == nil {
		return DecompositionContext{}, false
	}
	return decompositionContextFromMetadata(n.Metadata[MetaDecompositionContext])
}

// Changed reports whether a new decomposition would see different inputs.
func (c DecompositionContext) Changed(urgency work.Urgency, memoryHash string) bool {
	return c.Urgency != urgency || c.MemoryHash != memoryHash
}

// ValidateProposals trims, deduplicates (case-insensitively, also against
// titles already in use under the parent) and caps proposals. Missing urgency
// inherits fallback.
func ValidateProposals(proposals []Proposal, existingTitles []string, fallback work.Urgency, limits Limits) []Proposal {
	limits = limits.withDefaults()
	seen := make(map[string]bool, len(existingTitles)+len(proposals))
	for _, t := range existingTitles {
		seen[normalizeTitle(t)] = true
	}
	out := make([]Proposal, 0, len(proposals))
	for _, p := range proposals {
		p.Title = strings.Join(strings.Fields(p.Title), " ")
		p.Description = strings.TrimSpace(p.Description)
		if p.Title == "" {
			continue
		}
		key := normalizeTitle(p.Title)
		if seen[key] {
			continue
		}
		seen[key] = true
		if p.Type != NodeTypeGoal {
			p.Type = NodeTypeTask
		}
		if !p.Urgency.Valid() {
			p.Urgency = fallback
		}
		p.Priority = work.ClampPriority(p.Priority)
		out = append(out, p)
		if len(out) >= limits.MaxChildren {
			break
		}
	}
	return out
}

// InsertProposals validates and attaches proposals under parentID, recursing
// into goal proposals up to limits.MaxDepth. Proposals without an urgency get
// fallback. The inserted nodes are returned in insertion order.
func (m *Manager) InsertProposals(parentID string, proposals []Proposal, source work.Source, fallback work.Urgency, limits Limits) ([]Node, error) {
	parent, ok := m.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: parent %s", ErrNodeNotFound, parentID)
	}
	if !parent.IsGoal() {
		return nil, fmt.Errorf("%w: parent %s", ErrNotAGoal, parentID)
	}
	if !fallback.Valid() {
		fallback = work.UrgencyMedium
	}
	return m.insertProposals(parent, proposals, source, fallback, limits.withDefaults(), 1)
}

func (m *Manager) insertProposals(parent *Node, proposals []Proposal, source work.Source, fallback work.Urgency, limits Limits, depth int) ([]Node, error) {
	existing := make([]string, 0, len(parent.Children))
	maxOrder := 0
	for _, cid := range parent.Children {
		c, ok := m.nodes[cid]
		if !ok {
			continue
		}
		if c.Order > maxOrder {
			maxOrder = c.Order
		}
		if c.Terminal() && !c.CompletedTerminal() {
			continue
		}
		existing = append(existing, c.Title)
	}
	valid := ValidateProposals(proposals, existing, fallback, limits)
	var inserted []Node
	for i, p := range valid {
		order := p.Order
		if order <= 0 {
			order = maxOrder + i + 1
		}
		node, err := m.AddNode(Node{
			Type:        p.Type,
			Title:       p.Title,
			Description: p.Description,
			Order:       order,
			Source:      source,
			Urgency:     p.Urgency,
			Priority:    p.Priority,
		}, parent.ID)
		if err != nil {
			return inserted, err
		}
		inserted = append(inserted, node)
		if p.Type == NodeTypeGoal && len(p.Children) > 0 && depth < limits.MaxDepth {
			child := m.nodes[node.ID]
			nested, err := m.insertProposals(child, p.Children, source, p.Urgency, limits, depth+1)
			inserted = append(inserted, nested...)
			if err != nil {
				return inserted, err
			}
		}
	}
	return inserted, nil
}

func normalizeTitle(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
