package attention

import (
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/planner/internal/work"
)

// Focus is what an agent is attending to right now.
type Focus struct {
	CurrentTask    string       `json:"current_task,omitempty"`
	Urgency        work.Urgency `json:"urgency,omitempty"`
	Topic          string       `json:"topic,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Tracker holds the focus of every agent.
type Tracker struct {
	mu     sync.RWMutex
	focus  map[string]Focus
	nowFun func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		focus:  make(map[string]Focus),
		nowFun: func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) UpdateTaskFocus(agentID, title string, urgency work.Urgency, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.focus[agentID]
	f.CurrentTask = strings.TrimSpace(title)
	f.Urgency = urgency
	if conversationID = strings.TrimSpace(conversationID); conversationID != "" {
		f.ConversationID = conversationID
	}
	f.UpdatedAt = t.nowFun()
	t.focus[agentID] = f
}

// ClearTaskFocus drops the current task but keeps the topic.
func (t *Tracker) ClearTaskFocus(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.focus[agentID]
	if !ok {
		return
	}
	f.CurrentTask = ""
	f.Urgency = ""
	f.UpdatedAt = t.nowFun()
	if f.Topic == "" {
		delete(t.focus, agentID)
		return
	}
	t.focus[agentID] = f
}

func (t *Tracker) SetTopic(agentID, topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.focus[agentID]
	f.Topic = strings.TrimSpace(topic)
	f.UpdatedAt = t.nowFun()
	t.focus[agentID] = f
}

func (t *Tracker) Focus(agentID string) Focus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.focus[agentID]
}

// Forget removes every trace of an agent.
func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.focus, agentID)
}
