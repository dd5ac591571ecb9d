// Package agents owns one planner per agent id, evicts idle agents and runs
// the temporal tick that starts scheduled work when it comes due.
package agents

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/oracle"
	"github.com/ent0n29/planner/internal/planning"
	"github.com/ent0n29/planner/internal/tree"
)

var (
	ErrNotFound     = errors.New("agent not found")
	ErrInvalidAgent = errors.New("agent id is required")
	ErrClosed       = errors.New("registry closed")
)

type Config struct {
	Oracles           oracle.Set
	Memory            planning.MemoryCollaborator
	Store             planning.Store
	Observer          planning.Observer
	Weights           *attention.Weights
	MaxFallbackDepth  int
	StepConfirmations bool
	Limits            tree.Limits
	IdleTimeout       time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

// Info describes a loaded agent.
type Info struct {
	AgentID        string    `json:"agent_id"`
	ActiveTaskID   string    `json:"active_task_id,omitempty"`
	PendingCount   int       `json:"pending_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	planner        *planning.Manager
	lastActivityAt time.Time
}

type Registry struct {
	mu          sync.Mutex
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
	focus       *attention.Tracker
	agents      map[string]*entry
	idleTimeout time.Duration
	onExpire    func(agentID string)
	closed      bool
}

func NewRegistry(cfg Config) *Registry {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &Registry{
		cfg:         cfg,
		logger:      logger,
		now:         now,
		focus:       attention.NewTracker(),
		agents:      make(map[string]*entry),
		idleTimeout: idle,
	}
}

func (r *Registry) SetExpireHook(hook func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Attention exposes the focus tracker shared by every agent.
func (r *Registry) Attention() *attention.Tracker { return r.focus }

// Get returns the planner of agentID, loading it from the store on first use.
func (r *Registry) Get(ctx context.Context, agentID string) (*planning.Manager, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, ErrInvalidAgent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.agents[agentID]; ok {
		e.lastActivityAt = r.now()
		return e.planner, nil
	}
	p, err := planning.Load(ctx, planning.Options{
		AgentID:           agentID,
		Oracles:           r.cfg.Oracles,
		Memory:            r.cfg.Memory,
		Attention:         r.focus,
		Store:             r.cfg.Store,
		Observer:          r.cfg.Observer,
		Weights:           r.cfg.Weights,
		MaxFallbackDepth:  r.cfg.MaxFallbackDepth,
		StepConfirmations: r.cfg.StepConfirmations,
		Limits:            r.cfg.Limits,
		Logger:            r.logger,
		Now:               r.now,
	})
	if err != nil {
		return nil, err
	}
	r.agents[agentID] = &entry{planner: p, lastActivityAt: r.now()}
	r.logger.Info("agent planner loaded", zap.String("agent_id", agentID))
	return p, nil
}

// Peek returns a loaded planner without loading or touching it.
func (r *Registry) Peek(agentID string) (*planning.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.planner, nil
}

func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.agents))
	planners := make([]*planning.Manager, 0, len(r.agents))
	for id, e := range r.agents {
		out = append(out, Info{AgentID: id, LastActivityAt: e.lastActivityAt})
		planners = append(planners, e.planner)
	}
	r.mu.Unlock()

	for i, p := range planners {
		q := p.GetQueueState()
		out[i].PendingCount = len(q.Pending)
		if q.Active != nil {
			out[i].ActiveTaskID = q.Active.ID
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Remove unloads agentID. Its last snapshot stays in the store.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.planner.Close()
	r.focus.Forget(agentID)
	return nil
}

// Run ticks every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick syncs prospective memories, runs a queue pass for every idle agent
// with due work and unloads agents that have been idle too long.
func (r *Registry) Tick(ctx context.Context) {
	r.mu.Lock()
	planners := make(map[string]*planning.Manager, len(r.agents))
	for id, e := range r.agents {
		planners[id] = e.planner
	}
	r.mu.Unlock()

	for id, p := range planners {
		if ctx.Err() != nil {
			return
		}
		if added, err := p.SyncProspectiveMemories(ctx); err != nil {
			r.logger.Warn("prospective memory sync failed", zap.String("agent_id", id), zap.Error(err))
		} else if len(added) > 0 {
			r.touch(id)
		}
		res, ran, err := p.ProcessIfIdle(ctx)
		switch {
		case err != nil:
			r.logger.Warn("temporal queue pass failed", zap.String("agent_id", id), zap.Error(err))
		case ran && res.Type == planning.ResultTask:
			r.logger.Info("scheduled task started",
				zap.String("agent_id", id),
				zap.String("task_id", res.Task.ID),
			)
			r.touch(id)
		}
	}
	r.expireIdle()
}

func (r *Registry) touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.lastActivityAt = r.now()
	}
}

// expireIdle unloads agents past the idle timeout. Without a store an agent
// is only unloaded once it has nothing left to do, since its state would be
// lost.
func (r *Registry) expireIdle() {
	now := r.now()
	var expired []string
	var closing []*planning.Manager

	r.mu.Lock()
	for id, e := range r.agents {
		if now.Sub(e.lastActivityAt) < r.idleTimeout {
			continue
		}
		if r.cfg.Store == nil {
			q := e.planner.GetQueueState()
			if q.Active != nil || len(q.Pending) > 0 || len(q.Strategic) > 0 {
				continue
			}
		}
		delete(r.agents, id)
		expired = append(expired, id)
		closing = append(closing, e.planner)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for i, id := range expired {
		closing[i].Close()
		r.focus.Forget(id)
		r.logger.Info("idle agent unloaded", zap.String("agent_id", id))
		if hook != nil {
			hook(id)
		}
	}
}

// Close unloads every agent and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	planners := make([]*planning.Manager, 0, len(r.agents))
	for id, e := range r.agents {
		planners = append(planners, e.planner)
		delete(r.agents, id)
	}
	r.mu.Unlock()
	for _, p := range planners {
		p.Close()
	}
}
