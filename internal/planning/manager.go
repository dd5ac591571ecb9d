// Package planning is the façade over one agent's goal tree, task queue,
// executor and interruption protocol. Every exported Manager method holds the
// manager lock for its whole duration, oracle calls included, so the tree and
// queue only ever see one writer.
package planning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/fallback"
	"github.com/ent0n29/planner/internal/oracle"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/reactive"
	"github.com/ent0n29/planner/internal/tactical"
	"github.com/ent0n29/planner/internal/temporal"
	"github.com/ent0n29/planner/internal/tree"
	"github.com/ent0n29/planner/internal/work"
)

const persistTimeout = 2 * time.Second

type Manager struct {
	mu sync.Mutex

	agentID  string
	logger   *zap.Logger
	now      func() time.Time
	store    Store
	observer Observer

	tree        *tree.Manager
	queue       *queue.Manager
	prioritizer *attention.Prioritizer
	executor    *tactical.Executor
	switcher    *reactive.Switcher
	contexts    *reactive.ContextStore
	scheduler   *temporal.Scheduler
	fallbacks   *fallback.Manager

	decomposer oracle.Decomposer
	confirmer  oracle.ConfirmationWriter
	memory     MemoryCollaborator
	attention  AttentionCollaborator
	limits     tree.Limits

	interruption *PendingInterruption
	stats        Stats
	revision     int64

	subscribers map[int]chan Event
	nextSubID   int
	saves       sync.WaitGroup
	closed      bool
}

func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("agent_id", opts.AgentID))
	weights := attention.DefaultWeights()
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	focus := opts.Attention
	if focus == nil {
		focus = attention.NewTracker()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		agentID:     opts.AgentID,
		logger:      logger,
		now:         now,
		store:       opts.Store,
		observer:    observer,
		tree:        tree.NewManager(now),
		queue:       queue.NewManager(now),
		prioritizer: attention.NewPrioritizer(weights),
		executor:    tactical.NewExecutor(opts.Oracles.Steps, opts.StepConfirmations, logger),
		switcher:    reactive.NewSwitcher(opts.Oracles.Continuity, opts.Oracles.Interpreter, logger),
		contexts:    reactive.NewContextStore(),
		scheduler:   temporal.NewScheduler(now),
		fallbacks:   fallback.NewManager(opts.MaxFallbackDepth),
		decomposer:  opts.Oracles.Decomposer,
		confirmer:   opts.Oracles.Confirmer,
		memory:      opts.Memory,
		attention:   focus,
		limits:      opts.Limits,
		subscribers: make(map[int]chan Event),
	}
}

// Load builds a Manager and restores the last snapshot saved for the agent,
// if the store has one.
func Load(ctx context.Context, opts Options) (*Manager, error) {
	m := NewManager(opts)
	if opts.Store == nil {
		return m, nil
	}
	snap, err := opts.Store.LoadSnapshot(ctx, opts.AgentID)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return m, nil
		}
		return nil, err
	}
	if err := m.Restore(snap); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) AgentID() string { return m.agentID }

// Subscribe streams planner events until the returned func is called or the
// manager is closed. Slow subscribers miss events rather than block.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
}

// Close waits for in-flight saves and ends every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, ch := range m.subscribers {
		delete(m.subscribers, id)
		close(ch)
	}
	m.mu.Unlock()
	m.saves.Wait()
}

func (m *Manager) publishLocked(evt Event) {
	evt.AgentID = m.agentID
	if evt.At.IsZero() {
		evt.At = m.now()
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *Manager) queueUpdateLocked() {
	q := m.queue.State()
	m.publishLocked(Event{Type: EventQueueUpdate, Queue: &q})
}

// persistLocked saves a snapshot in the background. Each save carries a new
// revision so a store never replaces a newer snapshot with an older one.
func (m *Manager) persistLocked() {
	if m.store == nil || m.closed {
		return
	}
	m.revision++
	snap := m.snapshotLocked()
	store, logger := m.store, m.logger
	m.saves.Add(1)
	go func() {
		defer m.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			logger.Warn("persist planner snapshot failed", zap.Int64("revision", snap.Revision), zap.Error(err))
		}
	}()
}

func (m *Manager) focusLocked() attention.Focus {
	return m.attention.Focus(m.agentID)
}

func (m *Manager) GetQueueState() queue.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.State()
}

// Phase reports where the planner stands in the interruption state machine.
func (m *Manager) Phase() reactive.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropStaleInterruptionLocked()
	_, active := m.queue.Active()
	return reactive.PhaseOf(active, m.interruption != nil)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) Tree() tree.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Snapshot()
}

func (m *Manager) ExecutionPath() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.ExecutionPath()
}

func (m *Manager) Focus() attention.Focus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focusLocked()
}

// Execution returns the executing task with its steps and cursor.
func (m *Manager) Execution() (tactical.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executor.State()
}

// NextDue is the earliest future trigger among pending scheduled tasks.
func (m *Manager) NextDue() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduler.NextDue(m.queue.Pending())
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		AgentID:      m.agentID,
		Revision:     m.revision,
		Tree:         m.tree.Snapshot(),
		Queue:        m.queue.State(),
		Contexts:     m.contexts.All(),
		Fallbacks:    m.fallbacks.Plans(),
		Deferred:     m.switcher.DeferredSnapshot(),
		Interruption: m.interruption.clone(),
		Stats:        m.stats,
		SavedAt:      m.now(),
	}
	if st, ok := m.executor.State(); ok {
		snap.Execution = &st
	}
	return snap
}

// Restore replaces the planner state with snap. An active task without
// execution state goes back to the front of pending so it is planned again.
func (m *Manager) Restore(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := tree.Restore(snap.Tree, m.now)
	if err != nil {
		return err
	}
	q := queue.NewManager(m.now)
	if err := q.Restore(snap.Queue); err != nil {
		return err
	}
	active, hasActive := q.Active()
	if snap.Execution != nil && (!hasActive || snap.Execution.Task.ID != active.ID) {
		return fmt.Errorf("%w: execution state does not match the active task", ErrInvalidRequest)
	}

	m.executor.Clear()
	if hasActive {
		if snap.Execution != nil {
			if err := m.executor.Resume(*snap.Execution); err != nil {
				return err
			}
		} else {
			q.SuspendActive()
			if active.NodeID != "" {
				_, _ = t.SetTaskStatus(active.NodeID, work.StatusPending)
			}
		}
	}
	m.tree = t
	m.queue = q
	m.contexts.Restore(snap.Contexts)
	m.fallbacks.Restore(snap.Fallbacks)
	m.switcher.RestoreDeferred(snap.Deferred)
	m.interruption = snap.Interruption.clone()
	m.stats = snap.Stats
	if snap.Revision > m.revision {
		m.revision = snap.Revision
	}
	return nil
}
