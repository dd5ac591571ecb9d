package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSnapshotSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSnapshotSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS planner_snapshots (
			agent_id TEXT PRIMARY KEY,
			revision BIGINT NOT NULL,
			snapshot JSONB NOT NULL,
			active_task_id TEXT NOT NULL DEFAULT '',
			pending_count INTEGER NOT NULL DEFAULT 0,
			saved_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_planner_snapshots_saved ON planner_snapshots (saved_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init planner schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveSnapshot upserts the snapshot unless a newer revision is stored.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if strings.TrimSpace(snap.AgentID) == "" {
		return errors.New("agent_id is required")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	activeID := ""
	if snap.Queue.Active != nil {
		activeID = snap.Queue.Active.ID
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO planner_snapshots (agent_id, revision, snapshot, active_task_id, pending_count, saved_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (agent_id) DO UPDATE SET
			revision=EXCLUDED.revision,
			snapshot=EXCLUDED.snapshot,
			active_task_id=EXCLUDED.active_task_id,
			pending_count=EXCLUDED.pending_count,
			saved_at=EXCLUDED.saved_at
		WHERE planner_snapshots.revision <= EXCLUDED.revision`,
		snap.AgentID,
		snap.Revision,
		raw,
		activeID,
		len(snap.Queue.Pending),
		snap.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, agentID string) (Snapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM planner_snapshots WHERE agent_id=$1`,
		agentID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
