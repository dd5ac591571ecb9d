package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists agent memories in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS planner_memories (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			due_at TIMESTAMPTZ NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_planner_memories_agent_created ON planner_memories (agent_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_planner_memories_prospective ON planner_memories (agent_id, kind, completed);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) (Record, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(record.Metadata)
	if err != nil {
		return Record{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if record.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO planner_memories (id, agent_id, kind, content, due_at, completed, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		 ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			due_at = EXCLUDED.due_at,
			completed = EXCLUDED.completed,
			metadata = EXCLUDED.metadata`,
		record.ID,
		record.AgentID,
		string(record.Kind),
		record.Content,
		record.DueAt,
		record.Completed,
		string(meta),
		record.CreatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("save memory: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Recent(ctx context.Context, agentID string, kinds []Kind, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	kindNames := make([]string, 0, len(kinds))
	for _, k := range kinds {
		kindNames = append(kindNames, string(k))
	}
	return s.query(ctx,
		`SELECT id, agent_id, kind, content, due_at, completed, metadata, created_at
		 FROM planner_memories
		 WHERE agent_id=$1 AND (cardinality($2::text[]) = 0 OR kind = ANY($2::text[]))
		 ORDER BY created_at DESC LIMIT $3`,
		agentID, kindNames, limit,
	)
}

func (s *PostgresStore) PendingProspective(ctx context.Context, agentID string) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, agent_id, kind, content, due_at, completed, metadata, created_at
		 FROM planner_memories
		 WHERE agent_id=$1 AND kind=$2 AND completed=FALSE
		 ORDER BY created_at ASC`,
		agentID, string(KindProspective),
	)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, agentID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE planner_memories SET completed=TRUE WHERE agent_id=$1 AND id=$2`,
		agentID, id,
	)
	if err != nil {
		return fmt.Errorf("complete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var items []Record
	for rows.Next() {
		var (
			r    Record
			kind string
			meta []byte
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &kind, &r.Content, &r.DueAt, &r.Completed, &meta, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		r.Kind = Kind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode memory metadata: %w", err)
			}
			if len(r.Metadata) == 0 {
				r.Metadata = nil
			}
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
