package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/emoji-analysis/internal/session"
)

// PostgresStore persists audited records in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS annotation_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			value TEXT NOT NULL,
			result BOOLEAN NOT NULL,
			key TEXT NOT NULL DEFAULT '',
			annotations JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_annotation_records_session_created ON annotation_records (session_id, created_at, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, sessionID string, record session.Record) error {
	annotations, err := json.Marshal(record.Annotations)
	if err != nil {
		return fmt.Errorf("encode annotations: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO annotation_records (id, session_id, seq, value, result, key, annotations, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		record.ID,
		sessionID,
		record.Seq,
		record.Value,
		record.Result,
		record.Key,
		annotations,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Seq restarts for every session registered under a reused identity, so
// creation time orders first.
const recentRecordsQuery = `SELECT id, session_id, seq, value, result, key, annotations, created_at
	FROM annotation_records WHERE session_id=$1
	ORDER BY created_at DESC, seq DESC LIMIT $2`

func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, recentRecordsQuery, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent records: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e   Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Value, &e.Result, &e.Key, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Annotations); err != nil {
				return nil, fmt.Errorf("decode annotations: %w", err)
			}
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
