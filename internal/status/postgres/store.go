// Package postgres implements the status store on PostgreSQL.
//
// Documents are stored as JSONB rows. The revision token is a version
// column: a conditional put is an UPDATE guarded by `version = $n`, so a
// lost race shows up as zero affected rows instead of a silent overwrite.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

const uniqueViolationCode = "23505"

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements harvest.StatusStore on Postgres.
//
// Expected schema:
//
//	CREATE TABLE collections (
//		id      TEXT PRIMARY KEY,
//		doc     JSONB NOT NULL,
//		version BIGINT NOT NULL
//	);
//	CREATE TABLE task_statuses (
//		api_call_id   TEXT PRIMARY KEY,
//		collection_id TEXT NOT NULL,
//		doc           JSONB NOT NULL
//	);
type Store struct {
	pool Pool
}

// New creates a Store backed by a new connection pool.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateCollection inserts the aggregate at version 1.
func (s *Store) CreateCollection(ctx context.Context, c harvest.Collection) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal collection %s: %w", c.ID, err)
	}
	query := `INSERT INTO collections (id, doc, version) VALUES ($1, $2, 1)`
	if _, err := s.pool.Exec(ctx, query, c.ID, doc); err != nil {
		if isUniqueViolation(err) {
			return harvest.ErrAlreadyExists
		}
		return fmt.Errorf("insert collection %s: %w", c.ID, err)
	}
	return nil
}

// GetCollection reads the aggregate and its version.
func (s *Store) GetCollection(ctx context.Context, collectionID string) (harvest.Collection, harvest.Revision, error) {
	query := `SELECT doc, version FROM collections WHERE id = $1`
	var (
		doc     []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, query, collectionID).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Collection{}, 0, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.Collection{}, 0, fmt.Errorf("select collection %s: %w", collectionID, err)
	}
	var c harvest.Collection
	if err := json.Unmarshal(doc, &c); err != nil {
		return harvest.Collection{}, 0, fmt.Errorf("unmarshal collection %s: %w", collectionID, err)
	}
	return c, harvest.Revision(version), nil
}

// PutCollection overwrites the aggregate when its version still matches.
func (s *Store) PutCollection(ctx context.Context, c harvest.Collection, rev harvest.Revision) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal collection %s: %w", c.ID, err)
	}
	query := `UPDATE collections SET doc = $2, version = version + 1 WHERE id = $1 AND version = $3`
	tag, err := s.pool.Exec(ctx, query, c.ID, doc, int64(rev))
	if err != nil {
		return fmt.Errorf("update collection %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Collections are never deleted, so zero rows means a version race.
		return harvest.ErrRevisionMismatch
	}
	return nil
}

// PutTask creates or overwrites a task status document.
func (s *Store) PutTask(ctx context.Context, t harvest.TaskStatus) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.APICallID, err)
	}
	query := `
INSERT INTO task_statuses (api_call_id, collection_id, doc)
VALUES ($1, $2, $3)
ON CONFLICT (api_call_id) DO UPDATE SET doc = EXCLUDED.doc`
	if _, err := s.pool.Exec(ctx, query, t.APICallID, t.CollectionID, doc); err != nil {
		return fmt.Errorf("upsert task %s: %w", t.APICallID, err)
	}
	return nil
}

// GetTask reads one task status document.
func (s *Store) GetTask(ctx context.Context, apiCallID string) (harvest.TaskStatus, error) {
	query := `SELECT doc FROM task_statuses WHERE api_call_id = $1`
	var doc []byte
	err := s.pool.QueryRow(ctx, query, apiCallID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.TaskStatus{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.TaskStatus{}, fmt.Errorf("select task %s: %w", apiCallID, err)
	}
	var t harvest.TaskStatus
	if err := json.Unmarshal(doc, &t); err != nil {
		return harvest.TaskStatus{}, fmt.Errorf("unmarshal task %s: %w", apiCallID, err)
	}
	return t, nil
}

// ListTasks returns the task statuses recorded for a collection.
func (s *Store) ListTasks(ctx context.Context, collectionID string) ([]harvest.TaskStatus, error) {
	query := `SELECT doc FROM task_statuses WHERE collection_id = $1`
	rows, err := s.pool.Query(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("select tasks for %s: %w", collectionID, err)
	}
	defer rows.Close()

	var out []harvest.TaskStatus
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		var t harvest.TaskStatus
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("unmarshal task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
