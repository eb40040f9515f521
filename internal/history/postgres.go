package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists jobs beyond the lifetime of the process. The in-memory
// [Ledger] stays the source of truth for reads; a Store is written through
// and read back at startup.
type Store interface {
	Save(ctx context.Context, job Job) error
	Recent(ctx context.Context, limit int) ([]Job, error)
	Close()
}

var _ Store = (*PostgresStore)(nil)

const ddlJobs = `
CREATE TABLE IF NOT EXISTS transcription_jobs (
    id                 TEXT         PRIMARY KEY,
    user_id            TEXT         NOT NULL DEFAULT '',
    filename           TEXT         NOT NULL DEFAULT '',
    file_type          TEXT         NOT NULL DEFAULT '',
    webhook_url        TEXT         NOT NULL DEFAULT '',
    requested_provider TEXT         NOT NULL DEFAULT '',
    status             TEXT         NOT NULL,
    text               TEXT         NOT NULL DEFAULT '',
    summary            TEXT         NOT NULL DEFAULT '',
    error              TEXT         NOT NULL DEFAULT '',
    error_class        TEXT         NOT NULL DEFAULT '',
    provider           TEXT         NOT NULL DEFAULT '',
    attempts           INTEGER      NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ  NOT NULL,
    updated_at         TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcription_jobs_created_at
    ON transcription_jobs (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_transcription_jobs_user_id
    ON transcription_jobs (user_id);
`

// PostgresStore is a [Store] backed by a transcription_jobs table.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, pings the server and creates the schema
// if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the jobs table and indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlJobs); err != nil {
		return fmt.Errorf("history store: migrate: %w", err)
	}
	return nil
}

// Save upserts job. A stored row is never moved back to an earlier status:
// a late write of an older snapshot is ignored.
func (s *PostgresStore) Save(ctx context.Context, job Job) error {
	const q = `
		INSERT INTO transcription_jobs
		    (id, user_id, filename, file_type, webhook_url, requested_provider, status,
		     text, summary, error, error_class, provider, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
		    status      = EXCLUDED.status,
		    text        = EXCLUDED.text,
		    summary     = EXCLUDED.summary,
		    error       = EXCLUDED.error,
		    error_class = EXCLUDED.error_class,
		    provider    = EXCLUDED.provider,
		    attempts    = EXCLUDED.attempts,
		    updated_at  = EXCLUDED.updated_at
		WHERE transcription_jobs.updated_at <= EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, q,
		job.ID, job.UserID, job.Filename, job.FileType, job.WebhookURL, job.RequestedProvider,
		string(job.Status), job.Text, job.Summary, job.Error, job.ErrorClass, job.Provider,
		job.Attempts, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("history store: save %s: %w", job.ID, err)
	}
	return nil
}

// Get loads one job.
func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	rows, err := s.pool.Query(ctx, selectJobs+` WHERE id = $1`, id)
	if err != nil {
		return Job{}, fmt.Errorf("history store: get %s: %w", id, err)
	}
	job, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("history store: get %s: %w", id, err)
	}
	return job, nil
}

// Recent returns up to limit jobs, most recently created first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx, selectJobs+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	return jobs, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const selectJobs = `
	SELECT id, user_id, filename, file_type, webhook_url, requested_provider, status,
	       text, summary, error, error_class, provider, attempts, created_at, updated_at
	FROM   transcription_jobs`

func scanJob(row pgx.CollectableRow) (Job, error) {
	var (
		j      Job
		status string
	)
	err := row.Scan(
		&j.ID, &j.UserID, &j.Filename, &j.FileType, &j.WebhookURL, &j.RequestedProvider, &status,
		&j.Text, &j.Summary, &j.Error, &j.ErrorClass, &j.Provider, &j.Attempts, &j.CreatedAt, &j.UpdatedAt,
	)
	j.Status = Status(status)
	return j, err
}
