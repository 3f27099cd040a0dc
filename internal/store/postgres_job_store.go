package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/avatarflow/internal/domain"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS avatar_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	style TEXT NOT NULL,
	format TEXT NOT NULL,
	quality DOUBLE PRECISION NOT NULL DEFAULT 0,
	object_key TEXT NOT NULL,
	result_key TEXT NOT NULL DEFAULT '',
	result_width INTEGER NOT NULL DEFAULT 0,
	result_height INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	style TEXT NOT NULL,
	format TEXT NOT NULL DEFAULT '',
	output_bytes BIGINT NOT NULL DEFAULT 0,
	pixels_processed BIGINT NOT NULL,
	resized BOOLEAN NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_logs_user_id_idx ON usage_logs (user_id, created_at);
`

const jobColumns = `id, user_id, status, source_type, webhook_url, style, format, quality, object_key,
	result_key, result_width, result_height, error_kind, error_message, created_at, updated_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure avatar schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO avatar_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID,
		job.UserID,
		job.Status,
		job.SourceType,
		job.WebhookURL,
		string(job.Avatar.Style),
		job.Avatar.Format,
		job.Avatar.Quality,
		job.ObjectKey,
		job.ResultKey,
		job.ResultWidth,
		job.ResultHeight,
		job.ErrorKind,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job   domain.Job
		style string
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.SourceType,
		&job.WebhookURL,
		&style,
		&job.Avatar.Format,
		&job.Avatar.Quality,
		&job.ObjectKey,
		&job.ResultKey,
		&job.ResultWidth,
		&job.ResultHeight,
		&job.ErrorKind,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	job.Avatar.Style = domain.Style(style)
	return job, err
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM avatar_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(
		ctx,
		`UPDATE avatar_jobs
		 SET status = $1, updated_at = $2
		 WHERE id = $3
		 RETURNING `+jobColumns,
		status,
		time.Now().UTC(),
		id,
	))
	if err != nil {
		return domain.Job{}, updateErr("update job status", err)
	}
	return job, nil
}

func (s *PostgresJobStore) RecordResult(ctx context.Context, id string, result domain.JobResult) (domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(
		ctx,
		`UPDATE avatar_jobs
		 SET status = $1, result_key = $2, result_width = $3, result_height = $4,
		     error_kind = $5, error_message = $6, updated_at = $7
		 WHERE id = $8
		 RETURNING `+jobColumns,
		result.Status,
		result.ResultKey,
		result.ResultWidth,
		result.ResultHeight,
		result.ErrorKind,
		result.ErrorMessage,
		time.Now().UTC(),
		id,
	))
	if err != nil {
		return domain.Job{}, updateErr("record job result", err)
	}
	return job, nil
}

func updateErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, job_id, style, format, output_bytes, pixels_processed, resized, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		usage.UserID,
		usage.JobID,
		string(usage.Style),
		usage.Format,
		usage.OutputBytes,
		usage.PixelsProcessed,
		usage.Resized,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}
