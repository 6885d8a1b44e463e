package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the production JobStore, one row per job in the
// recurring_jobs table (see pkg/database/migrations).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `job_id, chat_key, cron_expr, timezone, workday_mode, status,
	next_run_at, last_run_at, misfire_policy, misfire_grace_seconds,
	consecutive_failures, last_error, paused_notice_sent_at, created_at, updated_at`

func (s *PostgresStore) Upsert(ctx context.Context, job *Job) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_jobs (
			job_id, chat_key, cron_expr, timezone, workday_mode, status,
			next_run_at, last_run_at, misfire_policy, misfire_grace_seconds,
			consecutive_failures, last_error, paused_notice_sent_at,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
		ON CONFLICT (job_id) DO UPDATE SET
			chat_key = EXCLUDED.chat_key,
			cron_expr = EXCLUDED.cron_expr,
			timezone = EXCLUDED.timezone,
			workday_mode = EXCLUDED.workday_mode,
			status = EXCLUDED.status,
			next_run_at = EXCLUDED.next_run_at,
			last_run_at = EXCLUDED.last_run_at,
			misfire_policy = EXCLUDED.misfire_policy,
			misfire_grace_seconds = EXCLUDED.misfire_grace_seconds,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_error = EXCLUDED.last_error,
			paused_notice_sent_at = EXCLUDED.paused_notice_sent_at,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.ChatKey, job.CronExpr, job.Timezone, job.WorkdayMode,
		job.Status, job.NextRunAt, job.LastRunAt, job.MisfirePolicy,
		job.MisfireGraceSeconds, job.ConsecutiveFailures, job.LastError,
		job.PausedNoticeSentAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM recurring_jobs WHERE job_id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recurring_jobs WHERE job_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM recurring_jobs ORDER BY job_id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM recurring_jobs
		 WHERE status = $1 ORDER BY next_run_at NULLS LAST, job_id`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		job       Job
		nextRun   sql.NullTime
		lastRun   sql.NullTime
		pausedAt  sql.NullTime
		createdAt time.Time
		updatedAt time.Time
	)
	err := r.Scan(
		&job.ID, &job.ChatKey, &job.CronExpr, &job.Timezone, &job.WorkdayMode,
		&job.Status, &nextRun, &lastRun, &job.MisfirePolicy,
		&job.MisfireGraceSeconds, &job.ConsecutiveFailures, &job.LastError,
		&pausedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if nextRun.Valid {
		t := nextRun.Time
		job.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRunAt = &t
	}
	if pausedAt.Valid {
		t := pausedAt.Time
		job.PausedNoticeSentAt = &t
	}
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer func() { _ = rows.Close() }()
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return out, nil
}
