package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"scribeq/internal/models"
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence of jobs, the credit ledger,
// and audit events.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type       models.JobType
	Queue      models.QueueClass
	UserID     int64
	Payload    map[string]any
	MaxRetries int
	RunAt      time.Time
}

// CreateJob inserts a job row in pending state and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, queue, user_id, payload, state, attempts, max_retries, progress, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, 0, $8, $9, $9)
	`, id, p.Type, p.Queue, p.UserID, payloadJSON, models.StatePending, p.MaxRetries, runAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:         id,
		Type:       p.Type,
		Queue:      p.Queue,
		UserID:     p.UserID,
		Payload:    p.Payload,
		State:      models.StatePending,
		MaxRetries: p.MaxRetries,
		NextRunAt:  runAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, queue, user_id, payload, state, attempts, max_retries, progress, progress_message,
		       result, last_error, next_run_at, created_at, started_at, completed_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON, resultJSON []byte
	var progressMsg, lastErr pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Type, &job.Queue, &job.UserID, &payloadJSON, &job.State,
		&job.Attempts, &job.MaxRetries, &job.Progress, &progressMsg, &resultJSON, &lastErr,
		&job.NextRunAt, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if progressMsg.Valid {
		job.ProgressMessage = progressMsg.String
	}
	job.LastError = textPtr(lastErr)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

// MarkRunning transitions a job to running. started_at is only set on the
// first attempt so retries keep the original start time. Terminal rows are
// never touched.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($3, $4, $5)
	`, id, models.StateRunning, models.StateSucceeded, models.StateFailed, models.StateCancelled)
	return err
}

// MarkRetrying records a failed attempt and the time of the next one.
func (s *Store) MarkRetrying(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($6, $7, $8)
	`, id, models.StateRetrying, attempts, nextRun, lastErr, models.StateSucceeded, models.StateFailed, models.StateCancelled)
	return err
}

// Revive puts a failed job back to pending with a fresh attempt budget so it
// can be requeued from the dead-letter queue. Returns false when the job is
// not in the failed state.
func (s *Store) Revive(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, attempts = 0, last_error = NULL, progress = 0,
		    progress_message = '', completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, models.StatePending, models.StateFailed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateProgress records progress of a running job.
func (s *Store) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, progress_message = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, id, percent, message, models.StateRunning)
	return err
}

// Complete transitions a job to succeeded with its result payload. A no-op
// when the job already reached a terminal state.
func (s *Store) Complete(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, result = $3, progress = 100, last_error = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($2, $4, $5)
	`, id, models.StateSucceeded, resultJSON, models.StateFailed, models.StateCancelled)
	return err
}

// Fail transitions a job to terminally failed with a human-readable error.
func (s *Store) Fail(ctx context.Context, id string, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, last_error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($2, $4, $5)
	`, id, models.StateFailed, errMsg, models.StateSucceeded, models.StateCancelled)
	return err
}

// CancelPending cancels a job only while it is still pending; running and
// terminal jobs are left alone. Returns true if the row transitioned.
func (s *Store) CancelPending(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, models.StateCancelled, models.StatePending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// PurgeOldRecords deletes terminal jobs and their audit rows older than the
// cutoff. Backs the cleanup_old_records maintenance job.
func (s *Store) PurgeOldRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE state IN ($1, $2, $3) AND completed_at < $4
	`, models.StateSucceeded, models.StateFailed, models.StateCancelled, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM audit_logs WHERE ts < $1`, olderThan); err != nil {
		return 0, fmt.Errorf("purge audit logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StaleRunning returns jobs still marked running whose last update is older
// than the cutoff. The worker-lost sweep uses this to find at-most-once jobs
// whose executor died.
func (s *Store) StaleRunning(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs WHERE state = $1 AND updated_at < $2
	`, models.StateRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Optimize reclaims dead tuples on the hot tables. Backs db_optimize.
func (s *Store) Optimize(ctx context.Context) error {
	for _, stmt := range []string{
		`VACUUM (ANALYZE) jobs`,
		`VACUUM (ANALYZE) credit_transactions`,
		`VACUUM (ANALYZE) audit_logs`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("optimize: %w", err)
		}
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
