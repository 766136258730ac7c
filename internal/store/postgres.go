package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"rpa-job-distribution/internal/models"
)

// PostgresStore implements JobStore on pgx. Claim relies on
// FOR UPDATE SKIP LOCKED so concurrent callers lock disjoint row sets; all
// other transitions are single conditional UPDATEs keyed on status and owner.
type PostgresStore struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, policy RetryPolicy) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool, policy: policy.normalized()}, nil
}

// NewPostgresWithPool wraps an existing pool, sharing it with the registry.
func NewPostgresWithPool(pool *pgxpool.Pool, policy RetryPolicy) *PostgresStore {
	return &PostgresStore{pool: pool, policy: policy.normalized()}
}

// Pool exposes the underlying pool for migrations and the registry.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, workflow_id, workflow_name, payload, variables, priority, environment,
	status, robot_id, retry_count, max_retries, progress, visible_after,
	created_at, started_at, completed_at, result, error_message`

func (s *PostgresStore) Submit(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Environment == "" {
		job.Environment = models.DefaultEnvironment
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	variablesJSON, err := json.Marshal(job.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	now := time.Now().UTC()
	job.Status = models.JobPending
	job.VisibleAfter = now
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, workflow_id, workflow_name, payload, variables, priority, environment,
			status, retry_count, max_retries, visible_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)
	`, job.ID, job.WorkflowID, job.WorkflowName, payloadJSON, variablesJSON,
		job.Priority.Rank(), job.Environment, job.Status, job.MaxRetries,
		job.VisibleAfter, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, robotID, environment string, limit int, lease time.Duration) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND visible_after <= NOW()
			  AND (environment = $1 OR environment = 'default')
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			status = 'running',
			robot_id = $3,
			visible_after = NOW() + make_interval(secs => $4),
			started_at = COALESCE(j.started_at, NOW())
		FROM picked
		WHERE j.id = picked.id
		RETURNING `+prefixed("j.", jobColumns), environment, limit, robotID, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var claimed []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	// The UPDATE materializes rows in lock order, not queue order.
	sortClaimed(claimed)
	return claimed, nil
}

func (s *PostgresStore) Assign(ctx context.Context, jobID, robotID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'running',
			robot_id = $2,
			visible_after = NOW() + make_interval(secs => $3),
			started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status = 'pending' AND visible_after <= NOW()
	`, jobID, robotID, lease.Seconds())
	if err != nil {
		return fmt.Errorf("assign job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("query job existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) ExtendLease(ctx context.Context, jobID, robotID string, extension time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET visible_after = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND status = 'running' AND robot_id = $2
	`, jobID, robotID, extension.Seconds())
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownershipErr(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID, robotID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = NOW(), progress = 100, result = $3
		WHERE id = $1 AND status = 'running' AND robot_id = $2
	`, jobID, robotID, resultJSON)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownershipErr(ctx, jobID)
	}
	return nil
}

// failSQL applies the requeue-or-terminal transition in one statement. CASE
// arms read pre-update column values, so the backoff grows with the attempt
// that just failed.
const failSQL = `
	UPDATE jobs SET
		status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE $5 END,
		retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		robot_id = CASE WHEN retry_count < max_retries THEN NULL ELSE robot_id END,
		visible_after = CASE WHEN retry_count < max_retries
			THEN NOW() + make_interval(secs => LEAST($3 * power(2, retry_count), $4))
			ELSE visible_after END,
		completed_at = CASE WHEN retry_count < max_retries THEN completed_at ELSE NOW() END,
		error_message = $6
	WHERE id = $1 AND status = 'running' AND robot_id = $2
	RETURNING status`

func (s *PostgresStore) Fail(ctx context.Context, jobID, robotID, errMsg string) (models.JobStatus, error) {
	var status models.JobStatus
	err := s.pool.QueryRow(ctx, failSQL,
		jobID, robotID, s.policy.BackoffBase.Seconds(), s.policy.BackoffMax.Seconds(),
		string(models.JobFailed), errMsg).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", s.ownershipErr(ctx, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) Release(ctx context.Context, jobID, robotID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', robot_id = NULL, visible_after = NOW()
		WHERE id = $1 AND status = 'running' AND robot_id = $2
	`, jobID, robotID)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownershipErr(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID, robotID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $3
		WHERE id = $1 AND status = 'running' AND robot_id = $2
	`, jobID, robotID, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownershipErr(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, jobID string) (bool, models.JobStatus, error) {
	var previous models.JobStatus
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, status FROM jobs WHERE id = $1 FOR UPDATE
		)
		UPDATE jobs SET status = 'cancelled', robot_id = NULL, completed_at = NOW()
		FROM prev
		WHERE jobs.id = prev.id
		  AND prev.status NOT IN ('completed', 'failed', 'cancelled', 'timeout')
		RETURNING prev.status
	`, jobID).Scan(&previous)
	if err == nil {
		return true, previous, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, "", fmt.Errorf("cancel job: %w", err)
	}

	// Already terminal, or unknown. Report the prior state without mutating.
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "", ErrNotFound
	}
	if err != nil {
		return false, "", fmt.Errorf("query job status: %w", err)
	}
	return false, previous, nil
}

func (s *PostgresStore) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	orig, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch orig.Status {
	case models.JobFailed, models.JobCancelled, models.JobTimeout:
	default:
		return nil, ErrInvalidTransition
	}

	fresh := &models.Job{
		WorkflowID:   orig.WorkflowID,
		WorkflowName: orig.WorkflowName,
		Payload:      orig.Payload,
		Variables:    orig.Variables,
		Priority:     orig.Priority,
		Environment:  orig.Environment,
		MaxRetries:   orig.MaxRetries,
	}
	if err := s.Submit(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (s *PostgresStore) ReclaimExpired(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET
			status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'timeout' END,
			retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			robot_id = CASE WHEN retry_count < max_retries THEN NULL ELSE robot_id END,
			visible_after = CASE WHEN retry_count < max_retries
				THEN NOW() + make_interval(secs => LEAST($1 * power(2, retry_count), $2))
				ELSE visible_after END,
			completed_at = CASE WHEN retry_count < max_retries THEN completed_at ELSE NOW() END,
			error_message = $3
		WHERE status = 'running' AND visible_after <= NOW()
		RETURNING id
	`, s.policy.BackoffBase.Seconds(), s.policy.BackoffMax.Seconds(), LeaseExpiredMessage)
	if err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ownershipErr distinguishes an unknown job from one the caller lost.
func (s *PostgresStore) ownershipErr(ctx context.Context, jobID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("query job existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrOwnershipMismatch
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job           models.Job
		payloadJSON   []byte
		variablesJSON []byte
		resultJSON    []byte
		rank          int
		robotID       pgtype.Text
		errMsg        pgtype.Text
		startedAt     pgtype.Timestamptz
		completedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.WorkflowID, &job.WorkflowName, &payloadJSON, &variablesJSON,
		&rank, &job.Environment, &job.Status, &robotID, &job.RetryCount, &job.MaxRetries,
		&job.Progress, &job.VisibleAfter, &job.CreatedAt, &startedAt, &completedAt,
		&resultJSON, &errMsg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, pgx.ErrNoRows
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Priority = models.PriorityFromRank(rank)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(variablesJSON) > 0 && string(variablesJSON) != "null" {
		if err := json.Unmarshal(variablesJSON, &job.Variables); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	if len(resultJSON) > 0 && string(resultJSON) != "null" {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.RobotID = textPtr(robotID)
	job.ErrorMessage = textPtr(errMsg)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func sortClaimed(jobs []models.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority.Rank() != jobs[k].Priority.Rank() {
			return jobs[i].Priority.Rank() > jobs[k].Priority.Rank()
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

// prefixed qualifies the shared column list with a table alias.
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
