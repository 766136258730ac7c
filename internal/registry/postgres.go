package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rpa-job-distribution/internal/models"
)

// PostgresRegistry implements RobotRegistry on pgx, typically sharing the
// job store's pool.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pgx pool.
func NewPostgres(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

const robotColumns = `id, name, status, environment, capabilities, max_concurrent_jobs,
	current_job_ids, last_heartbeat, last_seen, metrics`

func (r *PostgresRegistry) Register(ctx context.Context, robot *models.Robot) error {
	if robot.MaxConcurrentJobs <= 0 {
		robot.MaxConcurrentJobs = 1
	}
	if robot.Environment == "" {
		robot.Environment = models.DefaultEnvironment
	}
	metricsJSON, err := json.Marshal(robot.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	now := time.Now().UTC()
	robot.LastHeartbeat = now
	robot.LastSeen = now
	robot.Status = models.RobotOnline

	// Re-registration keeps the in-flight job set; everything else refreshes.
	_, err = r.pool.Exec(ctx, `
		INSERT INTO robots (id, name, status, environment, capabilities, max_concurrent_jobs,
			current_job_ids, last_heartbeat, last_seen, metrics)
		VALUES ($1, $2, $3, $4, $5, $6, '{}', $7, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = CASE WHEN cardinality(robots.current_job_ids) >= EXCLUDED.max_concurrent_jobs
				THEN 'busy' ELSE 'online' END,
			environment = EXCLUDED.environment,
			capabilities = EXCLUDED.capabilities,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			last_heartbeat = EXCLUDED.last_heartbeat,
			last_seen = EXCLUDED.last_seen,
			metrics = EXCLUDED.metrics
	`, robot.ID, robot.Name, robot.Status, robot.Environment, robot.Capabilities,
		robot.MaxConcurrentJobs, now, metricsJSON)
	if err != nil {
		return fmt.Errorf("upsert robot: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Heartbeat(ctx context.Context, robotID string, metrics map[string]any) error {
	var metricsJSON []byte
	if metrics != nil {
		var err error
		metricsJSON, err = json.Marshal(metrics)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE robots SET
			last_heartbeat = NOW(),
			last_seen = NOW(),
			metrics = COALESCE($2, metrics),
			status = CASE WHEN status = 'offline' THEN
				CASE WHEN cardinality(current_job_ids) >= max_concurrent_jobs THEN 'busy' ELSE 'online' END
			ELSE status END
		WHERE id = $1
	`, robotID, metricsJSON)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRobotNotFound
	}
	return nil
}

func (r *PostgresRegistry) MarkStaleOffline(ctx context.Context, timeout time.Duration) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE robots SET status = 'offline'
		WHERE status IN ('online', 'busy')
		  AND last_heartbeat < NOW() - make_interval(secs => $1)
		RETURNING id
	`, timeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("mark stale offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRegistry) AddCurrentJob(ctx context.Context, robotID, jobID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE robots SET
			current_job_ids = array_append(current_job_ids, $2),
			last_seen = NOW(),
			status = CASE WHEN status IN ('offline', 'error', 'maintenance') THEN status
				WHEN cardinality(current_job_ids) + 1 >= max_concurrent_jobs THEN 'busy'
				ELSE 'online' END
		WHERE id = $1 AND NOT (current_job_ids @> ARRAY[$2])
	`, robotID, jobID)
	if err != nil {
		return fmt.Errorf("add current job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.existsErr(ctx, robotID)
	}
	return nil
}

func (r *PostgresRegistry) RemoveCurrentJob(ctx context.Context, robotID, jobID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE robots SET
			current_job_ids = array_remove(current_job_ids, $2),
			last_seen = NOW(),
			status = CASE WHEN status IN ('offline', 'error', 'maintenance') THEN status
				WHEN cardinality(array_remove(current_job_ids, $2)) >= max_concurrent_jobs THEN 'busy'
				ELSE 'online' END
		WHERE id = $1
	`, robotID, jobID)
	if err != nil {
		return fmt.Errorf("remove current job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRobotNotFound
	}
	return nil
}

func (r *PostgresRegistry) GetRobot(ctx context.Context, robotID string) (*models.Robot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+robotColumns+` FROM robots WHERE id = $1`, robotID)
	robot, err := scanRobot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRobotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &robot, nil
}

func (r *PostgresRegistry) ListRobots(ctx context.Context) ([]models.Robot, error) {
	return r.list(ctx, `SELECT `+robotColumns+` FROM robots ORDER BY id`)
}

func (r *PostgresRegistry) ListByStatus(ctx context.Context, status models.RobotStatus) ([]models.Robot, error) {
	return r.list(ctx, `SELECT `+robotColumns+` FROM robots WHERE status = $1 ORDER BY id`, status)
}

func (r *PostgresRegistry) ListByEnvironment(ctx context.Context, environment string) ([]models.Robot, error) {
	return r.list(ctx, `SELECT `+robotColumns+` FROM robots WHERE environment = $1 ORDER BY id`, environment)
}

func (r *PostgresRegistry) ListWithCapabilities(ctx context.Context, required []string) ([]models.Robot, error) {
	return r.list(ctx, `SELECT `+robotColumns+` FROM robots WHERE capabilities @> $1 ORDER BY id`, required)
}

func (r *PostgresRegistry) ListAvailable(ctx context.Context) ([]models.Robot, error) {
	return r.list(ctx, `
		SELECT `+robotColumns+` FROM robots
		WHERE status = 'online' AND cardinality(current_job_ids) < max_concurrent_jobs
		ORDER BY id`)
}

func (r *PostgresRegistry) Delete(ctx context.Context, robotID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM robots WHERE id = $1`, robotID)
	if err != nil {
		return fmt.Errorf("delete robot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRobotNotFound
	}
	return nil
}

func (r *PostgresRegistry) list(ctx context.Context, sql string, args ...any) ([]models.Robot, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	defer rows.Close()

	var robots []models.Robot
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, err
		}
		robots = append(robots, robot)
	}
	return robots, rows.Err()
}

// existsErr separates unknown robots from conditional-update no-ops.
func (r *PostgresRegistry) existsErr(ctx context.Context, robotID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM robots WHERE id = $1)`, robotID).Scan(&exists); err != nil {
		return fmt.Errorf("query robot existence: %w", err)
	}
	if !exists {
		return ErrRobotNotFound
	}
	return nil
}

func scanRobot(row pgx.Row) (models.Robot, error) {
	var (
		robot       models.Robot
		metricsJSON []byte
	)
	if err := row.Scan(&robot.ID, &robot.Name, &robot.Status, &robot.Environment,
		&robot.Capabilities, &robot.MaxConcurrentJobs, &robot.CurrentJobIDs,
		&robot.LastHeartbeat, &robot.LastSeen, &metricsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Robot{}, pgx.ErrNoRows
		}
		return models.Robot{}, fmt.Errorf("scan robot: %w", err)
	}
	if len(metricsJSON) > 0 && string(metricsJSON) != "null" {
		if err := json.Unmarshal(metricsJSON, &robot.Metrics); err != nil {
			return models.Robot{}, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	return robot, nil
}
