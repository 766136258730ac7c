package registry

import (
	"context"
	"errors"
	"time"

	"rpa-job-distribution/internal/models"
)

// ErrRobotNotFound is returned when a robot id is unknown.
var ErrRobotNotFound = errors.New("registry: robot not found")

// RobotRegistry is the authoritative record of worker processes. Robots are
// never hard-deleted during normal operation; they go offline instead.
// Delete exists for administrative cleanup only.
type RobotRegistry interface {
	// Register upserts a robot. A re-registering robot comes back online
	// with refreshed environment, capabilities, and capacity.
	Register(ctx context.Context, robot *models.Robot) error

	// Heartbeat refreshes liveness. A previously offline robot flips back
	// to online, so a reconnecting robot heals itself.
	Heartbeat(ctx context.Context, robotID string, metrics map[string]any) error

	// MarkStaleOffline forces offline every online or busy robot whose last
	// heartbeat is older than timeout. Returns the affected ids. Jobs the
	// robot held are not touched here; the lease reaper reclaims them
	// independently once their leases lapse.
	MarkStaleOffline(ctx context.Context, timeout time.Duration) ([]string, error)

	// AddCurrentJob records that the robot holds one more job, rederiving
	// busy/online from occupancy against the concurrency limit.
	AddCurrentJob(ctx context.Context, robotID, jobID string) error

	// RemoveCurrentJob is the inverse of AddCurrentJob.
	RemoveCurrentJob(ctx context.Context, robotID, jobID string) error

	// GetRobot fetches one robot.
	GetRobot(ctx context.Context, robotID string) (*models.Robot, error)

	// ListRobots returns all robots.
	ListRobots(ctx context.Context) ([]models.Robot, error)

	// ListByStatus returns robots in the given status.
	ListByStatus(ctx context.Context, status models.RobotStatus) ([]models.Robot, error)

	// ListByEnvironment returns robots in the given environment.
	ListByEnvironment(ctx context.Context, environment string) ([]models.Robot, error)

	// ListWithCapabilities returns robots carrying every required tag.
	ListWithCapabilities(ctx context.Context, required []string) ([]models.Robot, error)

	// ListAvailable returns online robots with spare capacity.
	ListAvailable(ctx context.Context) ([]models.Robot, error)

	// Delete removes a robot record. Administrative use only.
	Delete(ctx context.Context, robotID string) error
}

// deriveStatus recomputes busy/online from occupancy. Offline, error, and
// maintenance states are operator- or sweep-owned and never overridden here.
func deriveStatus(r *models.Robot) {
	switch r.Status {
	case models.RobotOffline, models.RobotError, models.RobotMaintenance:
		return
	}
	if r.Load() >= r.MaxConcurrentJobs {
		r.Status = models.RobotBusy
	} else {
		r.Status = models.RobotOnline
	}
}
