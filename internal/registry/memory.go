package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"rpa-job-distribution/internal/models"
)

// MemoryRegistry is a mutex-guarded in-process RobotRegistry.
type MemoryRegistry struct {
	mu     sync.Mutex
	robots map[string]*models.Robot
	now    func() time.Time
}

// NewMemoryRegistry builds an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		robots: make(map[string]*models.Robot),
		now:    time.Now,
	}
}

func (r *MemoryRegistry) Register(_ context.Context, robot *models.Robot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if robot.MaxConcurrentJobs <= 0 {
		robot.MaxConcurrentJobs = 1
	}
	if robot.Environment == "" {
		robot.Environment = models.DefaultEnvironment
	}
	robot.LastHeartbeat = now
	robot.LastSeen = now
	if existing, ok := r.robots[robot.ID]; ok {
		robot.CurrentJobIDs = existing.CurrentJobIDs
	}
	robot.Status = models.RobotOnline
	deriveStatus(robot)

	clone := cloneRobot(*robot)
	r.robots[robot.ID] = &clone
	return nil
}

func (r *MemoryRegistry) Heartbeat(_ context.Context, robotID string, metrics map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	robot, ok := r.robots[robotID]
	if !ok {
		return ErrRobotNotFound
	}
	now := r.now().UTC()
	robot.LastHeartbeat = now
	robot.LastSeen = now
	if metrics != nil {
		robot.Metrics = metrics
	}
	if robot.Status == models.RobotOffline {
		robot.Status = models.RobotOnline
		deriveStatus(robot)
	}
	return nil
}

func (r *MemoryRegistry) MarkStaleOffline(_ context.Context, timeout time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UTC().Add(-timeout)
	var stale []string
	for _, robot := range r.robots {
		if robot.Status != models.RobotOnline && robot.Status != models.RobotBusy {
			continue
		}
		if robot.LastHeartbeat.After(cutoff) {
			continue
		}
		robot.Status = models.RobotOffline
		stale = append(stale, robot.ID)
	}
	sort.Strings(stale)
	return stale, nil
}

func (r *MemoryRegistry) AddCurrentJob(_ context.Context, robotID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	robot, ok := r.robots[robotID]
	if !ok {
		return ErrRobotNotFound
	}
	for _, id := range robot.CurrentJobIDs {
		if id == jobID {
			return nil
		}
	}
	robot.CurrentJobIDs = append(robot.CurrentJobIDs, jobID)
	robot.LastSeen = r.now().UTC()
	deriveStatus(robot)
	return nil
}

func (r *MemoryRegistry) RemoveCurrentJob(_ context.Context, robotID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	robot, ok := r.robots[robotID]
	if !ok {
		return ErrRobotNotFound
	}
	kept := robot.CurrentJobIDs[:0]
	for _, id := range robot.CurrentJobIDs {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	robot.CurrentJobIDs = kept
	robot.LastSeen = r.now().UTC()
	deriveStatus(robot)
	return nil
}

func (r *MemoryRegistry) GetRobot(_ context.Context, robotID string) (*models.Robot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	robot, ok := r.robots[robotID]
	if !ok {
		return nil, ErrRobotNotFound
	}
	clone := cloneRobot(*robot)
	return &clone, nil
}

func (r *MemoryRegistry) ListRobots(ctx context.Context) ([]models.Robot, error) {
	return r.filter(func(models.Robot) bool { return true }), nil
}

func (r *MemoryRegistry) ListByStatus(_ context.Context, status models.RobotStatus) ([]models.Robot, error) {
	return r.filter(func(robot models.Robot) bool { return robot.Status == status }), nil
}

func (r *MemoryRegistry) ListByEnvironment(_ context.Context, environment string) ([]models.Robot, error) {
	return r.filter(func(robot models.Robot) bool { return robot.Environment == environment }), nil
}

func (r *MemoryRegistry) ListWithCapabilities(_ context.Context, required []string) ([]models.Robot, error) {
	return r.filter(func(robot models.Robot) bool { return robot.HasCapabilities(required) }), nil
}

func (r *MemoryRegistry) ListAvailable(ctx context.Context) ([]models.Robot, error) {
	return r.filter(models.Robot.Available), nil
}

func (r *MemoryRegistry) Delete(_ context.Context, robotID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.robots[robotID]; !ok {
		return ErrRobotNotFound
	}
	delete(r.robots, robotID)
	return nil
}

func (r *MemoryRegistry) filter(keep func(models.Robot) bool) []models.Robot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Robot, 0, len(r.robots))
	for _, robot := range r.robots {
		if keep(*robot) {
			out = append(out, cloneRobot(*robot))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func cloneRobot(r models.Robot) models.Robot {
	r.Capabilities = append([]string(nil), r.Capabilities...)
	r.CurrentJobIDs = append([]string(nil), r.CurrentJobIDs...)
	return r
}
