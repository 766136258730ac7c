package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rpa-job-distribution/internal/models"
)

// MemoryStore is a mutex-guarded in-process JobStore for single-node
// deployments and tests. Each operation is one critical section, so the
// conditional transitions are atomic by construction.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	policy RetryPolicy
	now    func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore(policy RetryPolicy) *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*models.Job),
		policy: policy.normalized(),
		now:    time.Now,
	}
}

func (s *MemoryStore) Submit(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Environment == "" {
		job.Environment = models.DefaultEnvironment
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	job.Status = models.JobPending
	job.RobotID = nil
	job.VisibleAfter = now
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, robotID, environment string, limit int, lease time.Duration) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 1
	}
	now := s.now().UTC()

	candidates := make([]*models.Job, 0)
	for _, j := range s.jobs {
		if j.Status != models.JobPending || j.VisibleAfter.After(now) {
			continue
		}
		if j.Environment != environment && j.Environment != models.DefaultEnvironment {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.SliceStable(candidates, func(i, k int) bool {
		if candidates[i].Priority.Rank() != candidates[k].Priority.Rank() {
			return candidates[i].Priority.Rank() > candidates[k].Priority.Rank()
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]models.Job, 0, len(candidates))
	for _, j := range candidates {
		rid := robotID
		j.Status = models.JobRunning
		j.RobotID = &rid
		j.VisibleAfter = now.Add(lease)
		if j.StartedAt == nil {
			started := now
			j.StartedAt = &started
		}
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (s *MemoryStore) Assign(_ context.Context, jobID, robotID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	if j.Status != models.JobPending || j.VisibleAfter.After(now) {
		return ErrInvalidTransition
	}
	rid := robotID
	j.Status = models.JobRunning
	j.RobotID = &rid
	j.VisibleAfter = now.Add(lease)
	if j.StartedAt == nil {
		started := now
		j.StartedAt = &started
	}
	return nil
}

// owned returns the job if it is running and held by robotID.
func (s *MemoryStore) owned(jobID, robotID string) (*models.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != models.JobRunning || j.RobotID == nil || *j.RobotID != robotID {
		return nil, ErrOwnershipMismatch
	}
	return j, nil
}

func (s *MemoryStore) ExtendLease(_ context.Context, jobID, robotID string, extension time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, robotID)
	if err != nil {
		return err
	}
	j.VisibleAfter = s.now().UTC().Add(extension)
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, jobID, robotID string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, robotID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	j.Status = models.JobCompleted
	j.CompletedAt = &now
	j.Progress = 100
	j.Result = result
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, jobID, robotID, errMsg string) (models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, robotID)
	if err != nil {
		return "", err
	}
	s.failLocked(j, errMsg, models.JobFailed)
	return j.Status, nil
}

// failLocked applies the shared requeue-or-terminal transition. The caller
// holds the mutex and has already checked ownership.
func (s *MemoryStore) failLocked(j *models.Job, errMsg string, terminal models.JobStatus) {
	now := s.now().UTC()
	msg := errMsg
	j.ErrorMessage = &msg
	if j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = models.JobPending
		j.RobotID = nil
		j.VisibleAfter = now.Add(s.policy.Delay(j.RetryCount))
		return
	}
	// Out of attempts. RobotID stays for diagnostics.
	j.Status = terminal
	j.CompletedAt = &now
}

func (s *MemoryStore) Release(_ context.Context, jobID, robotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, robotID)
	if err != nil {
		return err
	}
	j.Status = models.JobPending
	j.RobotID = nil
	j.VisibleAfter = s.now().UTC()
	return nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, jobID, robotID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, robotID)
	if err != nil {
		return err
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, jobID string) (bool, models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, "", ErrNotFound
	}
	previous := j.Status
	if previous.Terminal() {
		return false, previous, nil
	}
	now := s.now().UTC()
	j.Status = models.JobCancelled
	j.RobotID = nil
	j.CompletedAt = &now
	return true, previous, nil
}

func (s *MemoryStore) Retry(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	switch orig.Status {
	case models.JobFailed, models.JobCancelled, models.JobTimeout:
	default:
		return nil, ErrInvalidTransition
	}

	now := s.now().UTC()
	fresh := &models.Job{
		ID:           uuid.New().String(),
		WorkflowID:   orig.WorkflowID,
		WorkflowName: orig.WorkflowName,
		Payload:      orig.Payload,
		Variables:    orig.Variables,
		Priority:     orig.Priority,
		Environment:  orig.Environment,
		Status:       models.JobPending,
		MaxRetries:   orig.MaxRetries,
		VisibleAfter: now,
		CreatedAt:    now,
	}
	s.jobs[fresh.ID] = fresh
	clone := *fresh
	return &clone, nil
}

func (s *MemoryStore) ReclaimExpired(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var reclaimed []string
	for _, j := range s.jobs {
		if j.Status != models.JobRunning || j.VisibleAfter.After(now) {
			continue
		}
		// Exhausted leases end in timeout rather than failed so the
		// terminal status records why the job stopped making progress.
		s.failLocked(j, LeaseExpiredMessage, models.JobTimeout)
		reclaimed = append(reclaimed, j.ID)
	}
	return reclaimed, nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *j
	return &clone, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]models.Job, 0)
	for _, j := range s.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
