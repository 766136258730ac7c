package store

import (
	"context"
	"time"

	"rpa-job-distribution/internal/models"
)

// JobStore is the single source of truth for job state. Both distribution
// paths, push dispatch and pull claim, go through the same guarded
// transitions, so the two are indistinguishable once a job is accepted.
//
// Every transition is a single indivisible conditional step keyed on the
// job's current status and, after claim, on the owning robot's identity.
type JobStore interface {
	// Submit inserts a new pending job, visible immediately.
	Submit(ctx context.Context, job *models.Job) error

	// Claim atomically moves up to limit pending, visible jobs in the given
	// environment (or the default environment) to running, owned by robotID,
	// leased for lease. Returned jobs are ordered by priority desc then age
	// asc. Two concurrent callers never receive the same job.
	Claim(ctx context.Context, robotID, environment string, limit int, lease time.Duration) ([]models.Job, error)

	// Assign is the push-side counterpart of Claim: it conditionally moves
	// one specific pending, visible job to running, owned by robotID. Used
	// by the distributor after robot selection, so no lock is ever held
	// across the dispatch call. A job that is not pending or not yet
	// visible yields ErrInvalidTransition.
	Assign(ctx context.Context, jobID, robotID string, lease time.Duration) error

	// ExtendLease pushes the owner's visibility deadline forward.
	ExtendLease(ctx context.Context, jobID, robotID string, extension time.Duration) error

	// Complete finishes a running job owned by robotID with a result.
	Complete(ctx context.Context, jobID, robotID string, result map[string]any) error

	// Fail records a failure by the owner. With retries left the job is
	// requeued after a backoff; otherwise it goes terminally failed.
	// The returned status tells the caller which of the two happened.
	Fail(ctx context.Context, jobID, robotID, errMsg string) (models.JobStatus, error)

	// Release gives a job back voluntarily, requeuing it immediately
	// without consuming a retry.
	Release(ctx context.Context, jobID, robotID string) error

	// UpdateProgress records 0-100 execution progress, ownership-guarded.
	UpdateProgress(ctx context.Context, jobID, robotID string, progress int) error

	// Cancel aborts a job from any non-terminal state. For an already
	// terminal job it is a no-op: cancelled=false and the previous status
	// are reported.
	Cancel(ctx context.Context, jobID string) (cancelled bool, previous models.JobStatus, err error)

	// Retry creates and submits a fresh job carrying the same workflow,
	// payload, priority, and environment as a terminally failed, cancelled,
	// or timed-out job. The original record is not mutated.
	Retry(ctx context.Context, jobID string) (*models.Job, error)

	// ReclaimExpired sweeps running jobs whose lease has lapsed and
	// transitions each exactly like Fail with an internal "lease expired"
	// message, consuming one retry. Returns the affected job ids.
	ReclaimExpired(ctx context.Context) ([]string, error)

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs returns up to limit jobs, newest first, optionally filtered
	// by status.
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error)
}

// RetryPolicy computes the requeue delay after the nth failure (n >= 1).
// The exponential policy keeps a failing robot from hot-looping a job.
type RetryPolicy struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryPolicy mirrors the service defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute}
}

// normalized fills zero fields with the defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.BackoffMax
	}
	return p
}

// Delay returns the backoff before attempt n becomes visible again.
func (p RetryPolicy) Delay(n int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 5 * time.Second
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}
