package dispatch

import (
	"context"
	"errors"
	"time"

	"rpa-job-distribution/internal/distributor"
	"rpa-job-distribution/internal/models"
	"rpa-job-distribution/internal/store"
)

// Leased binds push dispatch to the job state machine. Before the wire call
// it assigns the job to the chosen robot, so the store stays authoritative
// and no lock is held across the network hop. A rejected or failed push
// releases the job back to pending for the next candidate.
type Leased struct {
	store store.JobStore
	inner distributor.Dispatcher
	lease time.Duration
}

// NewLeased wraps inner with assign-before-send semantics.
func NewLeased(st store.JobStore, inner distributor.Dispatcher, lease time.Duration) *Leased {
	if lease <= 0 {
		lease = time.Minute
	}
	return &Leased{store: st, inner: inner, lease: lease}
}

func (l *Leased) Send(ctx context.Context, robotID string, job models.Job) (distributor.Ack, error) {
	if err := l.store.Assign(ctx, job.ID, robotID, l.lease); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			// Someone else took the job, or it is gone. Not this robot's fault.
			return distributor.Ack{Reason: "job no longer assignable"}, nil
		}
		return distributor.Ack{}, err
	}

	ack, err := l.inner.Send(ctx, robotID, job)
	if err != nil || !ack.Accepted {
		if relErr := l.store.Release(ctx, job.ID, robotID); relErr != nil && !errors.Is(relErr, store.ErrNotFound) {
			// Lease reclamation will pick the job up if the release raced.
			return ack, err
		}
	}
	return ack, err
}
