package store

import (
	"errors"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("store: job not found")

	// ErrOwnershipMismatch is returned when a robot acts on a job it does
	// not own, or that is no longer running. The caller should stop acting
	// on that job; it has been reassigned or finished.
	ErrOwnershipMismatch = errors.New("store: job not owned by caller")

	// ErrInvalidTransition is returned when an operation is not legal from
	// the job's current status, e.g. retrying a job that is still running.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// LeaseExpiredMessage is the internally generated error recorded when the
// reaper reclaims a job whose lease lapsed.
const LeaseExpiredMessage = "lease expired"
