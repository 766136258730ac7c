package models

import (
	"time"
)

// JobStatus enumerates the job lifecycle states persisted by the store.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimeout   JobStatus = "timeout"
)

// Terminal reports whether a job in this status can no longer transition.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimeout:
		return true
	default:
		return false
	}
}

// Priority orders jobs within the claim queue. Higher ranks are claimed first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its numeric ordering, used for queue sorting.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// PriorityFromRank is the inverse of Rank. Out-of-range values clamp.
func PriorityFromRank(rank int) Priority {
	switch {
	case rank <= 0:
		return PriorityLow
	case rank == 1:
		return PriorityNormal
	case rank == 2:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// Boost raises a priority by n ranks, clamped at critical.
func (p Priority) Boost(n int) Priority {
	if n <= 0 {
		return p
	}
	return PriorityFromRank(p.Rank() + n)
}

// DefaultEnvironment is the logical partition jobs fall into when the
// submitter does not name one. Jobs in it are claimable from any environment.
const DefaultEnvironment = "default"

// Job is one request to execute a workflow, tracked through the status
// state machine. Ownership (RobotID) is only meaningful while running.
type Job struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Payload      map[string]any `json:"payload"`
	Variables    map[string]any `json:"variables,omitempty"`
	Priority     Priority       `json:"priority"`
	Environment  string         `json:"environment"`
	Status       JobStatus      `json:"status"`
	RobotID      *string        `json:"robot_id,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Progress     int            `json:"progress"`
	VisibleAfter time.Time      `json:"visible_after"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
}

// JobView is the claim-time projection handed to a robot over the pull API.
type JobView struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Payload      map[string]any `json:"payload"`
	Variables    map[string]any `json:"variables,omitempty"`
	Priority     Priority       `json:"priority"`
	Environment  string         `json:"environment"`
	CreatedAt    time.Time      `json:"created_at"`
	ClaimedAt    time.Time      `json:"claimed_at"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
}

// View projects a claimed job for the wire.
func (j Job) View(claimedAt time.Time) JobView {
	return JobView{
		ID:           j.ID,
		WorkflowID:   j.WorkflowID,
		WorkflowName: j.WorkflowName,
		Payload:      j.Payload,
		Variables:    j.Variables,
		Priority:     j.Priority,
		Environment:  j.Environment,
		CreatedAt:    j.CreatedAt,
		ClaimedAt:    claimedAt,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
	}
}
