package models

import (
	"time"
)

// DistributionResult is the immutable audit record of one distribution
// attempt, appended to the distributor's bounded history.
type DistributionResult struct {
	Success         bool      `json:"success"`
	JobID           string    `json:"job_id"`
	RobotID         string    `json:"robot_id,omitempty"`
	Message         string    `json:"message"`
	RetryCount      int       `json:"retry_count"`
	AttemptedRobots []string  `json:"attempted_robots"`
	CompletedAt     time.Time `json:"completed_at"`
}
