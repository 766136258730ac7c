package models

import (
	"time"
)

// RobotStatus enumerates worker process states tracked by the registry.
type RobotStatus string

const (
	RobotOnline      RobotStatus = "online"
	RobotBusy        RobotStatus = "busy"
	RobotOffline     RobotStatus = "offline"
	RobotError       RobotStatus = "error"
	RobotMaintenance RobotStatus = "maintenance"
)

// Robot is a worker process capable of executing workflow runs up to its
// concurrency limit. Busy is derived: a robot with no spare capacity is busy,
// one with spare capacity (while not offline/error/maintenance) is online.
type Robot struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Status            RobotStatus    `json:"status"`
	Environment       string         `json:"environment"`
	Capabilities      []string       `json:"capabilities"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	CurrentJobIDs     []string       `json:"current_job_ids"`
	LastHeartbeat     time.Time      `json:"last_heartbeat"`
	LastSeen          time.Time      `json:"last_seen"`
	Metrics           map[string]any `json:"metrics,omitempty"`
}

// Load is the number of jobs the robot currently holds.
func (r Robot) Load() int {
	return len(r.CurrentJobIDs)
}

// HasCapacity reports whether the robot can accept one more job.
func (r Robot) HasCapacity() bool {
	return r.Load() < r.MaxConcurrentJobs
}

// Available reports whether the robot can be handed work right now.
func (r Robot) Available() bool {
	return r.Status == RobotOnline && r.HasCapacity()
}

// HasCapabilities reports whether the robot carries every required tag.
func (r Robot) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range r.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
