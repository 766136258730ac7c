package config

import (
	"encoding/json"
	"fmt"
	"os"

	"rpa-job-distribution/internal/models"
)

// Distribution is the file-backed routing and rule setup loaded by the
// push-distribution service. Rules keep their file order.
type Distribution struct {
	Rules             []models.DistributionRule `json:"rules"`
	EnvironmentRoutes map[string][]string       `json:"environment_routes"`
	TagRoutes         map[string][]string       `json:"tag_routes"`
	FallbackRobots    []string                  `json:"fallback_robots"`

	// Endpoints maps robot ids to the base URLs their agents listen on.
	Endpoints map[string]string `json:"endpoints"`
}

// LoadDistribution reads the distribution file. A missing file yields an
// empty setup, so the service can come up before any rules exist.
func LoadDistribution(path string) (Distribution, error) {
	var d Distribution
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("read distribution file: %w", err)
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse distribution file: %w", err)
	}
	return d, nil
}
