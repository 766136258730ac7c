package models

import (
	"strings"
)

// Strategy names a robot-selection algorithm.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round_robin"
	StrategyLeastLoaded     Strategy = "least_loaded"
	StrategyRandom          Strategy = "random"
	StrategyCapabilityMatch Strategy = "capability_match"
	StrategyAffinity        Strategy = "affinity"
)

// Valid reports whether the strategy is one of the known algorithms.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyRandom,
		StrategyCapabilityMatch, StrategyAffinity:
		return true
	default:
		return false
	}
}

// DistributionRule maps workflow-name patterns and environments to a
// selection policy. Rules are evaluated in insertion order; the first
// structural match wins.
type DistributionRule struct {
	Name            string   `json:"name"`
	WorkflowPattern string   `json:"workflow_pattern"`
	Environment     string   `json:"environment,omitempty"`
	RequiredTags    []string `json:"required_tags,omitempty"`
	PreferredRobots []string `json:"preferred_robots,omitempty"`
	ExcludedRobots  []string `json:"excluded_robots,omitempty"`
	Strategy        Strategy `json:"strategy,omitempty"`
	PriorityBoost   int      `json:"priority_boost,omitempty"`
}

// Matches reports whether the rule structurally applies to the job: the
// workflow name matches the pattern and, when the rule pins an environment,
// the job's environment equals it.
func (r DistributionRule) Matches(job Job) bool {
	if r.Environment != "" && r.Environment != job.Environment {
		return false
	}
	return MatchPattern(r.WorkflowPattern, job.WorkflowName)
}

// MatchPattern matches a glob-like pattern against a name, case-insensitively.
// Only the `*` wildcard is supported; it matches any run of characters
// including none.
func MatchPattern(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	pattern = strings.ToLower(pattern)
	name = strings.ToLower(name)
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(pattern, "*") && !strings.HasPrefix(name, parts[0]) {
		return false
	}
	if !strings.HasSuffix(pattern, "*") && !strings.HasSuffix(name, parts[len(parts)-1]) {
		return false
	}
	rest := name
	for _, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return true
}
