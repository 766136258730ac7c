package selector

import (
	"math/rand"
	"sync"

	"rpa-job-distribution/internal/models"
)

// Options narrows the candidate set before the strategy runs.
type Options struct {
	Strategy        models.Strategy
	RequiredTags    []string
	PreferredRobots []string
	ExcludedRobots  []string
}

// Selector chooses one robot from a candidate set per a named strategy.
// Rotation indexes and affinity pins are private per-instance memory,
// mutated only by the selection call itself.
type Selector struct {
	mu       sync.Mutex
	rotation map[string]int    // workflow id -> next round-robin offset
	affinity map[string]string // workflow id -> pinned robot id
	randFn   func(n int) int
}

// New builds a selector with empty memory.
func New() *Selector {
	return &Selector{
		rotation: make(map[string]int),
		affinity: make(map[string]string),
		randFn:   rand.Intn,
	}
}

// Select returns one robot or nil when nothing is selectable. Offline robots
// and excluded robots are always dropped first; when any preferred robots
// survive that cut, the choice is restricted to them. Preference is a hard
// filter, not a bias.
func (s *Selector) Select(job models.Job, candidates []models.Robot, opts Options) *models.Robot {
	filtered := make([]models.Robot, 0, len(candidates))
	for _, r := range candidates {
		if r.Status == models.RobotOffline {
			continue
		}
		if containsString(opts.ExcludedRobots, r.ID) {
			continue
		}
		filtered = append(filtered, r)
	}
	if len(opts.PreferredRobots) > 0 {
		preferred := make([]models.Robot, 0, len(filtered))
		for _, r := range filtered {
			if containsString(opts.PreferredRobots, r.ID) {
				preferred = append(preferred, r)
			}
		}
		if len(preferred) > 0 {
			filtered = preferred
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch opts.Strategy {
	case models.StrategyRoundRobin:
		return s.roundRobin(job.WorkflowID, filtered)
	case models.StrategyLeastLoaded:
		return leastLoaded(filtered)
	case models.StrategyRandom:
		return &filtered[s.randFn(len(filtered))]
	case models.StrategyCapabilityMatch:
		return capabilityMatch(filtered, opts.RequiredTags)
	case models.StrategyAffinity:
		return s.sticky(job.WorkflowID, filtered)
	default:
		return s.roundRobin(job.WorkflowID, filtered)
	}
}

// ClearAffinity forgets the pinned robot for one workflow, freeing the next
// selection to differ.
func (s *Selector) ClearAffinity(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.affinity, workflowID)
}

// ClearAllAffinity wipes every pin; used when a robot is decommissioned or
// an operator forces rebalancing.
func (s *Selector) ClearAllAffinity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affinity = make(map[string]string)
}

func (s *Selector) roundRobin(workflowID string, candidates []models.Robot) *models.Robot {
	idx := s.rotation[workflowID] % len(candidates)
	s.rotation[workflowID] = idx + 1
	return &candidates[idx]
}

func leastLoaded(candidates []models.Robot) *models.Robot {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Load() < candidates[best].Load() {
			best = i
		}
	}
	return &candidates[best]
}

func capabilityMatch(candidates []models.Robot, required []string) *models.Robot {
	capable := make([]models.Robot, 0, len(candidates))
	for _, r := range candidates {
		if r.HasCapabilities(required) {
			capable = append(capable, r)
		}
	}
	if len(capable) == 0 {
		return nil
	}
	return leastLoaded(capable)
}

// sticky pins workflows to robots across selections. The pin survives as
// long as the robot remains a valid candidate; once it drops out, a new pin
// is chosen by load.
func (s *Selector) sticky(workflowID string, candidates []models.Robot) *models.Robot {
	if pinned, ok := s.affinity[workflowID]; ok {
		for i := range candidates {
			if candidates[i].ID == pinned {
				return &candidates[i]
			}
		}
	}
	chosen := leastLoaded(candidates)
	s.affinity[workflowID] = chosen.ID
	return chosen
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
