package router

import (
	"sync"

	"rpa-job-distribution/internal/models"
)

// Router narrows a job's candidate robot set using static environment and
// tag routing tables plus a fallback list. It is the coarse pre-filter; the
// selector makes the fine-grained choice.
type Router struct {
	mu        sync.RWMutex
	envRoutes map[string][]string
	tagRoutes map[string][]string
	fallback  []string
}

// New builds an empty router that passes every robot through.
func New() *Router {
	return &Router{
		envRoutes: make(map[string][]string),
		tagRoutes: make(map[string][]string),
	}
}

// SetEnvironmentRoute pins an environment to a robot id list.
func (r *Router) SetEnvironmentRoute(environment string, robotIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envRoutes[environment] = append([]string(nil), robotIDs...)
}

// SetTagRoute pins a tag to a robot id list.
func (r *Router) SetTagRoute(tag string, robotIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tagRoutes[tag] = append([]string(nil), robotIDs...)
}

// SetFallback configures the robots used when routing would otherwise
// produce an empty set.
func (r *Router) SetFallback(robotIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = append([]string(nil), robotIDs...)
}

// EligibleRobots restricts allRobots per the routing tables. With an
// environment route for the job's environment, only robots on that route
// survive. With no routes configured at all, every robot passes. An empty
// outcome falls back to the fallback list when one is set.
func (r *Router) EligibleRobots(job models.Job, allRobots []models.Robot) []models.Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var eligible []models.Robot
	if route, ok := r.envRoutes[job.Environment]; ok {
		eligible = intersect(allRobots, route)
	} else if len(r.envRoutes) == 0 {
		eligible = append([]models.Robot(nil), allRobots...)
	}

	if len(eligible) == 0 && len(r.fallback) > 0 {
		eligible = intersect(allRobots, r.fallback)
	}
	return eligible
}

// RobotsForTag returns the robots routed to a tag, intersected with the
// given set.
func (r *Router) RobotsForTag(tag string, allRobots []models.Robot) []models.Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.tagRoutes[tag]
	if !ok {
		return nil
	}
	return intersect(allRobots, route)
}

func intersect(robots []models.Robot, ids []string) []models.Robot {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	out := make([]models.Robot, 0, len(robots))
	for _, r := range robots {
		if _, ok := allowed[r.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}
