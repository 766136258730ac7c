package rules

import (
	"sync"

	"rpa-job-distribution/internal/models"
)

// Engine matches jobs against an ordered list of distribution rules. Rules
// are evaluated in insertion order and the first structural match wins, so a
// catch-all `*` rule belongs last.
type Engine struct {
	mu    sync.RWMutex
	rules []models.DistributionRule
}

// New builds an engine from an initial rule list.
func New(rules ...models.DistributionRule) *Engine {
	e := &Engine{}
	e.rules = append(e.rules, rules...)
	return e
}

// AddRule appends a rule after the existing ones.
func (e *Engine) AddRule(rule models.DistributionRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// RemoveRule drops the first rule with the given name. Returns whether one
// was removed.
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.Name == name {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Match returns the first rule applying to the job, or nil.
func (e *Engine) Match(job models.Job) *models.DistributionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range e.rules {
		if e.rules[i].Matches(job) {
			rule := e.rules[i]
			return &rule
		}
	}
	return nil
}

// Rules returns a copy of the current rule list in evaluation order.
func (e *Engine) Rules() []models.DistributionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.DistributionRule(nil), e.rules...)
}
