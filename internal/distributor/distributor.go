package distributor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rpa-job-distribution/internal/models"
	"rpa-job-distribution/internal/router"
	"rpa-job-distribution/internal/rules"
	"rpa-job-distribution/internal/selector"
	"rpa-job-distribution/internal/telemetry"
)

// Ack is a robot's answer to a push dispatch.
type Ack struct {
	Accepted bool
	Reason   string
}

// Dispatcher delivers a job to one robot. Implementations live in the
// transport layer; a transport error counts as a rejection for retry
// purposes.
type Dispatcher interface {
	Send(ctx context.Context, robotID string, job models.Job) (Ack, error)
}

// Options tunes the distribution loop.
type Options struct {
	// MaxRetries bounds dispatch attempts per job at MaxRetries+1.
	MaxRetries int
	// RetryDelay is the cancellable pause between rejected attempts.
	RetryDelay time.Duration
	// DefaultStrategy applies when the matched rule names none.
	DefaultStrategy models.Strategy
	// HistorySize bounds the result ring. Zero means 100.
	HistorySize int
}

// Callback observes a finished distribution.
type Callback func(models.DistributionResult)

// Statistics summarizes the bounded result history.
type Statistics struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Distributor composes rule matching, routing, and selection in front of a
// dispatch capability, retrying across candidate robots. The push path; the
// pull path is the store's Claim. Both share the job state machine.
type Distributor struct {
	rules    *rules.Engine
	router   *router.Router
	selector *selector.Selector
	dispatch Dispatcher
	opts     Options

	mu        sync.Mutex
	history   []models.DistributionResult
	onSuccess Callback
	onFailure Callback
}

// New wires the façade.
func New(ruleEngine *rules.Engine, rt *router.Router, sel *selector.Selector, dispatch Dispatcher, opts Options) *Distributor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.DefaultStrategy == "" || !opts.DefaultStrategy.Valid() {
		opts.DefaultStrategy = models.StrategyLeastLoaded
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	return &Distributor{
		rules:    ruleEngine,
		router:   rt,
		selector: sel,
		dispatch: dispatch,
		opts:     opts,
	}
}

// OnSuccess registers the success callback.
func (d *Distributor) OnSuccess(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSuccess = cb
}

// OnFailure registers the failure callback.
func (d *Distributor) OnFailure(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFailure = cb
}

// defaultRule is the catch-all applied when no configured rule matches.
var defaultRule = models.DistributionRule{Name: "default", WorkflowPattern: "*"}

// Distribute pushes one job to one robot. Selection failures and exhausted
// candidates come back as a failed result, never an error; err is reserved
// for context cancellation.
func (d *Distributor) Distribute(ctx context.Context, job models.Job, robots []models.Robot) (models.DistributionResult, error) {
	rule := d.rules.Match(job)
	if rule == nil {
		r := defaultRule
		rule = &r
	}
	job.Priority = job.Priority.Boost(rule.PriorityBoost)

	strategy := rule.Strategy
	if strategy == "" || !strategy.Valid() {
		strategy = d.opts.DefaultStrategy
	}

	candidates := d.router.EligibleRobots(job, robots)
	if len(rule.RequiredTags) > 0 {
		tagged := candidates[:0]
		for _, r := range candidates {
			if r.HasCapabilities(rule.RequiredTags) {
				tagged = append(tagged, r)
			}
		}
		candidates = tagged
	}

	attempted := make([]string, 0, d.opts.MaxRetries+1)
	var lastReason string
	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			// Cancellable pause between attempts; no lock is held here
			// and no dispatch is in flight.
			select {
			case <-ctx.Done():
				return d.finish(failedResult(job.ID, attempted, "distribution cancelled")), ctx.Err()
			case <-time.After(d.opts.RetryDelay):
			}
		}

		excluded := append(append([]string(nil), rule.ExcludedRobots...), attempted...)
		chosen := d.selector.Select(job, candidates, selector.Options{
			Strategy:        strategy,
			RequiredTags:    rule.RequiredTags,
			PreferredRobots: rule.PreferredRobots,
			ExcludedRobots:  excluded,
		})
		if chosen == nil {
			msg := "no available robots"
			if len(attempted) > 0 {
				msg = fmt.Sprintf("no available robots after %d attempts", len(attempted))
			}
			return d.finish(failedResult(job.ID, attempted, msg)), nil
		}

		ack, err := d.dispatch.Send(ctx, chosen.ID, job)
		attempted = append(attempted, chosen.ID)
		if err != nil {
			lastReason = err.Error()
			continue
		}
		if ack.Accepted {
			result := models.DistributionResult{
				Success:         true,
				JobID:           job.ID,
				RobotID:         chosen.ID,
				Message:         fmt.Sprintf("dispatched to %s via %s", chosen.ID, strategy),
				RetryCount:      attempt,
				AttemptedRobots: attempted,
				CompletedAt:     time.Now().UTC(),
			}
			return d.finish(result), nil
		}
		lastReason = ack.Reason
	}

	msg := fmt.Sprintf("all %d candidates rejected dispatch", len(attempted))
	if lastReason != "" {
		msg += ": " + lastReason
	}
	return d.finish(failedResult(job.ID, attempted, msg)), nil
}

// DistributeBatch applies Distribute per job, independent of the others in
// the batch. A failed job never stops the rest.
func (d *Distributor) DistributeBatch(ctx context.Context, jobs []models.Job, robots []models.Robot) ([]models.DistributionResult, error) {
	results := make([]models.DistributionResult, 0, len(jobs))
	for _, job := range jobs {
		result, err := d.Distribute(ctx, job, robots)
		results = append(results, result)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// GetStatistics summarizes the result history.
func (d *Distributor) GetStatistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Statistics{Total: len(d.history)}
	for _, r := range d.history {
		if r.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	return stats
}

// GetRecentResults returns up to n results, newest last.
func (d *Distributor) GetRecentResults(n int) []models.DistributionResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n <= 0 || n > len(d.history) {
		n = len(d.history)
	}
	out := make([]models.DistributionResult, n)
	copy(out, d.history[len(d.history)-n:])
	return out
}

// finish records the result in the bounded ring and fires callbacks.
func (d *Distributor) finish(result models.DistributionResult) models.DistributionResult {
	d.mu.Lock()
	d.history = append(d.history, result)
	if overflow := len(d.history) - d.opts.HistorySize; overflow > 0 {
		d.history = d.history[overflow:]
	}
	success, failure := d.onSuccess, d.onFailure
	d.mu.Unlock()

	if result.Success {
		telemetry.DistributeSuccess.Inc()
		if success != nil {
			success(result)
		}
	} else {
		telemetry.DistributeFailure.Inc()
		if failure != nil {
			failure(result)
		}
	}
	return result
}

func failedResult(jobID string, attempted []string, msg string) models.DistributionResult {
	return models.DistributionResult{
		JobID:           jobID,
		Message:         msg,
		RetryCount:      len(attempted),
		AttemptedRobots: attempted,
		CompletedAt:     time.Now().UTC(),
	}
}
