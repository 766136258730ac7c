package robot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"rpa-job-distribution/internal/artifact"
	"rpa-job-distribution/internal/models"
)

// Executor runs one workflow job. Implementations are the bridge to the
// actual automation runtime. A returned error marks the job failed.
type Executor interface {
	Execute(ctx context.Context, job models.JobView) (map[string]any, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, job models.JobView) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, job models.JobView) (map[string]any, error) {
	return f(ctx, job)
}

// Options tunes the agent loop.
type Options struct {
	Environment       string
	Capabilities      []string
	Name              string
	MaxConcurrentJobs int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LeaseSeconds      int
	ExecutionTimeout  time.Duration

	// Results whose JSON encoding exceeds ArtifactThreshold bytes are
	// uploaded to the artifact store and replaced with a reference.
	// Zero threshold or a nil store disables offloading.
	Artifacts         artifact.Store
	ArtifactThreshold int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.LeaseSeconds <= 0 {
		o.LeaseSeconds = 60
	}
	if o.Environment == "" {
		o.Environment = models.DefaultEnvironment
	}
	return o
}

// Agent is the long-running robot process: it registers itself, heartbeats,
// claims jobs, and reports outcomes. Concurrency is bounded by
// MaxConcurrentJobs; the agent only claims when it has free slots.
type Agent struct {
	client *Client
	exec   Executor
	opts   Options

	mu      sync.Mutex
	running int
}

// NewAgent builds an agent around the given pull API client and executor.
func NewAgent(client *Client, exec Executor, opts Options) *Agent {
	return &Agent{client: client, exec: exec, opts: opts.withDefaults()}
}

// Run registers the robot and blocks in the poll loop until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.client.Register(ctx, a.opts.Name, a.opts.Environment, a.opts.Capabilities, a.opts.MaxConcurrentJobs); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Printf("robot registered: env=%s capacity=%d", a.opts.Environment, a.opts.MaxConcurrentJobs)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()

	poll := time.NewTicker(a.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-poll.C:
			a.pollOnce(ctx, &wg)
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	tick := time.NewTicker(a.opts.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			metrics := map[string]any{
				"running_jobs": a.runningJobs(),
				"goroutines":   runtime.NumGoroutine(),
			}
			if err := a.client.Heartbeat(ctx, metrics); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("heartbeat: %v", err)
			}
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context, wg *sync.WaitGroup) {
	free := a.freeSlots()
	if free <= 0 {
		return
	}
	jobs, err := a.client.Claim(ctx, a.opts.Environment, free, a.opts.LeaseSeconds)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("claim: %v", err)
		}
		return
	}
	for _, job := range jobs {
		a.mu.Lock()
		a.running++
		a.mu.Unlock()
		wg.Add(1)
		go func(job models.JobView) {
			defer wg.Done()
			defer func() {
				a.mu.Lock()
				a.running--
				a.mu.Unlock()
			}()
			a.runJob(ctx, job)
		}(job)
	}
}

func (a *Agent) runJob(ctx context.Context, job models.JobView) {
	log.Printf("job %s started: workflow=%s attempt=%d", job.ID, job.WorkflowName, job.RetryCount+1)

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if a.opts.ExecutionTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, a.opts.ExecutionTimeout)
	}
	defer cancel()

	// Keep the lease alive for runs longer than the lease window.
	stopRenew := a.startLeaseRenewal(ctx, job.ID)
	defer stopRenew()

	result, err := a.exec.Execute(execCtx, job)
	if err != nil {
		msg := err.Error()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("execution timed out after %s", a.opts.ExecutionTimeout)
		}
		if ferr := a.client.Fail(ctx, job.ID, msg); ferr != nil {
			log.Printf("job %s: report failure: %v", job.ID, ferr)
		}
		log.Printf("job %s failed: %s", job.ID, msg)
		return
	}

	result = a.offloadResult(ctx, job.ID, result)
	if cerr := a.client.Complete(ctx, job.ID, result); cerr != nil {
		log.Printf("job %s: report completion: %v", job.ID, cerr)
		return
	}
	log.Printf("job %s completed", job.ID)
}

// startLeaseRenewal extends the job's lease at half the lease window until
// the returned stop function is called.
func (a *Agent) startLeaseRenewal(ctx context.Context, jobID string) func() {
	interval := time.Duration(a.opts.LeaseSeconds) * time.Second / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := a.client.ExtendLease(ctx, jobID, a.opts.LeaseSeconds); err != nil {
					log.Printf("job %s: extend lease: %v", jobID, err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// offloadResult moves an oversized result to the artifact store, leaving a
// small reference in its place. On upload failure the inline result is kept.
func (a *Agent) offloadResult(ctx context.Context, jobID string, result map[string]any) map[string]any {
	if a.opts.Artifacts == nil || a.opts.ArtifactThreshold <= 0 || result == nil {
		return result
	}
	encoded, err := json.Marshal(result)
	if err != nil || len(encoded) <= a.opts.ArtifactThreshold {
		return result
	}
	key := fmt.Sprintf("results/%s.json", jobID)
	uri, err := a.opts.Artifacts.Put(ctx, key, encoded, "application/json")
	if err != nil {
		log.Printf("job %s: artifact upload: %v", jobID, err)
		return result
	}
	return map[string]any{
		"artifact_uri": uri,
		"size_bytes":   len(encoded),
	}
}

func (a *Agent) runningJobs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Agent) freeSlots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.MaxConcurrentJobs - a.running
}
