package distributor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpa-job-distribution/internal/models"
	"rpa-job-distribution/internal/router"
	"rpa-job-distribution/internal/rules"
	"rpa-job-distribution/internal/selector"
)

// fakeDispatcher scripts per-robot answers and records the dispatch order.
type fakeDispatcher struct {
	mu      sync.Mutex
	rejects map[string]string
	errs    map[string]error
	sent    []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{rejects: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeDispatcher) Send(_ context.Context, robotID string, _ models.Job) (Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, robotID)
	if err, ok := f.errs[robotID]; ok {
		return Ack{}, err
	}
	if reason, ok := f.rejects[robotID]; ok {
		return Ack{Reason: reason}, nil
	}
	return Ack{Accepted: true}, nil
}

func (f *fakeDispatcher) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func onlineRobot(id string) models.Robot {
	return models.Robot{ID: id, Status: models.RobotOnline, MaxConcurrentJobs: 5}
}

func newTestDistributor(dispatch Dispatcher, ruleList ...models.DistributionRule) *Distributor {
	return New(rules.New(ruleList...), router.New(), selector.New(), dispatch, Options{
		MaxRetries:      2,
		RetryDelay:      time.Millisecond,
		DefaultStrategy: models.StrategyLeastLoaded,
	})
}

func TestDistributeSuccess(t *testing.T) {
	f := newFakeDispatcher()
	d := newTestDistributor(f)
	job := models.Job{ID: "job-1", WorkflowID: "wf-1", WorkflowName: "InvoiceProcessing"}

	result, err := d.Distribute(context.Background(), job, []models.Robot{onlineRobot("r1"), onlineRobot("r2")})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, "r1", result.RobotID)
	assert.Equal(t, 0, result.RetryCount)
	assert.Equal(t, []string{"r1"}, result.AttemptedRobots)
}

func TestDistributeRetriesAcrossRobots(t *testing.T) {
	f := newFakeDispatcher()
	f.rejects["r1"] = "at capacity"
	f.errs["r2"] = errors.New("connection refused")
	d := newTestDistributor(f)
	job := models.Job{ID: "job-1", WorkflowID: "wf-1", WorkflowName: "InvoiceProcessing"}

	robots := []models.Robot{onlineRobot("r1"), onlineRobot("r2"), onlineRobot("r3")}
	result, err := d.Distribute(context.Background(), job, robots)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "r3", result.RobotID)
	assert.Equal(t, 2, result.RetryCount)
	// Rejected robots are excluded from later attempts.
	assert.Equal(t, []string{"r1", "r2", "r3"}, f.sentTo())
}

func TestDistributeExhaustsAttempts(t *testing.T) {
	f := newFakeDispatcher()
	f.rejects["r1"] = "at capacity"
	f.rejects["r2"] = "at capacity"
	f.rejects["r3"] = "at capacity"
	d := newTestDistributor(f)
	job := models.Job{ID: "job-1", WorkflowID: "wf-1", WorkflowName: "InvoiceProcessing"}

	robots := []models.Robot{onlineRobot("r1"), onlineRobot("r2"), onlineRobot("r3")}
	result, err := d.Distribute(context.Background(), job, robots)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Len(t, result.AttemptedRobots, 3)
	assert.Contains(t, result.Message, "rejected")
}

func TestDistributeNoRobots(t *testing.T) {
	f := newFakeDispatcher()
	d := newTestDistributor(f)
	job := models.Job{ID: "job-1", WorkflowID: "wf-1", WorkflowName: "InvoiceProcessing"}

	result, err := d.Distribute(context.Background(), job, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "no available robots", result.Message)
	assert.Empty(t, f.sentTo())
}

func TestRuleTagsFilterCandidates(t *testing.T) {
	f := newFakeDispatcher()
	d := newTestDistributor(f, models.DistributionRule{
		Name:            "excel-work",
		WorkflowPattern: "*",
		RequiredTags:    []string{"excel"},
		Strategy:        models.StrategyCapabilityMatch,
	})
	job := models.Job{ID: "job-1", WorkflowID: "wf-1", WorkflowName: "ReportExport"}

	plain := onlineRobot("r1")
	capable := onlineRobot("r2")
	capable.Capabilities = []string{"excel"}

	result, err := d.Distribute(context.Background(), job, []models.Robot{plain, capable})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "r2", result.RobotID)
}

func TestRuleExclusionsHold(t *testing.T) {
	f := newFakeDispatcher()
	d := newTestDistributor(f, models.DistributionRule{
		Name:            "avoid-r1",
		WorkflowPattern: "*",
		ExcludedRobots:  []string{"r1"},
	})
	job := models.Job{ID: "job-1", WorkflowID: "wf-1", WorkflowName: "ReportExport"}

	result, err := d.Distribute(context.Background(), job, []models.Robot{onlineRobot("r1"), onlineRobot("r2")})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "r2", result.RobotID)
	assert.NotContains(t, f.sentTo(), "r1")
}

func TestDistributeCancellation(t *testing.T) {
	f := newFakeDispatcher()
	f.rejects["r1"] = "at capacity"
	f.rejects["r2"] = "at capacity"
	d := New(rules.New(), router.New(), selector.New(), f, Options{
		MaxRetries:      5,
		RetryDelay:      time.Minute,
		DefaultStrategy: models.StrategyRoundRobin,
	})
	job := models.Job{ID: "job-1", WorkflowID: "wf-1", WorkflowName: "ReportExport"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := d.Distribute(ctx, job, []models.Robot{onlineRobot("r1"), onlineRobot("r2")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, result.Success)
	// The retry delay must not run to completion after cancellation.
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDistributeBatchContinuesPastFailures(t *testing.T) {
	f := newFakeDispatcher()
	d := newTestDistributor(f)

	jobs := []models.Job{
		{ID: "job-1", WorkflowID: "wf-1", WorkflowName: "A"},
		{ID: "job-2", WorkflowID: "wf-2", WorkflowName: "B"},
	}
	// No robots at all: both jobs yield failed results, no error.
	results, err := d.DistributeBatch(context.Background(), jobs, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestHistoryAndStatistics(t *testing.T) {
	f := newFakeDispatcher()
	d := New(rules.New(), router.New(), selector.New(), f, Options{
		MaxRetries:      0,
		RetryDelay:      time.Millisecond,
		DefaultStrategy: models.StrategyRoundRobin,
		HistorySize:     3,
	})

	var succeeded, failed int
	d.OnSuccess(func(models.DistributionResult) { succeeded++ })
	d.OnFailure(func(models.DistributionResult) { failed++ })

	robots := []models.Robot{onlineRobot("r1")}
	for i := 0; i < 4; i++ {
		job := models.Job{ID: "job", WorkflowID: "wf", WorkflowName: "A"}
		_, err := d.Distribute(context.Background(), job, robots)
		require.NoError(t, err)
	}
	_, err := d.Distribute(context.Background(), models.Job{ID: "job-x", WorkflowID: "wf", WorkflowName: "A"}, nil)
	require.NoError(t, err)

	stats := d.GetStatistics()
	// Ring bounded at 3: the two oldest successes fell off.
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)

	recent := d.GetRecentResults(2)
	require.Len(t, recent, 2)
	assert.False(t, recent[1].Success)

	assert.Equal(t, 4, succeeded)
	assert.Equal(t, 1, failed)
}
