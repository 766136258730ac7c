package robot_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpa-job-distribution/internal/api"
	"rpa-job-distribution/internal/config"
	"rpa-job-distribution/internal/models"
	"rpa-job-distribution/internal/registry"
	"rpa-job-distribution/internal/robot"
	"rpa-job-distribution/internal/store"
)

func newControlPlane(t *testing.T) (*httptest.Server, *store.MemoryStore, *registry.MemoryRegistry) {
	t.Helper()
	st := store.NewMemoryStore(store.DefaultRetryPolicy())
	reg := registry.NewMemoryRegistry()
	srv := api.New(config.Config{LeaseSeconds: 60, DefaultMaxRetry: 1}, st, reg, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st, reg
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAgentExecutesClaimedJob(t *testing.T) {
	ts, st, reg := newControlPlane(t)
	ctx := context.Background()

	job := &models.Job{WorkflowName: "InvoiceProcessing", Payload: map[string]any{"k": "v"}, MaxRetries: 1}
	require.NoError(t, st.Submit(ctx, job))

	client := robot.NewClient(ts.URL, "agent-1", time.Second)
	exec := robot.ExecutorFunc(func(_ context.Context, view models.JobView) (map[string]any, error) {
		return map[string]any{"echo": view.WorkflowName}, nil
	})
	agent := robot.NewAgent(client, exec, robot.Options{
		Name:         "agent-1",
		PollInterval: 10 * time.Millisecond,
		LeaseSeconds: 60,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- agent.Run(runCtx) }()

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.GetJob(ctx, job.ID)
		return err == nil && got.Status == models.JobCompleted
	})

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "InvoiceProcessing"}, got.Result)

	// The agent registered itself on startup.
	r, err := reg.GetRobot(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", r.Name)

	cancel()
	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAgentReportsExecutionFailure(t *testing.T) {
	ts, st, _ := newControlPlane(t)
	ctx := context.Background()

	job := &models.Job{WorkflowName: "Flaky", MaxRetries: -1}
	require.NoError(t, st.Submit(ctx, job))

	client := robot.NewClient(ts.URL, "agent-1", time.Second)
	exec := robot.ExecutorFunc(func(context.Context, models.JobView) (map[string]any, error) {
		return nil, errors.New("selector not found")
	})
	agent := robot.NewAgent(client, exec, robot.Options{PollInterval: 10 * time.Millisecond, LeaseSeconds: 60})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = agent.Run(runCtx) }()

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.GetJob(ctx, job.ID)
		return err == nil && got.Status == models.JobFailed
	})

	got, _ := st.GetJob(ctx, job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "selector not found", *got.ErrorMessage)
}

func TestAgentTimesOutLongExecution(t *testing.T) {
	ts, st, _ := newControlPlane(t)
	ctx := context.Background()

	job := &models.Job{WorkflowName: "Slow", MaxRetries: -1}
	require.NoError(t, st.Submit(ctx, job))

	client := robot.NewClient(ts.URL, "agent-1", time.Second)
	exec := robot.ExecutorFunc(func(execCtx context.Context, _ models.JobView) (map[string]any, error) {
		<-execCtx.Done()
		return nil, execCtx.Err()
	})
	agent := robot.NewAgent(client, exec, robot.Options{
		PollInterval:     10 * time.Millisecond,
		LeaseSeconds:     60,
		ExecutionTimeout: 50 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = agent.Run(runCtx) }()

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.GetJob(ctx, job.ID)
		return err == nil && got.Status == models.JobFailed
	})

	got, _ := st.GetJob(ctx, job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.True(t, strings.Contains(*got.ErrorMessage, "timed out"), "got %q", *got.ErrorMessage)
}

type fakeArtifacts struct {
	putKeys []string
}

func (f *fakeArtifacts) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.putKeys = append(f.putKeys, key)
	return "s3://artifacts/" + key, nil
}

func TestAgentOffloadsLargeResults(t *testing.T) {
	ts, st, _ := newControlPlane(t)
	ctx := context.Background()

	job := &models.Job{WorkflowName: "BigExport", MaxRetries: 1}
	require.NoError(t, st.Submit(ctx, job))

	arts := &fakeArtifacts{}
	client := robot.NewClient(ts.URL, "agent-1", time.Second)
	exec := robot.ExecutorFunc(func(context.Context, models.JobView) (map[string]any, error) {
		return map[string]any{"blob": strings.Repeat("x", 4096)}, nil
	})
	agent := robot.NewAgent(client, exec, robot.Options{
		PollInterval:      10 * time.Millisecond,
		LeaseSeconds:      60,
		Artifacts:         arts,
		ArtifactThreshold: 1024,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = agent.Run(runCtx) }()

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.GetJob(ctx, job.ID)
		return err == nil && got.Status == models.JobCompleted
	})

	got, _ := st.GetJob(ctx, job.ID)
	uri, _ := got.Result["artifact_uri"].(string)
	assert.Equal(t, fmt.Sprintf("s3://artifacts/results/%s.json", job.ID), uri)
	assert.NotContains(t, got.Result, "blob")
}
