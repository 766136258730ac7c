package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpa-job-distribution/internal/config"
	"rpa-job-distribution/internal/models"
	"rpa-job-distribution/internal/registry"
	"rpa-job-distribution/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Config{LeaseSeconds: 60, DefaultMaxRetry: 2}
	s := New(cfg, store.NewMemoryStore(store.DefaultRetryPolicy()), registry.NewMemoryRegistry(), nil)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, robotID string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if robotID != "" {
		req.Header.Set("X-Robot-ID", robotID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func submitOne(t *testing.T, ts *httptest.Server, workflow string) models.Job {
	t.Helper()
	var job models.Job
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", "", map[string]any{
		"workflow_name": workflow,
		"payload":       map[string]any{"key": "value"},
	}, &job)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, job.ID)
	return job
}

func claimOne(t *testing.T, ts *httptest.Server, robotID string) models.JobView {
	t.Helper()
	var claimResp struct {
		Jobs []models.JobView `json:"jobs"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/claim", robotID, map[string]any{"limit": 1}, &claimResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, claimResp.Jobs, 1)
	return claimResp.Jobs[0]
}

func TestSubmitClaimCompleteFlow(t *testing.T) {
	ts := newTestServer(t)

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/robots", "", map[string]any{
		"id": "robot-1", "max_concurrent_jobs": 2,
	}, nil)

	job := submitOne(t, ts, "InvoiceProcessing")
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 2, job.MaxRetries)

	view := claimOne(t, ts, "robot-1")
	assert.Equal(t, job.ID, view.ID)
	assert.Equal(t, "InvoiceProcessing", view.WorkflowName)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/progress", "robot-1",
		map[string]any{"progress": 40}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/complete", "robot-1",
		map[string]any{"result": map[string]any{"rows": 10}}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.Job
	getResp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs/"+job.ID, "", map[string]any{}, &got)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	// The robot's occupancy drops back down.
	var robots struct {
		Robots []models.Robot `json:"robots"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/v1/robots", "", map[string]any{}, &robots)
	require.Len(t, robots.Robots, 1)
	assert.Empty(t, robots.Robots[0].CurrentJobIDs)
}

func TestClaimRequiresRobotIdentity(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/claim", "", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOwnershipViolationMapsToConflict(t *testing.T) {
	ts := newTestServer(t)
	job := submitOne(t, ts, "ReportExport")
	claimOne(t, ts, "robot-1")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/complete", "robot-2",
		map[string]any{}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnknownJobMapsToNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs/missing", "", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelAndRetry(t *testing.T) {
	ts := newTestServer(t)
	job := submitOne(t, ts, "ReportExport")

	var cancelResp struct {
		Cancelled      bool             `json:"cancelled"`
		PreviousStatus models.JobStatus `json:"previous_status"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/cancel", "", map[string]any{}, &cancelResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, cancelResp.Cancelled)
	assert.Equal(t, models.JobPending, cancelResp.PreviousStatus)

	// Cancelling again is a reported no-op.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/cancel", "", map[string]any{}, &cancelResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, cancelResp.Cancelled)
	assert.Equal(t, models.JobCancelled, cancelResp.PreviousStatus)

	var retryResp struct {
		OriginalJobID string `json:"original_job_id"`
		NewJobID      string `json:"new_job_id"`
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/retry", "", map[string]any{}, &retryResp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, job.ID, retryResp.OriginalJobID)
	assert.NotEmpty(t, retryResp.NewJobID)
	assert.NotEqual(t, job.ID, retryResp.NewJobID)
}

func TestRetryPendingJobRejected(t *testing.T) {
	ts := newTestServer(t)
	job := submitOne(t, ts, "ReportExport")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/retry", "", map[string]any{}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestReleaseAndReclaimByAnotherRobot(t *testing.T) {
	ts := newTestServer(t)
	job := submitOne(t, ts, "ReportExport")
	claimOne(t, ts, "robot-1")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/release", "robot-1", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	view := claimOne(t, ts, "robot-2")
	assert.Equal(t, job.ID, view.ID)
	assert.Equal(t, 0, view.RetryCount)
}

func TestRobotLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/robots", "", map[string]any{
		"id":           "robot-1",
		"name":         "finance-bot",
		"environment":  "production",
		"capabilities": []string{"browser"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/robots/robot-1/heartbeat", "",
		map[string]any{"metrics": map[string]any{"cpu": 0.2}}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var robots struct {
		Robots []models.Robot `json:"robots"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/v1/robots?environment=production", "", map[string]any{}, &robots)
	require.Len(t, robots.Robots, 1)
	assert.Equal(t, "finance-bot", robots.Robots[0].Name)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/robots/ghost/heartbeat", "", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobsFilter(t *testing.T) {
	ts := newTestServer(t)
	submitOne(t, ts, "A")
	submitOne(t, ts, "B")
	claimOne(t, ts, "robot-1")

	var listResp struct {
		Jobs []models.Job `json:"jobs"`
	}
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs?status=pending", "", map[string]any{}, &listResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, listResp.Jobs, 1)
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", "", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
