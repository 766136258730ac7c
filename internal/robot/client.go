package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rpa-job-distribution/internal/models"
)

// Client talks to the control plane's pull API on behalf of one robot.
// Every mutating call carries the robot's identity in the X-Robot-ID header.
type Client struct {
	base    string
	robotID string
	http    *http.Client
}

// NewClient builds a pull API client rooted at base (no trailing slash).
func NewClient(base, robotID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:    base,
		robotID: robotID,
		http:    &http.Client{Timeout: timeout},
	}
}

// Register announces the robot to the registry.
func (c *Client) Register(ctx context.Context, name, environment string, capabilities []string, maxConcurrent int) error {
	body := map[string]any{
		"id":                  c.robotID,
		"name":                name,
		"environment":         environment,
		"capabilities":        capabilities,
		"max_concurrent_jobs": maxConcurrent,
	}
	return c.post(ctx, "/api/v1/robots", body, nil)
}

// Heartbeat refreshes liveness, optionally reporting metrics.
func (c *Client) Heartbeat(ctx context.Context, metrics map[string]any) error {
	path := fmt.Sprintf("/api/v1/robots/%s/heartbeat", c.robotID)
	return c.post(ctx, path, map[string]any{"metrics": metrics}, nil)
}

// Claim asks for up to limit runnable jobs in the robot's environment.
func (c *Client) Claim(ctx context.Context, environment string, limit, leaseSeconds int) ([]models.JobView, error) {
	var resp struct {
		Jobs []models.JobView `json:"jobs"`
	}
	body := map[string]any{
		"environment":   environment,
		"limit":         limit,
		"lease_seconds": leaseSeconds,
	}
	if err := c.post(ctx, "/api/v1/claim", body, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Complete reports a successful run.
func (c *Client) Complete(ctx context.Context, jobID string, result map[string]any) error {
	return c.post(ctx, "/api/v1/jobs/"+jobID+"/complete", map[string]any{"result": result}, nil)
}

// Fail reports a failed run.
func (c *Client) Fail(ctx context.Context, jobID, errMsg string) error {
	return c.post(ctx, "/api/v1/jobs/"+jobID+"/fail", map[string]any{"error_message": errMsg}, nil)
}

// Release hands a job back without consuming a retry.
func (c *Client) Release(ctx context.Context, jobID string) error {
	return c.post(ctx, "/api/v1/jobs/"+jobID+"/release", map[string]any{}, nil)
}

// ExtendLease pushes the job's lease deadline forward.
func (c *Client) ExtendLease(ctx context.Context, jobID string, extensionSeconds int) error {
	body := map[string]any{"extension_seconds": extensionSeconds}
	return c.post(ctx, "/api/v1/jobs/"+jobID+"/extend", body, nil)
}

// UpdateProgress records 0-100 execution progress.
func (c *Client) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	return c.post(ctx, "/api/v1/jobs/"+jobID+"/progress", map[string]any{"progress": progress}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Robot-ID", c.robotID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
