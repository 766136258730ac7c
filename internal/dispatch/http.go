package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"rpa-job-distribution/internal/distributor"
	"rpa-job-distribution/internal/models"
	"rpa-job-distribution/internal/secrets"
)

// RobotEndpoints resolves a robot id to the base URL its agent listens on.
type RobotEndpoints interface {
	EndpointFor(robotID string) (string, bool)
}

// StaticEndpoints is a fixed robot id -> base URL table.
type StaticEndpoints map[string]string

func (s StaticEndpoints) EndpointFor(robotID string) (string, bool) {
	url, ok := s[robotID]
	return url, ok
}

// HTTPDispatcher pushes jobs to robot agents over HTTP. A transport error
// or non-2xx answer is reported as a rejection so the distributor moves on
// to the next candidate.
type HTTPDispatcher struct {
	endpoints      RobotEndpoints
	secrets        secrets.Provider
	credentialName string
	client         *http.Client
}

// NewHTTP builds a dispatcher. credentialName may be empty when robots
// accept unauthenticated pushes on a trusted network.
func NewHTTP(endpoints RobotEndpoints, provider secrets.Provider, credentialName string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{
		endpoints:      endpoints,
		secrets:        provider,
		credentialName: credentialName,
		client:         &http.Client{Timeout: timeout},
	}
}

type pushResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (d *HTTPDispatcher) Send(ctx context.Context, robotID string, job models.Job) (distributor.Ack, error) {
	base, ok := d.endpoints.EndpointFor(robotID)
	if !ok {
		return distributor.Ack{Reason: "no endpoint for robot"}, nil
	}

	body, err := json.Marshal(job.View(time.Now().UTC()))
	if err != nil {
		return distributor.Ack{}, fmt.Errorf("marshal job view: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/jobs", bytes.NewReader(body))
	if err != nil {
		return distributor.Ack{}, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if d.credentialName != "" && d.secrets != nil {
		cred, err := d.secrets.GetCredential(ctx, d.credentialName)
		if err != nil {
			return distributor.Ack{}, fmt.Errorf("resolve dispatch credential: %w", err)
		}
		if token := cred["token"]; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return distributor.Ack{}, fmt.Errorf("push to %s: %w", robotID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return distributor.Ack{Reason: fmt.Sprintf("robot answered %d", resp.StatusCode)}, nil
	}
	var ack pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return distributor.Ack{}, fmt.Errorf("decode push response: %w", err)
	}
	return distributor.Ack{Accepted: ack.Accepted, Reason: ack.Reason}, nil
}
