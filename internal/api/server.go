package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"rpa-job-distribution/internal/config"
	"rpa-job-distribution/internal/models"
	"rpa-job-distribution/internal/ratelimit"
	"rpa-job-distribution/internal/registry"
	"rpa-job-distribution/internal/store"
	"rpa-job-distribution/internal/telemetry"
)

// Server wires the control-plane HTTP surface: job submission and admin on
// one side, the robot pull API on the other. Both call straight into the
// shared JobStore transitions.
type Server struct {
	cfg      config.Config
	store    store.JobStore
	registry registry.RobotRegistry
	limiter  *ratelimit.SubmitLimiter
}

// New constructs the API server. limiter may be nil to disable submission
// rate limiting.
func New(cfg config.Config, st store.JobStore, reg registry.RobotRegistry, limiter *ratelimit.SubmitLimiter) *Server {
	return &Server{cfg: cfg, store: st, registry: reg, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/retry", s.handleRetry)

		r.Post("/claim", s.handleClaim)
		r.Post("/jobs/{id}/complete", s.handleComplete)
		r.Post("/jobs/{id}/fail", s.handleFail)
		r.Post("/jobs/{id}/release", s.handleRelease)
		r.Post("/jobs/{id}/extend", s.handleExtendLease)
		r.Post("/jobs/{id}/progress", s.handleProgress)

		r.Post("/robots", s.handleRegisterRobot)
		r.Get("/robots", s.handleListRobots)
		r.Post("/robots/{id}/heartbeat", s.handleHeartbeat)
		r.Delete("/robots/{id}", s.handleDeleteRobot)
	})
	return r
}

type submitRequest struct {
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	Payload      map[string]any  `json:"payload"`
	Variables    map[string]any  `json:"variables"`
	Priority     models.Priority `json:"priority"`
	Environment  string          `json:"environment"`
	MaxRetries   *int            `json:"max_retries"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.WorkflowName == "" {
		http.Error(w, "workflow_name is required", http.StatusBadRequest)
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	maxRetries := s.cfg.DefaultMaxRetry
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	job := &models.Job{
		WorkflowID:   req.WorkflowID,
		WorkflowName: req.WorkflowName,
		Payload:      req.Payload,
		Variables:    req.Variables,
		Priority:     req.Priority,
		Environment:  req.Environment,
		MaxRetries:   maxRetries,
	}
	if err := s.store.Submit(r.Context(), job); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if err := parsePositive(v, &limit); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, previous, err := s.store.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msg := "job cancelled"
	if !cancelled {
		msg = "job already " + string(previous)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":          id,
		"cancelled":       cancelled,
		"previous_status": previous,
		"message":         msg,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fresh, err := s.store.Retry(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.JobsRetried.Inc()
	writeJSON(w, http.StatusCreated, map[string]any{
		"original_job_id": id,
		"new_job_id":      fresh.ID,
	})
}

type claimRequest struct {
	Environment  string `json:"environment"`
	Limit        int    `json:"limit"`
	LeaseSeconds int    `json:"lease_seconds"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	robotID := robotFromRequest(r)
	if robotID == "" {
		http.Error(w, "X-Robot-ID header is required", http.StatusBadRequest)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Environment == "" {
		req.Environment = models.DefaultEnvironment
	}
	lease := time.Duration(req.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = time.Duration(s.cfg.LeaseSeconds) * time.Second
	}

	claimed, err := s.store.Claim(r.Context(), robotID, req.Environment, req.Limit, lease)
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := time.Now().UTC()
	views := make([]models.JobView, 0, len(claimed))
	for _, job := range claimed {
		views = append(views, job.View(now))
		_ = s.registry.AddCurrentJob(r.Context(), robotID, job.ID)
	}
	if n := len(views); n > 0 {
		telemetry.JobsClaimed.Add(float64(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

type completeRequest struct {
	Result map[string]any `json:"result"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	robotID := robotFromRequest(r)
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.store.Complete(r.Context(), id, robotID, req.Result); err != nil {
		s.writeError(w, err)
		return
	}
	_ = s.registry.RemoveCurrentJob(r.Context(), robotID, id)
	telemetry.JobsCompleted.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "completed": true})
}

type failRequest struct {
	ErrorMessage string `json:"error_message"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	robotID := robotFromRequest(r)
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	status, err := s.store.Fail(r.Context(), id, robotID, req.ErrorMessage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_ = s.registry.RemoveCurrentJob(r.Context(), robotID, id)
	telemetry.JobsFailed.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": status})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	robotID := robotFromRequest(r)
	if err := s.store.Release(r.Context(), id, robotID); err != nil {
		s.writeError(w, err)
		return
	}
	_ = s.registry.RemoveCurrentJob(r.Context(), robotID, id)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "released": true})
}

type extendRequest struct {
	ExtensionSeconds int `json:"extension_seconds"`
}

func (s *Server) handleExtendLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	robotID := robotFromRequest(r)
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	extension := time.Duration(req.ExtensionSeconds) * time.Second
	if extension <= 0 {
		extension = time.Duration(s.cfg.LeaseSeconds) * time.Second
	}
	if err := s.store.ExtendLease(r.Context(), id, robotID, extension); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "extended": true})
}

type progressRequest struct {
	Progress int `json:"progress"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	robotID := robotFromRequest(r)
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateProgress(r.Context(), id, robotID, req.Progress); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "progress": req.Progress})
}

type registerRobotRequest struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Environment       string         `json:"environment"`
	Capabilities      []string       `json:"capabilities"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	Metrics           map[string]any `json:"metrics"`
}

func (s *Server) handleRegisterRobot(w http.ResponseWriter, r *http.Request) {
	var req registerRobotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	robot := &models.Robot{
		ID:                req.ID,
		Name:              req.Name,
		Environment:       req.Environment,
		Capabilities:      req.Capabilities,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		Metrics:           req.Metrics,
	}
	if err := s.registry.Register(r.Context(), robot); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, robot)
}

func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	var (
		robots []models.Robot
		err    error
	)
	switch {
	case r.URL.Query().Get("available") == "true":
		robots, err = s.registry.ListAvailable(r.Context())
	case r.URL.Query().Get("status") != "":
		robots, err = s.registry.ListByStatus(r.Context(), models.RobotStatus(r.URL.Query().Get("status")))
	case r.URL.Query().Get("environment") != "":
		robots, err = s.registry.ListByEnvironment(r.Context(), r.URL.Query().Get("environment"))
	default:
		robots, err = s.registry.ListRobots(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"robots": robots})
}

type heartbeatRequest struct {
	Metrics map[string]any `json:"metrics"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req heartbeatRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if err := s.registry.Heartbeat(r.Context(), id, req.Metrics); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"robot_id": id, "acknowledged": true})
}

func (s *Server) handleDeleteRobot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"robot_id": id, "deleted": true})
}

// writeError maps the store/registry taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrRobotNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrOwnershipMismatch):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func robotFromRequest(r *http.Request) string {
	return r.Header.Get("X-Robot-ID")
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func parsePositive(v string, out *int) error {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return errors.New("invalid number")
	}
	*out = n
	return nil
}
