// Package api exposes the job lifecycle over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"experiment-scheduler/internal/config"
	"experiment-scheduler/internal/core"
	apperrors "experiment-scheduler/internal/errors"
	"experiment-scheduler/internal/lifecycle"
	"experiment-scheduler/internal/models"
	"experiment-scheduler/internal/ratelimit"
	"experiment-scheduler/internal/telemetry"
)

// JobAPI is the service surface the HTTP layer calls into.
type JobAPI interface {
	Create(ctx context.Context, req core.CreateRequest) (models.Job, bool, error)
	Start(ctx context.Context, job models.Job) error
	Get(ctx context.Context, jobID string) (models.Job, error)
	Statuses(ctx context.Context, jobID string) ([]models.JobStatus, error)
	SetStatus(ctx context.Context, jobID string, status lifecycle.Status, message string, details map[string]any) (models.JobStatus, error)
	Stop(ctx context.Context, jobID string, collectLogs, updateStatus bool) error
	Archive(ctx context.Context, jobID string) error
	Unarchive(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
	Ping(ctx context.Context, jobID string) error
}

// DLQReader exposes dead-lettered dispatch messages for inspection.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the lifecycle API.
type Server struct {
	cfg     config.Config
	jobs    JobAPI
	dlq     DLQReader
	limiter *ratelimit.TokenBucket
	logger  *zap.Logger
}

// New constructs the API server. limiter and dlq may be nil.
func New(cfg config.Config, jobs JobAPI, dlq DLQReader, limiter *ratelimit.TokenBucket, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    jobs,
		dlq:     dlq,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/projects/{projectID}/jobs", s.handleCreate)
	r.Get("/jobs/{id}", s.handleGet)
	r.Delete("/jobs/{id}", s.handleDelete)
	r.Get("/jobs/{id}/statuses", s.handleListStatuses)
	r.Post("/jobs/{id}/statuses", s.handleSetStatus)
	r.Post("/jobs/{id}/stop", s.handleStop)
	r.Post("/jobs/{id}/archive", s.handleArchive)
	r.Post("/jobs/{id}/unarchive", s.handleUnarchive)
	r.Post("/jobs/{id}/heartbeat", s.handleHeartbeat)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createRequest struct {
	Kind          models.JobKind        `json:"kind"`
	ProjectName   string                `json:"project_name"`
	Config        json.RawMessage       `json:"config"`
	CodeReference *models.CodeReference `json:"code_reference"`
	TTL           any                   `json:"ttl"`
}

type createResponse struct {
	Job    models.Job `json:"job"`
	Reused bool       `json:"reused"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.KindConfigInvalid, "invalid json"))
		return
	}

	userID := userFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUser(r.Context(), userID)
		if err != nil {
			s.logger.Warn("rate limit check", zap.Error(err))
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
	}

	job, reused, err := s.jobs.Create(r.Context(), core.CreateRequest{
		Kind:          req.Kind,
		ProjectID:     chi.URLParam(r, "projectID"),
		ProjectName:   req.ProjectName,
		UserID:        userID,
		RawConfig:     req.Config,
		CodeReference: req.CodeReference,
		TTL:           req.TTL,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// A reused job normally already went through its start chain, and
	// dispatching again would duplicate side effects. The exception is a job
	// still sitting in created: its earlier start dispatch failed, and the
	// resubmission is the retry path. The start consumer is idempotent, so a
	// rare double dispatch here is harmless.
	if !reused || job.Status == lifecycle.StatusCreated {
		if err := s.jobs.Start(r.Context(), job); err != nil {
			// The job row is kept; the caller can retry the start.
			s.logger.Error("dispatch start", zap.String("job", job.UniqueName()), zap.Error(err))
			writeError(w, err)
			return
		}
	}

	code := http.StatusCreated
	if reused {
		code = http.StatusOK
	}
	writeJSON(w, code, createResponse{Job: job, Reused: reused})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deletion scheduled"})
}

func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.jobs.Statuses(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

type setStatusRequest struct {
	Status  lifecycle.Status `json:"status"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.KindConfigInvalid, "invalid json"))
		return
	}
	record, err := s.jobs.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.Message, req.Details)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

type stopRequest struct {
	CollectLogs  *bool `json:"collect_logs"`
	UpdateStatus *bool `json:"update_status"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	// Both flags default to true; an empty body is a plain user stop.
	req := stopRequest{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	collectLogs := req.CollectLogs == nil || *req.CollectLogs
	updateStatus := req.UpdateStatus == nil || *req.UpdateStatus

	if err := s.jobs.Stop(r.Context(), chi.URLParam(r, "id"), collectLogs, updateStatus); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Archive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Unarchive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unarchived"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Ping(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDLQ returns dead-lettered dispatch entries for operators.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read dlq"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func statusForError(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindConfigInvalid, apperrors.KindInvalidTTL:
		return http.StatusBadRequest
	case apperrors.KindJobNotFound:
		return http.StatusNotFound
	case apperrors.KindIllegalTransition:
		return http.StatusConflict
	case apperrors.KindDispatchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]string{
		"error": err.Error(),
		"kind":  string(apperrors.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
