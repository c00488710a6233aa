// Package core implements the job lifecycle operations exposed to the HTTP
// layer: creation with deduplication, status reporting, and the dispatch
// chains behind stop, archive, and delete.
package core

import (
	"context"
	"errors"

	"go.uber.org/zap"

	apperrors "experiment-scheduler/internal/errors"
	"experiment-scheduler/internal/jobspec"
	"experiment-scheduler/internal/lifecycle"
	"experiment-scheduler/internal/models"
	"experiment-scheduler/internal/store"
	"experiment-scheduler/internal/telemetry"
	"experiment-scheduler/internal/ttl"
)

// JobStore is the persistence surface the service needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	SetStatus(ctx context.Context, jobID string, status lifecycle.Status, message string, details map[string]any) (models.JobStatus, error)
	ListStatuses(ctx context.Context, jobID string) ([]models.JobStatus, error)
	SetArchived(ctx context.Context, jobID string, archived bool) error
}

// Dispatcher is the outbound messaging surface the service needs.
type Dispatcher interface {
	Start(ctx context.Context, job models.Job) error
	Stop(ctx context.Context, job models.Job, collectLogs, updateStatus bool) error
	ScheduleDeletion(ctx context.Context, job models.Job, immediate bool) error
}

// HeartbeatTracker records liveness pings.
type HeartbeatTracker interface {
	Ping(ctx context.Context, jobID string) error
}

// TTLRegistry stores expiry deadlines for ephemeral resources.
type TTLRegistry interface {
	Set(ctx context.Context, resourceID string, seconds int) error
}

// ConfigCompiler turns a raw config blob into its canonical compiled form.
type ConfigCompiler interface {
	Compile(raw []byte) (*jobspec.CompiledConfig, error)
}

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Store      JobStore         // required
	Dispatcher Dispatcher       // required
	Compiler   ConfigCompiler   // required
	Heartbeats HeartbeatTracker // optional
	TTLs       TTLRegistry      // optional
	Logger     *zap.Logger      // optional
}

// JobService owns the lifecycle operations of the scheduling core.
type JobService struct {
	store      JobStore
	dispatcher Dispatcher
	compiler   ConfigCompiler
	heartbeats HeartbeatTracker
	ttls       TTLRegistry
	logger     *zap.Logger
}

// NewJobService constructs a JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Compiler == nil {
		return nil, errors.New("compiler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobService{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		compiler:   opts.Compiler,
		heartbeats: opts.Heartbeats,
		ttls:       opts.TTLs,
		logger:     logger,
	}, nil
}

// CreateRequest is a job submission.
type CreateRequest struct {
	Kind          models.JobKind
	ProjectID     string
	ProjectName   string
	UserID        string
	RawConfig     []byte
	CodeReference *models.CodeReference
	TTL           any // optional, validated before anything is persisted
}

// Create compiles and validates the config, then either returns the existing
// job with an identical (project, config, code reference) triple or creates
// a new one. Creation never dispatches; callers chain Start explicitly so a
// deduplicated submission does not re-trigger side effects.
func (s *JobService) Create(ctx context.Context, req CreateRequest) (models.Job, bool, error) {
	if !req.Kind.Valid() {
		return models.Job{}, false, apperrors.Newf(apperrors.KindConfigInvalid, "unknown job kind %q", req.Kind)
	}
	if req.ProjectID == "" || req.ProjectName == "" {
		return models.Job{}, false, apperrors.New(apperrors.KindConfigInvalid, "project is required")
	}

	var ttlSeconds int
	if req.TTL != nil {
		var err error
		ttlSeconds, err = ttl.Validate(req.TTL)
		if err != nil {
			return models.Job{}, false, err
		}
	}

	compiled, err := s.compiler.Compile(req.RawConfig)
	if err != nil {
		return models.Job{}, false, err
	}
	configMap, err := compiled.AsMap()
	if err != nil {
		return models.Job{}, false, err
	}

	job, reused, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Kind:              req.Kind,
		ProjectID:         req.ProjectID,
		ProjectName:       req.ProjectName,
		UserID:            req.UserID,
		Config:            configMap,
		ConfigFingerprint: compiled.Fingerprint(),
		CodeReference:     req.CodeReference,
		Resources:         compiled.Resources,
		NodeSelector:      compiled.NodeSelector,
	})
	if err != nil {
		return models.Job{}, false, err
	}

	if reused {
		telemetry.JobsDeduplicated.Inc()
	} else {
		telemetry.JobsCreated.Inc()
	}

	if ttlSeconds > 0 && s.ttls != nil {
		if err := s.ttls.Set(ctx, job.ID, ttlSeconds); err != nil {
			// The job exists either way; TTL enforcement is best effort.
			s.logger.Warn("store ttl", zap.String("job", job.UniqueName()), zap.Error(err))
		}
	}
	return job, reused, nil
}

// Get returns a job by id.
func (s *JobService) Get(ctx context.Context, jobID string) (models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Statuses returns the job's full status history.
func (s *JobService) Statuses(ctx context.Context, jobID string) ([]models.JobStatus, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListStatuses(ctx, jobID)
}

// SetStatus appends a status record. Illegal transitions are rejected with
// IllegalTransition; the current status is untouched.
func (s *JobService) SetStatus(ctx context.Context, jobID string, status lifecycle.Status, message string, details map[string]any) (models.JobStatus, error) {
	if !lifecycle.Known(status) {
		return models.JobStatus{}, apperrors.Newf(apperrors.KindIllegalTransition, "unknown status %q", status)
	}
	record, err := s.store.SetStatus(ctx, jobID, status, message, details)
	if err != nil {
		if apperrors.IsIllegalTransition(err) {
			telemetry.IllegalTransitions.Inc()
			s.logger.Warn("illegal status transition rejected",
				zap.String("job_id", jobID),
				zap.String("status", string(status)),
				zap.Error(err))
		}
		return models.JobStatus{}, err
	}
	telemetry.StatusTransitions.WithLabelValues(string(status)).Inc()
	return record, nil
}

// Start dispatches a start intent for the job.
func (s *JobService) Start(ctx context.Context, job models.Job) error {
	return s.dispatcher.Start(ctx, job)
}

// Stop dispatches a stop intent. Stopping a job that already reached a
// terminal status is a no-op, so duplicate stop requests are harmless.
func (s *JobService) Stop(ctx context.Context, jobID string, collectLogs, updateStatus bool) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsDone() {
		s.logger.Info("stop requested for finished job, ignoring",
			zap.String("job", job.UniqueName()),
			zap.String("status", string(job.Status)))
		return nil
	}
	return s.dispatcher.Stop(ctx, job, collectLogs, updateStatus)
}

// Archive marks the job archived and schedules its deferred hard deletion.
// If the dispatch fails the archived flag is kept; the record stays visible
// to a retry rather than being half rolled back.
func (s *JobService) Archive(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.store.SetArchived(ctx, jobID, true); err != nil {
		return err
	}
	return s.dispatcher.ScheduleDeletion(ctx, job, false)
}

// Unarchive clears the archived flag. Synchronous; no dispatch. A pending
// deferred deletion re-checks the flag and skips unarchived jobs.
func (s *JobService) Unarchive(ctx context.Context, jobID string) error {
	return s.store.SetArchived(ctx, jobID, false)
}

// Delete archives the job and schedules immediate hard deletion. The actual
// row removal happens in the worker; a user-facing delete never deletes
// inline.
func (s *JobService) Delete(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.store.SetArchived(ctx, jobID, true); err != nil {
		return err
	}
	return s.dispatcher.ScheduleDeletion(ctx, job, true)
}

// Ping records a liveness heartbeat for the job.
func (s *JobService) Ping(ctx context.Context, jobID string) error {
	if s.heartbeats == nil {
		return nil
	}
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	return s.heartbeats.Ping(ctx, jobID)
}
