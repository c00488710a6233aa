// Package worker consumes dispatch messages and applies their side effects:
// starting jobs on the scheduling backend, stopping them, collecting logs,
// and carrying out scheduled deletions.
package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"experiment-scheduler/internal/config"
	"experiment-scheduler/internal/dispatch"
	apperrors "experiment-scheduler/internal/errors"
	"experiment-scheduler/internal/lifecycle"
	"experiment-scheduler/internal/logstore"
	"experiment-scheduler/internal/models"
	"experiment-scheduler/internal/scheduler"
	"experiment-scheduler/internal/telemetry"
)

// Store is the persistence surface the consumer needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	SetStatus(ctx context.Context, jobID string, status lifecycle.Status, message string, details map[string]any) (models.JobStatus, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Consumer drives the dispatch consumption loop.
type Consumer struct {
	cfg      config.Config
	gateway  *dispatch.Gateway
	store    Store
	backend  scheduler.Backend
	archiver logstore.Archiver
	logger   *zap.Logger
}

// NewConsumer builds a consumer. archiver may be nil when log collection is
// disabled.
func NewConsumer(cfg config.Config, gw *dispatch.Gateway, st Store, backend scheduler.Backend, archiver logstore.Archiver, logger *zap.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg,
		gateway:  gw,
		store:    st,
		backend:  backend,
		archiver: archiver,
		logger:   logger,
	}
}

// Run consumes messages until context cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.Tick(ctx)

		msg, ok, err := c.gateway.Dequeue(ctx)
		if err != nil {
			c.logger.Warn("dequeue", zap.Error(err))
			c.sleep(ctx)
			continue
		}
		if !ok {
			c.sleep(ctx)
			continue
		}
		c.Handle(ctx, msg)
	}
}

// Tick runs the housekeeping that precedes each dequeue: promoting due
// scheduled messages, reclaiming expired leases, and refreshing gauges.
func (c *Consumer) Tick(ctx context.Context) {
	if _, err := c.gateway.PromoteScheduled(ctx, time.Now(), int64(c.cfg.ScheduledBatchSize)); err != nil {
		c.logger.Warn("promote scheduled", zap.Error(err))
	}
	if reclaimed, err := c.gateway.RequeueExpired(ctx, time.Now(), 100); err != nil {
		c.logger.Warn("requeue expired", zap.Error(err))
	} else if len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		c.logger.Info("reclaimed expired leases", zap.Int("count", len(reclaimed)))
	}
	if depth, err := c.gateway.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// Handle applies one message and settles it: ack on success or permanent
// failure, retry with backoff otherwise, dead-letter once attempts run out.
func (c *Consumer) Handle(ctx context.Context, msg dispatch.Message) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	var err error
	switch msg.Kind {
	case dispatch.KindStart:
		err = c.handleStart(ctx, msg)
	case dispatch.KindStop:
		err = c.handleStop(ctx, msg)
	case dispatch.KindScheduleDeletion:
		err = c.handleScheduleDeletion(ctx, msg)
	default:
		c.logger.Error("unknown message kind", zap.String("kind", string(msg.Kind)))
		_ = c.gateway.Ack(ctx, msg.ID)
		return
	}

	if err == nil {
		_ = c.gateway.Ack(ctx, msg.ID)
		return
	}

	if apperrors.IsIllegalTransition(err) || apperrors.IsJobNotFound(err) {
		// Retrying cannot change the outcome.
		c.logger.Warn("dropping message after permanent failure",
			zap.String("kind", string(msg.Kind)),
			zap.String("job", msg.JobName),
			zap.Error(err))
		_ = c.gateway.Ack(ctx, msg.ID)
		return
	}

	attempts := msg.Attempts + 1
	if attempts >= c.cfg.MaxDeliveryAttempts {
		c.logger.Error("message exhausted delivery attempts",
			zap.String("kind", string(msg.Kind)),
			zap.String("job", msg.JobName),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if dlqErr := c.gateway.DeadLetter(ctx, msg, err.Error()); dlqErr != nil {
			c.logger.Error("dead letter", zap.Error(dlqErr))
		}
		return
	}

	nextRun := time.Now().Add(backoffWithJitter(c.cfg.BackoffInitial, c.cfg.BackoffMax, attempts))
	c.logger.Warn("message failed, retry scheduled",
		zap.String("kind", string(msg.Kind)),
		zap.String("job", msg.JobName),
		zap.Int("attempts", attempts),
		zap.Time("next_run", nextRun),
		zap.Error(err))
	if retryErr := c.gateway.ScheduleRetry(ctx, msg, nextRun); retryErr != nil {
		c.logger.Error("schedule retry", zap.Error(retryErr))
	}
}

// handleStart places the job on the backend and marks it scheduled. Current
// state is re-read here; the producer-side transition check is advisory only.
func (c *Consumer) handleStart(ctx context.Context, msg dispatch.Message) error {
	job, err := c.store.GetJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if job.IsDone() {
		c.logger.Info("start for finished job, ignoring",
			zap.String("job", job.UniqueName()),
			zap.String("status", string(job.Status)))
		return nil
	}
	if job.Status == lifecycle.StatusScheduled || job.Status == lifecycle.StatusRunning {
		// Redelivery of an already-applied start.
		return nil
	}
	if err := c.backend.Start(ctx, job); err != nil {
		return err
	}
	_, err = c.store.SetStatus(ctx, job.ID, lifecycle.StatusScheduled, "placed on scheduling backend", nil)
	return err
}

// handleStop collects logs if asked, tears the job down, and optionally marks
// it stopped. A stop for an already-terminal job is a no-op, so duplicate
// deliveries are harmless.
func (c *Consumer) handleStop(ctx context.Context, msg dispatch.Message) error {
	job, err := c.store.GetJob(ctx, msg.JobID)
	if apperrors.IsJobNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.IsDone() {
		return nil
	}

	if msg.CollectLogs && c.archiver != nil {
		location, err := c.archiver.Archive(ctx, job.UniqueName())
		if err != nil {
			return err
		}
		if location != "" {
			c.logger.Info("logs archived",
				zap.String("job", job.UniqueName()),
				zap.String("location", location))
		}
	}

	if err := c.backend.Stop(ctx, job); err != nil {
		return err
	}

	if msg.UpdateStatus {
		if _, err := c.store.SetStatus(ctx, job.ID, lifecycle.StatusStopped, "stopped by request", nil); err != nil {
			return err
		}
	}
	return nil
}

// handleScheduleDeletion removes the job and its backend resources. Deferred
// deletions re-check the archived flag so an unarchive during the retention
// window cancels the effect.
func (c *Consumer) handleScheduleDeletion(ctx context.Context, msg dispatch.Message) error {
	job, err := c.store.GetJob(ctx, msg.JobID)
	if apperrors.IsJobNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !msg.Immediate && !job.Archived {
		c.logger.Info("job unarchived during retention, skipping deletion",
			zap.String("job", job.UniqueName()))
		return nil
	}

	if !job.IsDone() {
		if err := c.backend.Stop(ctx, job); err != nil {
			return err
		}
	}
	if err := c.backend.Cleanup(ctx, job); err != nil {
		return err
	}
	if err := c.store.DeleteJob(ctx, job.ID); err != nil {
		if apperrors.IsJobNotFound(err) {
			return nil
		}
		return err
	}
	c.logger.Info("job deleted", zap.String("job", job.UniqueName()))
	return nil
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.WorkerPollInterval):
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(half)))
	return half + jitter
}
