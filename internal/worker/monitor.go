package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"experiment-scheduler/internal/config"
	"experiment-scheduler/internal/lifecycle"
	"experiment-scheduler/internal/models"
	"experiment-scheduler/internal/telemetry"
)

// ActiveLister returns jobs currently in non-terminal statuses.
type ActiveLister interface {
	ListByStatuses(ctx context.Context, statuses []lifecycle.Status) ([]models.Job, error)
}

// Liveness reports when a job last pinged, if ever.
type Liveness interface {
	LastSeen(ctx context.Context, jobID string) (time.Time, bool, error)
}

// Expiry answers whether a resource's TTL deadline passed.
type Expiry interface {
	Expired(ctx context.Context, resourceID string, now time.Time) (bool, error)
	Clear(ctx context.Context, resourceID string) error
}

// Stopper dispatches stop intents.
type Stopper interface {
	Stop(ctx context.Context, job models.Job, collectLogs, updateStatus bool) error
}

// Monitor periodically sweeps running jobs and stops the ones whose heartbeat
// went silent or whose TTL expired. Stops go through the regular dispatch
// path, so log collection and status updates behave exactly like a user stop.
type Monitor struct {
	cfg     config.Config
	store   ActiveLister
	live    Liveness
	ttls    Expiry
	stopper Stopper
	logger  *zap.Logger
}

// NewMonitor builds a monitor. ttls may be nil to disable TTL sweeping.
func NewMonitor(cfg config.Config, st ActiveLister, live Liveness, ttls Expiry, stopper Stopper, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		store:   st,
		live:    live,
		ttls:    ttls,
		stopper: stopper,
		logger:  logger,
	}
}

// Run sweeps on the configured interval until context cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Warn("monitor sweep", zap.Error(err))
			}
		}
	}
}

// Sweep runs a single pass over running jobs.
func (m *Monitor) Sweep(ctx context.Context) error {
	jobs, err := m.store.ListByStatuses(ctx, []lifecycle.Status{lifecycle.StatusRunning})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, job := range jobs {
		if m.ttls != nil {
			expired, err := m.ttls.Expired(ctx, job.ID, now)
			if err != nil {
				m.logger.Warn("check ttl", zap.String("job", job.UniqueName()), zap.Error(err))
			} else if expired {
				m.logger.Info("job ttl expired, stopping", zap.String("job", job.UniqueName()))
				if err := m.stopper.Stop(ctx, job, true, true); err != nil {
					m.logger.Error("stop expired job", zap.String("job", job.UniqueName()), zap.Error(err))
					continue
				}
				_ = m.ttls.Clear(ctx, job.ID)
				telemetry.StaleJobsStopped.Inc()
				continue
			}
		}

		last, ok, err := m.live.LastSeen(ctx, job.ID)
		if err != nil {
			m.logger.Warn("check heartbeat", zap.String("job", job.UniqueName()), zap.Error(err))
			continue
		}
		if !ok {
			// Never pinged. A job that only just entered running has not had
			// a chance to ping yet; give it the same window before reaping.
			if now.Sub(job.UpdatedAt) <= m.cfg.HeartbeatMaxAge {
				continue
			}
		} else if now.Sub(last) <= m.cfg.HeartbeatMaxAge {
			continue
		}
		m.logger.Warn("job heartbeat is stale, stopping", zap.String("job", job.UniqueName()))
		if err := m.stopper.Stop(ctx, job, true, true); err != nil {
			m.logger.Error("stop stale job", zap.String("job", job.UniqueName()), zap.Error(err))
			continue
		}
		telemetry.StaleJobsStopped.Inc()
	}
	return nil
}
