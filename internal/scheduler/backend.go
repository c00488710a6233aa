// Package scheduler defines the contract between the dispatch consumers and
// the distributed execution pool that actually runs containerized jobs. The
// pool itself lives outside this codebase.
package scheduler

import (
	"context"

	"go.uber.org/zap"

	"experiment-scheduler/internal/models"
)

// Backend places jobs on, and removes them from, the execution pool. All
// methods must be idempotent: dispatch delivery is at-least-once.
type Backend interface {
	// Start schedules the job on the pool.
	Start(ctx context.Context, job models.Job) error
	// Stop tears down the job's workload. Stopping an unknown or already
	// stopped job is a no-op.
	Stop(ctx context.Context, job models.Job) error
	// Cleanup removes any remaining pool-side resources before hard deletion.
	Cleanup(ctx context.Context, job models.Job) error
}

// LogBackend is a development stand-in that records intents without running
// anything.
type LogBackend struct {
	logger *zap.Logger
}

// NewLogBackend builds a backend that only logs.
func NewLogBackend(logger *zap.Logger) *LogBackend {
	return &LogBackend{logger: logger}
}

func (b *LogBackend) Start(_ context.Context, job models.Job) error {
	b.logger.Info("backend start", zap.String("job", job.UniqueName()))
	return nil
}

func (b *LogBackend) Stop(_ context.Context, job models.Job) error {
	b.logger.Info("backend stop", zap.String("job", job.UniqueName()))
	return nil
}

func (b *LogBackend) Cleanup(_ context.Context, job models.Job) error {
	b.logger.Info("backend cleanup", zap.String("job", job.UniqueName()))
	return nil
}
