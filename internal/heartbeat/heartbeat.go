// Package heartbeat records liveness pings from running jobs. One slot per
// job, overwritten on every ping; staleness is a derived query.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"experiment-scheduler/internal/telemetry"
)

// Tracker stores last-seen timestamps in Redis.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a tracker. Keys expire after ttl so finished jobs do not leak
// slots; ttl must comfortably exceed the staleness threshold.
func New(client *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Tracker{client: client, ttl: ttl}
}

func key(jobID string) string {
	return "heartbeat:" + jobID
}

// Ping overwrites the last-seen timestamp for the job.
func (t *Tracker) Ping(ctx context.Context, jobID string) error {
	now := time.Now().UnixMilli()
	if err := t.client.Set(ctx, key(jobID), now, t.ttl).Err(); err != nil {
		return fmt.Errorf("record heartbeat for %s: %w", jobID, err)
	}
	telemetry.HeartbeatPings.Inc()
	return nil
}

// LastSeen returns the last ping time. The second return is false when the
// job never pinged or its slot expired.
func (t *Tracker) LastSeen(ctx context.Context, jobID string) (time.Time, bool, error) {
	val, err := t.client.Get(ctx, key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read heartbeat for %s: %w", jobID, err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse heartbeat for %s: %w", jobID, err)
	}
	return time.UnixMilli(ms), true, nil
}

// IsAlive reports whether the job pinged within maxAge. A job with no
// recorded ping is not alive.
func (t *Tracker) IsAlive(ctx context.Context, jobID string, maxAge time.Duration) (bool, error) {
	last, ok, err := t.LastSeen(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return time.Since(last) <= maxAge, nil
}
