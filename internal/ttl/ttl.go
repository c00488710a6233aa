// Package ttl tracks user-specified time-to-live values for ephemeral job
// resources such as interactive build sessions. Absence of a record means no
// TTL enforcement; expiry sweeping is driven by the worker's monitor loop.
package ttl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "experiment-scheduler/internal/errors"
)

// Registry stores expiry deadlines keyed by resource id.
type Registry struct {
	client *redis.Client
}

// New builds a TTL registry.
func New(client *redis.Client) *Registry {
	return &Registry{client: client}
}

func key(resourceID string) string {
	return "ttl:" + resourceID
}

// Validate parses a raw TTL value and rejects anything that is not a
// positive integer number of seconds.
func Validate(raw any) (int, error) {
	var seconds int
	switch v := raw.(type) {
	case int:
		seconds = v
	case int64:
		seconds = int(v)
	case float64:
		if v != float64(int(v)) {
			return 0, apperrors.Newf(apperrors.KindInvalidTTL, "ttl must be an integer, got %v", v)
		}
		seconds = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, apperrors.Newf(apperrors.KindInvalidTTL, "ttl must be an integer, got %q", v)
		}
		seconds = n
	default:
		return 0, apperrors.Newf(apperrors.KindInvalidTTL, "ttl must be an integer, got %T", raw)
	}
	if seconds <= 0 {
		return 0, apperrors.Newf(apperrors.KindInvalidTTL, "ttl must be positive, got %d", seconds)
	}
	return seconds, nil
}

// Set stores the expiry deadline for a resource. The record does not expire
// on its own: Expired must be able to observe a passed deadline, so the key
// stays until the monitor acts on it and calls Clear. A missing key means no
// TTL enforcement.
func (r *Registry) Set(ctx context.Context, resourceID string, seconds int) error {
	if seconds <= 0 {
		return apperrors.Newf(apperrors.KindInvalidTTL, "ttl must be positive, got %d", seconds)
	}
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	if err := r.client.Set(ctx, key(resourceID), deadline.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("store ttl for %s: %w", resourceID, err)
	}
	return nil
}

// Get returns the expiry deadline for a resource. The second return is false
// when no TTL is set.
func (r *Registry) Get(ctx context.Context, resourceID string) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, key(resourceID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read ttl for %s: %w", resourceID, err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse ttl for %s: %w", resourceID, err)
	}
	return time.UnixMilli(ms), true, nil
}

// Expired reports whether the resource has a TTL that already passed.
func (r *Registry) Expired(ctx context.Context, resourceID string, now time.Time) (bool, error) {
	deadline, ok, err := r.Get(ctx, resourceID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return now.After(deadline), nil
}

// Clear removes the TTL record for a resource.
func (r *Registry) Clear(ctx context.Context, resourceID string) error {
	return r.client.Del(ctx, key(resourceID)).Err()
}
