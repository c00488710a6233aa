package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.AllowUser(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, allowed, "first token should be allowed")

	allowed, _, err = bucket.AllowUser(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, allowed, "second token should be allowed")

	allowed, _, err = bucket.AllowUser(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, allowed, "third token should be rejected")

	// Buckets are per user; another user still has capacity.
	allowed, _, err = bucket.AllowUser(ctx, "u-2")
	require.NoError(t, err)
	assert.True(t, allowed)

	// Note: refill cannot be tested with miniredis.FastForward because the
	// Lua script receives time from Go's time.Now(), not Redis's clock.
}
