package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter()
	l.now = func() time.Time { return clock }

	limit := PerMinute(3)
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "user:a", limit)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}

	ok, _ := l.Allow(ctx, "user:a", limit)
	assert.False(t, ok)

	// Other keys have their own bucket.
	ok, _ = l.Allow(ctx, "user:b", limit)
	assert.True(t, ok)

	// One token refills every 20s.
	clock = clock.Add(21 * time.Second)
	ok, _ = l.Allow(ctx, "user:a", limit)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "user:a", limit)
	assert.False(t, ok)
}

func TestMemoryLimiter_ZeroLimitDisables(t *testing.T) {
	l := NewMemoryLimiter()
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "k", Limit{})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestMemoryLimiter_SweepsIdleBuckets(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter()
	l.now = func() time.Time { return clock }

	_, _ = l.Allow(context.Background(), "user:a", PerMinute(5))
	clock = clock.Add(idleTTL + time.Minute)
	_, _ = l.Allow(context.Background(), "user:b", PerMinute(5))

	assert.Len(t, l.buckets, 1)
}

func TestRedisLimiter(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	l, err := NewRedisLimiter(url)
	require.NoError(t, err)
	defer l.Close()

	key := "test:" + uuid.NewString()
	limit := PerMinute(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, key, limit)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, key, limit)
	require.NoError(t, err)
	assert.False(t, ok)
}
