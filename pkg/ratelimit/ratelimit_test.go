// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Key("jdoe@example.com"), Key("  JDoe@Example.COM "))
	assert.Equal(t, Key("straße"), Key("STRASSE"))
	assert.NotEqual(t, Key("alice"), Key("bob"))
}

// =============================================================================
// Local limiter
// =============================================================================

func TestLocalLimiter_Burst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := NewLocalLimiter(1, 3, 0)
	defer l.Close()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := range 3 {
		res, err := l.Allow(ctx, "jdoe")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "attempt %d", i)
	}

	res, err := l.Allow(ctx, "jdoe")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// Other keys have their own budget.
	res, err = l.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// A denied attempt does not consume a token.
	now = now.Add(time.Second)
	res, err = l.Allow(ctx, "jdoe")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLocalLimiter_Sweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := NewLocalLimiter(1, 1, time.Hour)
	defer l.Close()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	_, _ = l.Allow(ctx, "a")
	_, _ = l.Allow(ctx, "b")
	assert.Equal(t, 2, l.Len())

	now = now.Add(30 * time.Minute)
	_, _ = l.Allow(ctx, "b")
	now = now.Add(45 * time.Minute)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestLocalLimiter_CloseIdempotent(t *testing.T) {
	t.Parallel()

	l := NewLocalLimiter(1, 1, time.Millisecond)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

// =============================================================================
// Redis limiter
// =============================================================================

func newTestRedisLimiter(t *testing.T, cfg RedisConfig) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiterWithClient(client, cfg), mr
}

func TestRedisLimiter_Burst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, mr := newTestRedisLimiter(t, RedisConfig{KeyPrefix: "test:", RPS: 1, Burst: 2})

	res, err := l.Allow(ctx, "jdoe")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "jdoe")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "jdoe")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	assert.True(t, mr.Exists("test:jdoe"))

	// Dropping the key starts a fresh bucket.
	require.True(t, mr.Del("test:jdoe"))
	res, err = l.Allow(ctx, "jdoe")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fail open", func(t *testing.T) {
		t.Parallel()
		l, mr := newTestRedisLimiter(t, RedisConfig{RPS: 1, Burst: 1, FailOpen: true})
		mr.Close()

		res, err := l.Allow(ctx, "jdoe")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("fail closed", func(t *testing.T) {
		t.Parallel()
		l, mr := newTestRedisLimiter(t, RedisConfig{RPS: 1, Burst: 1})
		mr.Close()

		_, err := l.Allow(ctx, "jdoe")
		assert.Error(t, err)
	})
}

func TestNewRedisLimiter_ConnectFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisLimiter(context.Background(), RedisConfig{Addr: addr, RPS: 1, Burst: 1})
	assert.Error(t, err)
}

func TestUnlimited(t *testing.T) {
	t.Parallel()

	res, err := Unlimited{}.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
