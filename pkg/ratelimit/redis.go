// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared limiter.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	RPS       float64
	Burst     int64
	KeyTTL    time.Duration

	// FailOpen allows attempts when Redis cannot be reached.
	FailOpen bool
}

// RedisLimiter shares per-key budgets across replicas using GCRA in a Lua
// script, so every check-and-update is atomic on the server.
type RedisLimiter struct {
	client *redis.Client
	cfg    RedisConfig
	owned  bool
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(ctx context.Context, cfg RedisConfig) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	l := NewRedisLimiterWithClient(client, cfg)
	l.owned = true
	return l, nil
}

// NewRedisLimiterWithClient uses an existing client, which the caller keeps
// ownership of.
func NewRedisLimiterWithClient(client *redis.Client, cfg RedisConfig) *RedisLimiter {
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = time.Hour
	}
	return &RedisLimiter{client: client, cfg: cfg}
}

// gcraScript tracks a theoretical arrival time (TAT) per key. Each attempt
// moves the TAT forward by one emission interval; attempts are allowed
// while the TAT stays within burst intervals of now.
// Returns {allowed, remaining, retry_after_ms}.
var gcraScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local emission_interval = 1000000 / rate
local burst_offset = burst * emission_interval

local tat = tonumber(redis.call("GET", key) or now)
if tat < now then
    tat = now
end

local new_tat = tat + emission_interval
local allow_at = now + burst_offset
if new_tat > allow_at then
    local retry_after = math.ceil((new_tat - allow_at) / 1000)
    return {0, 0, retry_after}
end

redis.call("SET", key, string.format("%.0f", new_tat), "EX", ttl)
local remaining = math.max(0, math.floor((allow_at - new_tat) / emission_interval))
return {1, remaining, 0}
`)

func (r *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := time.Now().UnixMicro()
	ttl := int64(r.cfg.KeyTTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}

	vals, err := gcraScript.Run(ctx, r.client, []string{r.cfg.KeyPrefix + key},
		now, r.cfg.Burst, r.cfg.RPS, ttl,
	).Int64Slice()
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("redis rate limit check failed")
		if r.cfg.FailOpen {
			DecisionsTotal.WithLabelValues("redis", "fail_open").Inc()
			return Result{Allowed: true}, nil
		}
		DecisionsTotal.WithLabelValues("redis", "error").Inc()
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	res := Result{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}
	record("redis", res)
	return res, nil
}

func (r *RedisLimiter) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
