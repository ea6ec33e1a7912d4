// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/utils"

	"golang.org/x/time/rate"
)

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// LocalLimiter keeps one token bucket per key in process memory. Idle
// buckets are swept periodically.
type LocalLimiter struct {
	rps   rate.Limit
	burst int
	idle  time.Duration

	entries *utils.ShardedMap[*localEntry]
	now     func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewLocalLimiter allows burst attempts at once and rps sustained per key.
// Buckets unused for idle are dropped; zero disables the sweeper.
func NewLocalLimiter(rps float64, burst int, idle time.Duration) *LocalLimiter {
	l := &LocalLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    idle,
		entries: utils.NewShardedMap[*localEntry](),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if idle > 0 {
		l.wg.Add(1)
		go l.sweepLoop()
	}
	return l
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()
	entry := l.entries.LoadOrCreate(key, func() *localEntry {
		return &localEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
	})
	entry.lastSeen.Store(now.UnixNano())

	res := l.reserve(entry.limiter, now)
	record("local", res)
	return res, nil
}

func (l *LocalLimiter) reserve(lim *rate.Limiter, now time.Time) Result {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Result{Allowed: false}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Result{Allowed: false, RetryAfter: delay}
	}
	return Result{Allowed: true, Remaining: int64(lim.TokensAt(now))}
}

// Sweep drops buckets idle for longer than the configured idle window and
// reports how many were removed.
func (l *LocalLimiter) Sweep() int {
	cutoff := l.now().Add(-l.idle).UnixNano()
	return l.entries.DeleteIf(func(_ string, e *localEntry) bool {
		return e.lastSeen.Load() < cutoff
	})
}

func (l *LocalLimiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(utils.Jitter(l.idle, 0.1))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *LocalLimiter) Len() int {
	return l.entries.Len()
}

func (l *LocalLimiter) Close() error {
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()
	})
	return nil
}
