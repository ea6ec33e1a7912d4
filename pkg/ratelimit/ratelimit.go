// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles login attempts per identifier so a single
// account cannot be used to hammer the directory with binds.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter decides whether another attempt for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
	Close() error
}

// Key folds an identifier so that case variants share one budget.
func Key(identifier string) string {
	return cases.Fold().String(strings.TrimSpace(identifier))
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (Result, error) {
	return Result{Allowed: true}, nil
}

func (Unlimited) Close() error { return nil }
