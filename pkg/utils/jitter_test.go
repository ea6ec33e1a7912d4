// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, Jitter(time.Second, 0))

	for range 100 {
		d := Jitter(time.Second, 0.1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{name: "first", attempt: 1, base: 100 * time.Millisecond, max: time.Second, want: 100 * time.Millisecond},
		{name: "third doubles twice", attempt: 3, base: 100 * time.Millisecond, max: time.Second, want: 400 * time.Millisecond},
		{name: "capped", attempt: 10, base: 100 * time.Millisecond, max: time.Second, want: time.Second},
		{name: "zero attempt", attempt: 0, base: 100 * time.Millisecond, max: time.Second, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Backoff(tt.attempt, tt.base, tt.max)
			lo := time.Duration(float64(tt.want) * 0.8)
			hi := time.Duration(float64(tt.want) * 1.2)
			assert.GreaterOrEqual(t, got, lo)
			assert.LessOrEqual(t, got, hi)
		})
	}
}
