// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"github.com/LeeDigitalWorks/dirauth/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AttemptsTotal counts login attempts by path and outcome.
	AttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirauth",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Total number of login attempts",
	}, []string{"path", "outcome"}) // path: "password", "trusted"

	AttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dirauth",
		Subsystem: "auth",
		Name:      "attempt_duration_seconds",
		Help:      "Time spent on login attempts",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"path"})

	FailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirauth",
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Total number of authentication failures by reason",
	}, []string{"reason"})

	RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirauth",
		Subsystem: "auth",
		Name:      "directory_retries_total",
		Help:      "Total number of directory operations retried after a transient failure",
	}, []string{"op"})

	FallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirauth",
		Subsystem: "auth",
		Name:      "fallbacks_total",
		Help:      "Total number of local password fallbacks by result",
	}, []string{"result"}) // result: "success", "failed"
)

func init() {
	debug.Registry().MustRegister(
		AttemptsTotal,
		AttemptDuration,
		FailuresTotal,
		RetriesTotal,
		FallbacksTotal,
	)
}
