// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"github.com/LeeDigitalWorks/dirauth/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

// DecisionsTotal counts limiter decisions by backend and result.
var DecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dirauth",
	Subsystem: "ratelimit",
	Name:      "decisions_total",
	Help:      "Total number of rate limit decisions",
}, []string{"backend", "result"}) // result: "allowed", "denied", "error", "fail_open"

func init() {
	debug.Registry().MustRegister(DecisionsTotal)
}

func record(backend string, res Result) {
	if res.Allowed {
		DecisionsTotal.WithLabelValues(backend, "allowed").Inc()
	} else {
		DecisionsTotal.WithLabelValues(backend, "denied").Inc()
	}
}
