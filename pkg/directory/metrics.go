// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"errors"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OperationsTotal counts directory operations by outcome.
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirauth",
		Subsystem: "directory",
		Name:      "operations_total",
		Help:      "Total number of directory operations",
	}, []string{"op", "result"}) // op: "search", "bind", "ping"

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dirauth",
		Subsystem: "directory",
		Name:      "operation_duration_seconds",
		Help:      "Time spent on directory operations",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})

	DialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirauth",
		Subsystem: "directory",
		Name:      "dials_total",
		Help:      "Total number of connections opened to the directory",
	}, []string{"result"})
)

func init() {
	debug.Registry().MustRegister(
		OperationsTotal,
		OperationDuration,
		DialsTotal,
	)
}

func observe(op string, err error, start time.Time) {
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	OperationsTotal.WithLabelValues(op, ResultLabel(err)).Inc()
}

// ResultLabel maps an error from this package to a low-cardinality label.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAmbiguous):
		return "ambiguous"
	case errors.Is(err, ErrNoMatch):
		return "no_match"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrBindRejected):
		return "rejected"
	default:
		return "error"
	}
}
