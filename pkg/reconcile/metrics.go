// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"github.com/LeeDigitalWorks/dirauth/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

// IdentitiesTotal counts reconcile outcomes: created, updated, unchanged.
var IdentitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dirauth",
	Subsystem: "reconcile",
	Name:      "identities_total",
	Help:      "Total number of local identities reconciled by outcome",
}, []string{"outcome"})

func init() {
	debug.Registry().MustRegister(IdentitiesTotal)
}
