// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package debug serves the operator endpoints: Prometheus metrics, pprof,
// liveness and readiness.
package debug

import (
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ready atomic.Bool

	// Readiness checks keyed by name; all must pass for /ready to succeed.
	checksMu sync.RWMutex
	checks   = make(map[string]func() error)

	globalRegistry = newRegistry()
)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func SetReady() {
	ready.Store(true)
}

func SetNotReady() {
	ready.Store(false)
}

// AddReadyCheck registers a named readiness check. A later registration
// under the same name replaces the earlier one.
func AddReadyCheck(name string, check func() error) {
	checksMu.Lock()
	defer checksMu.Unlock()
	checks[name] = check
}

// CheckReady returns the failing checks by name. The process is ready when
// SetReady has been called and the map is empty.
func CheckReady() (bool, map[string]string) {
	failed := make(map[string]string)
	if !ready.Load() {
		failed["startup"] = "not ready"
	}

	checksMu.RLock()
	defer checksMu.RUnlock()
	for name, check := range checks {
		if err := check(); err != nil {
			failed[name] = err.Error()
		}
	}
	return len(failed) == 0, failed
}

// Registry returns the Prometheus registry exported on /metrics.
func Registry() prometheus.Registerer {
	return globalRegistry
}

// Gatherer exposes the registry for tests and alternate exporters.
func Gatherer() prometheus.Gatherer {
	return globalRegistry
}

func GetMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(globalRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/cmdline", http.HandlerFunc(pprof.Cmdline))
	mux.Handle("/debug/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/trace", http.HandlerFunc(pprof.Trace))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ok, failed := CheckReady()
		if ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		for name, reason := range failed {
			_, _ = w.Write([]byte(name + ": " + reason + "\n"))
		}
	})

	return mux
}
