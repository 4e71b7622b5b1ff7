// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metrics exposes the daemon's own operational health: registered
// client counts, escalations, collection-tick timing and sampler errors.
// This is observability of carwatchdogd itself, not a domain feature.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the daemon registers. One instance is
// created at startup and threaded through the collection controller and
// the supervisor.
type Metrics struct {
	registry *prometheus.Registry

	RegisteredClients     *prometheus.GaugeVec
	EscalationsTotal      *prometheus.CounterVec
	CollectionTickSeconds *prometheus.HistogramVec
	SamplerErrorsTotal    *prometheus.CounterVec
	CollectionMode        prometheus.Gauge
}

// New builds a Metrics bundle registered against a fresh registry, along
// with the Go/process default collectors promhttp usually ships with an
// app's default registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		RegisteredClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "carwatchdog",
			Subsystem: "supervisor",
			Name:      "registered_clients",
			Help:      "Number of clients currently registered, by tier.",
		}, []string{"tier"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carwatchdog",
			Subsystem: "supervisor",
			Name:      "escalations_total",
			Help:      "Number of clients escalated to the monitor for not responding, by tier.",
		}, []string{"tier"}),
		CollectionTickSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carwatchdog",
			Subsystem: "collection",
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent sampling, computing deltas and ranking for one tick, by mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		SamplerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carwatchdog",
			Subsystem: "collection",
			Name:      "sampler_errors_total",
			Help:      "Number of hard-parse sampler failures, by sampler name.",
		}, []string{"sampler"}),
		CollectionMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carwatchdog",
			Subsystem: "collection",
			Name:      "mode",
			Help:      "Current collection controller mode, as watchdog.CollectionMode's integer value.",
		}),
	}

	reg.MustRegister(
		m.RegisteredClients,
		m.EscalationsTotal,
		m.CollectionTickSeconds,
		m.SamplerErrorsTotal,
		m.CollectionMode,
	)
	return m
}

// Handler returns the /metrics HTTP handler serving this bundle's
// registry, ready to be mounted on the daemon's own health/admin mux.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
