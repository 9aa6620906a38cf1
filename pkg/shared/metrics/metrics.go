/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics collects Prometheus instrumentation for the job store,
// worker pool, provider gateway, and config plane under one "ingestpipe_"
// namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ingestpipe"

// Metrics holds every collector this module registers. Construct one with
// New (registers against the default registerer) or NewWithRegistry (a
// fresh registry per test, matching how this is exercised in tests).
type Metrics struct {
	QueueDepth          *prometheus.GaugeVec
	JobLeaseDuration    *prometheus.HistogramVec
	JobAttemptsTotal    *prometheus.CounterVec
	CandidateLatency    *prometheus.HistogramVec
	CandidateCostTotal  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	ConfigReloadTotal   *prometheus.CounterVec
}

// New registers against the default Prometheus registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers against reg, letting tests use an isolated
// *prometheus.Registry instead of the process-global default.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of jobs currently queued or delayed, by queue name and state.",
		}, []string{"queue", "state"}),

		JobLeaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_lease_duration_seconds",
			Help:      "Wall-clock time a leased job took to reach ack or fail.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "outcome"}),

		JobAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Total job attempts, by queue and outcome (ack, fail, stalled).",
		}, []string{"queue", "outcome"}),

		CandidateLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_candidate_latency_seconds",
			Help:      "Per-provider completion latency as observed by the gateway.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		CandidateCostTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_candidate_cost_total",
			Help:      "Cumulative estimated cost attributed to each provider.",
		}, []string{"provider"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_circuit_breaker_state",
			Help:      "Circuit breaker state per provider: 0=closed, 1=half-open, 2=open.",
		}, []string{"provider"}),

		ConfigReloadTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reload_total",
			Help:      "Config Plane apply outcomes, by config type and outcome (applied, noop, rejected, rolled_back).",
		}, []string{"config_type", "outcome"}),
	}
}

// BreakerStateValue maps a breaker state name to the gauge value
// CircuitBreakerState expects.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
