// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package observability

import "github.com/prometheus/client_golang/prometheus"

const namespace = "authkeep"

// Metrics holds the authkeep counters. It implements auth.Metrics and the
// purge hook of the app package.
type Metrics struct {
	signIns          *prometheus.CounterVec
	verifications    *prometheus.CounterVec
	rehashFailures   prometheus.Counter
	eventLogFailures prometheus.Counter
	purged           *prometheus.CounterVec
}

// NewMetrics creates the authkeep counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	m := &Metrics{
		signIns:          counterVec("signins_total", "Sign-in decisions by outcome.", "outcome"),
		verifications:    counterVec("verifications_total", "Verification token checks by kind and outcome.", "kind", "outcome"),
		rehashFailures:   counter("rehash_failures_total", "Background password rehashes that failed."),
		eventLogFailures: counter("event_log_failures_total", "Authentication events that could not be recorded."),
		purged:           counterVec("purged_rows_total", "Expired rows removed by the retention job, by table.", "table"),
	}
	reg.MustRegister(m.signIns, m.verifications, m.rehashFailures, m.eventLogFailures, m.purged)
	return m
}

func (m *Metrics) SignIn(outcome string) {
	m.signIns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Verification(kind, outcome string) {
	m.verifications.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RehashFailed() {
	m.rehashFailures.Inc()
}

func (m *Metrics) EventLogFailed() {
	m.eventLogFailures.Inc()
}

// Purged adds n removed rows for table. Non-positive n is ignored.
func (m *Metrics) Purged(table string, n int64) {
	if n > 0 {
		m.purged.WithLabelValues(table).Add(float64(n))
	}
}
