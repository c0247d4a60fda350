// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package abac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for access decision evaluation.
var (
	// evaluateDuration tracks the latency of CheckAccess calls.
	evaluateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "abac_evaluate_duration_seconds",
		Help:    "Histogram of access evaluation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// decisionsCounter counts completed evaluations by final result.
	decisionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abac_decisions_total",
		Help: "Total number of access decisions by result",
	}, []string{"result"})

	// policiesEvaluated tracks how many policies one evaluation walked.
	policiesEvaluated = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "abac_policies_evaluated",
		Help:    "Histogram of policies evaluated per decision",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	// indeterminateCounter counts per-policy indeterminate outcomes by
	// condition error kind.
	indeterminateCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abac_indeterminate_policies_total",
		Help: "Total number of indeterminate policy outcomes by error kind",
	}, []string{"kind"})

	// auditWriteFailures counts audit log write failures.
	auditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abac_audit_write_failures_total",
		Help: "Total number of failed access log writes",
	})
)

// recordDecisionMetrics records metrics for one completed evaluation.
func recordDecisionMetrics(duration time.Duration, result string, policyCount int) {
	evaluateDuration.Observe(duration.Seconds())
	decisionsCounter.WithLabelValues(result).Inc()
	policiesEvaluated.Observe(float64(policyCount))
}
