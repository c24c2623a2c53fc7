// Package metrics registers the Prometheus collectors for retrieval, gating,
// generation and the conflict scan.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orgmemory"

var (
	retrievalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_total",
			Help:      "Total retrieval calls by outcome",
		},
		[]string{"status"},
	)

	retrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Duration of retrieval calls (embed + index query) in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	retrievalMatches = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_matches_count",
			Help:      "Matches retained per retrieval after the minScore filter",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
		},
	)

	confidenceScores = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confidence_score",
			Help:      "Distribution of computed confidence scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		},
		[]string{"kind"},
	)

	gateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Gate decisions by checkpoint and outcome",
		},
		[]string{"checkpoint", "decision"},
	)

	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Total generation model calls",
		},
		[]string{"model", "status"},
	)

	llmDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_duration_seconds",
			Help:      "Duration of generation model calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
		[]string{"model"},
	)

	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Total generation tokens consumed",
		},
		[]string{"model", "direction"},
	)

	scanTenantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_scan_tenants_total",
			Help:      "Tenants processed by the conflict scan by outcome",
		},
		[]string{"status"},
	)

	scanConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_scan_conflicts_total",
			Help:      "Conflicts detected across all scans",
		},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conflict_scan_duration_seconds",
			Help:      "Duration of full conflict scan runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per external service (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	scanLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conflict_scan_last_completed_timestamp_seconds",
			Help:      "Unix time the last conflict scan completed",
		},
	)
)

// ObserveRetrieval records one retrieval call.
func ObserveRetrieval(status string, d time.Duration, matches int) {
	retrievalTotal.WithLabelValues(status).Inc()
	retrievalDuration.Observe(d.Seconds())
	if status == "ok" {
		retrievalMatches.Observe(float64(matches))
	}
}

// ObserveScore records a computed confidence score.
func ObserveScore(kind string, score int) {
	confidenceScores.WithLabelValues(kind).Observe(float64(score))
}

// ObserveGate records a gate decision.
func ObserveGate(checkpoint string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	gateDecisionsTotal.WithLabelValues(checkpoint, decision).Inc()
}

// ObserveLLM records one generation model call.
func ObserveLLM(model, status string, d time.Duration, inputTokens, outputTokens int64) {
	llmCallsTotal.WithLabelValues(model, status).Inc()
	llmDuration.WithLabelValues(model).Observe(d.Seconds())
	if inputTokens > 0 {
		llmTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		llmTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// ObserveScan records a completed conflict scan run.
func ObserveScan(successful, failed, conflicts int, d time.Duration) {
	scanTenantsTotal.WithLabelValues("success").Add(float64(successful))
	scanTenantsTotal.WithLabelValues("failure").Add(float64(failed))
	scanConflictsTotal.Add(float64(conflicts))
	scanDuration.Observe(d.Seconds())
	scanLastSuccess.SetToCurrentTime()
}

// SetBreakerState records the current circuit state of an external service.
func SetBreakerState(service string, state int) {
	breakerState.WithLabelValues(service).Set(float64(state))
}
