// Package metrics provides Prometheus instrumentation for Sentinel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

var (
	// PredictionsTotal counts completed assessments by action and high-risk flag.
	PredictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Completed risk assessments by action and high-risk flag.",
		},
		[]string{"action", "high_risk"},
	)

	// PredictionDuration observes end-to-end scoring latency.
	PredictionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Scoring latency in seconds, from engineering to explanation.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"source"},
	)

	// PredictionErrors counts failed assessments by error kind.
	PredictionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_errors_total",
			Help:      "Failed risk assessments by error kind.",
		},
		[]string{"kind"},
	)

	// FeatureFallbacks counts assessments scored on the safe-default vector.
	FeatureFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_fallbacks_total",
			Help:      "Assessments scored on the safe-default feature vector.",
		},
	)

	// UnknownEntities counts reference lookups that fell back to defaults.
	UnknownEntities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_entities_total",
			Help:      "Reference lookups that missed and used defaults, by entity.",
		},
		[]string{"entity"},
	)

	// Explanations counts explainer outcomes: ok, failed, unavailable.
	Explanations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "explanations_total",
			Help:      "Explanation attempts for high-risk assessments by outcome.",
		},
		[]string{"outcome"},
	)

	// ArtifactState is 1 for the current artifact state and 0 for the others.
	ArtifactState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifact_state",
			Help:      "Current artifact state (1 = active).",
		},
		[]string{"state"},
	)

	// ArtifactTransitions counts artifact state transitions.
	ArtifactTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_state_transitions_total",
			Help:      "Artifact state transitions by from-state and to-state.",
		},
		[]string{"from_state", "to_state"},
	)

	// ArtifactLoads counts bundle load attempts by result.
	ArtifactLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_loads_total",
			Help:      "Bundle load attempts by result.",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		PredictionsTotal,
		PredictionDuration,
		PredictionErrors,
		FeatureFallbacks,
		UnknownEntities,
		Explanations,
		ArtifactState,
		ArtifactTransitions,
		ArtifactLoads,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePrediction records a completed assessment.
func ObservePrediction(source, action string, highRisk bool, d time.Duration) {
	PredictionsTotal.WithLabelValues(action, strconv.FormatBool(highRisk)).Inc()
	PredictionDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveHTTP records an HTTP request.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetArtifactState marks current as the active state among all.
func SetArtifactState(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		ArtifactState.WithLabelValues(s).Set(v)
	}
}
