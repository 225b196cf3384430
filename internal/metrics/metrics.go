// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learngate_logins_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learngate_token_refreshes_total",
		Help: "Refresh token rotations by outcome.",
	}, []string{"outcome"})

	TokenRevocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "learngate_token_revocations_total",
		Help: "Refresh tokens revoked via logout.",
	})

	KeyValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learngate_api_key_validations_total",
		Help: "API key validations by outcome.",
	}, []string{"outcome"})

	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learngate_rate_limit_decisions_total",
		Help: "Admission guard decisions by outcome.",
	}, []string{"outcome"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learngate_http_requests_total",
		Help: "HTTP requests by method and status code.",
	}, []string{"method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "learngate_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Outcome labels shared across the counter vectors.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeBypass  = "bypass"
	OutcomeError   = "error"
)

// ObserveRequest records one completed HTTP request.
func ObserveRequest(method string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
