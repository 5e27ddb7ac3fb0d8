package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routecodex_requests_total",
		Help: "Inbound requests by endpoint and status code",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "routecodex_request_duration_seconds",
		Help:    "Inbound request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	upstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routecodex_upstream_attempts_total",
		Help: "Upstream attempts by target and outcome",
	}, []string{"target", "outcome"})

	tokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routecodex_tokens_used_total",
		Help: "Token usage reported by upstreams",
	}, []string{"target", "kind"})
)

// RecordRequest records one finished inbound request.
func RecordRequest(endpoint string, status string, elapsed time.Duration) {
	requestsTotal.WithLabelValues(endpoint, status).Inc()
	requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// RecordUpstreamAttempt records one upstream attempt.
func RecordUpstreamAttempt(target, outcome string) {
	upstreamAttempts.WithLabelValues(target, outcome).Inc()
}

// RecordTokens records token usage for a target.
func RecordTokens(target string, promptTokens, completionTokens int) {
	tokensUsed.WithLabelValues(target, "prompt").Add(float64(promptTokens))
	tokensUsed.WithLabelValues(target, "completion").Add(float64(completionTokens))
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
