// Package metrics exposes Prometheus collectors for provider calls,
// polling and provisioning outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ec2_volume_provisioner"

var (
	apiCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "EC2 API calls by operation and result.",
	}, []string{"operation", "result"})

	pollAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_attempts_total",
		Help:      "Status polls issued while waiting for a volume transition.",
	}, []string{"target"})

	provisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provision_duration_seconds",
		Help:      "Wall time of provisioning requests by desired state and outcome.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"state", "result"})
)

// ObserveAPICall records the outcome of a single EC2 API call.
func ObserveAPICall(operation string, err error) {
	apiCalls.WithLabelValues(operation, result(err)).Inc()
}

// ObservePoll records one status poll towards target (e.g. "available").
func ObservePoll(target string) {
	pollAttempts.WithLabelValues(target).Inc()
}

// ObserveProvision records a finished provisioning request.
func ObserveProvision(state string, started time.Time, err error) {
	provisionDuration.WithLabelValues(state, result(err)).Observe(time.Since(started).Seconds())
}

// RegisterActiveJobs exposes the number of running jobs as a gauge.
func RegisterActiveJobs(fn func() int) error {
	return prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_jobs",
		Help:      "Provisioning jobs pending or running.",
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
