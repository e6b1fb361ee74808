package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_submitted_total", Help: "Tasks accepted by the gateway"}, []string{"kind"})
	ValidationReject = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_validation_rejects_total", Help: "Submissions rejected before enqueue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	StartCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_started_total", Help: "Execution attempts started"}, []string{"kind"})
	SuccessCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_succeeded_total", Help: "Tasks finished successfully"}, []string{"kind"})
	RetryCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_retried_total", Help: "Failed attempts scheduled for retry"}, []string{"kind"})
	FailureCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks that exhausted retries"}, []string{"kind"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Envelopes ready for delivery"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Envelopes currently leased"})
	ExecDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "task_execution_duration_seconds", Help: "Wall-clock duration of execution attempts"}, []string{"kind"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			ValidationReject,
			RateLimitRejects,
			StartCounter,
			SuccessCounter,
			RetryCounter,
			FailureCounter,
			QueueDepthGauge,
			InFlightGauge,
			ExecDuration,
		)
	})
	return promhttp.Handler()
}
