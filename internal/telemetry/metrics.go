package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bid_tasks_enqueued_total", Help: "Execution tasks planned by the scheduler"})
	TasksRetried    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bid_tasks_retried_total", Help: "Fresh tasks created to retry a failed attempt"})
	TasksCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bid_tasks_completed_total", Help: "Execution tasks that finished successfully"})
	TasksFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bid_tasks_failed_total", Help: "Execution tasks that failed"})
	TasksDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "bid_tasks_dead_letter_total", Help: "Tasks pushed to the dead-letter list"})
	BidsPlaced      = prometheus.NewCounter(prometheus.CounterOpts{Name: "bids_placed_total", Help: "Bids accepted by external platforms"})
	TwoFactorWaits  = prometheus.NewCounter(prometheus.CounterOpts{Name: "two_factor_waits_total", Help: "Times a worker blocked waiting for a verification code"})
	QueueDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bid_queue_depth", Help: "Ready queue depth"})
	TasksInFlight   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bid_tasks_inflight", Help: "Tasks currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksEnqueued,
			TasksRetried,
			TasksCompleted,
			TasksFailed,
			TasksDeadLetter,
			BidsPlaced,
			TwoFactorWaits,
			QueueDepth,
			TasksInFlight,
		)
	})
	return promhttp.Handler()
}
