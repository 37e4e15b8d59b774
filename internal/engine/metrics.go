package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskvisor_tasks_total",
			Help: "Total number of tasks reaching a terminal status.",
		},
		[]string{"runner", "status"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskvisor_active_workers",
			Help: "Number of currently live supervised workers.",
		},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskvisor_task_duration_seconds",
			Help:    "Task execution time from running transition to terminal status, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	handshakeWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskvisor_handshake_wait_seconds",
			Help:    "Time an awaited worker spent blocked between spawn and its ownership handshake, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(handshakeWait)
}
