package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_queue_depth",
			Help: "Number of queued task ids by priority band",
		},
		[]string{"band"},
	)

	ScheduledTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_scheduled_total",
			Help: "Number of tasks waiting in the scheduled set",
		},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	DLQTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_dlq_total",
			Help: "Number of dead-lettered tasks",
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	WorkerLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_worker_load",
			Help: "Current load per worker",
		},
		[]string{"worker_id"},
	)

	// Dispatch metrics
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_attempts_total",
			Help: "Total number of finished attempts by outcome",
		},
		[]string{"outcome"},
	)

	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conduit_attempt_duration_seconds",
			Help:    "Attempt duration in seconds by task name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	// Retry / DLQ metrics
	RetriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_retries_scheduled_total",
			Help: "Total number of retries scheduled",
		},
	)

	DeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_dead_lettered_total",
			Help: "Total number of tasks moved to the DLQ",
		},
	)

	// Breaker metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_breaker_state",
			Help: "Breaker state per dependency (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"dependency"},
	)

	// Scheduler metrics
	SchedulerCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_scheduler_cycles_total",
			Help: "Total number of completed scheduling passes",
		},
	)

	OrphansRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_orphans_recovered_total",
			Help: "Total number of tasks recovered from expired workers",
		},
	)

	// Election metrics
	SchedulerLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_scheduler_is_leader",
			Help: "Whether this node holds scheduler leadership (1 = leader, 0 = standby)",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ScheduledTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(DLQTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerLoad)
	prometheus.MustRegister(AttemptsTotal)
	prometheus.MustRegister(AttemptDuration)
	prometheus.MustRegister(RetriesScheduled)
	prometheus.MustRegister(DeadLettered)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(SchedulerCycles)
	prometheus.MustRegister(OrphansRecovered)
	prometheus.MustRegister(SchedulerLeader)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
