package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hatchery_sessions_active",
			Help: "Number of kernel sessions by state",
		},
		[]string{"state"},
	)

	KernelsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hatchery_kernels_running",
			Help: "Number of live kernel subprocesses",
		},
	)

	KernelRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hatchery_kernel_restarts_total",
			Help: "Total kernel restarts by reason",
		},
		[]string{"reason"},
	)

	ZombiesReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hatchery_zombies_reaped_total",
			Help: "Kernel processes terminated by startup reconciliation",
		},
	)

	// Execution metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hatchery_tasks_total",
			Help: "Total tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hatchery_queue_depth",
			Help: "Queued tasks per notebook",
		},
		[]string{"notebook"},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hatchery_execution_duration_seconds",
			Help:    "Cell execution duration from dequeue to terminal status",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	// Multiplexer metrics
	IOPubMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hatchery_iopub_messages_total",
			Help: "Kernel output messages consumed by type",
		},
		[]string{"type"},
	)

	OrphanedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hatchery_orphaned_messages_total",
			Help: "Output messages buffered with no matching execution",
		},
	)

	DrainFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hatchery_drain_failures_total",
			Help: "Consecutive-failure events observed by the output loop breaker",
		},
	)

	NotificationsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hatchery_notifications_dropped",
			Help: "Cumulative subscriber notifications dropped due to full buffers",
		},
	)

	// Finalizer metrics
	NotebookWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hatchery_notebook_writes_total",
			Help: "Notebook file writes by outcome",
		},
		[]string{"outcome"},
	)

	AssetBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hatchery_asset_bytes_written_total",
			Help: "Bytes extracted into asset files",
		},
	)

	AssetsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hatchery_assets_pruned_total",
			Help: "Asset files removed by quota or lease expiry",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hatchery_rpc_requests_total",
			Help: "Total RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hatchery_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(KernelsRunning)
	prometheus.MustRegister(KernelRestartsTotal)
	prometheus.MustRegister(ZombiesReapedTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(IOPubMessagesTotal)
	prometheus.MustRegister(OrphanedMessagesTotal)
	prometheus.MustRegister(DrainFailuresTotal)
	prometheus.MustRegister(NotificationsDropped)
	prometheus.MustRegister(NotebookWritesTotal)
	prometheus.MustRegister(AssetBytesWritten)
	prometheus.MustRegister(AssetsPrunedTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds on a labeled histogram.
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
