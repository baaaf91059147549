package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the task core.
type Metrics struct {
	TaskEvents         *prometheus.CounterVec
	ConfirmationEvents *prometheus.CounterVec
	RunningTasks       prometheus.Gauge
	QueueDepth         prometheus.Gauge
	MonitorPollErrors  prometheus.Counter
	TaskDuration       prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		ConfirmationEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_events_total",
			Help:      "Confirmation handshake events by type.",
		}, []string{"event"}),
		RunningTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Number of tasks currently occupying a capacity slot.",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_tasks",
			Help:      "Number of tasks waiting for a capacity slot.",
		}),
		MonitorPollErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_poll_errors_total",
			Help:      "Log read failures observed by process monitors.",
		}),
		TaskDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time from task start to terminal state in seconds.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveConfirmationEvent(event string) {
	if m == nil {
		return
	}
	m.ConfirmationEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetRunningTasks(n int) {
	if m == nil {
		return
	}
	m.RunningTasks.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) ObserveMonitorPollError() {
	if m == nil {
		return
	}
	m.MonitorPollErrors.Inc()
}

func (m *Metrics) ObserveTaskDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
