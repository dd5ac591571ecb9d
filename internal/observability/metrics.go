package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/planner/internal/reactive"
	"github.com/ent0n29/planner/internal/work"
)

// Metrics groups the Prometheus instruments of the planner service. It also
// implements planning.Observer.
type Metrics struct {
	LoadedAgents   prometheus.Gauge
	TasksFinished  *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	Decisions      *prometheus.CounterVec
	Fallbacks      prometheus.Counter
	StreamedEvents *prometheus.CounterVec

	window *durationWindow
}

// NewMetrics registers the instruments with reg, or with the default
// registerer when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		LoadedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_agents",
			Help:      "Number of agents with a planner in memory.",
		}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that left the queue by final status.",
		}, []string{"status"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from first start to the final status.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}, []string{"status"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switch_decisions_total",
			Help:      "Reactive switching decisions by action.",
		}, []string{"action"}),
		Fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_queued_total",
			Help:      "Fallback tasks queued after a failure.",
		}),
		StreamedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_events_total",
			Help:      "Planner events written to websocket subscribers by type.",
		}, []string{"type"}),
		window: newDurationWindow(256),
	}
}

func (m *Metrics) ObserveTaskFinished(status work.TaskStatus, elapsed time.Duration) {
	m.TasksFinished.WithLabelValues(string(status)).Inc()
	m.TaskDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	m.window.Observe(string(status), float64(elapsed.Milliseconds()))
}

func (m *Metrics) ObserveDecision(action reactive.Action) {
	m.Decisions.WithLabelValues(string(action)).Inc()
	m.window.Count("decision_" + string(action))
}

func (m *Metrics) ObserveFallback() {
	m.Fallbacks.Inc()
	m.window.Count("fallback")
}

// Durations summarizes the most recent task durations per final status.
func (m *Metrics) Durations() DurationSnapshot {
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
