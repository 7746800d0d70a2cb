package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

// Metrics exposes Prometheus collectors for the scheduler tasks and the
// actions they take.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	actions  *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors against registerer, or the default
// registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

type tracker struct {
	metrics *Metrics
	task    string
	start   time.Time
}

func (m *Metrics) track(task string) *tracker {
	return &tracker{metrics: m, task: task, start: time.Now()}
}

// end records the run and returns err untouched.
func (t *tracker) end(err error) error {
	if t.metrics == nil {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.task).Inc()
	}
	t.metrics.runs.WithLabelValues(t.task, status).Inc()
	t.metrics.duration.WithLabelValues(t.task).Observe(time.Since(t.start).Seconds())
	return err
}

func (m *Metrics) action(kind store.EventKind) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(string(kind)).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "familywarden_task_runs_total",
		Help: "Scheduler task ticks partitioned by task and status.",
	}, []string{"task", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "familywarden_task_failures_total",
		Help: "Failed scheduler task ticks.",
	}, []string{"task"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "familywarden_task_duration_seconds",
		Help:    "Duration in seconds of scheduler task ticks.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "familywarden_enforcement_actions_total",
		Help: "Enforcement actions taken, by kind.",
	}, []string{"kind"})
	registerer.MustRegister(runs, failures, duration, actions)
	return &Metrics{runs: runs, failures: failures, duration: duration, actions: actions}
}
