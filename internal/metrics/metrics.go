// Package metrics holds the Prometheus collectors exported by crucible.
//
// Every method is safe to call on a nil *Metrics, so components can be
// constructed without metrics in tests and tools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crucible"

// Metrics collects Prometheus counters, gauges and histograms for crucible.
type Metrics struct {
	registry              *prometheus.Registry
	vmTransitionsTotal    *prometheus.CounterVec
	admissionsTotal       *prometheus.CounterVec
	admissionWaitSeconds  *prometheus.HistogramVec
	eventsTotal           *prometheus.CounterVec
	machines              *prometheus.GaugeVec
	taskDurationSeconds   *prometheus.HistogramVec
	unregisterMismatchTot prometheus.Counter
}

// New constructs a metrics registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	vmTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vm",
			Name:      "transitions_total",
			Help:      "Total number of VM lifecycle state transitions.",
		},
		[]string{"from", "to"},
	)
	admissionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exclusive",
			Name:      "admissions_total",
			Help:      "Exclusive operation admission results by operation kind.",
		},
		[]string{"kind", "result"},
	)
	admissionWaitSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exclusive",
			Name:      "admission_wait_seconds",
			Help:      "Time spent waiting for a blocking operation before admission was decided.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)
	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "total",
			Help:      "Agent events seen by the translator, by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	machines := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "machines",
			Help:      "Number of VM identities in each registry set.",
		},
		[]string{"set"},
	)
	taskDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Task runtime from admission to completion.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"task", "result"},
	)
	unregisterMismatchTot := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exclusive",
			Name:      "unregister_mismatch_total",
			Help:      "Unregister calls that found no matching admitted operation.",
		},
	)

	registry.MustRegister(
		vmTransitionsTotal,
		admissionsTotal,
		admissionWaitSeconds,
		eventsTotal,
		machines,
		taskDurationSeconds,
		unregisterMismatchTot,
	)

	return &Metrics{
		registry:              registry,
		vmTransitionsTotal:    vmTransitionsTotal,
		admissionsTotal:       admissionsTotal,
		admissionWaitSeconds:  admissionWaitSeconds,
		eventsTotal:           eventsTotal,
		machines:              machines,
		taskDurationSeconds:   taskDurationSeconds,
		unregisterMismatchTot: unregisterMismatchTot,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncVMTransition(from, to string) {
	if m == nil {
		return
	}
	m.vmTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncAdmission(kind, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.admissionsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveAdmissionWait(kind string, d time.Duration) {
	if m == nil {
		return
	}
	seconds := d.Seconds()
	if seconds < 0 {
		return
	}
	m.admissionWaitSeconds.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) IncEvent(source, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) SetMachines(set string, n int) {
	if m == nil {
		return
	}
	m.machines.WithLabelValues(set).Set(float64(n))
}

func (m *Metrics) ObserveTask(task, result string, d time.Duration) {
	if m == nil {
		return
	}
	seconds := d.Seconds()
	if seconds < 0 {
		return
	}
	m.taskDurationSeconds.WithLabelValues(task, result).Observe(seconds)
}

func (m *Metrics) IncUnregisterMismatch() {
	if m == nil {
		return
	}
	m.unregisterMismatchTot.Inc()
}
