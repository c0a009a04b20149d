// Package metrics exposes Prometheus instrumentation for the slot matrix.
// Counters are driven off the lifecycle bus so the core packages stay free
// of instrumentation calls; gauges read registry state at scrape time.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotgrid/internal/lifecycle"
	"slotgrid/internal/registry"
)

// Metrics owns a dedicated Prometheus registry.
type Metrics struct {
	reg *prometheus.Registry

	Events        *prometheus.CounterVec
	ExecDuration  *prometheus.HistogramVec
	RunAllSweeps  prometheus.Counter
	DroppedEvents prometheus.CounterFunc
}

// New builds the metric set. bus may be nil in tests.
func New(slots *registry.Registry, bus *lifecycle.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slotgrid_lifecycle_events_total",
			Help: "Lifecycle events published, by type.",
		}, []string{"type"}),
		ExecDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slotgrid_execution_duration_seconds",
			Help:    "Per-slot execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"language", "status"}),
		RunAllSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "slotgrid_run_all_sweeps_total",
			Help: "Completed run-all sweeps.",
		}),
	}

	if slots != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "slotgrid_slots_occupied",
			Help: "Committed slots across all engines.",
		}, func() float64 { return float64(slots.Snapshot().TotalOccupied) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "slotgrid_reservations_active",
			Help: "Live reservation tokens.",
		}, func() float64 { return float64(slots.Tracker().ActiveCount()) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "slotgrid_slots_pending_swap",
			Help: "Slots hot-swapped but not yet validated by a run.",
		}, func() float64 { return float64(slots.Snapshot().PendingSwaps) })
	}
	if bus != nil {
		m.DroppedEvents = factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "slotgrid_bus_dropped_events_total",
			Help: "Events dropped on slow subscriber channels.",
		}, func() float64 { return float64(bus.StatsSnapshot().Dropped) })
	}
	return m
}

// ObserveBus consumes lifecycle events into counters until the bus
// subscription is cancelled via the returned stop func.
func (m *Metrics) ObserveBus(bus *lifecycle.Bus) func() {
	ch, cancel := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			m.Events.WithLabelValues(ev.Type).Inc()
			if ev.Type == lifecycle.EventRunAllCompleted {
				m.RunAllSweeps.Inc()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ObserveExecution records one run's duration.
func (m *Metrics) ObserveExecution(language, status string, d time.Duration) {
	m.ExecDuration.WithLabelValues(language, status).Observe(d.Seconds())
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
