// Package metrics exposes the address book's Prometheus collectors.
//
// Every method is safe on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "celerix_addressbook"

// Metrics holds the collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	contacts       prometheus.Gauge
	views          prometheus.Gauge
	passDuration   *prometheus.HistogramVec
	backendBatches *prometheus.CounterVec
	commands       *prometheus.CounterVec
	listeners      *prometheus.GaugeVec
}

// New builds and registers every collector, plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		contacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contacts",
			Help:      "Contacts currently held by the index",
		}),
		views: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_views",
			Help:      "Views currently open",
		}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "view_pass_duration_seconds",
			Help:      "Duration of initial view passes by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		backendBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_changes_total",
			Help:      "Contacts received from the backend feed by kind",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands served by transport, command and status",
		}, []string{"transport", "command", "status"}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections by transport",
		}, []string{"transport"}),
	}

	m.registry.MustRegister(
		m.contacts,
		m.views,
		m.passDuration,
		m.backendBatches,
		m.commands,
		m.listeners,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetContacts(n int) {
	if m == nil {
		return
	}
	m.contacts.Set(float64(n))
}

func (m *Metrics) SetViews(n int) {
	if m == nil {
		return
	}
	m.views.Set(float64(n))
}

// ObservePass records an initial view pass. outcome is the view state
// the pass ended in.
func (m *Metrics) ObservePass(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// BackendChanges counts the contacts of one feed batch.
func (m *Metrics) BackendChanges(added, removed int) {
	if m == nil {
		return
	}
	m.backendBatches.WithLabelValues("added").Add(float64(added))
	m.backendBatches.WithLabelValues("removed").Add(float64(removed))
}

// Command counts one served command.
func (m *Metrics) Command(transport, command string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.commands.WithLabelValues(transport, command, status).Inc()
}

// ConnectionOpened and ConnectionClosed track live client connections.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.listeners.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.listeners.WithLabelValues(transport).Dec()
}
