// Package metrics exposes scan and kill counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portkilla"

// Kill outcomes.
const (
	KillConfirmed = "confirmed"
	KillFailed    = "failed"
	KillTimeout   = "timeout"
)

// Metrics owns a private registry. All methods accept a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	scans          *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	refreshSkipped prometheus.Counter
	listeningPorts prometheus.Gauge
	testProcesses  prometheus.Gauge
	kills          *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Port and test-process scans by result.",
		}, []string{"scanner", "result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Wall time of a full refresh.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		refreshSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_skipped_total",
			Help:      "Refresh requests dropped because one was already running.",
		}),
		listeningPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listening_ports",
			Help:      "Listening ports in the current snapshot.",
		}),
		testProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "test_processes",
			Help:      "Test-runner processes in the current snapshot.",
		}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kills_total",
			Help:      "Kill attempts by target kind and outcome.",
		}, []string{"target", "outcome"}),
	}

	m.registry.MustRegister(
		m.scans, m.scanDuration, m.refreshSkipped,
		m.listeningPorts, m.testProcesses, m.kills,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveScan counts one scanner run. scanner is "ports" or "tests".
func (m *Metrics) ObserveScan(scanner string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.scans.WithLabelValues(scanner, result).Inc()
}

func (m *Metrics) ObserveRefresh(d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
}

func (m *Metrics) RefreshSkipped() {
	if m == nil {
		return
	}
	m.refreshSkipped.Inc()
}

// SetSnapshotSize records the size of the latest snapshot.
func (m *Metrics) SetSnapshotSize(ports, tests int) {
	if m == nil {
		return
	}
	m.listeningPorts.Set(float64(ports))
	m.testProcesses.Set(float64(tests))
}

// ObserveKill counts one kill. target is "port" or "test".
func (m *Metrics) ObserveKill(target, outcome string) {
	if m == nil {
		return
	}
	m.kills.WithLabelValues(target, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
