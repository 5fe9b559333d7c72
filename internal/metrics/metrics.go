// Package metrics wraps the Prometheus collectors for Strata runtime metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal  *prometheus.CounterVec
	invocationSeconds *prometheus.HistogramVec
	workersSpawned    prometheus.Counter
	workersEvicted    prometheus.Counter
	poolWorkers       *prometheus.GaugeVec
	schedulerTicks    prometheus.Counter
	schedulerFires    *prometheus.CounterVec
	tickSeconds       prometheus.Histogram
	activeRequests    prometheus.Gauge
}

var defaultBuckets = []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// New creates the metrics registry with all Strata collectors registered.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total function invocations by terminal status",
		}, []string{"function", "status", "trigger"}),
		invocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Function invocation duration",
			Buckets:   defaultBuckets,
		}, []string{"function"}),
		workersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Total worker processes spawned",
		}),
		workersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_evicted_total",
			Help:      "Total worker processes evicted",
		}),
		poolWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_workers",
			Help:      "Current pool workers by state",
		}, []string{"state"}),
		schedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Total scheduler ticks",
		}),
		schedulerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_fires_total",
			Help:      "Total schedule fire events by outcome",
		}, []string{"outcome"}),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Duration of one scheduler tick",
			Buckets:   defaultBuckets,
		}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "In-flight HTTP requests",
		}),
	}

	registry.MustRegister(
		m.invocationsTotal, m.invocationSeconds,
		m.workersSpawned, m.workersEvicted, m.poolWorkers,
		m.schedulerTicks, m.schedulerFires, m.tickSeconds,
		m.activeRequests,
	)
	return m
}

func (m *Metrics) RecordInvocation(function, status, trigger string, duration time.Duration) {
	m.invocationsTotal.WithLabelValues(function, status, trigger).Inc()
	m.invocationSeconds.WithLabelValues(function).Observe(duration.Seconds())
}

func (m *Metrics) RecordWorkerSpawn()   { m.workersSpawned.Inc() }
func (m *Metrics) RecordWorkerEvict()   { m.workersEvicted.Inc() }
func (m *Metrics) RecordSchedulerTick(d time.Duration) {
	m.schedulerTicks.Inc()
	m.tickSeconds.Observe(d.Seconds())
}
func (m *Metrics) RecordFire(outcome string) { m.schedulerFires.WithLabelValues(outcome).Inc() }

func (m *Metrics) SetPoolWorkers(state string, n int) {
	m.poolWorkers.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) IncActiveRequests() { m.activeRequests.Inc() }
func (m *Metrics) DecActiveRequests() { m.activeRequests.Dec() }

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
