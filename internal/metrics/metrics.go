// Package metrics provides Prometheus metrics for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/desertthunder/ledgersync/internal/models"
)

const namespace = "ledgersync"

// Metrics holds all Prometheus metrics of the engine on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Run metrics
	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	LastRunTime  *prometheus.GaugeVec
	RecordsTotal *prometheus.CounterVec

	// Classification metrics
	Scanned *prometheus.GaugeVec
	Pending *prometheus.GaugeVec

	// Fetch metrics
	FetchesTotal  *prometheus.CounterVec
	FetchAttempts *prometheus.HistogramVec
}

// New creates the metrics on a fresh registry that also carries the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of sync runs by terminal status",
			},
			[]string{"entity", "scope", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a sync run",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
			[]string{"entity", "scope"},
		),
		LastRunTime: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last sync run finished",
			},
			[]string{"entity", "scope"},
		),
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Records processed by sync runs, by result",
			},
			[]string{"entity", "scope", "result"},
		),
		Scanned: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "remote_records",
				Help:      "Records in the last remote snapshot",
			},
			[]string{"entity", "scope"},
		),
		Pending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_records",
				Help:      "New and updated records found by the last classification",
			},
			[]string{"entity", "scope"},
		),
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detail_fetches_total",
				Help:      "Detail fetch outcomes by error kind",
			},
			[]string{"entity", "kind"},
		),
		FetchAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "detail_fetch_attempts",
				Help:      "Attempts spent per detail fetch",
				Buckets:   prometheus.LinearBuckets(1, 1, 6),
			},
			[]string{"entity"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFetch records one detail fetch outcome.
func (m *Metrics) ObserveFetch(entity string, o models.DetailOutcome) {
	kind := string(o.Kind)
	if o.OK() {
		kind = "ok"
	}
	m.FetchesTotal.WithLabelValues(entity, kind).Inc()
	if o.Attempts > 0 {
		m.FetchAttempts.WithLabelValues(entity).Observe(float64(o.Attempts))
	}
}

// ObserveRun records a finished sync run.
func (m *Metrics) ObserveRun(r models.SyncReport) {
	m.RunsTotal.WithLabelValues(r.Entity, r.Scope, string(r.Status)).Inc()
	m.RunDuration.WithLabelValues(r.Entity, r.Scope).Observe((time.Duration(r.DurationMs) * time.Millisecond).Seconds())
	if !r.FinishedAt.IsZero() {
		m.LastRunTime.WithLabelValues(r.Entity, r.Scope).Set(float64(r.FinishedAt.Unix()))
	}

	if r.Status == models.RunAborted {
		return
	}
	m.Scanned.WithLabelValues(r.Entity, r.Scope).Set(float64(r.Scanned))
	m.Pending.WithLabelValues(r.Entity, r.Scope).Set(float64(r.New + r.Updated))
	m.RecordsTotal.WithLabelValues(r.Entity, r.Scope, "synced").Add(float64(r.Synced))
	m.RecordsTotal.WithLabelValues(r.Entity, r.Scope, "failed").Add(float64(r.Failed))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
