// Package metrics exposes Prometheus collectors for the ingestion pipeline.
// Every method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketcore"

// Metrics holds the collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	providerTime  *prometheus.HistogramVec
	etlRows       *prometheus.CounterVec
	warnings      *prometheus.CounterVec
	rawBacklog    prometheus.Gauge
	schedulerRuns *prometheus.CounterVec
}

// New creates collectors on a fresh registry with the Go and process
// collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetch_decisions_total",
			Help: "Orchestrator decisions by market and outcome.",
		}, []string{"market", "decision"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_calls_total",
			Help: "Provider adapter calls by provider, data kind and result.",
		}, []string{"provider", "kind", "result"}),
		providerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "provider_call_seconds",
			Help:    "Provider adapter call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		etlRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "etl_bars_upserted_total",
			Help: "Daily bars written by the ETL by payload period.",
		}, []string{"period"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "data_quality_warnings_total",
			Help: "Data quality warnings by kind.",
		}, []string{"kind"}),
		rawBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "raw_unprocessed",
			Help: "Raw payloads awaiting ETL at the last recovery pass.",
		}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_passes_total",
			Help: "Scheduled refresh passes by market and result.",
		}, []string{"market", "result"}),
	}
	reg.MustRegister(m.decisions, m.providerCalls, m.providerTime, m.etlRows, m.warnings, m.rawBacklog, m.schedulerRuns)
	return m
}

// Registry returns the registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Decision(market, decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(market, decision).Inc()
}

// ProviderCall records one adapter call. result is "ok", "error" or "empty".
func (m *Metrics) ProviderCall(provider, kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, kind, result).Inc()
	m.providerTime.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) BarsUpserted(period string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.etlRows.WithLabelValues(period).Add(float64(n))
}

func (m *Metrics) Warning(kind string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(kind).Inc()
}

func (m *Metrics) RawBacklog(n int) {
	if m == nil {
		return
	}
	m.rawBacklog.Set(float64(n))
}

func (m *Metrics) SchedulerPass(market, result string) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(market, result).Inc()
}
