// Package telemetry exposes lock, rowid, transaction and segment metrics. Every metric
// is a NoopStat until InitializeTelemetry enables Prometheus and InitMetrics replaces the
// package variables with registered collectors.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/maxpert/rowlock/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "rowlock"

var registry *prometheus.Registry

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
}

type Histogram interface {
	Observe(float64)
}

// CounterVec and HistogramVec resolve the child for label values given in declaration order.
type CounterVec interface {
	With(labels ...string) Counter
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// NoopStat satisfies every metric interface and records nothing.
type NoopStat struct{}

func (NoopStat) Inc()            {}
func (NoopStat) Add(float64)     {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Observe(float64) {}

type noopCounterVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }

type counterChildren func(labels ...string) Counter
type histogramChildren func(labels ...string) Histogram

func (f counterChildren) With(labels ...string) Counter     { return f(labels...) }
func (f histogramChildren) With(labels ...string) Histogram { return f(labels...) }

// opts names a metric inside the rowlock namespace, labelled with the node it runs on.
func opts(name, help string) prometheus.Opts {
	labels := prometheus.Labels{"node_id": strconv.FormatUint(cfg.Config.NodeID, 10)}
	return prometheus.Opts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}
}

func histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	o := opts(name, help)
	return prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}
}

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

// The constructors below return noop metrics while Prometheus is disabled.

func newCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts(opts(name, help))))
}

func newGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help))))
}

func newHistogram(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(histogramOpts(name, help, buckets)))
}

func newCounterVec(name, help string, labels ...string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	vec := register(prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels))
	return counterChildren(func(values ...string) Counter { return vec.WithLabelValues(values...) })
}

func newHistogramVec(name, help string, buckets []float64, labels ...string) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	vec := register(prometheus.NewHistogramVec(histogramOpts(name, help, buckets), labels))
	return histogramChildren(func(values ...string) Histogram { return vec.WithLabelValues(values...) })
}

// InitializeTelemetry creates the Prometheus registry when [prometheus] is enabled.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Str("address", cfg.Config.Prometheus.Address).Msg("Prometheus metrics enabled")
}

// Enabled reports whether metrics are being recorded.
func Enabled() bool {
	return registry != nil
}

// Reset drops the registry and returns every metric to its noop implementation.
func Reset() {
	registry = nil
	resetMetrics()
}

// GetMetricsHandler returns the HTTP handler for Prometheus metrics, nil when disabled.
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
