package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusProvider backs Provider with github.com/prometheus/client_golang
// vector metrics registered against a caller-supplied registry.
type PrometheusProvider struct {
	reg *prometheus.Registry
}

// NewPrometheusProvider constructs a provider registered against reg. If reg
// is nil, a fresh (unexported, test-friendly) registry is created rather
// than reaching for the global default: Kiln's Core owns its own registry
// the same way it owns everything else.
func NewPrometheusProvider(reg *prometheus.Registry) *PrometheusProvider {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusProvider{reg: reg}
}

// Registry exposes the underlying registry so a caller can wire it into an
// HTTP `/metrics` handler.
func (p *PrometheusProvider) Registry() *prometheus.Registry { return p.reg }

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: opts.Help,
	}, opts.Labels)
	p.reg.MustRegister(vec)
	return promCounter{vec: vec}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: opts.Help,
	}, opts.Labels)
	p.reg.MustRegister(vec)
	return promGauge{vec: vec}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: opts.Help, Buckets: buckets,
	}, opts.Labels)
	p.reg.MustRegister(vec)
	return promHistogram{vec: vec}
}

func (p *PrometheusProvider) Health(context.Context) error {
	_, err := p.reg.Gather()
	return err
}

type promCounter struct{ vec *prometheus.CounterVec }

func (c promCounter) Inc(delta float64, labels ...string) { c.vec.WithLabelValues(labels...).Add(delta) }

type promGauge struct{ vec *prometheus.GaugeVec }

func (g promGauge) Set(v float64, labels ...string)     { g.vec.WithLabelValues(labels...).Set(v) }
func (g promGauge) Add(delta float64, labels ...string) { g.vec.WithLabelValues(labels...).Add(delta) }

type promHistogram struct{ vec *prometheus.HistogramVec }

func (h promHistogram) Observe(v float64, labels ...string) {
	h.vec.WithLabelValues(labels...).Observe(v)
}
