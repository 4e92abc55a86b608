package metrics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// OTelProvider backs Provider with the OpenTelemetry metrics API
// (go.opentelemetry.io/otel/metric), selected instead of PrometheusProvider
// by Config.MetricsBackend at construction time.
type OTelProvider struct {
	meter otelmetric.Meter
}

// NewOTelProvider wraps an existing meter, normally obtained from an
// *sdkmetric.MeterProvider the caller constructed and owns.
func NewOTelProvider(meter otelmetric.Meter) *OTelProvider {
	return &OTelProvider{meter: meter}
}

func instrumentName(o CommonOpts) string {
	switch {
	case o.Namespace != "" && o.Subsystem != "":
		return fmt.Sprintf("%s.%s.%s", o.Namespace, o.Subsystem, o.Name)
	case o.Namespace != "":
		return fmt.Sprintf("%s.%s", o.Namespace, o.Name)
	default:
		return o.Name
	}
}

func (p *OTelProvider) NewCounter(opts CounterOpts) Counter {
	c, err := p.meter.Float64Counter(instrumentName(opts.CommonOpts), otelmetric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return otelCounter{c: c, labelKeys: opts.Labels}
}

func (p *OTelProvider) NewGauge(opts GaugeOpts) Gauge {
	g, err := p.meter.Float64Gauge(instrumentName(opts.CommonOpts), otelmetric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: g, labelKeys: opts.Labels}
}

func (p *OTelProvider) NewHistogram(opts HistogramOpts) Histogram {
	h, err := p.meter.Float64Histogram(instrumentName(opts.CommonOpts),
		otelmetric.WithDescription(opts.Help), otelmetric.WithExplicitBucketBoundaries(opts.Buckets...))
	if err != nil {
		return noopHistogram{}
	}
	return otelHistogram{h: h, labelKeys: opts.Labels}
}

func (p *OTelProvider) Health(ctx context.Context) error { return nil }

// otelAttrs zips labelKeys with the positional values a Counter/Gauge/
// Histogram call received, the same positional-label convention the
// Prometheus backend uses via WithLabelValues.
func otelAttrs(labelKeys, values []string) []attribute.KeyValue {
	n := len(labelKeys)
	if len(values) < n {
		n = len(values)
	}
	if n == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, n)
	for i := 0; i < n; i++ {
		kvs[i] = attribute.String(labelKeys[i], values[i])
	}
	return kvs
}

type otelCounter struct {
	c         otelmetric.Float64Counter
	labelKeys []string
}

func (c otelCounter) Inc(delta float64, labels ...string) {
	c.c.Add(context.Background(), delta, otelmetric.WithAttributes(otelAttrs(c.labelKeys, labels)...))
}

type otelGauge struct {
	g         otelmetric.Float64Gauge
	labelKeys []string
	bits      atomic.Uint64
	mu        sync.Mutex
}

func (g *otelGauge) Set(v float64, labels ...string) {
	g.bits.Store(math.Float64bits(v))
	g.g.Record(context.Background(), v, otelmetric.WithAttributes(otelAttrs(g.labelKeys, labels)...))
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := math.Float64frombits(g.bits.Load())
	next := cur + delta
	g.bits.Store(math.Float64bits(next))
	g.g.Record(context.Background(), next, otelmetric.WithAttributes(otelAttrs(g.labelKeys, labels)...))
}

type otelHistogram struct {
	h         otelmetric.Float64Histogram
	labelKeys []string
}

func (h otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, otelmetric.WithAttributes(otelAttrs(h.labelKeys, labels)...))
}
