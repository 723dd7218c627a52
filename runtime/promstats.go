package runtime

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter publishes runtime counters to its own Prometheus
// registry, so multiple host managers in one process never collide on metric
// registration.
type PrometheusExporter struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
	series   map[string]prometheus.Histogram
}

// NewPrometheusExporter returns an exporter with a fresh registry.
func NewPrometheusExporter() *PrometheusExporter {
	return &PrometheusExporter{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
		series:   make(map[string]prometheus.Histogram),
	}
}

// Gatherer exposes the backing registry for scraping.
func (p *PrometheusExporter) Gatherer() prometheus.Gatherer { return p.registry }

// sanitizeMetricName maps runtime counter names (dotted, possibly carrying a
// network-name suffix) onto the Prometheus namespace.
func sanitizeMetricName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// SetCounter implements StatsExporter.
func (p *PrometheusExporter) SetCounter(name string, value int64) {
	p.mu.Lock()
	g, found := p.gauges[name]
	if !found {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitizeMetricName(name)})
		p.registry.MustRegister(g)
		p.gauges[name] = g
	}
	p.mu.Unlock()
	g.Set(float64(value))
}

// IncrementCounter implements StatsExporter.
func (p *PrometheusExporter) IncrementCounter(name string) {
	p.mu.Lock()
	c, found := p.counters[name]
	if !found {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: sanitizeMetricName(name)})
		p.registry.MustRegister(c)
		p.counters[name] = c
	}
	p.mu.Unlock()
	c.Inc()
}

// AddTimeSeriesValue implements StatsExporter.
func (p *PrometheusExporter) AddTimeSeriesValue(name string, value float64) {
	p.mu.Lock()
	h, found := p.series[name]
	if !found {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    sanitizeMetricName(name),
			Buckets: prometheus.DefBuckets,
		})
		p.registry.MustRegister(h)
		p.series[name] = h
	}
	p.mu.Unlock()
	h.Observe(value)
}
