package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "medabe"

// PrometheusMetricsCollector maps MetricsCollector calls onto Prometheus vectors.
// A vector's label set is fixed by the first call for that name; later calls fill
// missing labels with "" and drop unknown ones.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

// NewPrometheusMetricsCollector registers on a fresh registry when reg is nil.
func NewPrometheusMetricsCollector(reg *prometheus.Registry) *PrometheusMetricsCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusMetricsCollector{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
	}
}

// Registry exposes the registry for a scrape handler or Gather.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetricsCollector) labelNames(name string, tags map[string]string) []string {
	if names, ok := p.labels[name]; ok {
		return names
	}
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	p.labels[name] = names
	return names
}

func labelValues(names []string, tags map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		out[n] = tags[n]
	}
	return out
}

func (p *PrometheusMetricsCollector) counter(name string, tags map[string]string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := p.labelNames(name, tags)
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "medabe counter " + name,
		}, names)
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	return vec.With(labelValues(names, tags))
}

func (p *PrometheusMetricsCollector) gauge(name string, tags map[string]string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := p.labelNames(name, tags)
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "medabe gauge " + name,
		}, names)
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	return vec.With(labelValues(names, tags))
}

func (p *PrometheusMetricsCollector) histogram(name string, tags map[string]string) prometheus.Observer {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := p.labelNames(name, tags)
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "medabe histogram " + name,
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		}, names)
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	return vec.With(labelValues(names, tags))
}

func (p *PrometheusMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	p.counter(name, tags).Inc()
}

func (p *PrometheusMetricsCollector) IncrementCounterBy(name string, value int64, tags map[string]string) {
	if value < 0 {
		return
	}
	p.counter(name, tags).Add(float64(value))
}

func (p *PrometheusMetricsCollector) SetGauge(name string, value float64, tags map[string]string) {
	p.gauge(name, tags).Set(value)
}

func (p *PrometheusMetricsCollector) RecordTiming(name string, duration time.Duration, tags map[string]string) {
	p.histogram(name, tags).Observe(duration.Seconds())
}

func (p *PrometheusMetricsCollector) RecordValue(name string, value float64, tags map[string]string) {
	p.histogram(name, tags).Observe(value)
}

// Flush is a no-op; Prometheus pulls.
func (p *PrometheusMetricsCollector) Flush() error {
	return nil
}
