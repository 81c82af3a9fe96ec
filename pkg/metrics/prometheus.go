package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusConfig configures the Prometheus collector.
type PrometheusConfig struct {
	// Namespace prefixes all metric names (e.g., "audit")
	Namespace string

	// Registry to register into. nil creates one with the Go and process
	// collectors already registered.
	Registry *prometheus.Registry

	// RegisterDefaultMetrics registers every metric in Definitions.
	RegisterDefaultMetrics bool
}

// PrometheusCollector implements Collector on a Prometheus registry.
// Observations for names that were never registered, or with the wrong
// number of labels, are dropped.
type PrometheusCollector struct {
	registry  *prometheus.Registry
	namespace string

	mu     sync.RWMutex
	series map[string]*series
}

// series is one registered vector; exactly one field is set.
type series struct {
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(cfg *PrometheusConfig) *PrometheusCollector {
	if cfg == nil {
		cfg = &PrometheusConfig{}
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c := &PrometheusCollector{
		registry:  registry,
		namespace: cfg.Namespace,
		series:    make(map[string]*series),
	}
	if cfg.RegisterDefaultMetrics {
		for _, def := range Definitions() {
			_ = c.Register(def)
		}
	}
	return c
}

// Register adds def to the registry. Registering a name twice is a no-op.
func (c *PrometheusCollector) Register(def MetricDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.series[def.Name]; ok {
		return nil
	}

	var (
		s   = &series{}
		col prometheus.Collector
	)
	switch def.Type {
	case MetricTypeCounter:
		s.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace, Name: def.Name, Help: def.Help,
		}, def.Labels)
		col = s.counter
	case MetricTypeGauge:
		s.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace, Name: def.Name, Help: def.Help,
		}, def.Labels)
		col = s.gauge
	case MetricTypeHistogram:
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		s.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace, Name: def.Name, Help: def.Help, Buckets: buckets,
		}, def.Labels)
		col = s.histogram
	default:
		return fmt.Errorf("metric %s: unknown type %q", def.Name, def.Type)
	}

	if err := c.registry.Register(col); err != nil {
		return fmt.Errorf("metric %s: %w", def.Name, err)
	}
	c.series[def.Name] = s
	return nil
}

func (c *PrometheusCollector) lookup(name string) *series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.series[name]
}

func (c *PrometheusCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *PrometheusCollector) CounterAdd(name string, value float64, labels ...string) {
	if s := c.lookup(name); s != nil && s.counter != nil {
		if m, err := s.counter.GetMetricWithLabelValues(labelsToValues(labels)...); err == nil {
			m.Add(value)
		}
	}
}

func (c *PrometheusCollector) gauge(name string, labels []string) prometheus.Gauge {
	if s := c.lookup(name); s != nil && s.gauge != nil {
		if m, err := s.gauge.GetMetricWithLabelValues(labelsToValues(labels)...); err == nil {
			return m
		}
	}
	return nil
}

func (c *PrometheusCollector) GaugeSet(name string, value float64, labels ...string) {
	if g := c.gauge(name, labels); g != nil {
		g.Set(value)
	}
}

func (c *PrometheusCollector) GaugeInc(name string, labels ...string) {
	if g := c.gauge(name, labels); g != nil {
		g.Inc()
	}
}

func (c *PrometheusCollector) GaugeDec(name string, labels ...string) {
	if g := c.gauge(name, labels); g != nil {
		g.Dec()
	}
}

func (c *PrometheusCollector) HistogramObserve(name string, value float64, labels ...string) {
	if s := c.lookup(name); s != nil && s.histogram != nil {
		if m, err := s.histogram.GetMetricWithLabelValues(labelsToValues(labels)...); err == nil {
			m.Observe(value)
		}
	}
}

func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Reset drops every recorded series. Registrations are kept.
func (c *PrometheusCollector) Reset() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.series {
		switch {
		case s.counter != nil:
			s.counter.Reset()
		case s.gauge != nil:
			s.gauge.Reset()
		case s.histogram != nil:
			s.histogram.Reset()
		}
	}
}

// Registry returns the underlying Prometheus registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// labelsToValues keeps the values of key/value label pairs; a trailing key
// without a value is dropped.
func labelsToValues(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	values := make([]string, 0, len(labels)/2)
	for i := 1; i < len(labels); i += 2 {
		values = append(values, labels[i])
	}
	return values
}

var _ Collector = (*PrometheusCollector)(nil)
