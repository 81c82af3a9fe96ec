// Package metrics records service metrics. Components write through the
// Collector interface; the server exposes the Prometheus implementation at
// /metrics.
//
// Labels are passed as key/value pairs: "stage", "publish".
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Collector receives metric observations by metric name.
type Collector interface {
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	GaugeSet(name string, value float64, labels ...string)
	GaugeInc(name string, labels ...string)
	GaugeDec(name string, labels ...string)

	HistogramObserve(name string, value float64, labels ...string)

	// Handler serves the exposition format, or 404 when the backend has none.
	Handler() http.Handler

	// Reset drops every recorded series.
	Reset()
}

// MetricType is the kind of a metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition describes one metric. Labels names the keys callers pass.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"`
}

var (
	AnchorRequestsTotal = MetricDefinition{
		Name:   "anchor_requests_total",
		Type:   MetricTypeCounter,
		Help:   "Anchor operations by final status",
		Labels: []string{"status"},
	}
	AnchorInFlight = MetricDefinition{
		Name: "anchor_in_flight",
		Type: MetricTypeGauge,
		Help: "Anchor operations currently running",
	}
	AnchorStageDuration = MetricDefinition{
		Name:    "anchor_stage_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of each anchoring stage",
		Labels:  []string{"stage"},
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}
	AnchorPublishTotal = MetricDefinition{
		Name:   "anchor_publish_total",
		Type:   MetricTypeCounter,
		Help:   "Content-store publishes by outcome",
		Labels: []string{"status"},
	}
	AnchorSubmissionsTotal = MetricDefinition{
		Name:   "anchor_submissions_total",
		Type:   MetricTypeCounter,
		Help:   "Registry submissions by failure cause (none on success)",
		Labels: []string{"cause"},
	}
	AnchorConfirmationsTotal = MetricDefinition{
		Name:   "anchor_confirmations_total",
		Type:   MetricTypeCounter,
		Help:   "Confirmation waits by outcome",
		Labels: []string{"status"},
	}
	AnchorRetriesTotal = MetricDefinition{
		Name:   "anchor_retries_total",
		Type:   MetricTypeCounter,
		Help:   "Retried anchoring attempts",
		Labels: []string{"stage"},
	}

	ScanRequestsTotal = MetricDefinition{
		Name:   "scan_requests_total",
		Type:   MetricTypeCounter,
		Help:   "Scan requests by outcome",
		Labels: []string{"status"},
	}
	ScanModelDuration = MetricDefinition{
		Name:    "scan_model_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of model inference",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	}

	VerifyRecordsTotal = MetricDefinition{
		Name:   "verify_records_total",
		Type:   MetricTypeCounter,
		Help:   "Checked registrations by result",
		Labels: []string{"result"},
	}
	VerifyLastMismatched = MetricDefinition{
		Name: "verify_last_mismatched",
		Type: MetricTypeGauge,
		Help: "Registrations whose content did not match in the last verification run",
	}

	HTTPRequestsTotal = MetricDefinition{
		Name:   "http_requests_total",
		Type:   MetricTypeCounter,
		Help:   "HTTP requests served",
		Labels: []string{"method", "route", "status"},
	}
	HTTPRequestDuration = MetricDefinition{
		Name:    "http_request_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of HTTP requests",
		Labels:  []string{"method", "route"},
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
	}
)

// Definitions lists every metric the service records.
func Definitions() []MetricDefinition {
	return []MetricDefinition{
		AnchorRequestsTotal,
		AnchorInFlight,
		AnchorStageDuration,
		AnchorPublishTotal,
		AnchorSubmissionsTotal,
		AnchorConfirmationsTotal,
		AnchorRetriesTotal,
		ScanRequestsTotal,
		ScanModelDuration,
		VerifyRecordsTotal,
		VerifyLastMismatched,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	}
}

// NopCollector discards everything.
type NopCollector struct{}

func (*NopCollector) CounterInc(string, ...string)                {}
func (*NopCollector) CounterAdd(string, float64, ...string)       {}
func (*NopCollector) GaugeSet(string, float64, ...string)         {}
func (*NopCollector) GaugeInc(string, ...string)                  {}
func (*NopCollector) GaugeDec(string, ...string)                  {}
func (*NopCollector) HistogramObserve(string, float64, ...string) {}
func (*NopCollector) Handler() http.Handler                       { return http.NotFoundHandler() }
func (*NopCollector) Reset()                                      {}

// OrNop returns c, or a NopCollector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return &NopCollector{}
	}
	return c
}

// InMemoryCollector keeps every series in memory. Tests read it back with
// the Get methods.
type InMemoryCollector struct {
	mu     sync.RWMutex
	values map[string]float64   // counters and gauges
	obs    map[string][]float64 // histograms
}

// NewInMemoryCollector returns an empty collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		values: make(map[string]float64),
		obs:    make(map[string][]float64),
	}
}

// seriesKey renders name{k=v,...} with keys sorted, so label order does not
// matter to callers.
func seriesKey(name string, labels []string) string {
	if len(labels) < 2 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+"="+labels[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func (c *InMemoryCollector) add(name string, delta float64, labels []string) {
	c.mu.Lock()
	c.values[seriesKey(name, labels)] += delta
	c.mu.Unlock()
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) { c.add(name, 1, labels) }

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.add(name, value, labels)
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	c.values[seriesKey(name, labels)] = value
	c.mu.Unlock()
}

func (c *InMemoryCollector) GaugeInc(name string, labels ...string) { c.add(name, 1, labels) }
func (c *InMemoryCollector) GaugeDec(name string, labels ...string) { c.add(name, -1, labels) }

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	key := seriesKey(name, labels)
	c.mu.Lock()
	c.obs[key] = append(c.obs[key], value)
	c.mu.Unlock()
}

func (c *InMemoryCollector) Handler() http.Handler { return http.NotFoundHandler() }

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.values)
	clear(c.obs)
}

// GetCounter returns a counter's value.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	return c.value(name, labels)
}

// GetGauge returns a gauge's value.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	return c.value(name, labels)
}

func (c *InMemoryCollector) value(name string, labels []string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[seriesKey(name, labels)]
}

// GetHistogram returns a copy of a histogram's observations.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.obs[seriesKey(name, labels)]...)
}

// Timer records the time since it was created into a histogram.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer starts a timer for the named histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{start: time.Now(), collector: OrNop(collector), name: name, labels: labels}
}

// ObserveDuration records and returns the elapsed time.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
