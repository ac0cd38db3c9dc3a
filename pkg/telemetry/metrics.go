package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder implements the small Stats interfaces pkg/worker,
// pkg/batchworker, pkg/fetcher and pkg/scoreboard each declare
// (IncrCounter/Timing/Gauge), against the OTel meter Setup configures.
// Instruments are created lazily and cached by name on first use.
type Recorder struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewRecorder returns a Recorder backed by the named OTel meter.
// scopeName is typically the worker's service name.
func NewRecorder(scopeName string) *Recorder {
	return &Recorder{
		meter:      otel.Meter(scopeName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func toAttrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func (r *Recorder) counter(name string) metric.Int64Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c, _ = r.meter.Int64Counter(name)
		r.counters[name] = c
	}
	return c
}

func (r *Recorder) histogram(name string) metric.Float64Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h, _ = r.meter.Float64Histogram(name, metric.WithUnit("s"))
		r.histograms[name] = h
	}
	return h
}

func (r *Recorder) gauge(name string) metric.Float64Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gauges[name]
	if !ok {
		g, _ = r.meter.Float64Gauge(name)
		r.gauges[name] = g
	}
	return g
}

// IncrCounter increments a named counter (stories{status=...},
// batches{status=...}) by one, tagged with labels.
func (r *Recorder) IncrCounter(name string, labels map[string]string) {
	r.counter(name).Add(context.Background(), 1, metric.WithAttributes(toAttrs(labels)...))
}

// Timing records a duration (message/issue/fetch/queue/get/batch
// timers), tagged with labels.
func (r *Recorder) Timing(name string, d time.Duration, labels map[string]string) {
	r.histogram(name).Record(context.Background(), d.Seconds(), metric.WithAttributes(toAttrs(labels)...))
}

// Gauge sets a named point-in-time value (active.recent,
// active.fetches, active.slots).
func (r *Recorder) Gauge(name string, value float64) {
	r.gauge(name).Record(context.Background(), value)
}
