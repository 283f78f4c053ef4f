// Package metrics provides Prometheus-compatible counters, gauges and
// histograms for the channel store, plus text and JSON exposition.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Namespace prefixes every metric registered through NewRegistry("").
const Namespace = "chanstore"

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Name returns the fully qualified metric name.
func (c *Counter) Name() string { return c.name }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// Set sets the gauge.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Add adds v, which may be negative.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Name returns the fully qualified metric name.
func (g *Gauge) Name() string { return g.name }

// DurationBuckets are upper bounds for latency histograms, in seconds.
var DurationBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1,
}

// CountBuckets are upper bounds for batch-size histograms.
var CountBuckets = []float64{1, 2, 5, 10, 20, 50, 100, 250, 1000}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last slot is +Inf
	sum    float64
	count  uint64
}

func newHistogram(name, help string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = DurationBuckets
	}
	sorted := slices.Clone(buckets)
	sort.Float64s(sorted)
	return &Histogram{
		name:    name,
		help:    help,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	idx := sort.SearchFloat64s(h.buckets, v)

	h.mu.Lock()
	h.counts[idx]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Since records the time elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.ObserveDuration(time.Since(start))
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Mean returns the mean observation, or 0 with no observations.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// cumulative returns running bucket totals ending with the +Inf total.
func (h *Histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		out[i] = running
	}
	return out
}

// metric is implemented by Counter, Gauge and Histogram.
type metric interface {
	writeProm(b *strings.Builder, name string)
	snapshot(out map[string]any, name string)
	reset()
}

func (c *Counter) writeProm(b *strings.Builder, name string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, c.help, name, name, c.Value())
}

func (c *Counter) snapshot(out map[string]any, name string) { out[name] = c.Value() }
func (c *Counter) reset()                                   { c.value.Store(0) }

func (g *Gauge) writeProm(b *strings.Builder, name string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, g.help, name, name, g.Value())
}

func (g *Gauge) snapshot(out map[string]any, name string) { out[name] = g.Value() }
func (g *Gauge) reset()                                   { g.value.Store(0) }

func (h *Histogram) writeProm(b *strings.Builder, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", name, h.help, name)
	cum := h.cumulative()
	for i, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, bound, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, cum[len(cum)-1])
	fmt.Fprintf(b, "%s_sum %g\n%s_count %d\n", name, h.sum, name, h.count)
}

// Histograms report _count, _sum and _mean entries.
func (h *Histogram) snapshot(out map[string]any, name string) {
	out[name+"_count"] = h.Count()
	out[name+"_sum"] = h.Sum()
	out[name+"_mean"] = h.Mean()
}

func (h *Histogram) reset() {
	h.mu.Lock()
	clear(h.counts)
	h.sum, h.count = 0, 0
	h.mu.Unlock()
}

// Registry holds named metrics. Names are prefixed with the namespace and
// are unique across metric types.
type Registry struct {
	namespace string

	mu      sync.RWMutex
	metrics map[string]metric
}

// NewRegistry creates an empty registry. An empty namespace uses Namespace.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = Namespace
	}
	return &Registry{namespace: namespace, metrics: make(map[string]metric)}
}

// register returns the metric already named name, or stores the one built by
// mk. Asking for an existing name with another type panics.
func register[T metric](r *Registry, name string, mk func(full string) T) T {
	full := r.namespace + "_" + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[full]; ok {
		t, ok := m.(T)
		if !ok {
			panic(fmt.Sprintf("metrics: %s already registered as %T", full, m))
		}
		return t
	}
	t := mk(full)
	r.metrics[full] = t
	return t
}

// Counter returns the named counter, registering it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	return register(r, name, func(full string) *Counter {
		return &Counter{name: full, help: help}
	})
}

// Gauge returns the named gauge, registering it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	return register(r, name, func(full string) *Gauge {
		return &Gauge{name: full, help: help}
	})
}

// Histogram returns the named histogram, registering it on first use. The
// buckets of an existing histogram are not changed.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	return register(r, name, func(full string) *Histogram {
		return newHistogram(full, help, buckets)
	})
}

// WritePrometheus writes every metric in the Prometheus text format, sorted
// by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	var b strings.Builder
	for _, name := range slices.Sorted(maps.Keys(r.metrics)) {
		r.metrics[name].writeProm(&b, name)
	}
	r.mu.RUnlock()

	_, err := io.WriteString(w, b.String())
	return err
}

// Snapshot returns current values keyed by metric name.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.metrics))
	for name, m := range r.metrics {
		m.snapshot(out, name)
	}
	return out
}

// WriteJSON writes Snapshot as indented JSON.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Snapshot())
}

// Reset zeroes every metric.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.metrics {
		m.reset()
	}
}
