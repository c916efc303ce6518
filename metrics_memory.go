package mqttasync

import (
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics keeps every series in process memory. Clients accept it
// through WithMetrics, and tests read the recorded values back with
// CounterTotal and the Get methods.
type MemoryMetrics struct {
	mu     sync.Mutex
	series map[seriesID]any
}

// seriesID identifies one series: a metric of one type with one label set.
type seriesID struct {
	kind MetricType
	key  string
}

// NewMemoryMetrics returns an empty MemoryMetrics.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{series: make(map[seriesID]any)}
}

// seriesKey renders name and labels the way the Prometheus text format
// prints a sample, e.g. requests{qos="1",request="publish"}. Labels are
// sorted so equal label sets give equal keys.
func seriesKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range slices.Sorted(maps.Keys(labels)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(labels[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// seriesName strips the label set from a series key.
func seriesName(key string) string {
	name, _, _ := strings.Cut(key, "{")
	return name
}

func obtain[T any](m *MemoryMetrics, kind MetricType, name string, labels MetricLabels, create func() T) T {
	id := seriesID{kind: kind, key: seriesKey(name, labels)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.series[id]; ok {
		return s.(T)
	}
	s := create()
	m.series[id] = s
	return s
}

func find[T any](m *MemoryMetrics, kind MetricType, name string, labels MetricLabels) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[seriesID{kind: kind, key: seriesKey(name, labels)}]
	if !ok {
		var zero T
		return zero, false
	}
	return s.(T), true
}

// Counter implements Metrics.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return obtain(m, MetricTypeCounter, name, labels, func() *memoryCounter { return new(memoryCounter) })
}

// Gauge implements Metrics.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return obtain(m, MetricTypeGauge, name, labels, func() *memoryGauge { return new(memoryGauge) })
}

// Histogram implements Metrics.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return obtain(m, MetricTypeHistogram, name, labels, func() *memoryHistogram { return new(memoryHistogram) })
}

// CounterTotal sums the counter called name over all of its label sets.
func (m *MemoryMetrics) CounterTotal(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for id, s := range m.series {
		if id.kind == MetricTypeCounter && seriesName(id.key) == name {
			total += s.(*memoryCounter).Value()
		}
	}
	return total
}

// GetCounter returns the counter for name and labels, or nil if nothing
// created it yet.
func (m *MemoryMetrics) GetCounter(name string, labels MetricLabels) Counter {
	if c, ok := find[*memoryCounter](m, MetricTypeCounter, name, labels); ok {
		return c
	}
	return nil
}

// GetGauge returns the gauge for name and labels, or nil.
func (m *MemoryMetrics) GetGauge(name string, labels MetricLabels) Gauge {
	if g, ok := find[*memoryGauge](m, MetricTypeGauge, name, labels); ok {
		return g
	}
	return nil
}

// GetHistogram returns the histogram for name and labels, or nil.
func (m *MemoryMetrics) GetHistogram(name string, labels MetricLabels) Histogram {
	if h, ok := find[*memoryHistogram](m, MetricTypeHistogram, name, labels); ok {
		return h
	}
	return nil
}

// atomicFloat is a float64 updated without locks.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) load() float64 { return math.Float64frombits(f.bits.Load()) }

func (f *atomicFloat) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

type memoryCounter struct{ v atomicFloat }

func (c *memoryCounter) Inc()              { c.v.add(1) }
func (c *memoryCounter) Add(delta float64) { c.v.add(delta) }
func (c *memoryCounter) Value() float64    { return c.v.load() }

type memoryGauge struct{ v atomicFloat }

func (g *memoryGauge) Set(value float64) { g.v.store(value) }
func (g *memoryGauge) Inc()              { g.v.add(1) }
func (g *memoryGauge) Dec()              { g.v.add(-1) }
func (g *memoryGauge) Add(delta float64) { g.v.add(delta) }
func (g *memoryGauge) Sub(delta float64) { g.v.add(-delta) }
func (g *memoryGauge) Value() float64    { return g.v.load() }

// memoryHistogram records only the observation count and sum.
type memoryHistogram struct {
	n   atomic.Uint64
	sum atomicFloat
}

func (h *memoryHistogram) Observe(value float64) {
	h.sum.add(value)
	h.n.Add(1)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }
func (h *memoryHistogram) Count() uint64                   { return h.n.Load() }
func (h *memoryHistogram) Sum() float64                    { return h.sum.load() }
