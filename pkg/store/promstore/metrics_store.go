// Package promstore provides the optional store.MetricsStore implementation
// backed by github.com/prometheus/client_golang, per SPEC_FULL.md §4.7:
// each (kind, name) series is a plain prometheus.Gauge registered in a
// private prometheus.Registry, with Latest/History served from an
// in-process ring buffer fed on each Record call (no external time-series
// engine assumed, consistent with spec.md §4.7 "thin, optional").
package promstore

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/store"
)

const ringSize = 256

type ring struct {
	samples [ringSize]store.MetricSample
	next    int
	count   int
}

func (r *ring) push(s store.MetricSample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
}

func (r *ring) latest() (store.MetricSample, bool) {
	if r.count == 0 {
		return store.MetricSample{}, false
	}
	idx := (r.next - 1 + ringSize) % ringSize
	return r.samples[idx], true
}

func (r *ring) since(t time.Time) []store.MetricSample {
	var out []store.MetricSample
	for i := 0; i < r.count; i++ {
		idx := (r.next - 1 - i + 2*ringSize) % ringSize
		s := r.samples[idx]
		if s.Time.Before(t) {
			break
		}
		out = append([]store.MetricSample{s}, out...)
	}
	return out
}

// MetricsStore is a store.MetricsStore backed by a private prometheus
// registry plus an in-process ring buffer per (kind, name) series.
type MetricsStore struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	gauges   map[string]prometheus.Gauge
	rings    map[string]*ring
}

func NewMetricsStore() *MetricsStore {
	return &MetricsStore{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		rings:    make(map[string]*ring),
	}
}

// Registry exposes the private prometheus.Registry so an HTTP handler (e.g.
// promhttp.HandlerFor) can be wired up by the caller; wiring an HTTP exposer
// is outside this package's concern.
func (m *MetricsStore) Registry() *prometheus.Registry { return m.registry }

func seriesKey(kind store.MetricKind, name string) string { return string(kind) + "/" + name }

func (m *MetricsStore) gaugeFor(kind store.MetricKind, name string) prometheus.Gauge {
	key := seriesKey(kind, name)
	if g, ok := m.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brokercore",
		Subsystem: string(kind),
		Name:      name,
	})
	m.registry.MustRegister(g)
	m.gauges[key] = g
	return g
}

func (m *MetricsStore) Record(ctx context.Context, kind store.MetricKind, name string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gaugeFor(kind, name).Set(value)

	key := seriesKey(kind, name)
	r, ok := m.rings[key]
	if !ok {
		r = &ring{}
		m.rings[key] = r
	}
	r.push(store.MetricSample{Time: time.Now(), Value: value})
	return nil
}

func (m *MetricsStore) Latest(ctx context.Context, kind store.MetricKind, name string) (store.MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[seriesKey(kind, name)]
	if !ok {
		return store.MetricSample{}, brokerer.New(brokerer.StoreUnavailable, "Latest: no samples recorded for "+seriesKey(kind, name))
	}
	s, ok := r.latest()
	if !ok {
		return store.MetricSample{}, brokerer.New(brokerer.StoreUnavailable, "Latest: empty ring for "+seriesKey(kind, name))
	}
	return s, nil
}

func (m *MetricsStore) History(ctx context.Context, kind store.MetricKind, name string, since time.Time) ([]store.MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[seriesKey(kind, name)]
	if !ok {
		return nil, nil
	}
	return r.since(since), nil
}

var _ store.MetricsStore = (*MetricsStore)(nil)
