// Package telemetry records server metrics and serves them in the
// Prometheus text exposition format: HTTP request durations, published
// SyncChannel events by type, and gauges sampled at scrape time.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ibms/internal/platform/websocket"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Counter store, keyed by label values joined with "|"
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.items[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// LabelsKey builds the key of a labeled series.
func LabelsKey(values ...string) string {
	return strings.Join(values, "|")
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// GaugeFunc is sampled on every scrape.
type GaugeFunc func() float64

type gauge struct {
	name, help string
	fn         GaugeFunc
}

// Provider owns every metric of one server.
type Provider struct {
	service string

	histMu    sync.RWMutex
	durations map[string]*histogram // method|route|status

	active   int64
	requests *counterStore // method|route|status
	events   *counterStore // event type
	failures *counterStore // event type

	gaugeMu sync.RWMutex
	gauges  []gauge
}

func NewProvider(service string) *Provider {
	if service == "" {
		service = "ibms-server"
	}
	return &Provider{
		service:   service,
		durations: make(map[string]*histogram),
		requests:  newCounterStore(),
		events:    newCounterStore(),
		failures:  newCounterStore(),
	}
}

// Gauge registers a gauge sampled at scrape time. Names must be valid
// Prometheus metric names.
func (p *Provider) Gauge(name, help string, fn GaugeFunc) {
	p.gaugeMu.Lock()
	defer p.gaugeMu.Unlock()
	p.gauges = append(p.gauges, gauge{name: name, help: help, fn: fn})
}

// RequestCount returns the number of finished requests for one series.
func (p *Provider) RequestCount(method, route, status string) int64 {
	return p.requests.get(LabelsKey(method, route, status))
}

// EventCount returns the number of events of eventType handed to the
// publisher, including failed publishes.
func (p *Provider) EventCount(eventType string) int64 {
	return p.events.get(eventType)
}

func (p *Provider) durationFor(key string) *histogram {
	p.histMu.RLock()
	h, ok := p.durations[key]
	p.histMu.RUnlock()
	if ok {
		return h
	}
	p.histMu.Lock()
	defer p.histMu.Unlock()
	if h, ok = p.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		p.durations[key] = h
	}
	return h
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// Middleware records request counts and durations by route pattern.
// Websocket upgrades are counted when the connection closes.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.active, 1)
			defer atomic.AddInt64(&p.active, -1)
			start := time.Now()

			// Render the error here so the recorded status is the one sent.
			if err := next(c); err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			key := LabelsKey(c.Request().Method, route, fmt.Sprintf("%d", status))
			p.requests.inc(key)
			p.durationFor(key).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Publisher
// ---------------------------------------------------------------------------

// countingPublisher counts events by type before handing them on.
type countingPublisher struct {
	next websocket.Publisher
	p    *Provider
}

// Publisher wraps next so every published event is counted.
func (p *Provider) Publisher(next websocket.Publisher) websocket.Publisher {
	return &countingPublisher{next: next, p: p}
}

func (cp *countingPublisher) Publish(ctx context.Context, event websocket.Event) error {
	cp.p.events.inc(event.Type)
	err := cp.next.Publish(ctx, event)
	if err != nil {
		cp.p.failures.inc(event.Type)
	}
	return err
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

// Handler serves the metrics in Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		fmt.Fprintf(&b, "# HELP ibms_build_info Service identity.\n")
		fmt.Fprintf(&b, "# TYPE ibms_build_info gauge\n")
		fmt.Fprintf(&b, "ibms_build_info{service=%q} 1\n\n", p.service)

		writeCounter(&b, "http_server_requests_total", "Finished HTTP requests.",
			p.requests.snapshot(), "method", "route", "status_code")

		p.histMu.RLock()
		durations := make(map[string]*histogram, len(p.durations))
		for k, h := range p.durations {
			durations[k] = h
		}
		p.histMu.RUnlock()
		writeHistograms(&b, "http_server_request_duration_seconds", "Duration of HTTP requests in seconds.",
			durations, "method", "route", "status_code")

		b.WriteString("# HELP http_server_active_requests Requests in flight.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&p.active))

		writeCounter(&b, "ibms_events_published_total", "SyncChannel events handed to the publisher.",
			p.events.snapshot(), "type")
		writeCounter(&b, "ibms_events_publish_failures_total", "SyncChannel events the publisher rejected.",
			p.failures.snapshot(), "type")

		p.gaugeMu.RLock()
		gauges := append([]gauge(nil), p.gauges...)
		p.gaugeMu.RUnlock()
		for _, g := range gauges {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&b, "%s %g\n\n", g.name, g.fn())
		}

		return c.String(http.StatusOK, b.String())
	}
}

func labelPairs(names []string, key string) string {
	values := strings.SplitN(key, "|", len(names))
	pairs := make([]string, 0, len(names))
	for i, name := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%q", name, v))
	}
	return strings.Join(pairs, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeCounter(b *strings.Builder, name, help string, values map[string]int64, labels ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(b, "%s{%s} %d\n", name, labelPairs(labels, k), values[k])
	}
	b.WriteByte('\n')
}

func writeHistograms(b *strings.Builder, name, help string, hs map[string]*histogram, labels ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	for _, k := range sortedKeys(hs) {
		h := hs[k]
		lp := labelPairs(labels, k)
		cum := h.cumulativeBuckets()
		for i, boundary := range h.boundaries {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, lp, boundary, cum[i])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, lp, h.Count())
		fmt.Fprintf(b, "%s_sum{%s} %g\n", name, lp, h.Sum())
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, lp, h.Count())
	}
	b.WriteByte('\n')
}
