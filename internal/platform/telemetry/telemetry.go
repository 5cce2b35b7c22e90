// Package telemetry records request latency, queue lifecycle counters and
// scrape-time gauges, and exposes them in the Prometheus text format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/Guiloteman/CI-CD-Back/internal/platform/events"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
)

var durationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// histogram keeps non-cumulative bucket counts; cumulative counts are built
// at export time.
type histogram struct {
	mu      sync.Mutex
	buckets []int64
	count   int64
	sum     uint64 // math.Float64bits
}

func newHistogram() *histogram {
	return &histogram{buckets: make([]int64, len(durationBuckets))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range durationBuckets {
		if v <= b {
			h.buckets[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		out[i] = running
	}
	return out
}

// GaugeFunc is evaluated on every scrape.
type GaugeFunc func(ctx context.Context) (float64, error)

type gauge struct {
	name string
	help string
	fn   GaugeFunc
}

// Metrics is safe for concurrent use. It also implements events.Publisher so
// it can sit in an events.Fanout and count lifecycle events.
type Metrics struct {
	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status
	events    map[events.Type]*int64
	gauges    []gauge
	active    int64
	logger    zerolog.Logger
}

func New(logger zerolog.Logger) *Metrics {
	return &Metrics{
		durations: make(map[string]*histogram),
		events:    make(map[events.Type]*int64),
		logger:    logger,
	}
}

func labelsKey(method, route string, status int) string {
	return method + "|" + route + "|" + strconv.Itoa(status)
}

func (m *Metrics) histogramFor(key string) *histogram {
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.durations[key]; !ok {
		h = newHistogram()
		m.durations[key] = h
	}
	return h
}

// RegisterGauge adds a gauge computed at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn GaugeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, gauge{name: name, help: help, fn: fn})
}

// Publish counts e by type.
func (m *Metrics) Publish(_ context.Context, e events.Event) error {
	m.mu.RLock()
	p, ok := m.events[e.Type]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.events[e.Type]; !ok {
			p = new(int64)
			m.events[e.Type] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
	return nil
}

// EventCount returns how many events of type t were published.
func (m *Metrics) EventCount(t events.Type) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.events[t]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return outcome.HTTPStatus(outcome.KindOf(err))
}

// Middleware observes request durations labelled by method, route template
// and final status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&m.active, -1)
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.histogramFor(labelsKey(c.Request().Method, route, statusOf(c, err))).
				observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves GET /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.write(c.Request().Context(), &b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (m *Metrics) write(ctx context.Context, b *strings.Builder) {
	m.mu.RLock()
	durations := make(map[string]*histogram, len(m.durations))
	for k, h := range m.durations {
		durations[k] = h
	}
	counts := make(map[events.Type]int64, len(m.events))
	for t, p := range m.events {
		counts[t] = atomic.LoadInt64(p)
	}
	gauges := append([]gauge(nil), m.gauges...)
	m.mu.RUnlock()

	b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
	for _, key := range sortedKeys(durations) {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(b, "http_server_request_duration_seconds", labels, durations[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.active))

	b.WriteString("# HELP triage_events_total Admission lifecycle events published.\n")
	b.WriteString("# TYPE triage_events_total counter\n")
	for _, t := range []events.Type{events.AdmissionRegistered, events.AdmissionClaimed, events.AdmissionFinalized} {
		fmt.Fprintf(b, "triage_events_total{type=%q} %d\n", string(t), counts[t])
	}
	b.WriteByte('\n')

	for _, g := range gauges {
		v, err := g.fn(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("gauge", g.name).Msg("evaluate gauge")
			continue
		}
		fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n\n",
			g.name, g.help, g.name, g.name, strconv.FormatFloat(v, 'g', -1, 64))
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulative()
	for i, bound := range durationBuckets {
		fmt.Fprintf(b, "%s_bucket{%s,le=%q} %d\n", name, labels, strconv.FormatFloat(bound, 'g', -1, 64), cum[i])
	}
	count := atomic.LoadInt64(&h.count)
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, count)
	fmt.Fprintf(b, "%s_sum{%s} %s\n", name, labels,
		strconv.FormatFloat(math.Float64frombits(atomic.LoadUint64(&h.sum)), 'g', -1, 64))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, count)
}

func sortedKeys(m map[string]*histogram) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
