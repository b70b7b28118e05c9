package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RequestMetrics collects per-command counters, duration samples, and
// error counts. It backs the /metrics text exposition and mirrors every
// observation into OTel instruments.
type RequestMetrics struct {
	mu sync.RWMutex

	counts  map[string]int64   // "command|status" -> count
	errors  map[string]int64   // error kind -> count
	latency map[string][]int64 // command -> microsecond samples, bounded

	maxSamples int
	inFlight   atomic.Int64
	startTime  time.Time

	otelOps      metric.Int64Counter
	otelDur      metric.Float64Histogram
	otelErrs     metric.Int64Counter
	otelInFlight metric.Int64UpDownCounter
}

// NewRequestMetrics builds a collector and its OTel instruments.
func NewRequestMetrics() *RequestMetrics {
	m := Meter(instrumentationScope + "/requests")
	ops, _ := m.Int64Counter("duckhouse.command.requests",
		metric.WithDescription("Total commands handled, by name and status"),
	)
	dur, _ := m.Float64Histogram("duckhouse.command.duration",
		metric.WithDescription("Command handling duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("duckhouse.command.errors",
		metric.WithDescription("Total command errors, by error kind"),
	)
	inflight, _ := m.Int64UpDownCounter("duckhouse.command.in_flight",
		metric.WithDescription("Commands currently being handled"),
	)
	return &RequestMetrics{
		counts:       make(map[string]int64),
		errors:       make(map[string]int64),
		latency:      make(map[string][]int64),
		maxSamples:   1000,
		startTime:    time.Now(),
		otelOps:      ops,
		otelDur:      dur,
		otelErrs:     errs,
		otelInFlight: inflight,
	}
}

// Begin marks a request as in flight and returns a done function that
// records its outcome. status is "ok" or the error kind string.
func (m *RequestMetrics) Begin(ctx context.Context, command string) func(status string) {
	m.inFlight.Add(1)
	m.otelInFlight.Add(ctx, 1)
	start := time.Now()
	var once sync.Once
	return func(status string) {
		once.Do(func() {
			m.inFlight.Add(-1)
			m.otelInFlight.Add(ctx, -1)
			m.record(ctx, command, status, time.Since(start))
		})
	}
}

func (m *RequestMetrics) record(ctx context.Context, command, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status", status),
	)
	m.otelOps.Add(ctx, 1, attrs)
	m.otelDur.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	if status != "ok" {
		m.otelErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", status)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[command+"|"+status]++
	if status != "ok" {
		m.errors[status]++
	}
	samples := m.latency[command]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.latency[command] = append(samples, d.Microseconds())
}

// InFlight returns the number of requests currently being handled.
func (m *RequestMetrics) InFlight() int64 { return m.inFlight.Load() }

// Expose renders the collected metrics as a plain-text exposition, one
// `name{labels} value` line per series.
func (m *RequestMetrics) Expose(activeLocks int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "duckhouse_uptime_seconds %.0f\n", time.Since(m.startTime).Seconds())
	fmt.Fprintf(&b, "duckhouse_requests_in_flight %d\n", m.inFlight.Load())
	fmt.Fprintf(&b, "duckhouse_table_locks_active %d\n", activeLocks)

	keys := make([]string, 0, len(m.counts))
	for k := range m.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd, status, _ := strings.Cut(k, "|")
		fmt.Fprintf(&b, "duckhouse_command_requests_total{command=%q,status=%q} %d\n", cmd, status, m.counts[k])
	}

	kinds := make([]string, 0, len(m.errors))
	for k := range m.errors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "duckhouse_command_errors_total{kind=%q} %d\n", k, m.errors[k])
	}

	cmds := make([]string, 0, len(m.latency))
	for k := range m.latency {
		cmds = append(cmds, k)
	}
	sort.Strings(cmds)
	for _, cmd := range cmds {
		samples := m.latency[cmd]
		if len(samples) == 0 {
			continue
		}
		var sum int64
		for _, s := range samples {
			sum += s
		}
		fmt.Fprintf(&b, "duckhouse_command_duration_us_avg{command=%q} %d\n", cmd, sum/int64(len(samples)))
		fmt.Fprintf(&b, "duckhouse_command_duration_us_p99{command=%q} %d\n", cmd, percentile(samples, 0.99))
	}
	return b.String()
}

// percentile returns the p-th percentile of samples (copied, sorted).
func percentile(samples []int64, p float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	cp := make([]int64, len(samples))
	copy(cp, samples)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	idx := int(float64(len(cp)-1) * p)
	return cp[idx]
}
