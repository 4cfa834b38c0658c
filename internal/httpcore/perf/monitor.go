// Package perf implements the HTTP core's performance monitor: a
// lock-free-on-the-hot-path counter aggregator with a small locked ring for
// response-time samples, and JSON / Prometheus exporters.
package perf

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxSamples bounds the response-time ring; the oldest sample is dropped
// once the ring is full.
const maxSamples = 10000

// emaAlpha is the EMA smoothing coefficient for average response time.
const emaAlpha = 0.1

// TimeoutKind distinguishes which timer category fired, for counter
// selection in RecordTimeout.
type TimeoutKind int

const (
	TimeoutConnection TimeoutKind = iota
	TimeoutRequest
)

// Monitor aggregates request/connection counters and response-time samples.
// All exported methods are safe for concurrent use by any number of callers.
type Monitor struct {
	totalRequests      atomic.Int64
	activeRequests     atomic.Int64
	connectionReuses   atomic.Int64
	totalConnections   atomic.Int64
	connectionTimeouts atomic.Int64
	requestTimeouts    atomic.Int64

	avgResponseTimeBits atomic.Uint64 // math.Float64bits of the EMA
	haveFirstSample     atomic.Bool

	mu      sync.Mutex
	samples []float64 // response times in milliseconds, oldest first

	startTime time.Time
}

// NewMonitor creates a Monitor with its start time set to now.
func NewMonitor() *Monitor {
	return &Monitor{startTime: time.Now()}
}

// RecordRequestStart increments total and active request counters.
func (m *Monitor) RecordRequestStart() {
	m.totalRequests.Add(1)
	m.activeRequests.Add(1)
}

// RecordRequestEnd decrements active requests, folds durationMs into the EMA,
// and appends durationMs to the bounded sample ring. Callers must ensure this
// is only invoked for a matching prior RecordRequestStart.
func (m *Monitor) RecordRequestEnd(durationMs float64) {
	m.activeRequests.Add(-1)
	m.updateAverage(durationMs)

	m.mu.Lock()
	m.samples = append(m.samples, durationMs)
	if len(m.samples) > maxSamples {
		// Drop only the oldest samples beyond the cap. Once the remaining
		// capacity is used up, append moves the kept samples to a new array
		// and the dropped prefix is released.
		m.samples = m.samples[len(m.samples)-maxSamples:]
	}
	m.mu.Unlock()
}

// updateAverage performs a lock-free compare-and-swap loop implementing the
// EMA update: new = alpha*x + (1-alpha)*prev, with the first sample seeding
// the average.
func (m *Monitor) updateAverage(x float64) {
	if m.haveFirstSample.CompareAndSwap(false, true) {
		m.avgResponseTimeBits.Store(math.Float64bits(x))
		return
	}

	for {
		oldBits := m.avgResponseTimeBits.Load()
		old := math.Float64frombits(oldBits)
		next := emaAlpha*x + (1-emaAlpha)*old
		if m.avgResponseTimeBits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

// RecordNewConnection increments the total-connections counter.
func (m *Monitor) RecordNewConnection() {
	m.totalConnections.Add(1)
}

// RecordConnectionReuse increments the connection-reuse counter.
func (m *Monitor) RecordConnectionReuse() {
	m.connectionReuses.Add(1)
}

// RecordTimeout increments the counter matching kind.
func (m *Monitor) RecordTimeout(kind TimeoutKind) {
	switch kind {
	case TimeoutConnection:
		m.connectionTimeouts.Add(1)
	case TimeoutRequest:
		m.requestTimeouts.Add(1)
	}
}

// Snapshot is an atomically-consistent (per field) read of the monitor plus
// derived values.
type Snapshot struct {
	TotalRequests        int64     `json:"totalRequests"`
	ActiveRequests       int64     `json:"activeRequests"`
	AverageResponseTime  float64   `json:"averageResponseTime"`
	ConnectionReuses     int64     `json:"connectionReuses"`
	TotalConnections     int64     `json:"totalConnections"`
	ConnectionTimeouts   int64     `json:"connectionTimeouts"`
	RequestTimeouts      int64     `json:"requestTimeouts"`
	ConnectionReuseRate  float64   `json:"connectionReuseRate"`
	RequestsPerSecond    float64   `json:"requestsPerSecond"`
	P95ResponseTime      float64   `json:"p95ResponseTime"`
	P99ResponseTime      float64   `json:"p99ResponseTime"`
	StartedAt            time.Time `json:"-"`
}

// Snapshot takes a consistent-per-counter reading of the monitor's state.
func (m *Monitor) Snapshot() Snapshot {
	reuses := m.connectionReuses.Load()
	news := m.totalConnections.Load()
	total := m.totalRequests.Load()

	var reuseRate float64
	if reuses+news > 0 {
		reuseRate = float64(reuses) / float64(reuses+news)
	}

	elapsed := time.Since(m.startTime).Seconds()
	var rps float64
	if elapsed > 0 {
		rps = float64(total) / elapsed
	}

	return Snapshot{
		TotalRequests:       total,
		ActiveRequests:      m.activeRequests.Load(),
		AverageResponseTime: math.Float64frombits(m.avgResponseTimeBits.Load()),
		ConnectionReuses:    reuses,
		TotalConnections:    news,
		ConnectionTimeouts:  m.connectionTimeouts.Load(),
		RequestTimeouts:     m.requestTimeouts.Load(),
		ConnectionReuseRate: reuseRate,
		RequestsPerSecond:   rps,
		P95ResponseTime:     m.Percentile(0.95),
		P99ResponseTime:     m.Percentile(0.99),
		StartedAt:           m.startTime,
	}
}

// Percentile returns the response-time sample at rank floor(p*(n-1)) after
// sorting a copy of the current samples. p outside [0,1] or an empty sample
// set yields zero.
func (m *Monitor) Percentile(p float64) float64 {
	if p < 0 || p > 1 {
		return 0
	}

	m.mu.Lock()
	n := len(m.samples)
	if n == 0 {
		m.mu.Unlock()
		return 0
	}
	cp := make([]float64, n)
	copy(cp, m.samples)
	m.mu.Unlock()

	sort.Float64s(cp)
	rank := int(p * float64(n-1))
	return cp[rank]
}

// Reset zeros all counters, clears the sample ring, and resets the start
// timestamp.
func (m *Monitor) Reset() {
	m.totalRequests.Store(0)
	m.activeRequests.Store(0)
	m.connectionReuses.Store(0)
	m.totalConnections.Store(0)
	m.connectionTimeouts.Store(0)
	m.requestTimeouts.Store(0)
	m.avgResponseTimeBits.Store(0)
	m.haveFirstSample.Store(false)

	m.mu.Lock()
	m.samples = nil
	m.mu.Unlock()

	m.startTime = time.Now()
}

// ExportJSON renders the snapshot plus P95/P99 as the fixed JSON object
// described in the metrics export table. It is deterministic given the
// snapshot's values.
func ExportJSON(s Snapshot) string {
	return fmt.Sprintf(
		`{"totalRequests":%d,"activeRequests":%d,"averageResponseTime":%s,"connectionReuses":%d,"totalConnections":%d,"connectionTimeouts":%d,"requestTimeouts":%d,"connectionReuseRate":%s,"requestsPerSecond":%s,"p95ResponseTime":%s,"p99ResponseTime":%s}`,
		s.TotalRequests, s.ActiveRequests, formatFloat(s.AverageResponseTime),
		s.ConnectionReuses, s.TotalConnections, s.ConnectionTimeouts, s.RequestTimeouts,
		formatFloat(s.ConnectionReuseRate), formatFloat(s.RequestsPerSecond),
		formatFloat(s.P95ResponseTime), formatFloat(s.P99ResponseTime),
	)
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}

// ExportPrometheus renders the snapshot as Prometheus text exposition format
// using the metric names fixed by the metrics export table.
func ExportPrometheus(s Snapshot) string {
	var b strings.Builder

	writeMetric := func(name, help, typ string, value float64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, typ)
		fmt.Fprintf(&b, "%s %s\n", name, formatFloat(value))
	}

	writeMetric("http_requests_total", "Total number of HTTP requests processed", "counter", float64(s.TotalRequests))
	writeMetric("http_requests_active", "Current number of in-flight HTTP requests", "gauge", float64(s.ActiveRequests))
	writeMetric("http_request_duration_ms", "Exponential moving average of request duration in milliseconds", "gauge", s.AverageResponseTime)
	writeMetric("http_connections_reused_total", "Total number of pooled connections reused", "counter", float64(s.ConnectionReuses))
	writeMetric("http_connections_total", "Total number of connections accepted", "counter", float64(s.TotalConnections))
	writeMetric("http_connection_timeouts_total", "Total number of connection timeouts", "counter", float64(s.ConnectionTimeouts))
	writeMetric("http_request_timeouts_total", "Total number of request timeouts", "counter", float64(s.RequestTimeouts))
	writeMetric("http_connection_reuse_rate", "Fraction of connections served by reuse rather than creation", "gauge", s.ConnectionReuseRate)
	writeMetric("http_requests_per_second", "Average requests per second since start", "gauge", s.RequestsPerSecond)
	writeMetric("http_request_duration_p95_ms", "95th percentile request duration in milliseconds", "gauge", s.P95ResponseTime)
	writeMetric("http_request_duration_p99_ms", "99th percentile request duration in milliseconds", "gauge", s.P99ResponseTime)

	return b.String()
}
