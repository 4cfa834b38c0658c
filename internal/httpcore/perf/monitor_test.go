package perf

import (
	"strings"
	"sync"
	"testing"
)

func TestCounterBalance(t *testing.T) {
	m := NewMonitor()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(d float64) {
			defer wg.Done()
			m.RecordRequestStart()
			m.RecordRequestEnd(d)
		}(float64(i + 1))
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.ActiveRequests != 0 {
		t.Fatalf("expected active_requests == 0, got %d", snap.ActiveRequests)
	}
	if snap.TotalRequests != n {
		t.Fatalf("expected total_requests == %d, got %d", n, snap.TotalRequests)
	}
}

func TestPercentileBounds(t *testing.T) {
	m := NewMonitor()
	for i := 10; i <= 100; i += 10 {
		m.RecordRequestStart()
		m.RecordRequestEnd(float64(i))
	}

	if got := m.Percentile(0); got != 10 {
		t.Errorf("percentile(0) = %v, want 10 (min)", got)
	}
	if got := m.Percentile(1); got != 100 {
		t.Errorf("percentile(1) = %v, want 100 (max)", got)
	}

	p50 := m.Percentile(0.5)
	if p50 < 40 || p50 > 60 {
		t.Errorf("p50 = %v, want in [40,60]", p50)
	}
	p95 := m.Percentile(0.95)
	if p95 < 90 {
		t.Errorf("p95 = %v, want >= 90", p95)
	}
	p99 := m.Percentile(0.99)
	if p99 < 90 || p99 > 100 {
		t.Errorf("p99 = %v, want in [90,100]", p99)
	}

	if m.Percentile(-0.1) != 0 {
		t.Error("percentile below 0 should yield 0")
	}
	if m.Percentile(1.1) != 0 {
		t.Error("percentile above 1 should yield 0")
	}
}

func TestPercentileEmpty(t *testing.T) {
	m := NewMonitor()
	if got := m.Percentile(0.5); got != 0 {
		t.Errorf("percentile on empty monitor = %v, want 0", got)
	}
}

func TestConnectionReuseRate(t *testing.T) {
	m := NewMonitor()
	m.RecordNewConnection()
	m.RecordNewConnection()
	m.RecordConnectionReuse()

	snap := m.Snapshot()
	want := 1.0 / 3.0
	if diff := snap.ConnectionReuseRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("connection_reuse_rate = %v, want %v", snap.ConnectionReuseRate, want)
	}
}

func TestResetClearsState(t *testing.T) {
	m := NewMonitor()
	m.RecordRequestStart()
	m.RecordRequestEnd(42)
	m.RecordNewConnection()
	m.RecordTimeout(TimeoutRequest)

	m.Reset()

	snap := m.Snapshot()
	if snap.TotalRequests != 0 || snap.TotalConnections != 0 || snap.RequestTimeouts != 0 {
		t.Fatalf("expected all counters zeroed after reset, got %+v", snap)
	}
	if m.Percentile(0.5) != 0 {
		t.Fatal("expected sample ring cleared after reset")
	}
}

func TestExportJSONDeterministic(t *testing.T) {
	m := NewMonitor()
	m.RecordRequestStart()
	m.RecordRequestEnd(10)
	snap := m.Snapshot()

	a := ExportJSON(snap)
	b := ExportJSON(snap)
	if a != b {
		t.Fatalf("ExportJSON not deterministic for the same snapshot:\n%s\nvs\n%s", a, b)
	}
	if !strings.Contains(a, `"totalRequests":1`) {
		t.Fatalf("expected totalRequests in output, got %s", a)
	}
}

func TestExportPrometheusNames(t *testing.T) {
	m := NewMonitor()
	snap := m.Snapshot()
	out := ExportPrometheus(snap)

	for _, name := range []string{
		"http_requests_total", "http_requests_active", "http_request_duration_ms",
		"http_connections_reused_total", "http_connections_total",
		"http_connection_timeouts_total", "http_request_timeouts_total",
		"http_connection_reuse_rate", "http_requests_per_second",
		"http_request_duration_p95_ms", "http_request_duration_p99_ms",
	} {
		if !strings.Contains(out, "# TYPE "+name) {
			t.Errorf("missing TYPE line for %s", name)
		}
		if !strings.Contains(out, "# HELP "+name) {
			t.Errorf("missing HELP line for %s", name)
		}
	}
}

func TestSampleRingBounded(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < maxSamples+500; i++ {
		m.RecordRequestStart()
		m.RecordRequestEnd(float64(i))
	}

	m.mu.Lock()
	n := len(m.samples)
	m.mu.Unlock()

	if n > maxSamples {
		t.Fatalf("sample ring grew past cap: %d > %d", n, maxSamples)
	}
}
