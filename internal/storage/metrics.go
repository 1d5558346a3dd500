package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const reservoirCap = 256

// Metrics is a concurrency-safe per-adapter operation recorder: counts,
// success rate, latency percentiles (via a bounded reservoir sample), and
// error counts by family. A nil *Metrics is valid and records nothing,
// matching the "disabled collector is a no-op" contract.
type Metrics struct {
	mu         sync.Mutex
	count      int64
	successes  int64
	errorsByFamily map[string]int64
	latencies  []time.Duration // bounded reservoir, oldest-evicted
	bytesIn    int64
	bytesOut   int64
}

// NewMetrics returns an empty, enabled collector.
func NewMetrics() *Metrics {
	return &Metrics{errorsByFamily: make(map[string]int64)}
}

// Record logs the outcome of one operation. family is empty on success.
func (m *Metrics) Record(d time.Duration, family string, bytesIn, bytesOut int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	m.bytesIn += int64(bytesIn)
	m.bytesOut += int64(bytesOut)
	if family == "" {
		m.successes++
	} else {
		if m.errorsByFamily == nil {
			m.errorsByFamily = make(map[string]int64)
		}
		m.errorsByFamily[family]++
	}
	if len(m.latencies) >= reservoirCap {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, d)
}

// Snapshot is an immutable point-in-time view of a Metrics collector.
type Snapshot struct {
	Count          int64
	SuccessRate    float64
	P50, P95, P99  time.Duration
	ErrorsByFamily map[string]int64
	BytesIn        int64
	BytesOut       int64
}

// Snapshot returns the current state. Safe to call on a nil receiver.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{ErrorsByFamily: map[string]int64{}}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{Count: m.count, BytesIn: m.bytesIn, BytesOut: m.bytesOut, ErrorsByFamily: map[string]int64{}}
	for k, v := range m.errorsByFamily {
		s.ErrorsByFamily[k] = v
	}
	if m.count > 0 {
		s.SuccessRate = float64(m.successes) / float64(m.count)
	}
	sorted := append([]time.Duration(nil), m.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s.P50 = percentile(sorted, 0.50)
	s.P95 = percentile(sorted, 0.95)
	s.P99 = percentile(sorted, 0.99)
	return s
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Prometheus renders the snapshot as a Prometheus text-exposition block.
func (s Snapshot) Prometheus(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s_operations_total %d\n", name, s.Count)
	fmt.Fprintf(&b, "%s_success_rate %f\n", name, s.SuccessRate)
	fmt.Fprintf(&b, "%s_latency_p50_seconds %f\n", name, s.P50.Seconds())
	fmt.Fprintf(&b, "%s_latency_p95_seconds %f\n", name, s.P95.Seconds())
	fmt.Fprintf(&b, "%s_latency_p99_seconds %f\n", name, s.P99.Seconds())
	for family, n := range s.ErrorsByFamily {
		fmt.Fprintf(&b, "%s_errors_total{family=%q} %d\n", name, family, n)
	}
	fmt.Fprintf(&b, "%s_bytes_in_total %d\n", name, s.BytesIn)
	fmt.Fprintf(&b, "%s_bytes_out_total %d\n", name, s.BytesOut)
	return b.String()
}

// CSV renders the snapshot as a single CSV row with a header.
func (s Snapshot) CSV(name string) string {
	header := "name,count,success_rate,p50_ms,p95_ms,p99_ms,bytes_in,bytes_out\n"
	row := fmt.Sprintf("%s,%d,%f,%f,%f,%f,%d,%d\n", name, s.Count, s.SuccessRate,
		float64(s.P50.Milliseconds()), float64(s.P95.Milliseconds()), float64(s.P99.Milliseconds()),
		s.BytesIn, s.BytesOut)
	return header + row
}

// Markdown renders the snapshot as a Markdown table row with header.
func (s Snapshot) Markdown(name string) string {
	var b strings.Builder
	b.WriteString("| metric | value |\n|---|---|\n")
	fmt.Fprintf(&b, "| %s.count | %d |\n", name, s.Count)
	fmt.Fprintf(&b, "| %s.success_rate | %.4f |\n", name, s.SuccessRate)
	fmt.Fprintf(&b, "| %s.p50 | %s |\n", name, s.P50)
	fmt.Fprintf(&b, "| %s.p95 | %s |\n", name, s.P95)
	fmt.Fprintf(&b, "| %s.p99 | %s |\n", name, s.P99)
	for family, n := range s.ErrorsByFamily {
		fmt.Fprintf(&b, "| %s.errors.%s | %d |\n", name, family, n)
	}
	return b.String()
}

// AsMap renders the snapshot as a plain structured map, suitable for JSON.
func (s Snapshot) AsMap() map[string]any {
	return map[string]any{
		"count":            s.Count,
		"success_rate":     s.SuccessRate,
		"p50_ms":           s.P50.Milliseconds(),
		"p95_ms":           s.P95.Milliseconds(),
		"p99_ms":           s.P99.Milliseconds(),
		"errors_by_family": s.ErrorsByFamily,
		"bytes_in":         s.BytesIn,
		"bytes_out":        s.BytesOut,
	}
}
