package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks in-process latency and throughput for the JSON status endpoint.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	IngestLatency *LatencyHistogram
	EnrichLatency *LatencyHistogram
	APILatency    *LatencyHistogram

	// Counters
	recordsIngested uint64
	recordsEnriched uint64
	enrichFailures  uint64
	apiRequests     uint64
	apiErrors       uint64

	// Backlog per record kind, refreshed by the sweeper.
	pending map[string]int

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		IngestLatency: NewLatencyHistogram(1000),
		EnrichLatency: NewLatencyHistogram(1000),
		APILatency:    NewLatencyHistogram(1000),
		pending:       make(map[string]int),
		lastUpdate:    time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementIngested counts a stored raw record.
func (m *SystemMetrics) IncrementIngested() {
	atomic.AddUint64(&m.recordsIngested, 1)
}

// IncrementEnriched counts a record that reached updated=true.
func (m *SystemMetrics) IncrementEnriched() {
	atomic.AddUint64(&m.recordsEnriched, 1)
}

// IncrementEnrichFailures counts a deferred or failed enrichment attempt.
func (m *SystemMetrics) IncrementEnrichFailures() {
	atomic.AddUint64(&m.enrichFailures, 1)
}

// IncrementAPI counts an HTTP request.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors counts an HTTP response with status >= 400.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// SetPending records the backlog of one record kind.
func (m *SystemMetrics) SetPending(kind string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[kind] = count
	m.lastUpdate = time.Now()
}

// MetricsSnapshot is a point-in-time copy of SystemMetrics.
type MetricsSnapshot struct {
	IngestLatency   LatencyStats   `json:"ingest_latency"`
	EnrichLatency   LatencyStats   `json:"enrich_latency"`
	APILatency      LatencyStats   `json:"api_latency"`
	RecordsIngested uint64         `json:"records_ingested"`
	RecordsEnriched uint64         `json:"records_enriched"`
	EnrichFailures  uint64         `json:"enrich_failures"`
	APIRequests     uint64         `json:"api_requests"`
	APIErrors       uint64         `json:"api_errors"`
	Pending         map[string]int `json:"pending"`
	GoroutineCount  int            `json:"goroutine_count"`
	HeapAlloc       uint64         `json:"heap_alloc_bytes"`
	HeapSys         uint64         `json:"heap_sys_bytes"`
	Timestamp       time.Time      `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	pending := make(map[string]int, len(m.pending))
	for k, v := range m.pending {
		pending[k] = v
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		IngestLatency:   m.IngestLatency.Stats(),
		EnrichLatency:   m.EnrichLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		RecordsIngested: atomic.LoadUint64(&m.recordsIngested),
		RecordsEnriched: atomic.LoadUint64(&m.recordsEnriched),
		EnrichFailures:  atomic.LoadUint64(&m.enrichFailures),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		Pending:         pending,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
