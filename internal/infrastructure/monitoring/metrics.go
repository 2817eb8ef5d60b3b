package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Terminal metrics
	TerminalsActive  prometheus.Gauge
	TerminalsCreated prometheus.Counter
	TerminalsReaped  prometheus.Counter

	// Process metrics
	ProcessesSpawned prometheus.Counter
	SpawnFailures    prometheus.Counter
	ProcessesAborted prometheus.Counter
	ProcessDuration  *prometheus.HistogramVec
	OutputBytes      prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	ActiveTerminals int64   `json:"active_terminals"`
	SpawnedTotal    int64   `json:"spawned_total"`
	AbortedTotal    int64   `json:"aborted_total"`
	TotalDuration   float64 `json:"-"` // sum of all request durations
	RequestCount    int64   `json:"-"` // count for averaging
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		// Terminal metrics
		TerminalsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_terminals_active",
				Help: "Number of live terminal slots",
			},
		),
		TerminalsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_terminals_created_total",
				Help: "Total number of terminal slots created",
			},
		),
		TerminalsReaped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_terminals_reaped_total",
				Help: "Total number of terminal slots disposed by reclamation",
			},
		),

		// Process metrics
		ProcessesSpawned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_processes_spawned_total",
				Help: "Total number of commands spawned",
			},
		),
		SpawnFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_spawn_failures_total",
				Help: "Total number of commands that failed to spawn",
			},
		),
		ProcessesAborted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_processes_aborted_total",
				Help: "Total number of abort requests",
			},
		),
		ProcessDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_process_duration_seconds",
				Help:    "Command duration from spawn to completion",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"outcome"},
		),
		OutputBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_output_bytes_total",
				Help: "Total bytes of command output ingested",
			},
		),

		// WebSocket metrics
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_uptime_seconds",
				Help: "Backend uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordSpawn records a successful command spawn
func (m *Metrics) RecordSpawn() {
	m.ProcessesSpawned.Inc()
	m.mu.Lock()
	m.snapshot.SpawnedTotal++
	m.mu.Unlock()
}

// RecordSpawnFailure records a command that never started
func (m *Metrics) RecordSpawnFailure() {
	m.SpawnFailures.Inc()
}

// RecordAbort records an abort request
func (m *Metrics) RecordAbort() {
	m.ProcessesAborted.Inc()
	m.mu.Lock()
	m.snapshot.AbortedTotal++
	m.mu.Unlock()
}

// RecordProcessDuration records a completed command's lifetime
func (m *Metrics) RecordProcessDuration(outcome string, duration time.Duration) {
	m.ProcessDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordOutput records ingested output bytes
func (m *Metrics) RecordOutput(n int) {
	m.OutputBytes.Add(float64(n))
}

// SetTerminalsActive sets the number of live terminal slots
func (m *Metrics) SetTerminalsActive(count int) {
	m.TerminalsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveTerminals = int64(count)
	m.mu.Unlock()
}

// IncTerminalsCreated increments the terminals created counter
func (m *Metrics) IncTerminalsCreated() {
	m.TerminalsCreated.Inc()
}

// AddTerminalsReaped adds to the reaped terminals counter
func (m *Metrics) AddTerminalsReaped(count int) {
	m.TerminalsReaped.Add(float64(count))
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// GetSnapshot returns the current counters for the JSON API.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// AverageRequestDuration returns the mean HTTP request duration in seconds.
func (m *Metrics) AverageRequestDuration() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot.RequestCount == 0 {
		return 0
	}
	return m.snapshot.TotalDuration / float64(m.snapshot.RequestCount)
}
