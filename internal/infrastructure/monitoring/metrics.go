package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics (inspector)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Navigation metrics
	NavigationsTotal   *prometheus.CounterVec
	NavigationDuration *prometheus.HistogramVec
	PolicyDecisions    *prometheus.CounterVec
	ProtocolViolations *prometheus.CounterVec

	// Swap metrics
	ProcessSwaps           *prometheus.CounterVec
	CandidatesCreated      prometheus.Counter
	CandidateCancellations *prometheus.CounterVec
	Commits                *prometheus.CounterVec

	// Retired page cache metrics
	RetiredCacheSize      prometheus.Gauge
	RetiredCacheHits      prometheus.Counter
	RetiredCacheMisses    prometheus.Counter
	RetiredCacheEvictions *prometheus.CounterVec

	// Process metrics
	ProcessesLive       prometheus.Gauge
	ProcessLaunches     *prometheus.CounterVec
	ProcessTerminations *prometheus.CounterVec
	CrashReloads        *prometheus.CounterVec

	// Page metrics
	PagesActive prometheus.Gauge

	// Operation metrics (snapshot I/O and other background work)
	OperationDuration *prometheus.HistogramVec
	OperationsTotal   *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	Navigations        int64 `json:"navigations"`
	FailedNavigations  int64 `json:"failed_navigations"`
	ProcessSwaps       int64 `json:"process_swaps"`
	CacheHits          int64 `json:"cache_hits"`
	CacheMisses        int64 `json:"cache_misses"`
	CacheSize          int64 `json:"cache_size"`
	LiveProcesses      int64 `json:"live_processes"`
	ActivePages        int64 `json:"active_pages"`
	ProtocolViolations int64 `json:"protocol_violations"`
	HTTPRequests       int64 `json:"http_requests"`
}

// NewMetrics creates a metrics collector registered with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_http_requests_total",
				Help: "Total number of inspector HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "navswap_http_request_duration_seconds",
				Help:    "Inspector HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		// Navigation metrics
		NavigationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_navigations_total",
				Help: "Navigations by kind and terminal disposition",
			},
			[]string{"kind", "disposition"},
		),
		NavigationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "navswap_navigation_duration_seconds",
				Help:    "Time from navigation creation to terminal disposition",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"disposition"},
		),
		PolicyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_policy_decisions_total",
				Help: "Policy decisions by stage and action",
			},
			[]string{"stage", "action"},
		),
		ProtocolViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_protocol_violations_total",
				Help: "Messages rejected as protocol violations",
			},
			[]string{"message"},
		),

		// Swap metrics
		ProcessSwaps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_process_swaps_total",
				Help: "Process swaps by reason",
			},
			[]string{"reason"},
		),
		CandidatesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "navswap_candidates_created_total",
				Help: "Candidate pages created",
			},
		),
		CandidateCancellations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_candidate_cancellations_total",
				Help: "Candidate pages cancelled before commit",
			},
			[]string{"reason"},
		),
		Commits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_commits_total",
				Help: "Commits by source (candidate, retired, degraded)",
			},
			[]string{"source"},
		),

		// Retired page cache metrics
		RetiredCacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "navswap_retired_cache_entries",
				Help: "Entries in the retired page cache",
			},
		),
		RetiredCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "navswap_retired_cache_hits_total",
				Help: "Back-forward navigations served from a retired page",
			},
		),
		RetiredCacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "navswap_retired_cache_misses_total",
				Help: "Back-forward navigations that needed a fresh load",
			},
		),
		RetiredCacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_retired_cache_evictions_total",
				Help: "Retired entries removed, by reason",
			},
			[]string{"reason"},
		),

		// Process metrics
		ProcessesLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "navswap_processes_live",
				Help: "Content processes currently running",
			},
		),
		ProcessLaunches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_process_launches_total",
				Help: "Content process launches by result",
			},
			[]string{"result"},
		),
		ProcessTerminations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_process_terminations_total",
				Help: "Content process terminations by reason",
			},
			[]string{"reason"},
		),
		CrashReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_crash_reloads_total",
				Help: "Automatic reloads after a crash, by outcome",
			},
			[]string{"outcome"},
		),

		PagesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "navswap_pages_active",
				Help: "Open page sessions",
			},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "navswap_operation_duration_seconds",
				Help:    "Background operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"component", "operation"},
		),
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_operations_total",
				Help: "Background operations by status",
			},
			[]string{"component", "operation", "status"},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "navswap_ws_connections",
				Help: "Number of active event stream connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navswap_ws_messages_total",
				Help: "Event stream messages by type",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "navswap_uptime_seconds",
				Help: "Coordinator uptime in seconds",
			},
		),
	}

	return m
}

// RefreshUptime updates the uptime gauge
func (m *Metrics) RefreshUptime() {
	if m == nil {
		return
	}
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordHTTPRequest records an inspector HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.HTTPRequests++
	m.mu.Unlock()
}

// RecordNavigation records a navigation reaching a terminal disposition
func (m *Metrics) RecordNavigation(kind, disposition string, duration time.Duration) {
	if m == nil {
		return
	}
	m.NavigationsTotal.WithLabelValues(kind, disposition).Inc()
	m.NavigationDuration.WithLabelValues(disposition).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Navigations++
	if disposition == "failed" {
		m.snapshot.FailedNavigations++
	}
	m.mu.Unlock()
}

// RecordPolicyDecision records a resolved policy decision
func (m *Metrics) RecordPolicyDecision(stage, action string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(stage, action).Inc()
}

// RecordProtocolViolation records a rejected message
func (m *Metrics) RecordProtocolViolation(message string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.WithLabelValues(message).Inc()
	m.mu.Lock()
	m.snapshot.ProtocolViolations++
	m.mu.Unlock()
}

// RecordProcessSwap records a process swap decision
func (m *Metrics) RecordProcessSwap(reason string) {
	if m == nil {
		return
	}
	m.ProcessSwaps.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.snapshot.ProcessSwaps++
	m.mu.Unlock()
}

// IncCandidatesCreated increments the candidate page counter
func (m *Metrics) IncCandidatesCreated() {
	if m == nil {
		return
	}
	m.CandidatesCreated.Inc()
}

// RecordCandidateCancelled records a cancelled candidate page
func (m *Metrics) RecordCandidateCancelled(reason string) {
	if m == nil {
		return
	}
	m.CandidateCancellations.WithLabelValues(reason).Inc()
}

// RecordCommit records a commit by source
func (m *Metrics) RecordCommit(source string) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(source).Inc()
}

// SetRetiredCacheSize sets the retired cache gauge
func (m *Metrics) SetRetiredCacheSize(n int) {
	if m == nil {
		return
	}
	m.RetiredCacheSize.Set(float64(n))
	m.mu.Lock()
	m.snapshot.CacheSize = int64(n)
	m.mu.Unlock()
}

// RecordRetiredCacheLookup records a hit or miss
func (m *Metrics) RecordRetiredCacheLookup(hit bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.RetiredCacheHits.Inc()
		m.snapshot.CacheHits++
		return
	}
	m.RetiredCacheMisses.Inc()
	m.snapshot.CacheMisses++
}

// RecordRetiredCacheEviction records an entry leaving the cache
func (m *Metrics) RecordRetiredCacheEviction(reason string) {
	if m == nil {
		return
	}
	m.RetiredCacheEvictions.WithLabelValues(reason).Inc()
}

// SetProcessesLive sets the live process gauge
func (m *Metrics) SetProcessesLive(n int) {
	if m == nil {
		return
	}
	m.ProcessesLive.Set(float64(n))
	m.mu.Lock()
	m.snapshot.LiveProcesses = int64(n)
	m.mu.Unlock()
}

// RecordProcessLaunch records a launch attempt
func (m *Metrics) RecordProcessLaunch(result string) {
	if m == nil {
		return
	}
	m.ProcessLaunches.WithLabelValues(result).Inc()
}

// RecordProcessTermination records a process exit
func (m *Metrics) RecordProcessTermination(reason string) {
	if m == nil {
		return
	}
	m.ProcessTerminations.WithLabelValues(reason).Inc()
}

// RecordCrashReload records the outcome of crash recovery
func (m *Metrics) RecordCrashReload(outcome string) {
	if m == nil {
		return
	}
	m.CrashReloads.WithLabelValues(outcome).Inc()
}

// SetPagesActive sets the open page gauge
func (m *Metrics) SetPagesActive(n int) {
	if m == nil {
		return
	}
	m.PagesActive.Set(float64(n))
	m.mu.Lock()
	m.snapshot.ActivePages = int64(n)
	m.mu.Unlock()
}

// RecordOperation records a background operation
func (m *Metrics) RecordOperation(component, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(component, operation, status).Inc()
	m.OperationDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordWSMessage records an event stream message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments event stream connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements event stream connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
