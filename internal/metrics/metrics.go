package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal *prometheus.CounterVec

	// Collection metrics
	LedgerSize          prometheus.Gauge
	UploadTotal         *prometheus.CounterVec
	UploadDuration      *prometheus.HistogramVec
	ReconcileTotal      *prometheus.CounterVec
	ReconcileAddedTotal prometheus.Counter
	GPSWarningTotal     *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of key-value storage operations",
		}, []string{"operation", "status"}),

		LedgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collect_ledger_size",
			Help: "Number of dataset properties marked as collected",
		}),

		UploadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collect_uploads_total",
			Help: "Total number of photo uploads by outcome",
		}, []string{"status"}),

		UploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collect_upload_duration_seconds",
			Help:    "Photo upload duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collect_reconcile_runs_total",
			Help: "Total number of reconciliation runs by outcome",
		}, []string{"status"}),

		ReconcileAddedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collect_reconcile_added_total",
			Help: "Ledger entries added from remote evidence",
		}),

		GPSWarningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collect_gps_warnings_total",
			Help: "Capture-time GPS warnings by band",
		}, []string{"band"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.LedgerSize)
	registerOrGet(m.UploadTotal)
	registerOrGet(m.UploadDuration)
	registerOrGet(m.ReconcileTotal)
	registerOrGet(m.ReconcileAddedTotal)
	registerOrGet(m.GPSWarningTotal)
	registerOrGet(m.EventPublishTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
