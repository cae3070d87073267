// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/taskengine/internal/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Queue metrics
	QueueDepth       *prometheus.GaugeVec
	JobsEnqueued     *prometheus.CounterVec
	JobsDequeued     *prometheus.CounterVec
	JobRetries       *prometheus.CounterVec

	// Worker/execution metrics
	WorkersBusy        prometheus.Gauge
	WorkersIdle        prometheus.Gauge
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec

	// Delivery metrics
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Queue metrics
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current number of jobs in the queue by status",
			},
			[]string{"service", "status"},
		),
		JobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_enqueued_total",
				Help: "Total number of jobs enqueued",
			},
			[]string{"service", "task"},
		),
		JobsDequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_dequeued_total",
				Help: "Total number of jobs dequeued for processing",
			},
			[]string{"service", "task"},
		),
		JobRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_retries_total",
				Help: "Total number of job retry attempts",
			},
			[]string{"service", "task"},
		),

		// Worker/execution metrics
		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "workers_busy",
				Help: "Current number of workers executing a task",
			},
		),
		WorkersIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "workers_idle",
				Help: "Current number of idle workers",
			},
		),
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executions_total",
				Help: "Total number of task executions",
			},
			[]string{"service", "task", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "execution_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service", "task"},
		),

		// Delivery metrics
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliveries_total",
				Help: "Total number of output delivery attempts",
			},
			[]string{"service", "destination", "outcome"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "delivery_duration_seconds",
				Help:    "Output delivery duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "destination"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.QueueDepth,
			m.JobsEnqueued,
			m.JobsDequeued,
			m.JobRetries,
			m.WorkersBusy,
			m.WorkersIdle,
			m.ExecutionsTotal,
			m.ExecutionDuration,
			m.DeliveriesTotal,
			m.DeliveryDuration,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// SetQueueDepth records the current queue depth for a job status.
func (m *Metrics) SetQueueDepth(service, status string, depth int) {
	m.QueueDepth.WithLabelValues(service, status).Set(float64(depth))
}

// RecordJobEnqueued records a job being added to the queue.
func (m *Metrics) RecordJobEnqueued(service, task string) {
	m.JobsEnqueued.WithLabelValues(service, task).Inc()
}

// RecordJobDequeued records a job being leased for processing.
func (m *Metrics) RecordJobDequeued(service, task string) {
	m.JobsDequeued.WithLabelValues(service, task).Inc()
}

// RecordJobRetry records a job retry attempt.
func (m *Metrics) RecordJobRetry(service, task string) {
	m.JobRetries.WithLabelValues(service, task).Inc()
}

// SetWorkerCounts updates the busy/idle worker gauges.
func (m *Metrics) SetWorkerCounts(busy, idle int) {
	m.WorkersBusy.Set(float64(busy))
	m.WorkersIdle.Set(float64(idle))
}

// RecordExecution records a completed task execution.
func (m *Metrics) RecordExecution(service, task, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(service, task, status).Inc()
	m.ExecutionDuration.WithLabelValues(service, task).Observe(duration.Seconds())
}

// RecordDelivery records an output delivery attempt.
func (m *Metrics) RecordDelivery(service, destination, outcome string, duration time.Duration) {
	m.DeliveriesTotal.WithLabelValues(service, destination, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(service, destination).Observe(duration.Seconds())
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
