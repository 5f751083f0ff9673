package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection
type Collector struct {
	// Pipeline Metrics
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	WindowsTotal       *prometheus.CounterVec
	SummaryRowsLoaded  prometheus.Counter
	RecordsExtracted   *prometheus.CounterVec
	StageErrorsTotal   *prometheus.CounterVec
	InvalidLocations   prometheus.Counter
	WatermarkTimestamp prometheus.Gauge

	// Database Metrics
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec

	// API Metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	StageDuration *prometheus.HistogramVec
}

// NewCollectorWithRegisterer creates a collector registered with reg. Tests pass a
// fresh prometheus.NewRegistry() so collectors can be built repeatedly.
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total number of pipeline runs by final status",
			},
			[]string{"status"},
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_run_duration_seconds",
				Help:      "Duration of a full pipeline run in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600},
			},
		),

		WindowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_windows_total",
				Help:      "Hourly windows processed by outcome (loaded, empty, failed)",
			},
			[]string{"outcome"},
		),

		SummaryRowsLoaded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "summary_rows_loaded_total",
				Help:      "Summary rows reported as inserted by the destination store",
			},
		),

		RecordsExtracted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_extracted_total",
				Help:      "Rows returned by the source store per metric query",
			},
			[]string{"metric"},
		),

		StageErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_errors_total",
				Help:      "Pipeline stage failures by stage",
			},
			[]string{"stage"},
		),

		InvalidLocations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_locations_total",
				Help:      "Source records skipped because their location payload could not be decoded",
			},
		),

		WatermarkTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watermark_timestamp_seconds",
				Help:      "Unix time of the most recently resolved watermark",
			},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by store and query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 5},
			},
			[]string{"store", "query_type"},
		),

		DBConnectionPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"store", "state"}, // state: "in_use", "idle", "total"
		),

		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by store and type",
			},
			[]string{"store", "error_type"},
		),

		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests by endpoint, method, and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		APIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"endpoint"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 30},
			},
			[]string{"stage"},
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer
func (c *Collector) NewTimer(histogram prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram,
	}
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// StageTimer starts a timer for one pipeline stage
func (c *Collector) StageTimer(stage string) *Timer {
	return c.NewTimer(c.StageDuration.WithLabelValues(stage))
}

// RecordRun increments the run counter for the given status
func (c *Collector) RecordRun(status string) {
	c.RunsTotal.WithLabelValues(status).Inc()
}

// RecordWindow increments the window counter for the given outcome
func (c *Collector) RecordWindow(outcome string) {
	c.WindowsTotal.WithLabelValues(outcome).Inc()
}

// RecordStageError increments the stage error counter
func (c *Collector) RecordStageError(stage string) {
	c.StageErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordAPIRequest increments API request counter
func (c *Collector) RecordAPIRequest(endpoint, method, status string) {
	c.APIRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(store, errorType string) {
	c.DBErrorsTotal.WithLabelValues(store, errorType).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(store string, inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues(store, "in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues(store, "idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues(store, "total").Set(float64(total))
}
