package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection
type Collector struct {
	// API Metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec

	// Ingestion Metrics
	IngestionFilesTotal    prometheus.Counter
	IngestionRecordsTotal  prometheus.Counter
	IngestionRejectedTotal *prometheus.CounterVec
	IngestionDuration      prometheus.Histogram

	// Forecast Metrics
	ForecastAccountsTotal *prometheus.CounterVec
	ForecastFitDuration   prometheus.Histogram
	ForecastRecordsTotal  prometheus.Counter
	ForecastRunDuration   prometheus.Histogram

	// Sink Metrics
	SinkWritesTotal *prometheus.CounterVec

	// Database Metrics
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec

	// Query cache
	QueryCacheHitRatio prometheus.Gauge
}

// NewCollector creates a collector registered with the default registry
func NewCollector(namespace string) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered with reg. Tests pass
// a fresh prometheus.NewRegistry() so collectors never collide.
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
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

		APIErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors by type",
			},
			[]string{"error_type", "endpoint"},
		),

		IngestionFilesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_files_total",
				Help:      "Total number of spreadsheet files read",
			},
		),

		IngestionRecordsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_records_accepted_total",
				Help:      "Total number of meter readings accepted into the dataset",
			},
		),

		IngestionRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_records_rejected_total",
				Help:      "Total number of rows dropped during ingestion by reason",
			},
			[]string{"reason"},
		),

		IngestionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingestion_duration_seconds",
				Help:      "Duration of ingestion operations in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
		),

		ForecastAccountsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forecast_accounts_total",
				Help:      "Accounts processed by the forecast engine by outcome",
			},
			[]string{"status"},
		),

		ForecastFitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forecast_fit_duration_seconds",
				Help:      "Duration of a single account fit and projection",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		ForecastRecordsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forecast_records_total",
				Help:      "Total number of forecast rows produced",
			},
		),

		ForecastRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forecast_run_duration_seconds",
				Help:      "Duration of a complete forecast run",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		SinkWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_writes_total",
				Help:      "Forecast sink writes by sink and result",
			},
			[]string{"sink", "result"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),

		QueryCacheHitRatio: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "query_cache_hit_ratio",
				Help:      "Hit ratio of the forecast query cache",
			},
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

// RecordAPIRequest increments API request counter
func (c *Collector) RecordAPIRequest(endpoint, method, status string) {
	c.APIRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// RecordAPIError increments API error counter
func (c *Collector) RecordAPIError(errorType, endpoint string) {
	c.APIErrorsTotal.WithLabelValues(errorType, endpoint).Inc()
}

// RecordRejected counts n dropped input rows for reason
func (c *Collector) RecordRejected(reason string, n int) {
	c.IngestionRejectedTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordOutcome counts one account outcome and its fit duration
func (c *Collector) RecordOutcome(status string, fit time.Duration) {
	c.ForecastAccountsTotal.WithLabelValues(status).Inc()
	if fit > 0 {
		c.ForecastFitDuration.Observe(fit.Seconds())
	}
}

// RecordSinkWrite counts a sink write attempt
func (c *Collector) RecordSinkWrite(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.SinkWritesTotal.WithLabelValues(sink, result).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}
