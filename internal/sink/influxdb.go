// Package sink publishes forecast runs to external time-series stores.
package sink

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"lighting-forecast/internal/config"
	"lighting-forecast/internal/forecast"
	"lighting-forecast/internal/models"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

const sinkName = "influxdb"

// Run is what a sink receives once per forecast run
type Run struct {
	ID      string
	At      time.Time
	Records []models.ForecastRecord
	Summary forecast.Summary
}

// PointWriter is the subset of the InfluxDB blocking write API the sink uses
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes forecast rows and run summaries to InfluxDB v2
type InfluxSink struct {
	client      influxdb2.Client
	writer      PointWriter
	measurement string
	logger      *logging.StructuredLogger
	metrics     *metrics.Collector
}

// NewInfluxSink connects to InfluxDB and verifies the server is healthy
func NewInfluxSink(ctx context.Context, cfg config.InfluxDBConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	s := NewInfluxSinkWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement, logger, metricsCollector)
	s.client = client

	logger.Info(ctx, "[SINK_CONNECTED] InfluxDB connection verified", logging.Fields{
		"url":    cfg.URL,
		"org":    cfg.Org,
		"bucket": cfg.Bucket,
	})
	return s, nil
}

// NewInfluxSinkWithWriter builds a sink around an existing writer
func NewInfluxSinkWithWriter(w PointWriter, measurement string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *InfluxSink {
	if measurement == "" {
		measurement = "consumption_forecast"
	}
	return &InfluxSink{
		writer:      w,
		measurement: measurement,
		logger:      logger,
		metrics:     metricsCollector,
	}
}

// Write publishes one point per forecast row plus a run summary point
func (s *InfluxSink) Write(ctx context.Context, run Run) error {
	points := ForecastPoints(s.measurement, run.ID, run.Records)
	points = append(points, SummaryPoint(s.measurement+"_runs", run))

	err := s.writer.WritePoint(ctx, points...)
	s.metrics.RecordSinkWrite(sinkName, err)
	if err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}

	s.logger.Info(ctx, "[SINK_WRITE] Forecast published", logging.Fields{
		"sink":   sinkName,
		"points": len(points),
	})
	return nil
}

// Close releases the client, if the sink owns one
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// ForecastPoints converts forecast rows into points stamped at the first day
// of their target month, tagged by account and run.
func ForecastPoints(measurement, runID string, records []models.ForecastRecord) []*write.Point {
	points := make([]*write.Point, 0, len(records))
	for _, rec := range records {
		points = append(points, write.NewPoint(
			measurement,
			map[string]string{
				"account": rec.Account,
				"run_id":  runID,
			},
			map[string]interface{}{
				"predicted_kwh": rec.PredictedKWh,
			},
			rec.Period().FirstDay(),
		))
	}
	return points
}

// SummaryPoint converts the account counts of a run into one point
func SummaryPoint(measurement string, run Run) *write.Point {
	at := run.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return write.NewPoint(
		measurement,
		map[string]string{"run_id": run.ID},
		map[string]interface{}{
			"accounts":   run.Summary.Accounts,
			"forecasted": run.Summary.Forecasted,
			"ineligible": run.Summary.Ineligible,
			"fit_failed": run.Summary.FitFailed,
			"records":    run.Summary.Records,
		},
		at,
	)
}
