package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"lighting-forecast/internal/forecast"
	"lighting-forecast/internal/models"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

type recordingWriter struct {
	points []*write.Point
	err    error
}

func (w *recordingWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, point...)
	return nil
}

func TestForecastPoints(t *testing.T) {
	records := []models.ForecastRecord{
		{Account: "0012", Year: 2024, Month: 12, MonthName: "Diciembre", PredictedKWh: 100.5},
	}

	points := ForecastPoints("consumption_forecast", "run-1", records)
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}

	p := points[0]
	if p.Name() != "consumption_forecast" {
		t.Errorf("Name() = %q", p.Name())
	}
	if !p.Time().Equal(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Time() = %v, want 2024-12-01", p.Time())
	}

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["account"] != "0012" || tags["run_id"] != "run-1" {
		t.Errorf("tags = %v", tags)
	}

	fields := p.FieldList()
	if len(fields) != 1 || fields[0].Key != "predicted_kwh" || fields[0].Value != 100.5 {
		t.Errorf("fields = %+v", fields)
	}
}

func TestInfluxSinkWrite(t *testing.T) {
	m := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	w := &recordingWriter{}
	s := NewInfluxSinkWithWriter(w, "", logging.NewNopLogger(), m)

	run := Run{
		ID: "run-1",
		At: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Records: []models.ForecastRecord{
			{Account: "A", Year: 2025, Month: 1, PredictedKWh: 1},
			{Account: "A", Year: 2025, Month: 2, PredictedKWh: 2},
		},
		Summary: forecast.Summary{Accounts: 2, Forecasted: 1, Ineligible: 1, Records: 2},
	}

	if err := s.Write(context.Background(), run); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(w.points) != 3 {
		t.Fatalf("wrote %d points, want 3", len(w.points))
	}
	if got := w.points[2].Name(); got != "consumption_forecast_runs" {
		t.Errorf("summary measurement = %q", got)
	}
	if got := testutil.ToFloat64(m.SinkWritesTotal.WithLabelValues("influxdb", "ok")); got != 1 {
		t.Errorf("ok writes = %v, want 1", got)
	}

	w.err = errors.New("unavailable")
	if err := s.Write(context.Background(), run); err == nil {
		t.Fatal("expected write error")
	}
	if got := testutil.ToFloat64(m.SinkWritesTotal.WithLabelValues("influxdb", "error")); got != 1 {
		t.Errorf("error writes = %v, want 1", got)
	}
}
