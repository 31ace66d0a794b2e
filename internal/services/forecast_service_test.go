package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"lighting-forecast/internal/forecast"
	"lighting-forecast/internal/models"
	"lighting-forecast/internal/repository"
	"lighting-forecast/internal/sink"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

// lastValueModel projects the last observed value and fails on a marker value
type lastValueModel struct{}

type lastValueFit struct{ last float64 }

func (lastValueModel) Fit(ctx context.Context, values []float64) (forecast.Fitted, error) {
	last := values[len(values)-1]
	if last == 999 {
		return nil, forecast.ErrDegenerateSeries
	}
	return lastValueFit{last: last}, nil
}

func (f lastValueFit) Forecast(steps int) ([]float64, error) {
	out := make([]float64, steps)
	for i := range out {
		out[i] = f.last
	}
	return out, nil
}

type recordingSink struct {
	runs []sink.Run
	err  error
}

func (s *recordingSink) Write(ctx context.Context, run sink.Run) error {
	s.runs = append(s.runs, run)
	return s.err
}

const pipelineCSV = "cuenta,año,mes,consumo_act\n" +
	"A,2024,1,100\n" +
	"A,2024,2,110\n" +
	"A,2024,3,120\n" +
	"A,2024,3,5\n" +
	"B,2024,1,40\n" +
	"B,2024,2,40\n" +
	"C,2024,1,10\n" +
	"C,2024,2,20\n" +
	"C,2024,3,999\n" +
	"D,2024,1,-3\n"

func newPipeline(t *testing.T) (*ForecastService, *metrics.Collector, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "readings.csv"), []byte(pipelineCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	m := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	logger := logging.NewNopLogger()
	engine, err := forecast.NewEngine(lastValueModel{}, forecast.EngineConfig{
		Horizon:   6,
		MinPoints: 3,
		Workers:   2,
		Locale:    models.LocaleES,
	}, logger, m)
	if err != nil {
		t.Fatal(err)
	}

	svc := NewForecastService(
		NewIngestionService("", logger, m),
		NewDiagnosticsService(logger),
		engine,
		forecast.Order{P: 1, D: 1, Q: 1},
		models.LocaleES,
		logger,
		m,
	)
	return svc, m, dir
}

func TestExecuteRun(t *testing.T) {
	svc, m, dir := newPipeline(t)
	repo := repository.NewMemoryRepository()
	rs := &recordingSink{}
	svc.WithRepository(repo).WithSink(rs)

	out := t.TempDir()
	opts := RunOptions{
		InputPath:    dir,
		ForecastPath: filepath.Join(out, "forecast.xlsx"),
		CleanPath:    filepath.Join(out, "clean.csv"),
		ReportPath:   filepath.Join(out, "report.pdf"),
	}

	result, err := svc.Execute(context.Background(), opts)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	summary := result.Table.Summary
	if summary.Accounts != 3 || summary.Forecasted != 1 || summary.Ineligible != 1 || summary.FitFailed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Records != 6 {
		t.Fatalf("records = %d, want 6", summary.Records)
	}

	first := result.Table.Records[0]
	if first.Account != "A" || first.Year != 2024 || first.Month != 4 || first.MonthName != "Abril" {
		t.Errorf("first record = %+v", first)
	}
	// Same-month readings are summed before the fit.
	if first.PredictedKWh != 125 {
		t.Errorf("PredictedKWh = %v, want 125", first.PredictedKWh)
	}

	if result.Run.InputRecords != 10 || result.Run.RejectedRecords != 1 {
		t.Errorf("run input/rejected = %d/%d", result.Run.InputRecords, result.Run.RejectedRecords)
	}

	for _, p := range []string{opts.ForecastPath, opts.CleanPath, opts.ReportPath} {
		if info, err := os.Stat(p); err != nil || info.Size() == 0 {
			t.Errorf("%s not written: %v", p, err)
		}
	}
	clean, _ := os.ReadFile(opts.CleanPath)
	if lines := strings.Count(string(clean), "\n"); lines != 10 {
		t.Errorf("clean dataset has %d lines, want 10", lines)
	}

	stored, err := repo.GetRun(context.Background(), result.Run.ID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if stored.Records != 6 {
		t.Errorf("stored records = %d", stored.Records)
	}
	outcomes, total, _ := repo.ListOutcomes(context.Background(), repository.OutcomeFilter{RunID: result.Run.ID, Limit: 10})
	if total != 3 || outcomes[2].Error == nil || outcomes[2].Account != "C" {
		t.Errorf("stored outcomes = %+v", outcomes)
	}

	if len(rs.runs) != 1 || len(rs.runs[0].Records) != 6 {
		t.Errorf("sink runs = %+v", rs.runs)
	}

	if got := testutil.ToFloat64(m.ForecastRecordsTotal); got != 6 {
		t.Errorf("records metric = %v, want 6", got)
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	svc, _, dir := newPipeline(t)

	first, err := svc.Execute(context.Background(), RunOptions{InputPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Execute(context.Background(), RunOptions{InputPath: dir})
	if err != nil {
		t.Fatal(err)
	}

	if first.Run.ID == second.Run.ID {
		t.Error("runs should get distinct IDs")
	}
	if len(first.Table.Records) != len(second.Table.Records) {
		t.Fatalf("record counts differ: %d vs %d", len(first.Table.Records), len(second.Table.Records))
	}
	for i := range first.Table.Records {
		if first.Table.Records[i] != second.Table.Records[i] {
			t.Errorf("record %d differs: %+v vs %+v", i, first.Table.Records[i], second.Table.Records[i])
		}
	}
}

func TestExecuteSinkFailure(t *testing.T) {
	svc, _, dir := newPipeline(t)
	svc.WithSink(&recordingSink{err: errors.New("unavailable")})

	if _, err := svc.Execute(context.Background(), RunOptions{InputPath: dir}); err == nil {
		t.Fatal("expected sink failure to fail the run")
	}
}

func TestExecuteUnreadableInput(t *testing.T) {
	svc, _, _ := newPipeline(t)
	if _, err := svc.Execute(context.Background(), RunOptions{InputPath: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("expected error for missing input")
	}
}

func TestAccountOutcomes(t *testing.T) {
	outcomes := []forecast.Outcome{
		{Account: "A", Status: forecast.StatusForecasted, Points: 3, LastMonth: models.Month{Year: 2024, Month: time.March}, Duration: 1500 * time.Microsecond},
		{Account: "B", Status: forecast.StatusFitFailed, Points: 12, Err: forecast.ErrNotConverged},
		{Account: "C", Status: forecast.StatusIneligible},
	}

	got := AccountOutcomes("run-1", outcomes)
	if *got[0].LastMonth != "2024-03" || got[0].FitMillis != 1 || got[0].Error != nil {
		t.Errorf("A = %+v", got[0])
	}
	if got[1].Error == nil || *got[1].Error != forecast.ErrNotConverged.Error() {
		t.Errorf("B = %+v", got[1])
	}
	if got[2].LastMonth != nil || got[2].RunID != "run-1" || got[2].Status != "ineligible" {
		t.Errorf("C = %+v", got[2])
	}
}
