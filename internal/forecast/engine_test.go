package forecast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"lighting-forecast/internal/models"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

// stubModel returns a fixed projection, or fails with err.
type stubModel struct {
	projection []float64
	err        error
	block      bool
}

type stubFitted struct{ projection []float64 }

func (s stubModel) Fit(ctx context.Context, values []float64) (Fitted, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return stubFitted{projection: s.projection}, nil
}

func (f stubFitted) Forecast(steps int) ([]float64, error) {
	return f.projection, nil
}

func monthlySeries(account string, start models.Month, values ...float64) models.MonthlySeries {
	s := models.MonthlySeries{Account: account}
	m := start
	for _, v := range values {
		s.Points = append(s.Points, models.MonthlyPoint{Month: m, ConsumptionKWh: v})
		m = m.Next()
	}
	return s
}

func seasonal(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1000 + 150*math.Sin(float64(i)*math.Pi/6) + float64((i*37)%11)*9
	}
	return out
}

func newTestEngine(t *testing.T, model Model, cfg EngineConfig) (*Engine, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.NewStructuredLogger("forecast-test", "0.0.0", logging.DebugLevel)
	logger.SetOutput(&buf)
	if cfg.Horizon == 0 {
		cfg.Horizon = 6
	}
	if cfg.MinPoints == 0 {
		cfg.MinPoints = 3
	}
	engine, err := NewEngine(model, cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine, &buf
}

func TestEngine_Scenarios(t *testing.T) {
	jan22 := models.Month{Year: 2022, Month: time.January}
	input := []models.MonthlySeries{
		monthlySeries("A1", models.Month{Year: 2024, Month: time.January}, 100, 100, 100),
		monthlySeries("A2", models.Month{Year: 2024, Month: time.January}, 10, 20),
		monthlySeries("A3", jan22, repeat(100, 24)...),
		monthlySeries("A4", jan22, seasonal(24)...),
	}

	engine, logs := newTestEngine(t, ARIMA{Order: Order{1, 1, 1}}, EngineConfig{Workers: 2})
	outcomes := engine.Run(context.Background(), input)

	wantStatus := []Status{StatusForecasted, StatusIneligible, StatusFitFailed, StatusForecasted}
	for i, want := range wantStatus {
		if outcomes[i].Account != input[i].Account {
			t.Errorf("outcome %d account = %q, want %q", i, outcomes[i].Account, input[i].Account)
		}
		if outcomes[i].Status != want {
			t.Errorf("%s status = %q, want %q (err=%v)", input[i].Account, outcomes[i].Status, want, outcomes[i].Err)
		}
	}

	for _, r := range outcomes[0].Records {
		if r.PredictedKWh != 100 {
			t.Errorf("A1 %d-%02d = %v, want 100", r.Year, r.Month, r.PredictedKWh)
		}
	}
	if len(outcomes[1].Records) != 0 {
		t.Errorf("A2 produced %d records, want 0", len(outcomes[1].Records))
	}
	if !errors.Is(outcomes[2].Err, ErrDegenerateSeries) {
		t.Errorf("A3 err = %v, want ErrDegenerateSeries", outcomes[2].Err)
	}

	out := logs.String()
	if !strings.Contains(out, `"level":"WARN"`) || !strings.Contains(out, `"account":"A3"`) {
		t.Errorf("expected a WARN log line for A3, got:\n%s", out)
	}

	table := Aggregate(outcomes)
	if table.Summary.Records != 12 || table.Summary.Forecasted != 2 {
		t.Errorf("summary = %+v, want 12 records from 2 accounts", table.Summary)
	}
	if err := table.Check(engine.Horizon()); err != nil {
		t.Error(err)
	}
}

func TestEngine_HorizonMonthsFollowLastObservation(t *testing.T) {
	s := monthlySeries("X", models.Month{Year: 2024, Month: time.June}, seasonal(6)...)
	engine, _ := newTestEngine(t, stubModel{projection: []float64{1, 2, 3, 4, 5, 6}}, EngineConfig{Locale: models.LocaleES})

	out := engine.Forecast(context.Background(), s)
	if out.Status != StatusForecasted {
		t.Fatalf("status = %q, err = %v", out.Status, out.Err)
	}

	want := []struct {
		year  int
		month int
		name  string
	}{
		{2024, 12, "Diciembre"},
		{2025, 1, "Enero"},
		{2025, 2, "Febrero"},
		{2025, 3, "Marzo"},
		{2025, 4, "Abril"},
		{2025, 5, "Mayo"},
	}
	if len(out.Records) != len(want) {
		t.Fatalf("got %d records, want %d", len(out.Records), len(want))
	}
	for i, w := range want {
		r := out.Records[i]
		if r.Year != w.year || r.Month != w.month || r.MonthName != w.name || r.Account != "X" {
			t.Errorf("record %d = %+v, want %d-%02d %s", i, r, w.year, w.month, w.name)
		}
	}
}

func TestEngine_ClipsAndRounds(t *testing.T) {
	s := monthlySeries("N", models.Month{Year: 2024, Month: time.January}, 5, 4, 3)
	projection := []float64{-5, -0.004, 3.14159, 10, 0.006, 7}
	engine, _ := newTestEngine(t, stubModel{projection: projection}, EngineConfig{})

	out := engine.Forecast(context.Background(), s)

	want := []float64{0, 0, 3.14, 10, 0.01, 7}
	for i, r := range out.Records {
		if r.PredictedKWh != want[i] {
			t.Errorf("record %d = %v, want %v", i, r.PredictedKWh, want[i])
		}
		if r.PredictedKWh < 0 {
			t.Errorf("record %d is negative: %v", i, r.PredictedKWh)
		}
	}
}

func TestEngine_FailuresAreContained(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		model Model
		want  error
	}{
		{"fit error", stubModel{err: boom}, boom},
		{"short projection", stubModel{projection: []float64{1, 2}}, nil},
		{"non-finite projection", stubModel{projection: []float64{1, math.NaN(), 3, 4, 5, 6}}, ErrNonFinite},
	}

	s := monthlySeries("F", models.Month{Year: 2024, Month: time.January}, 1, 2, 3, 4)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := newTestEngine(t, tt.model, EngineConfig{})
			out := engine.Forecast(context.Background(), s)
			if out.Status != StatusFitFailed {
				t.Fatalf("status = %q, want fit_failed", out.Status)
			}
			if len(out.Records) != 0 {
				t.Errorf("failed outcome carries %d records", len(out.Records))
			}
			if tt.want != nil && !errors.Is(out.Err, tt.want) {
				t.Errorf("err = %v, want %v", out.Err, tt.want)
			}
		})
	}
}

func TestEngine_FitTimeout(t *testing.T) {
	s := monthlySeries("T", models.Month{Year: 2024, Month: time.January}, 1, 2, 3)
	engine, _ := newTestEngine(t, stubModel{block: true}, EngineConfig{FitTimeout: 10 * time.Millisecond})

	out := engine.Forecast(context.Background(), s)
	if out.Status != StatusFitFailed || !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("outcome = %q / %v, want fit_failed with deadline exceeded", out.Status, out.Err)
	}
}

func TestEngine_RunPreservesInputOrder(t *testing.T) {
	var input []models.MonthlySeries
	for i := 0; i < 50; i++ {
		input = append(input, monthlySeries(fmt.Sprintf("acct-%02d", i), models.Month{Year: 2023, Month: time.March}, seasonal(3+i%5)...))
	}

	engine, _ := newTestEngine(t, stubModel{projection: []float64{1, 1, 1, 1, 1, 1}}, EngineConfig{Workers: 8})
	outcomes := engine.Run(context.Background(), input)

	if len(outcomes) != len(input) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(input))
	}
	for i := range input {
		if outcomes[i].Account != input[i].Account {
			t.Fatalf("outcome %d account = %q, want %q", i, outcomes[i].Account, input[i].Account)
		}
		if outcomes[i].Status != StatusForecasted {
			t.Errorf("outcome %d status = %q", i, outcomes[i].Status)
		}
	}
}

func TestEngine_RunIsIdempotent(t *testing.T) {
	jan := models.Month{Year: 2022, Month: time.January}
	input := []models.MonthlySeries{
		monthlySeries("S1", jan, seasonal(36)...),
		monthlySeries("S2", jan, seasonal(18)...),
		monthlySeries("S3", jan, 10, 12),
	}
	engine, _ := newTestEngine(t, ARIMA{Order: Order{1, 1, 1}}, EngineConfig{Workers: 3})

	first := Aggregate(engine.Run(context.Background(), input))
	second := Aggregate(engine.Run(context.Background(), input))

	if !reflect.DeepEqual(first.Records, second.Records) {
		t.Errorf("runs differ:\n%v\n%v", first.Records, second.Records)
	}
}

func TestEngine_CancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := []models.MonthlySeries{
		monthlySeries("C1", models.Month{Year: 2024, Month: time.January}, 1, 2, 3),
		monthlySeries("C2", models.Month{Year: 2024, Month: time.January}, 1, 2, 3),
	}
	engine, _ := newTestEngine(t, stubModel{projection: repeat(1, 6)}, EngineConfig{Workers: 1})

	for _, o := range engine.Run(ctx, input) {
		if o.Status != StatusFitFailed || !errors.Is(o.Err, context.Canceled) {
			t.Errorf("%s = %q / %v, want fit_failed with context.Canceled", o.Account, o.Status, o.Err)
		}
	}
}

func TestEngine_RecordsMetrics(t *testing.T) {
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	engine, err := NewEngine(stubModel{projection: repeat(2, 6)}, EngineConfig{Horizon: 6, MinPoints: 3}, nil, collector)
	if err != nil {
		t.Fatal(err)
	}

	engine.Run(context.Background(), []models.MonthlySeries{
		monthlySeries("M1", models.Month{Year: 2024, Month: time.January}, 1, 2, 3),
		monthlySeries("M2", models.Month{Year: 2024, Month: time.January}, 1),
	})

	if got := testutil.ToFloat64(collector.ForecastAccountsTotal.WithLabelValues("forecasted")); got != 1 {
		t.Errorf("forecasted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.ForecastAccountsTotal.WithLabelValues("ineligible")); got != 1 {
		t.Errorf("ineligible = %v, want 1", got)
	}
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := NewEngine(nil, EngineConfig{Horizon: 6, MinPoints: 3}, nil, nil); err == nil {
		t.Error("expected error for nil model")
	}
	if _, err := NewEngine(stubModel{}, EngineConfig{Horizon: 0, MinPoints: 3}, nil, nil); err == nil {
		t.Error("expected error for zero horizon")
	}
}
