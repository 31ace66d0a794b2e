package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"lighting-forecast/internal/models"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

// Status is the terminal state of one account in a run
type Status string

const (
	StatusPending    Status = ""
	StatusIneligible Status = "ineligible"
	StatusFitFailed  Status = "fit_failed"
	StatusForecasted Status = "forecasted"
)

// Outcome is the result of forecasting one account. Records is non-empty
// only for StatusForecasted and then holds exactly Horizon entries.
type Outcome struct {
	Account   string
	Status    Status
	Points    int
	LastMonth models.Month
	Records   []models.ForecastRecord
	Err       error
	Duration  time.Duration
	// Residuals is set for forecasted accounts when the engine keeps them.
	Residuals []float64
}

// EngineConfig holds the per-run forecast parameters
type EngineConfig struct {
	Horizon   int
	MinPoints int
	Workers   int
	// FitTimeout bounds one account's fit and projection. Zero means no limit.
	FitTimeout    time.Duration
	Locale        models.Locale
	KeepResiduals bool
}

// Engine fits one model per account and projects Horizon months
type Engine struct {
	model   Model
	cfg     EngineConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewEngine creates an engine. logger and metricsCollector may be nil.
func NewEngine(model Model, cfg EngineConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*Engine, error) {
	if model == nil {
		return nil, errors.New("forecast model is required")
	}
	if cfg.Horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", cfg.Horizon)
	}
	if cfg.MinPoints < 1 {
		return nil, fmt.Errorf("min points must be at least 1, got %d", cfg.MinPoints)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Locale == "" {
		cfg.Locale = models.LocaleES
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Engine{model: model, cfg: cfg, logger: logger, metrics: metricsCollector}, nil
}

// Horizon returns the number of months projected per account
func (e *Engine) Horizon() int {
	return e.cfg.Horizon
}

// Run forecasts every series on a bounded worker pool. Outcome i always
// belongs to series i. Accounts not reached before ctx is done are marked
// FitFailed with the context error.
func (e *Engine) Run(ctx context.Context, all []models.MonthlySeries) []Outcome {
	outcomes := make([]Outcome, len(all))
	if len(all) == 0 {
		return outcomes
	}

	workers := e.cfg.Workers
	if workers > len(all) {
		workers = len(all)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = e.Forecast(ctx, all[i])
			}
		}()
	}

dispatch:
	for i := range all {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	for i := range outcomes {
		if outcomes[i].Status != StatusPending {
			continue
		}
		outcomes[i] = e.fail(ctx, Outcome{
			Account: all[i].Account,
			Points:  all[i].Len(),
		}, fmt.Errorf("not processed: %w", ctx.Err()))
	}

	return outcomes
}

// Forecast runs the per-account pipeline on one series. It never returns an
// error; failures are reported through the Outcome.
func (e *Engine) Forecast(ctx context.Context, s models.MonthlySeries) Outcome {
	start := time.Now()
	out := Outcome{Account: s.Account, Points: s.Len()}
	out.LastMonth, _ = s.LastMonth()
	ctx = logging.WithAccount(ctx, s.Account)

	if s.Len() < e.cfg.MinPoints {
		out.Status = StatusIneligible
		out.Duration = time.Since(start)
		e.logger.Debug(ctx, "[FORECAST_INELIGIBLE] Series too short, account skipped", logging.Fields{
			"account":    s.Account,
			"points":     s.Len(),
			"min_points": e.cfg.MinPoints,
		})
		e.record(out)
		return out
	}

	if err := ctx.Err(); err != nil {
		return e.fail(ctx, out, fmt.Errorf("fit interrupted: %w", err))
	}

	fitCtx := ctx
	if e.cfg.FitTimeout > 0 {
		var cancel context.CancelFunc
		fitCtx, cancel = context.WithTimeout(ctx, e.cfg.FitTimeout)
		defer cancel()
	}

	fitted, err := e.model.Fit(fitCtx, s.Values())
	if err != nil {
		out.Duration = time.Since(start)
		return e.fail(ctx, out, err)
	}

	projected, err := fitted.Forecast(e.cfg.Horizon)
	if err != nil {
		out.Duration = time.Since(start)
		return e.fail(ctx, out, fmt.Errorf("projection: %w", err))
	}
	if len(projected) != e.cfg.Horizon {
		out.Duration = time.Since(start)
		return e.fail(ctx, out, fmt.Errorf("projection returned %d values, want %d", len(projected), e.cfg.Horizon))
	}

	records := make([]models.ForecastRecord, e.cfg.Horizon)
	month := out.LastMonth
	for h, v := range projected {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out.Duration = time.Since(start)
			return e.fail(ctx, out, fmt.Errorf("%w: step %d", ErrNonFinite, h+1))
		}
		month = month.Next()
		records[h] = models.ForecastRecord{
			Account:      s.Account,
			Year:         month.Year,
			Month:        int(month.Month),
			MonthName:    e.cfg.Locale.MonthName(month.Month),
			PredictedKWh: RoundKWh(v),
		}
	}

	if e.cfg.KeepResiduals {
		if r, ok := fitted.(interface{ ResidualSeries() []float64 }); ok {
			out.Residuals = r.ResidualSeries()
		}
	}

	out.Status = StatusForecasted
	out.Records = records
	out.Duration = time.Since(start)
	e.record(out)
	return out
}

func (e *Engine) fail(ctx context.Context, out Outcome, err error) Outcome {
	out.Status = StatusFitFailed
	out.Err = err
	out.Records = nil
	e.logger.Warn(ctx, "[FORECAST_SKIP] Model fit failed, account skipped", logging.Fields{
		"account": out.Account,
		"points":  out.Points,
		"cause":   err.Error(),
	})
	e.record(out)
	return out
}

func (e *Engine) record(out Outcome) {
	if e.metrics != nil {
		e.metrics.RecordOutcome(string(out.Status), out.Duration)
	}
}

// RoundKWh floors a projected value at zero and rounds it to two decimals
func RoundKWh(v float64) float64 {
	v = math.Max(0, v)
	return math.Round(v*100) / 100
}
