package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"lighting-forecast/internal/export"
	"lighting-forecast/internal/forecast"
	"lighting-forecast/internal/models"
	"lighting-forecast/internal/repository"
	"lighting-forecast/internal/series"
	"lighting-forecast/internal/sink"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

// RunSink receives the result of every completed run
type RunSink interface {
	Write(ctx context.Context, run sink.Run) error
}

// RunOptions selects the input and the files a run writes. Empty output
// paths are skipped.
type RunOptions struct {
	InputPath    string
	ForecastPath string
	CleanPath    string
	ReportPath   string
}

// RunResult is everything a run produced
type RunResult struct {
	Run         models.ForecastRun
	Table       *forecast.Table
	Outcomes    []forecast.Outcome
	Ingestion   *IngestionResult
	Diagnostics *DiagnosticsReport
	Residuals   []ResidualCheck
}

// ForecastService runs the batch pipeline: ingest, build series, forecast,
// aggregate, then export and publish.
type ForecastService struct {
	ingestion   *IngestionService
	diagnostics *DiagnosticsService
	engine      *forecast.Engine
	repo        repository.ForecastRepository
	sinks       []RunSink
	order       forecast.Order
	locale      models.Locale
	logger      *logging.StructuredLogger
	metrics     *metrics.Collector
	now         func() time.Time
}

// NewForecastService creates a new forecast service. diagnostics may be nil.
func NewForecastService(
	ingestion *IngestionService,
	diagnostics *DiagnosticsService,
	engine *forecast.Engine,
	order forecast.Order,
	locale models.Locale,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *ForecastService {
	return &ForecastService{
		ingestion:   ingestion,
		diagnostics: diagnostics,
		engine:      engine,
		order:       order,
		locale:      locale,
		logger:      logger,
		metrics:     metricsCollector,
		now:         time.Now,
	}
}

// WithRepository persists every run to repo
func (s *ForecastService) WithRepository(repo repository.ForecastRepository) *ForecastService {
	s.repo = repo
	return s
}

// WithSink publishes every run to sk
func (s *ForecastService) WithSink(sk RunSink) *ForecastService {
	s.sinks = append(s.sinks, sk)
	return s
}

// Execute runs the whole pipeline once. Accounts that cannot be forecast
// never fail the run; unreadable input, unwritable output and failing
// stores do.
func (s *ForecastService) Execute(ctx context.Context, opts RunOptions) (*RunResult, error) {
	started := s.now().UTC()
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)

	s.logger.Info(ctx, "[RUN_START] Starting forecast run", logging.Fields{
		"input_path": opts.InputPath,
		"model":      s.order.String(),
		"horizon":    s.engine.Horizon(),
	})

	ingested, err := s.ingestion.IngestPath(ctx, opts.InputPath)
	if err != nil {
		return nil, err
	}

	result := &RunResult{Ingestion: ingested}
	if s.diagnostics != nil {
		result.Diagnostics = s.diagnostics.Analyze(ctx, ingested.Readings)
	}

	table, outcomes, err := s.ForecastReadings(ctx, ingested.Readings)
	if err != nil {
		return nil, err
	}
	result.Table = table
	result.Outcomes = outcomes
	if s.diagnostics != nil {
		result.Residuals = s.diagnostics.CheckResiduals(ctx, outcomes, s.order)
	}

	result.Run = models.ForecastRun{
		ID:              runID,
		StartedAt:       started,
		Horizon:         s.engine.Horizon(),
		OrderP:          s.order.P,
		OrderD:          s.order.D,
		OrderQ:          s.order.Q,
		InputRecords:    ingested.TotalRecords,
		RejectedRecords: ingested.FailedRecords,
		Accounts:        table.Summary.Accounts,
		Forecasted:      table.Summary.Forecasted,
		Ineligible:      table.Summary.Ineligible,
		FitFailed:       table.Summary.FitFailed,
		Records:         table.Summary.Records,
	}

	if err := s.writeOutputs(ctx, opts, result); err != nil {
		return nil, err
	}

	result.Run.FinishedAt = s.now().UTC()
	result.Run.Duration = result.Run.FinishedAt.Sub(started)

	if err := s.publish(ctx, result); err != nil {
		return nil, err
	}

	s.metrics.ForecastRecordsTotal.Add(float64(table.Summary.Records))
	s.metrics.ForecastRunDuration.Observe(result.Run.Duration.Seconds())

	s.logger.Info(ctx, "[RUN_COMPLETE] Forecast run completed", logging.Fields{
		"accounts":         table.Summary.Accounts,
		"forecasted":       table.Summary.Forecasted,
		"ineligible":       table.Summary.Ineligible,
		"fit_failed":       table.Summary.FitFailed,
		"total_records":    table.Summary.Records,
		"duration_seconds": result.Run.Duration.Seconds(),
		"stage":            "COMPLETE",
	})

	return result, nil
}

// ForecastReadings builds one series per account, forecasts them and merges
// the results in first-seen account order.
func (s *ForecastService) ForecastReadings(ctx context.Context, readings []models.Reading) (*forecast.Table, []forecast.Outcome, error) {
	all := series.BuildAll(readings)

	s.logger.Info(ctx, "[FORECAST_START] Forecasting accounts", logging.Fields{
		"accounts": len(all),
		"readings": len(readings),
	})

	outcomes := s.engine.Run(ctx, all)
	table := forecast.Aggregate(outcomes)
	if err := table.Check(s.engine.Horizon()); err != nil {
		return nil, nil, err
	}

	// A cancelled run leaves accounts unprocessed; that is not a result.
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("forecast interrupted: %w", err)
	}

	return table, outcomes, nil
}

func (s *ForecastService) writeOutputs(ctx context.Context, opts RunOptions, result *RunResult) error {
	if opts.ForecastPath != "" {
		if err := export.WriteFile(opts.ForecastPath, export.ForecastTable(result.Table.Records, s.locale)); err != nil {
			return fmt.Errorf("write forecast: %w", err)
		}
		s.logger.Info(ctx, "[EXPORT_FORECAST] Forecast written", logging.Fields{
			"path":    opts.ForecastPath,
			"records": len(result.Table.Records),
		})
	}

	if opts.CleanPath != "" {
		if err := export.WriteFile(opts.CleanPath, export.ReadingsTable(result.Ingestion.Readings, result.Ingestion.Columns, s.locale)); err != nil {
			return fmt.Errorf("write clean dataset: %w", err)
		}
		s.logger.Info(ctx, "[EXPORT_CLEAN] Clean dataset written", logging.Fields{
			"path":     opts.CleanPath,
			"readings": len(result.Ingestion.Readings),
		})
	}

	if opts.ReportPath != "" {
		if err := export.WriteReportFile(opts.ReportPath, s.report(result)); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		s.logger.Info(ctx, "[EXPORT_REPORT] Run report written", logging.Fields{
			"path": opts.ReportPath,
		})
	}
	return nil
}

func (s *ForecastService) report(result *RunResult) *export.Report {
	facts := []export.Fact{
		{Label: "Input files", Value: strconv.Itoa(result.Ingestion.TotalFiles)},
		{Label: "Input rows", Value: strconv.Itoa(result.Ingestion.TotalRecords)},
		{Label: "Rejected rows", Value: strconv.Itoa(result.Ingestion.FailedRecords)},
	}
	if d := result.Diagnostics; d != nil && d.Readings > 0 {
		facts = append(facts,
			export.Fact{Label: "Months", Value: fmt.Sprintf("%s to %s", d.FirstMonth, d.LastMonth)},
			export.Fact{Label: "Mean reading (kWh)", Value: fmt.Sprintf("%.2f", d.MeanKWh)},
		)
		if d.ADF != nil {
			facts = append(facts, export.Fact{
				Label: "ADF statistic / p-value",
				Value: fmt.Sprintf("%.3f / %.4f", d.ADF.Statistic, d.ADF.PValue),
			})
		}
		if d.KPSS != nil {
			facts = append(facts, export.Fact{
				Label: "KPSS statistic / p-value",
				Value: fmt.Sprintf("%.3f / %.4f", d.KPSS.Statistic, d.KPSS.PValue),
			})
		}
	}
	if len(result.Residuals) > 0 {
		white := 0
		for _, c := range result.Residuals {
			if c.WhiteNoise {
				white++
			}
		}
		facts = append(facts, export.Fact{
			Label: "Residuals without autocorrelation",
			Value: fmt.Sprintf("%d of %d", white, len(result.Residuals)),
		})
	}

	return &export.Report{
		RunID:       result.Run.ID,
		GeneratedAt: s.now(),
		Model:       s.order.String(),
		Horizon:     result.Run.Horizon,
		Facts:       facts,
		Summary:     result.Table.Summary,
		Records:     result.Table.Records,
		Locale:      s.locale,
		MaxFailures: 50,
	}
}

func (s *ForecastService) publish(ctx context.Context, result *RunResult) error {
	var errs []error

	if s.repo != nil {
		outcomes := AccountOutcomes(result.Run.ID, result.Outcomes)
		if err := s.repo.SaveRun(ctx, &result.Run, result.Table.Records, outcomes); err != nil {
			errs = append(errs, fmt.Errorf("persist run: %w", err))
		} else {
			s.logger.Info(ctx, "[RUN_PERSISTED] Run stored", logging.Fields{
				"records":  len(result.Table.Records),
				"outcomes": len(outcomes),
			})
		}
	}

	for _, sk := range s.sinks {
		err := sk.Write(ctx, sink.Run{
			ID:      result.Run.ID,
			At:      result.Run.FinishedAt,
			Records: result.Table.Records,
			Summary: result.Table.Summary,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish run: %w", err))
		}
	}

	return errors.Join(errs...)
}

// AccountOutcomes converts engine outcomes into their stored form
func AccountOutcomes(runID string, outcomes []forecast.Outcome) []models.AccountOutcome {
	out := make([]models.AccountOutcome, len(outcomes))
	for i, o := range outcomes {
		out[i] = models.AccountOutcome{
			RunID:     runID,
			Account:   o.Account,
			Status:    string(o.Status),
			Points:    o.Points,
			FitMillis: o.Duration.Milliseconds(),
		}
		if o.Points > 0 {
			last := o.LastMonth.String()
			out[i].LastMonth = &last
		}
		if o.Err != nil {
			msg := o.Err.Error()
			out[i].Error = &msg
		}
	}
	return out
}
