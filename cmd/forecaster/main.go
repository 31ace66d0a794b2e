package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"lighting-forecast/internal/config"
	"lighting-forecast/internal/forecast"
	"lighting-forecast/internal/models"
	"lighting-forecast/internal/repository"
	"lighting-forecast/internal/services"
	"lighting-forecast/internal/sink"
	"lighting-forecast/pkg/database"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

const version = "1.0.0"

func main() {
	// Load configuration; flags override it
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Ingestion.InputPath, "input", cfg.Ingestion.InputPath, "Spreadsheet file or directory of .xlsx/.csv readings")
	flag.StringVar(&cfg.Ingestion.Sheet, "sheet", cfg.Ingestion.Sheet, "Worksheet to read (default: first sheet)")
	flag.StringVar(&cfg.Output.ForecastPath, "output", cfg.Output.ForecastPath, "Forecast output file (.xlsx or .csv)")
	flag.StringVar(&cfg.Output.CleanPath, "clean-output", cfg.Output.CleanPath, "Optional clean dataset output file (.xlsx or .csv)")
	flag.StringVar(&cfg.Output.ReportPath, "report", cfg.Output.ReportPath, "Optional PDF run report")
	flag.IntVar(&cfg.Forecast.Horizon, "horizon", cfg.Forecast.Horizon, "Months to forecast per account")
	flag.IntVar(&cfg.Forecast.MinPoints, "min-points", cfg.Forecast.MinPoints, "Minimum observed months for an account to be forecast")
	flag.IntVar(&cfg.Forecast.Workers, "workers", cfg.Forecast.Workers, "Accounts fitted in parallel")
	flag.DurationVar(&cfg.Forecast.FitTimeout, "fit-timeout", cfg.Forecast.FitTimeout, "Time limit for one account's fit (0 = none)")
	flag.StringVar(&cfg.Forecast.Locale, "locale", cfg.Forecast.Locale, "Month name language: es or en")
	flag.BoolVar(&cfg.Database.Enabled, "persist", cfg.Database.Enabled, "Store the run in PostgreSQL")
	flag.BoolVar(&cfg.InfluxDB.Enabled, "influx", cfg.InfluxDB.Enabled, "Publish the run to InfluxDB")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewStructuredLogger("lighting-forecaster", version, logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	order := forecast.Order{P: cfg.Forecast.Order.P, D: cfg.Forecast.Order.D, Q: cfg.Forecast.Order.Q}
	locale := models.ParseLocale(cfg.Forecast.Locale)

	logger.Info(ctx, "[FORECASTER_START] Starting consumption forecast", logging.Fields{
		"version":    version,
		"input_path": cfg.Ingestion.InputPath,
		"model":      order.String(),
		"horizon":    cfg.Forecast.Horizon,
		"workers":    cfg.Forecast.Workers,
		"persist":    cfg.Database.Enabled,
		"influx":     cfg.InfluxDB.Enabled,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("lighting_forecaster")

	model := forecast.ARIMA{
		Order:         order,
		MaxIterations: cfg.Forecast.MaxIterations,
		Timeout:       cfg.Forecast.FitTimeout,
	}
	engine, err := forecast.NewEngine(model, forecast.EngineConfig{
		Horizon:       cfg.Forecast.Horizon,
		MinPoints:     cfg.Forecast.MinPoints,
		Workers:       cfg.Forecast.Workers,
		FitTimeout:    cfg.Forecast.FitTimeout,
		Locale:        locale,
		KeepResiduals: true,
	}, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[FORECASTER_ERROR] Invalid forecast settings", logging.Fields{}, err)
	}

	// Initialize services
	ingestionService := services.NewIngestionService(cfg.Ingestion.Sheet, logger, metricsCollector)
	diagnosticsService := services.NewDiagnosticsService(logger)
	forecastService := services.NewForecastService(ingestionService, diagnosticsService, engine, order, locale, logger, metricsCollector)

	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(cfg.Database.Postgres(), logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[FORECASTER_ERROR] Failed to connect to database", logging.Fields{}, err)
		}
		defer db.Close()
		forecastService.WithRepository(repository.NewForecastRepository(db, logger, metricsCollector))
	}

	if cfg.InfluxDB.Enabled {
		influx, err := sink.NewInfluxSink(ctx, cfg.InfluxDB, logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[FORECASTER_ERROR] Failed to connect to InfluxDB", logging.Fields{}, err)
		}
		defer influx.Close()
		forecastService.WithSink(influx)
	}

	result, err := forecastService.Execute(ctx, services.RunOptions{
		InputPath:    cfg.Ingestion.InputPath,
		ForecastPath: cfg.Output.ForecastPath,
		CleanPath:    cfg.Output.CleanPath,
		ReportPath:   cfg.Output.ReportPath,
	})
	if err != nil {
		logger.Fatal(ctx, "[FORECASTER_ERROR] Forecast run failed", logging.Fields{
			"input_path": cfg.Ingestion.InputPath,
		}, err)
	}

	printSummary(result, cfg)

	logger.Info(ctx, "[FORECASTER_COMPLETE] Forecast completed successfully", logging.Fields{
		"run_id":           result.Run.ID,
		"total_records":    result.Table.Summary.Records,
		"duration_seconds": result.Run.Duration.Seconds(),
	})
}

func printSummary(result *services.RunResult, cfg *config.Config) {
	summary := result.Table.Summary

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("FORECAST COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Run:                %s\n", result.Run.ID)
	fmt.Printf("Input Files:        %d\n", result.Ingestion.TotalFiles)
	fmt.Printf("Input Rows:         %d\n", result.Ingestion.TotalRecords)
	fmt.Printf("Rejected Rows:      %d\n", result.Ingestion.FailedRecords)
	fmt.Printf("Accounts:           %d\n", summary.Accounts)
	fmt.Printf("Forecasted:         %d\n", summary.Forecasted)
	fmt.Printf("Too Few Months:     %d\n", summary.Ineligible)
	fmt.Printf("Fit Failed:         %d\n", summary.FitFailed)
	fmt.Printf("Forecast Rows:      %d\n", summary.Records)
	fmt.Printf("Duration:           %v\n", result.Run.Duration)
	if cfg.Output.ForecastPath != "" {
		fmt.Printf("Output:             %s\n", cfg.Output.ForecastPath)
	}

	if len(result.Ingestion.Rejected) > 0 {
		fmt.Println("\nRejected rows by reason:")
		for code, n := range result.Ingestion.Rejected {
			fmt.Printf("  - %-26s %d\n", code, n)
		}
	}

	if len(summary.Failures) > 0 {
		fmt.Printf("\nSkipped accounts (%d):\n", len(summary.Failures))
		for i, f := range summary.Failures {
			if i == 10 {
				fmt.Printf("  ... and %d more\n", len(summary.Failures)-10)
				break
			}
			fmt.Printf("  - %s: %s\n", f.Account, f.Cause)
		}
	}
}
