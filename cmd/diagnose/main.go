package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"lighting-forecast/internal/config"
	"lighting-forecast/internal/forecast"
	"lighting-forecast/internal/models"
	"lighting-forecast/internal/services"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

const rule = "════════════════════════════════════════════════════════════════"

// diagnose prints the exploratory report of a reading dataset without
// writing any output or touching a database.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Ingestion.InputPath, "input", cfg.Ingestion.InputPath, "Spreadsheet file or directory of .xlsx/.csv readings")
	flag.StringVar(&cfg.Ingestion.Sheet, "sheet", cfg.Ingestion.Sheet, "Worksheet to read (default: first sheet)")
	residuals := flag.Bool("residuals", false, "Fit every account and test the residuals for white noise")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("lighting-diagnose", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	metricsCollector := metrics.NewCollector("lighting_diagnose")
	ctx := context.Background()

	ingestion := services.NewIngestionService(cfg.Ingestion.Sheet, logger, metricsCollector)
	diagnostics := services.NewDiagnosticsService(logger)

	result, err := ingestion.IngestPath(ctx, cfg.Ingestion.InputPath)
	if err != nil {
		logger.Fatal(ctx, "[DIAGNOSE_ERROR] Failed to read readings", logging.Fields{
			"input_path": cfg.Ingestion.InputPath,
		}, err)
	}
	report := diagnostics.Analyze(ctx, result.Readings)

	var (
		checks []services.ResidualCheck
		shares *services.OutcomeShares
	)
	if *residuals {
		order := forecast.Order{P: cfg.Forecast.Order.P, D: cfg.Forecast.Order.D, Q: cfg.Forecast.Order.Q}
		engine, err := forecast.NewEngine(forecast.ARIMA{
			Order:         order,
			MaxIterations: cfg.Forecast.MaxIterations,
			Timeout:       cfg.Forecast.FitTimeout,
		}, forecast.EngineConfig{
			Horizon:       cfg.Forecast.Horizon,
			MinPoints:     cfg.Forecast.MinPoints,
			Workers:       cfg.Forecast.Workers,
			FitTimeout:    cfg.Forecast.FitTimeout,
			Locale:        models.ParseLocale(cfg.Forecast.Locale),
			KeepResiduals: true,
		}, logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[DIAGNOSE_ERROR] Invalid forecast settings", logging.Fields{}, err)
		}

		svc := services.NewForecastService(ingestion, diagnostics, engine, order, models.ParseLocale(cfg.Forecast.Locale), logger, metricsCollector)
		table, outcomes, err := svc.ForecastReadings(ctx, result.Readings)
		if err != nil {
			logger.Fatal(ctx, "[DIAGNOSE_ERROR] Forecast failed", logging.Fields{}, err)
		}
		checks = diagnostics.CheckResiduals(ctx, outcomes, order)
		s := services.Shares(table.Summary)
		shares = &s
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]interface{}{
			"ingestion": map[string]interface{}{
				"files":    result.TotalFiles,
				"rows":     result.TotalRecords,
				"accepted": result.SuccessfulRecords,
				"rejected": result.Rejected,
			},
			"dataset":   report,
			"residuals": checks,
			"outcomes":  shares,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
			os.Exit(1)
		}
		return
	}

	printIngestion(result)
	printDataset(report)
	if *residuals {
		printResiduals(checks, shares)
	}
}

func banner(title string) {
	fmt.Println(rule)
	fmt.Println(title)
	fmt.Println(rule)
}

func printIngestion(result *services.IngestionResult) {
	banner("INGESTION")
	fmt.Printf("Files read:             %d\n", result.TotalFiles)
	fmt.Printf("Rows read:              %d\n", result.TotalRecords)
	fmt.Printf("Rows accepted:          %d\n", result.SuccessfulRecords)
	fmt.Printf("Rows rejected:          %d\n", result.FailedRecords)

	codes := make([]string, 0, len(result.Rejected))
	for code := range result.Rejected {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("  - %-24s %d\n", code, result.Rejected[code])
	}
	fmt.Println()
}

func printDataset(report *services.DiagnosticsReport) {
	banner("DATASET")
	if report.Readings == 0 {
		fmt.Println("No readings survived cleaning")
		fmt.Println()
		return
	}
	fmt.Printf("Readings:               %d\n", report.Readings)
	fmt.Printf("Accounts:               %d\n", report.Accounts)
	fmt.Printf("Period:                 %s to %s (%d months)\n", report.FirstMonth, report.LastMonth, report.Global.Len())
	fmt.Printf("Mean reading:           %.2f kWh\n", report.MeanKWh)
	fmt.Printf("Std deviation:          %.2f kWh\n", report.StdDevKWh)
	fmt.Println()

	fmt.Println("Stationarity of the system-wide series:")
	printTest(report.ADF, "ADF")
	printTest(report.KPSS, "KPSS")
	fmt.Println()

	fmt.Println("Months observed per account:")
	lengths := make([]int, 0, len(report.SeriesLengths))
	for n := range report.SeriesLengths {
		lengths = append(lengths, n)
	}
	sort.Ints(lengths)
	for _, n := range lengths {
		fmt.Printf("  %3d months: %d accounts\n", n, report.SeriesLengths[n])
	}
	fmt.Println()

	banner("MONTH OVER MONTH")
	for _, c := range report.Changes {
		pct := "    n/a"
		if c.DeltaPct != nil {
			pct = fmt.Sprintf("%+6.1f%%", *c.DeltaPct)
		}
		fmt.Printf("  %s  %14.2f kWh  %+14.2f  %s\n", c.Month, c.TotalKWh, c.DeltaKWh, pct)
	}
	fmt.Println()

	banner("YEARLY TOTALS (kWh)")
	for _, y := range report.Yearly {
		cells := make([]string, len(y.Months))
		for i, v := range y.Months {
			cells[i] = fmt.Sprintf("%.0f", v)
		}
		fmt.Printf("  %d  total %.2f\n      %s\n", y.Year, y.TotalKWh, strings.Join(cells, " | "))
	}
	fmt.Println()

	banner("SEASONALITY")
	for _, s := range report.Seasonality {
		fmt.Printf("  %-10s %12.2f kWh (%d readings)\n", s.Month, s.MeanKWh, s.Readings)
	}
	fmt.Println()

	banner("CONSUMPTION DISTRIBUTION (log scale)")
	peak := 0
	for _, b := range report.Distribution {
		if b.Count > peak {
			peak = b.Count
		}
	}
	for _, b := range report.Distribution {
		bar := 0
		if peak > 0 {
			bar = b.Count * 40 / peak
		}
		fmt.Printf("  %12.2f - %-12.2f %7d %s\n", b.LowerKWh, b.UpperKWh, b.Count, strings.Repeat("#", bar))
	}
	fmt.Println()

	banner("TOP ACCOUNTS")
	for i, a := range report.TopAccounts {
		name := a.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("  %2d. %-20s %-30s %14.2f kWh (%d months)\n", i+1, a.Account, name, a.TotalKWh, a.Months)
	}
	fmt.Println()
}

func printTest(t *services.StationarityTest, name string) {
	if t == nil {
		fmt.Printf("  %-5s skipped, series too short\n", name)
		return
	}
	verdict := "non-stationary"
	if t.Stationary {
		verdict = "stationary"
	}
	fmt.Printf("  %-5s statistic %.4f  p-value %.4f  lags %d  -> %s\n", t.Test, t.Statistic, t.PValue, t.Lags, verdict)
}

func printResiduals(checks []services.ResidualCheck, shares *services.OutcomeShares) {
	banner("RESIDUALS")
	if shares != nil {
		fmt.Printf("Accounts:               %d\n", shares.Accounts)
		fmt.Printf("Too few months:         %d (%.1f%%)\n", shares.Ineligible, shares.IneligibleShare*100)
		fmt.Printf("Fit failed:             %d (%.1f%%)\n", shares.FitFailed, shares.FitFailedShare*100)
	}

	noisy := 0
	for _, c := range checks {
		if c.WhiteNoise {
			continue
		}
		noisy++
		fmt.Printf("  %-20s Q=%.3f p=%.4f lags=%d DW=%.3f\n", c.Account, c.Statistic, c.PValue, c.Lags, c.DurbinWatson)
	}
	fmt.Printf("Residuals tested:       %d, %d with remaining autocorrelation\n", len(checks), noisy)
	fmt.Println()
}
