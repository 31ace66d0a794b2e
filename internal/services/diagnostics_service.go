package services

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sartorproj/goarima/stats"
	"github.com/sartorproj/goarima/timeseries"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"lighting-forecast/internal/forecast"
	"lighting-forecast/internal/models"
	"lighting-forecast/internal/series"
	"lighting-forecast/pkg/logging"
)

// significance is the p-value threshold used by every test in the report
const significance = 0.05

// topAccountsLimit is the number of accounts listed by accumulated consumption
const topAccountsLimit = 10

// histogramBins is the number of log-spaced bins of the consumption distribution
const histogramBins = 60

// StationarityTest is the outcome of one unit-root or stationarity test
type StationarityTest struct {
	Test           string             `json:"test"`
	Statistic      float64            `json:"statistic"`
	PValue         float64            `json:"p_value"`
	Lags           int                `json:"lags"`
	CriticalValues map[string]float64 `json:"critical_values,omitempty"`
	Stationary     bool               `json:"stationary"`
}

// MonthlyChange is the system-wide variation against the previous month
type MonthlyChange struct {
	Month    models.Month `json:"month"`
	TotalKWh float64      `json:"total_kwh"`
	DeltaKWh float64      `json:"delta_kwh"`
	// DeltaPct is nil when the previous month total is zero.
	DeltaPct *float64 `json:"delta_pct,omitempty"`
}

// YearTotals holds the summed consumption of each calendar month of a year
type YearTotals struct {
	Year     int         `json:"year"`
	Months   [12]float64 `json:"months"`
	TotalKWh float64     `json:"total_kwh"`
}

// SeasonalMean is the mean single reading observed in a calendar month
// across all years.
type SeasonalMean struct {
	Month    time.Month `json:"month"`
	MeanKWh  float64    `json:"mean_kwh"`
	Readings int        `json:"readings"`
}

// AccountTotal is the accumulated consumption of one account
type AccountTotal struct {
	Account  string  `json:"account"`
	Name     string  `json:"name,omitempty"`
	TotalKWh float64 `json:"total_kwh"`
	Months   int     `json:"months"`
}

// DiagnosticsReport describes the cleaned dataset and its system-wide series
type DiagnosticsReport struct {
	Readings      int                  `json:"readings"`
	Accounts      int                  `json:"accounts"`
	FirstMonth    models.Month         `json:"first_month"`
	LastMonth     models.Month         `json:"last_month"`
	MeanKWh       float64              `json:"mean_kwh"`
	StdDevKWh     float64              `json:"stddev_kwh"`
	Global        models.MonthlySeries `json:"global"`
	ADF           *StationarityTest    `json:"adf,omitempty"`
	KPSS          *StationarityTest    `json:"kpss,omitempty"`
	Changes       []MonthlyChange      `json:"changes"`
	Yearly        []YearTotals         `json:"yearly"`
	Seasonality   []SeasonalMean       `json:"seasonality"`
	TopAccounts   []AccountTotal       `json:"top_accounts"`
	Distribution  []HistogramBin       `json:"distribution"`
	SeriesLengths map[int]int          `json:"series_lengths"`
}

// HistogramBin counts the single readings with LowerKWh <= kWh < UpperKWh
type HistogramBin struct {
	LowerKWh float64 `json:"lower_kwh"`
	UpperKWh float64 `json:"upper_kwh"`
	Count    int     `json:"count"`
}

// ResidualCheck is the Ljung-Box white-noise test on one account's residuals
type ResidualCheck struct {
	Account      string  `json:"account"`
	Statistic    float64 `json:"statistic"`
	PValue       float64 `json:"p_value"`
	Lags         int     `json:"lags"`
	DurbinWatson float64 `json:"durbin_watson"`
	WhiteNoise   bool    `json:"white_noise"`
}

// OutcomeShares is the share of accounts that produced no forecast
type OutcomeShares struct {
	Accounts        int     `json:"accounts"`
	Ineligible      int     `json:"ineligible"`
	FitFailed       int     `json:"fit_failed"`
	IneligibleShare float64 `json:"ineligible_share"`
	FitFailedShare  float64 `json:"fit_failed_share"`
}

// DiagnosticsService computes exploratory statistics and model diagnostics
type DiagnosticsService struct {
	logger *logging.StructuredLogger
}

// NewDiagnosticsService creates a new diagnostics service
func NewDiagnosticsService(logger *logging.StructuredLogger) *DiagnosticsService {
	return &DiagnosticsService{logger: logger}
}

// Analyze builds the dataset report. Stationarity tests are omitted when the
// system-wide series is shorter than the tests accept.
func (s *DiagnosticsService) Analyze(ctx context.Context, readings []models.Reading) *DiagnosticsReport {
	report := &DiagnosticsReport{
		Readings:      len(readings),
		Changes:       []MonthlyChange{},
		Yearly:        []YearTotals{},
		Seasonality:   []SeasonalMean{},
		TopAccounts:   []AccountTotal{},
		Distribution:  []HistogramBin{},
		SeriesLengths: make(map[int]int),
	}
	if len(readings) == 0 {
		return report
	}

	values := make([]float64, len(readings))
	for i, r := range readings {
		values[i] = r.ConsumptionKWh
	}
	report.MeanKWh, report.StdDevKWh = stat.MeanStdDev(values, nil)
	if len(values) < 2 {
		report.StdDevKWh = 0
	}

	report.Global = series.Total(readings)
	report.FirstMonth = report.Global.Points[0].Month
	report.LastMonth, _ = report.Global.LastMonth()

	report.ADF, report.KPSS = StationarityTests(report.Global.Values())
	report.Changes = MonthOverMonth(report.Global)
	report.Yearly = YearlyTotals(report.Global)
	report.Seasonality = Seasonality(readings)
	report.TopAccounts = TopAccounts(readings, topAccountsLimit)
	report.Distribution = ConsumptionHistogram(values, histogramBins)

	for _, ms := range series.BuildAll(readings) {
		report.Accounts++
		report.SeriesLengths[ms.Len()]++
	}

	fields := logging.Fields{
		"readings":    report.Readings,
		"accounts":    report.Accounts,
		"first_month": report.FirstMonth.String(),
		"last_month":  report.LastMonth.String(),
		"months":      report.Global.Len(),
	}
	if report.ADF != nil {
		fields["adf_statistic"] = report.ADF.Statistic
		fields["adf_p_value"] = report.ADF.PValue
	}
	s.logger.Info(ctx, "[DIAGNOSTICS_COMPLETE] Dataset diagnostics computed", fields)

	return report
}

// ConsumptionHistogram bins the positive values into log-spaced bins between
// the smallest and largest value. A single bin is used when all values are
// equal.
func ConsumptionHistogram(values []float64, bins int) []HistogramBin {
	x := make([]float64, 0, len(values))
	for _, v := range values {
		if v > 0 && finite(v) {
			x = append(x, v)
		}
	}
	if len(x) == 0 || bins < 1 {
		return []HistogramBin{}
	}
	sort.Float64s(x)

	lo, hi := x[0], x[len(x)-1]
	if lo == hi {
		bins = 1
	}
	dividers := floats.LogSpan(make([]float64, bins+1), lo, hi)
	for i := range dividers {
		dividers[i] = math.Min(math.Max(dividers[i], lo), hi)
	}
	dividers[0] = lo
	// The upper edge is exclusive, so it sits just above the maximum.
	dividers[bins] = math.Nextafter(hi, math.Inf(1))

	counts := stat.Histogram(nil, dividers, x, nil)
	out := make([]HistogramBin, bins)
	for i, c := range counts {
		out[i] = HistogramBin{LowerKWh: dividers[i], UpperKWh: dividers[i+1], Count: int(c)}
	}
	return out
}

// StationarityTests runs ADF and KPSS on values. Either result is nil when
// the series is too short for the test.
func StationarityTests(values []float64) (adf, kpss *StationarityTest) {
	ts := timeseries.New(values)

	if r := stats.ADF(ts, 0); r != nil && finite(r.Statistic) {
		adf = &StationarityTest{
			Test:           "adf",
			Statistic:      r.Statistic,
			PValue:         r.PValue,
			Lags:           r.Lags,
			CriticalValues: r.CriticalVals,
			Stationary:     r.PValue < significance,
		}
	}
	if r := stats.KPSS(ts, "c", 0); r != nil && finite(r.Statistic) {
		kpss = &StationarityTest{
			Test:           "kpss",
			Statistic:      r.Statistic,
			PValue:         r.PValue,
			Lags:           r.Lags,
			CriticalValues: r.CriticalVals,
			Stationary:     r.PValue >= significance,
		}
	}
	return adf, kpss
}

// MonthOverMonth returns the variation of each month against the previous
// observed month of s.
func MonthOverMonth(s models.MonthlySeries) []MonthlyChange {
	changes := make([]MonthlyChange, 0, len(s.Points))
	for i := 1; i < len(s.Points); i++ {
		prev, cur := s.Points[i-1].ConsumptionKWh, s.Points[i].ConsumptionKWh
		c := MonthlyChange{
			Month:    s.Points[i].Month,
			TotalKWh: cur,
			DeltaKWh: cur - prev,
		}
		if prev != 0 {
			pct := (cur - prev) / prev * 100
			c.DeltaPct = &pct
		}
		changes = append(changes, c)
	}
	return changes
}

// YearlyTotals spreads s into one row per year, in ascending year order
func YearlyTotals(s models.MonthlySeries) []YearTotals {
	var out []YearTotals
	for _, p := range s.Points {
		if len(out) == 0 || out[len(out)-1].Year != p.Month.Year {
			out = append(out, YearTotals{Year: p.Month.Year})
		}
		y := &out[len(out)-1]
		y.Months[p.Month.Month-1] += p.ConsumptionKWh
		y.TotalKWh += p.ConsumptionKWh
	}
	if out == nil {
		out = []YearTotals{}
	}
	return out
}

// Seasonality returns the mean reading for each calendar month that has data
func Seasonality(readings []models.Reading) []SeasonalMean {
	var byMonth [12][]float64
	for _, r := range readings {
		byMonth[r.Period.Month-1] = append(byMonth[r.Period.Month-1], r.ConsumptionKWh)
	}

	out := []SeasonalMean{}
	for i, values := range byMonth {
		if len(values) == 0 {
			continue
		}
		out = append(out, SeasonalMean{
			Month:    time.Month(i + 1),
			MeanKWh:  stat.Mean(values, nil),
			Readings: len(values),
		})
	}
	return out
}

// TopAccounts returns up to limit accounts by accumulated consumption.
// Ties keep first-seen order.
func TopAccounts(readings []models.Reading, limit int) []AccountTotal {
	index := make(map[string]int)
	months := make(map[string]map[models.Month]struct{})
	var totals []AccountTotal
	for _, r := range readings {
		i, ok := index[r.Account]
		if !ok {
			i = len(totals)
			index[r.Account] = i
			totals = append(totals, AccountTotal{Account: r.Account, Name: r.Name})
			months[r.Account] = make(map[models.Month]struct{})
		}
		totals[i].TotalKWh += r.ConsumptionKWh
		months[r.Account][r.Period] = struct{}{}
	}
	for i := range totals {
		totals[i].Months = len(months[totals[i].Account])
	}

	sort.SliceStable(totals, func(i, j int) bool {
		return totals[i].TotalKWh > totals[j].TotalKWh
	})
	if len(totals) > limit {
		totals = totals[:limit]
	}
	if totals == nil {
		totals = []AccountTotal{}
	}
	return totals
}

// CheckResiduals runs Ljung-Box on the residuals each forecasted outcome
// kept. Accounts whose residual series is too short or constant are left out.
func (s *DiagnosticsService) CheckResiduals(ctx context.Context, outcomes []forecast.Outcome, order forecast.Order) []ResidualCheck {
	checks := []ResidualCheck{}
	for _, o := range outcomes {
		if o.Status != forecast.StatusForecasted {
			continue
		}
		if c, ok := LjungBox(o.Residuals, order.P+order.Q); ok {
			c.Account = o.Account
			checks = append(checks, c)
		}
	}

	autocorrelated := 0
	for _, c := range checks {
		if !c.WhiteNoise {
			autocorrelated++
		}
	}
	s.logger.Info(ctx, "[DIAGNOSTICS_RESIDUALS] Residual autocorrelation checked", logging.Fields{
		"checked":        len(checks),
		"autocorrelated": autocorrelated,
	})
	return checks
}

// LjungBox tests residuals for autocorrelation up to min(10, n/5) lags,
// at least one. fitdf is the number of estimated ARMA coefficients.
func LjungBox(residuals []float64, fitdf int) (ResidualCheck, bool) {
	if len(residuals) < 10 || stat.Variance(residuals, nil) == 0 {
		return ResidualCheck{}, false
	}

	lags := len(residuals) / 5
	if lags > 10 {
		lags = 10
	}
	if lags < 1 {
		lags = 1
	}

	r := stats.LjungBox(timeseries.New(residuals), lags, fitdf)
	if r == nil || !finite(r.Statistic) {
		return ResidualCheck{}, false
	}

	check := ResidualCheck{
		Statistic:  r.Statistic,
		PValue:     r.PValue,
		Lags:       r.Lags,
		WhiteNoise: r.PValue >= significance,
	}
	if dw := stats.DurbinWatson(residuals); dw != nil {
		check.DurbinWatson = dw.Statistic
	}
	return check, true
}

// Shares returns the fraction of accounts that were ineligible or failed
func Shares(summary forecast.Summary) OutcomeShares {
	out := OutcomeShares{
		Accounts:   summary.Accounts,
		Ineligible: summary.Ineligible,
		FitFailed:  summary.FitFailed,
	}
	if summary.Accounts > 0 {
		out.IneligibleShare = float64(summary.Ineligible) / float64(summary.Accounts)
		out.FitFailedShare = float64(summary.FitFailed) / float64(summary.Accounts)
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
