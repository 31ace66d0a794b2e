package models

import (
	"time"
)

// MonthlyPoint is the summed consumption of one account for one month
type MonthlyPoint struct {
	Month          Month   `json:"month"`
	ConsumptionKWh float64 `json:"consumption_kwh"`
}

// MonthlySeries is the canonical per-account series: strictly increasing
// months with one summed value each.
type MonthlySeries struct {
	Account string         `json:"account"`
	Points  []MonthlyPoint `json:"points"`
}

// Len returns the number of observed months
func (s MonthlySeries) Len() int {
	return len(s.Points)
}

// Values returns the consumption values in month order
func (s MonthlySeries) Values() []float64 {
	values := make([]float64, len(s.Points))
	for i, p := range s.Points {
		values[i] = p.ConsumptionKWh
	}
	return values
}

// LastMonth returns the most recent observed month. ok is false for an empty series.
func (s MonthlySeries) LastMonth() (last Month, ok bool) {
	if len(s.Points) == 0 {
		return Month{}, false
	}
	return s.Points[len(s.Points)-1].Month, true
}

// ForecastRecord is one projected month for one account
type ForecastRecord struct {
	Account      string  `json:"account" db:"account"`
	Year         int     `json:"year" db:"year"`
	Month        int     `json:"month" db:"month"`
	MonthName    string  `json:"month_name" db:"month_name"`
	PredictedKWh float64 `json:"predicted_kwh" db:"predicted_kwh"`
}

// Period returns the record's calendar month
func (r ForecastRecord) Period() Month {
	return Month{Year: r.Year, Month: time.Month(r.Month)}
}

// StoredForecast is a ForecastRecord persisted under a run
type StoredForecast struct {
	ID    int64  `json:"id" db:"id"`
	RunID string `json:"run_id" db:"run_id"`
	ForecastRecord
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ForecastRun describes one batch execution
type ForecastRun struct {
	ID              string        `json:"id" db:"id"`
	StartedAt       time.Time     `json:"started_at" db:"started_at"`
	FinishedAt      time.Time     `json:"finished_at" db:"finished_at"`
	Horizon         int           `json:"horizon" db:"horizon"`
	OrderP          int           `json:"order_p" db:"order_p"`
	OrderD          int           `json:"order_d" db:"order_d"`
	OrderQ          int           `json:"order_q" db:"order_q"`
	InputRecords    int           `json:"input_records" db:"input_records"`
	RejectedRecords int           `json:"rejected_records" db:"rejected_records"`
	Accounts        int           `json:"accounts" db:"accounts"`
	Forecasted      int           `json:"forecasted" db:"forecasted"`
	Ineligible      int           `json:"ineligible" db:"ineligible"`
	FitFailed       int           `json:"fit_failed" db:"fit_failed"`
	Records         int           `json:"records" db:"records"`
	Duration        time.Duration `json:"-" db:"-"`
}

// AccountOutcome is the persisted result of one account within a run
type AccountOutcome struct {
	RunID     string  `json:"run_id" db:"run_id"`
	Account   string  `json:"account" db:"account"`
	Status    string  `json:"status" db:"status"`
	Points    int     `json:"points" db:"points"`
	LastMonth *string `json:"last_month,omitempty" db:"last_month"`
	Error     *string `json:"error,omitempty" db:"error"`
	FitMillis int64   `json:"fit_ms" db:"fit_ms"`
}
