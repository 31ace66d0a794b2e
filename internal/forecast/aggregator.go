package forecast

import (
	"fmt"

	"lighting-forecast/internal/models"
)

// Failure names an account that produced no forecast and why
type Failure struct {
	Account string `json:"account"`
	Cause   string `json:"cause"`
}

// Summary counts the outcomes of a run
type Summary struct {
	Accounts   int       `json:"accounts"`
	Forecasted int       `json:"forecasted"`
	Ineligible int       `json:"ineligible"`
	FitFailed  int       `json:"fit_failed"`
	Records    int       `json:"records"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Table is the merged forecast of a run with accounts in outcome order
type Table struct {
	Records []models.ForecastRecord `json:"records"`
	Summary Summary                 `json:"summary"`
}

// Aggregate concatenates the records of forecasted accounts in outcome order.
// Ineligible and failed accounts contribute no rows; failed ones are listed in
// the summary.
func Aggregate(outcomes []Outcome) *Table {
	table := &Table{Records: []models.ForecastRecord{}}
	table.Summary.Accounts = len(outcomes)

	for _, o := range outcomes {
		switch o.Status {
		case StatusForecasted:
			table.Summary.Forecasted++
			table.Records = append(table.Records, o.Records...)
		case StatusIneligible:
			table.Summary.Ineligible++
		default:
			table.Summary.FitFailed++
			cause := "unknown"
			if o.Err != nil {
				cause = o.Err.Error()
			}
			table.Summary.Failures = append(table.Summary.Failures, Failure{Account: o.Account, Cause: cause})
		}
	}
	table.Summary.Records = len(table.Records)
	return table
}

// Check verifies that every forecasted account contributed exactly horizon rows
func (t *Table) Check(horizon int) error {
	if want := horizon * t.Summary.Forecasted; t.Summary.Records != want {
		return fmt.Errorf("forecast table has %d records, want %d (%d accounts x %d months)",
			t.Summary.Records, want, t.Summary.Forecasted, horizon)
	}
	return nil
}
