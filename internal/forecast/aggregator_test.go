package forecast

import (
	"errors"
	"testing"

	"lighting-forecast/internal/models"
)

func records(account string, n int) []models.ForecastRecord {
	out := make([]models.ForecastRecord, n)
	for i := range out {
		out[i] = models.ForecastRecord{Account: account, Year: 2025, Month: i + 1, PredictedKWh: float64(i)}
	}
	return out
}

func TestAggregate(t *testing.T) {
	outcomes := []Outcome{
		{Account: "B", Status: StatusForecasted, Records: records("B", 3)},
		{Account: "A", Status: StatusIneligible},
		{Account: "C", Status: StatusFitFailed, Err: errors.New("degenerate")},
		{Account: "D", Status: StatusForecasted, Records: records("D", 3)},
	}

	table := Aggregate(outcomes)

	if table.Summary.Accounts != 4 || table.Summary.Forecasted != 2 ||
		table.Summary.Ineligible != 1 || table.Summary.FitFailed != 1 {
		t.Errorf("Summary = %+v", table.Summary)
	}
	if table.Summary.Records != 6 || len(table.Records) != 6 {
		t.Errorf("Records = %d, want 6", len(table.Records))
	}

	// Accounts keep outcome order and stay contiguous.
	wantAccounts := []string{"B", "B", "B", "D", "D", "D"}
	for i, r := range table.Records {
		if r.Account != wantAccounts[i] {
			t.Errorf("record %d account = %q, want %q", i, r.Account, wantAccounts[i])
		}
	}

	if len(table.Summary.Failures) != 1 || table.Summary.Failures[0] != (Failure{Account: "C", Cause: "degenerate"}) {
		t.Errorf("Failures = %+v", table.Summary.Failures)
	}
	if err := table.Check(3); err != nil {
		t.Errorf("Check(3) error = %v", err)
	}
	if err := table.Check(6); err == nil {
		t.Error("Check(6) should report the record count mismatch")
	}
}

func TestAggregateEmpty(t *testing.T) {
	table := Aggregate(nil)
	if table.Records == nil || len(table.Records) != 0 {
		t.Errorf("Records = %v, want empty non-nil slice", table.Records)
	}
	if err := table.Check(6); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}

func TestRoundKWh(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-3, 0},
		{0, 0},
		{1.234, 1.23},
		{1.235001, 1.24},
		{99.999, 100},
		{1234.5678, 1234.57},
	}
	for _, tt := range tests {
		if got := RoundKWh(tt.in); got != tt.want {
			t.Errorf("RoundKWh(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
