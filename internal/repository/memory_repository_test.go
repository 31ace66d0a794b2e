package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"lighting-forecast/internal/models"
)

var _ ForecastRepository = (*MemoryRepository)(nil)

func seedRun(t *testing.T, repo *MemoryRepository, id string, started time.Time, accounts ...string) {
	t.Helper()
	var records []models.ForecastRecord
	var outcomes []models.AccountOutcome
	for _, acct := range accounts {
		records = append(records,
			models.ForecastRecord{Account: acct, Year: 2024, Month: 12, MonthName: "Diciembre", PredictedKWh: 10},
			models.ForecastRecord{Account: acct, Year: 2025, Month: 1, MonthName: "Enero", PredictedKWh: 11},
		)
		outcomes = append(outcomes, models.AccountOutcome{Account: acct, Status: "forecasted", Points: 12})
	}
	outcomes = append(outcomes, models.AccountOutcome{Account: "short", Status: "ineligible", Points: 2})

	run := &models.ForecastRun{ID: id, StartedAt: started, FinishedAt: started.Add(2 * time.Second), Horizon: 2}
	if err := repo.SaveRun(context.Background(), run, records, outcomes); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
}

func TestMemoryRepositoryRuns(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, repo, "r1", base, "A")
	seedRun(t, repo, "r2", base.Add(time.Hour), "A", "B")

	runs, total, err := repo.ListRuns(ctx, RunFilter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(runs) != 2 || runs[0].ID != "r2" {
		t.Errorf("ListRuns() = %d runs (total %d), first %q", len(runs), total, runs[0].ID)
	}

	run, err := repo.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Duration != 2*time.Second {
		t.Errorf("Duration = %v, want 2s", run.Duration)
	}

	_, err = repo.GetRun(ctx, "missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.IsTransient() {
		t.Errorf("GetRun(missing) error = %v, want NotFoundError", err)
	}

	if err := repo.SaveRun(ctx, &models.ForecastRun{ID: "r1"}, nil, nil); err == nil {
		t.Error("expected duplicate run error")
	}
}

func TestMemoryRepositoryFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, repo, "r1", base, "A")
	seedRun(t, repo, "r2", base.Add(time.Hour), "A", "B")

	runID := "r2"
	account := "B"
	year := 2025

	tests := []struct {
		name      string
		filter    ForecastFilter
		wantTotal int
		wantLen   int
	}{
		{"all", ForecastFilter{Limit: 100}, 6, 6},
		{"run", ForecastFilter{RunID: &runID, Limit: 100}, 4, 4},
		{"account", ForecastFilter{Account: &account, Limit: 100}, 2, 2},
		{"year", ForecastFilter{Year: &year, Limit: 100}, 3, 3},
		{"page", ForecastFilter{Limit: 4, Offset: 4}, 6, 2},
		{"past end", ForecastFilter{Limit: 4, Offset: 10}, 6, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := repo.ListForecasts(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if total != tt.wantTotal || len(got) != tt.wantLen {
				t.Errorf("ListForecasts() = %d rows (total %d), want %d (total %d)", len(got), total, tt.wantLen, tt.wantTotal)
			}
		})
	}

	status := "ineligible"
	outcomes, total, err := repo.ListOutcomes(ctx, OutcomeFilter{RunID: "r2", Status: &status, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || outcomes[0].Account != "short" || outcomes[0].RunID != "r2" {
		t.Errorf("ListOutcomes() = %+v (total %d)", outcomes, total)
	}
}
