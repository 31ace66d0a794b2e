package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"lighting-forecast/internal/models"
	"lighting-forecast/pkg/database"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

var _ ForecastRepository = (*forecastRepository)(nil)

func newMockRepository(t *testing.T) (ForecastRepository, sqlmock.Sqlmock, *metrics.Collector) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	db := database.Wrap(sqlx.NewDb(mockDB, "postgres"), nil, logging.NewNopLogger(), collector)

	t.Cleanup(func() {
		mock.ExpectClose()
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet database expectations: %v", err)
		}
	})
	return NewForecastRepository(db, logging.NewNopLogger(), collector), mock, collector
}

func sampleRun() (*models.ForecastRun, []models.ForecastRecord, []models.AccountOutcome) {
	started := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	run := &models.ForecastRun{
		ID: "run-1", StartedAt: started, FinishedAt: started.Add(3 * time.Second),
		Horizon: 2, OrderP: 1, OrderD: 1, OrderQ: 1, Accounts: 2, Forecasted: 1, Ineligible: 1, Records: 2,
	}
	last := "2024-12"
	records := []models.ForecastRecord{
		{Account: "A", Year: 2025, Month: 1, MonthName: "Enero", PredictedKWh: 120.5},
		{Account: "A", Year: 2025, Month: 2, MonthName: "Febrero", PredictedKWh: 118},
	}
	outcomes := []models.AccountOutcome{
		{Account: "A", Status: "forecasted", Points: 14, LastMonth: &last, FitMillis: 4},
		{Account: "B", Status: "ineligible", Points: 2},
	}
	return run, records, outcomes
}

func TestForecastRepositorySaveRun(t *testing.T) {
	repo, mock, _ := newMockRepository(t)
	run, records, outcomes := sampleRun()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO forecast_runs")).
		WithArgs("run-1", run.StartedAt, run.FinishedAt, 2, 1, 1, 1, 0, 0, 2, 1, 1, 0, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	forecasts := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO forecasts"))
	forecasts.ExpectExec().
		WithArgs("run-1", "A", 2025, 1, "Enero", 120.5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	forecasts.ExpectExec().
		WithArgs("run-1", "A", 2025, 2, "Febrero", 118.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	outcomeStmt := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO account_outcomes"))
	outcomeStmt.ExpectExec().
		WithArgs("run-1", "A", "forecasted", 14, "2024-12", nil, 4).
		WillReturnResult(sqlmock.NewResult(1, 1))
	outcomeStmt.ExpectExec().
		WithArgs("run-1", "B", "ineligible", 2, nil, nil, 0).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := repo.SaveRun(context.Background(), run, records, outcomes); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
}

func TestForecastRepositorySaveRunRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock, cause error)
	}{
		{
			name: "run insert fails",
			expect: func(mock sqlmock.Sqlmock, cause error) {
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO forecast_runs")).WillReturnError(cause)
			},
		},
		{
			name: "forecast insert fails",
			expect: func(mock sqlmock.Sqlmock, cause error) {
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO forecast_runs")).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO forecasts")).ExpectExec().WillReturnError(cause)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, collector := newMockRepository(t)
			run, records, outcomes := sampleRun()
			cause := errors.New("duplicate key value violates unique constraint")

			mock.ExpectBegin()
			tt.expect(mock, cause)
			mock.ExpectRollback()

			err := repo.SaveRun(context.Background(), run, records, outcomes)
			if !errors.Is(err, cause) {
				t.Fatalf("SaveRun() error = %v, want %v", err, cause)
			}
			if got := testutil.ToFloat64(collector.DBErrorsTotal.WithLabelValues("transaction_error")); got != 1 {
				t.Errorf("transaction_error = %v, want 1", got)
			}
		})
	}
}

func TestForecastRepositoryGetRun(t *testing.T) {
	repo, mock, _ := newMockRepository(t)
	run, _, _ := sampleRun()
	columns := []string{"id", "started_at", "finished_at", "horizon", "order_p", "order_d", "order_q",
		"input_records", "rejected_records", "accounts", "forecasted", "ineligible", "fit_failed", "records"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM forecast_runs WHERE id = $1")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("run-1", run.StartedAt, run.FinishedAt, 2, 1, 1, 1, 40, 3, 2, 1, 1, 0, 2))
	mock.ExpectQuery(regexp.QuoteMeta("FROM forecast_runs WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(columns))

	got, err := repo.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.InputRecords != 40 || got.RejectedRecords != 3 || got.Duration != 3*time.Second {
		t.Errorf("GetRun() = %+v", got)
	}

	_, err = repo.GetRun(context.Background(), "nope")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "nope" {
		t.Errorf("GetRun(nope) error = %v, want NotFoundError", err)
	}
}

func TestForecastRepositoryListForecasts(t *testing.T) {
	repo, mock, _ := newMockRepository(t)
	created := time.Date(2025, 2, 1, 8, 0, 3, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM (")).
		WithArgs("run-1", "A").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(6))
	mock.ExpectQuery(regexp.QuoteMeta("AND run_id = $1 AND account = $2 ORDER BY run_id, id LIMIT $3 OFFSET $4")).
		WithArgs("run-1", "A", 2, 4).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "account", "year", "month", "month_name", "predicted_kwh", "created_at"}).
			AddRow(5, "run-1", "A", 2025, 5, "Mayo", 101.25, created).
			AddRow(6, "run-1", "A", 2025, 6, "Junio", 99.5, created))

	runID, account := "run-1", "A"
	got, total, err := repo.ListForecasts(context.Background(), ForecastFilter{RunID: &runID, Account: &account, Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListForecasts() error = %v", err)
	}
	if total != 6 || len(got) != 2 {
		t.Fatalf("ListForecasts() = %d rows (total %d), want 2 (total 6)", len(got), total)
	}
	if f := got[1]; f.ID != 6 || f.RunID != "run-1" || f.Month != 6 || f.MonthName != "Junio" || f.PredictedKWh != 99.5 || !f.CreatedAt.Equal(created) {
		t.Errorf("second forecast = %+v", f)
	}
}

func TestForecastRepositoryListOutcomes(t *testing.T) {
	repo, mock, _ := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM (")).
		WithArgs("run-1", "fit_failed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("AND status = $2 ORDER BY id LIMIT $3 OFFSET $4")).
		WithArgs("run-1", "fit_failed", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "account", "status", "points", "last_month", "error", "fit_ms"}).
			AddRow("run-1", "C", "fit_failed", 9, "2024-11", "degenerate series", 12))

	status := "fit_failed"
	got, total, err := repo.ListOutcomes(context.Background(), OutcomeFilter{RunID: "run-1", Status: &status, Limit: 50})
	if err != nil {
		t.Fatalf("ListOutcomes() error = %v", err)
	}
	if total != 1 || len(got) != 1 {
		t.Fatalf("ListOutcomes() = %d rows (total %d), want 1", len(got), total)
	}
	o := got[0]
	if o.Account != "C" || o.Points != 9 || o.FitMillis != 12 || o.LastMonth == nil || *o.LastMonth != "2024-11" || o.Error == nil {
		t.Errorf("outcome = %+v", o)
	}
}

func TestForecastRepositoryQueryErrorIsCounted(t *testing.T) {
	repo, mock, collector := newMockRepository(t)
	cause := errors.New("connection reset by peer")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM forecast_runs")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY started_at DESC, id LIMIT $1 OFFSET $2")).
		WithArgs(10, 0).
		WillReturnError(cause)

	if _, _, err := repo.ListRuns(context.Background(), RunFilter{Limit: 10}); !errors.Is(err, cause) {
		t.Fatalf("ListRuns() error = %v, want %v", err, cause)
	}
	if got := testutil.ToFloat64(collector.DBErrorsTotal.WithLabelValues("select_error")); got != 1 {
		t.Errorf("select_error = %v, want 1", got)
	}
}
