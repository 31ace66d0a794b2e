package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"lighting-forecast/internal/models"
	"lighting-forecast/pkg/database"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

// ForecastRepository provides data access for forecast runs
type ForecastRepository interface {
	// Run operations
	SaveRun(ctx context.Context, run *models.ForecastRun, records []models.ForecastRecord, outcomes []models.AccountOutcome) error
	GetRun(ctx context.Context, id string) (*models.ForecastRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.ForecastRun, int, error)

	// Result operations
	ListForecasts(ctx context.Context, filter ForecastFilter) ([]*models.StoredForecast, int, error)
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*models.AccountOutcome, int, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// ForecastFilter defines filters for querying forecast rows
type ForecastFilter struct {
	RunID   *string
	Account *string
	Year    *int
	Limit   int
	Offset  int
}

// RunFilter defines pagination for listing runs
type RunFilter struct {
	Limit  int
	Offset int
}

// OutcomeFilter defines filters for the account outcomes of one run
type OutcomeFilter struct {
	RunID  string
	Status *string
	Limit  int
	Offset int
}

// forecastRepository implements ForecastRepository
type forecastRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewForecastRepository creates a new forecast repository
func NewForecastRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) ForecastRepository {
	return &forecastRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

const runColumns = `id, started_at, finished_at, horizon, order_p, order_d, order_q,
		       input_records, rejected_records, accounts, forecasted, ineligible, fit_failed, records`

// SaveRun stores a run, its forecast rows and its account outcomes in one transaction
func (r *forecastRepository) SaveRun(ctx context.Context, run *models.ForecastRun, records []models.ForecastRecord, outcomes []models.AccountOutcome) error {
	timer := time.Now()

	err := r.db.WithTx(ctx, "save_run", func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO forecast_runs (`+runColumns+`)
			VALUES (:id, :started_at, :finished_at, :horizon, :order_p, :order_d, :order_q,
			        :input_records, :rejected_records, :accounts, :forecasted, :ineligible, :fit_failed, :records)
		`, run)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		if err := insertForecasts(ctx, tx, run.ID, records); err != nil {
			return err
		}
		return insertOutcomes(ctx, tx, run.ID, outcomes)
	})
	if err != nil {
		return err
	}

	r.logger.Debug(ctx, "[REPO_SAVE_RUN] Run persisted", logging.Fields{
		"run_id":      run.ID,
		"records":     len(records),
		"outcomes":    len(outcomes),
		"duration_ms": time.Since(timer).Milliseconds(),
	})
	return nil
}

func insertForecasts(ctx context.Context, tx *sqlx.Tx, runID string, records []models.ForecastRecord) error {
	if len(records) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO forecasts (run_id, account, year, month, month_name, predicted_kwh, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, runID, rec.Account, rec.Year, rec.Month, rec.MonthName, rec.PredictedKWh, now); err != nil {
			return fmt.Errorf("failed to insert forecast: %w", err)
		}
	}
	return nil
}

func insertOutcomes(ctx context.Context, tx *sqlx.Tx, runID string, outcomes []models.AccountOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO account_outcomes (run_id, account, status, points, last_month, error, fit_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		if _, err := stmt.ExecContext(ctx, runID, o.Account, o.Status, o.Points, o.LastMonth, o.Error, o.FitMillis); err != nil {
			return fmt.Errorf("failed to insert outcome: %w", err)
		}
	}
	return nil
}

// GetRun retrieves a run by ID
func (r *forecastRepository) GetRun(ctx context.Context, id string) (*models.ForecastRun, error) {
	query := `SELECT ` + runColumns + ` FROM forecast_runs WHERE id = $1`

	var run models.ForecastRun
	err := r.db.GetContext(ctx, "get_run", &run, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "forecast_run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Duration = run.FinishedAt.Sub(run.StartedAt)
	return &run, nil
}

// ListRuns retrieves runs, newest first
func (r *forecastRepository) ListRuns(ctx context.Context, filter RunFilter) ([]*models.ForecastRun, int, error) {
	var totalCount int
	if err := r.db.GetContext(ctx, "count_runs", &totalCount, `SELECT COUNT(*) FROM forecast_runs`); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM forecast_runs ORDER BY started_at DESC, id LIMIT $1 OFFSET $2`

	var runs []*models.ForecastRun
	if err := r.db.SelectContext(ctx, "list_runs", &runs, query, filter.Limit, filter.Offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	for _, run := range runs {
		run.Duration = run.FinishedAt.Sub(run.StartedAt)
	}

	return runs, totalCount, nil
}

// ListForecasts retrieves forecast rows with filtering and pagination
func (r *forecastRepository) ListForecasts(ctx context.Context, filter ForecastFilter) ([]*models.StoredForecast, int, error) {
	// Build query with filters
	query := `
		SELECT id, run_id, account, year, month, month_name, predicted_kwh, created_at
		FROM forecasts
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.RunID != nil {
		query += fmt.Sprintf(" AND run_id = $%d", argNum)
		args = append(args, *filter.RunID)
		argNum++
	}

	if filter.Account != nil {
		query += fmt.Sprintf(" AND account = $%d", argNum)
		args = append(args, *filter.Account)
		argNum++
	}

	if filter.Year != nil {
		query += fmt.Sprintf(" AND year = $%d", argNum)
		args = append(args, *filter.Year)
		argNum++
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	if err := r.db.GetContext(ctx, "count_forecasts", &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count forecasts: %w", err)
	}

	// Insertion order within a run is the table order
	query += " ORDER BY run_id, id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var forecasts []*models.StoredForecast
	if err := r.db.SelectContext(ctx, "list_forecasts", &forecasts, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list forecasts: %w", err)
	}

	return forecasts, totalCount, nil
}

// ListOutcomes retrieves the account outcomes of a run
func (r *forecastRepository) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*models.AccountOutcome, int, error) {
	query := `
		SELECT run_id, account, status, points, last_month, error, fit_ms
		FROM account_outcomes
		WHERE run_id = $1
	`
	args := []interface{}{filter.RunID}
	argNum := 2

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, *filter.Status)
		argNum++
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	if err := r.db.GetContext(ctx, "count_outcomes", &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count outcomes: %w", err)
	}

	query += " ORDER BY id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var outcomes []*models.AccountOutcome
	if err := r.db.SelectContext(ctx, "list_outcomes", &outcomes, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list outcomes: %w", err)
	}

	return outcomes, totalCount, nil
}

// HealthCheck performs a repository health check
func (r *forecastRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}
