package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lighting-forecast/internal/models"
)

// MemoryRepository keeps runs in process memory. It backs the API when no
// database is configured and stands in for PostgreSQL in tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	runs      map[string]*models.ForecastRun
	order     []string
	forecasts []*models.StoredForecast
	outcomes  map[string][]*models.AccountOutcome
	nextID    int64
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		runs:     make(map[string]*models.ForecastRun),
		outcomes: make(map[string][]*models.AccountOutcome),
	}
}

// SaveRun stores a copy of the run and its results
func (m *MemoryRepository) SaveRun(ctx context.Context, run *models.ForecastRun, records []models.ForecastRecord, outcomes []models.AccountOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("failed to insert run: duplicate id %s", run.ID)
	}

	stored := *run
	m.runs[run.ID] = &stored
	m.order = append(m.order, run.ID)

	now := time.Now().UTC()
	for _, rec := range records {
		m.nextID++
		m.forecasts = append(m.forecasts, &models.StoredForecast{
			ID:             m.nextID,
			RunID:          run.ID,
			ForecastRecord: rec,
			CreatedAt:      now,
		})
	}

	list := make([]*models.AccountOutcome, len(outcomes))
	for i := range outcomes {
		o := outcomes[i]
		o.RunID = run.ID
		list[i] = &o
	}
	m.outcomes[run.ID] = list
	return nil
}

// GetRun retrieves a run by ID
func (m *MemoryRepository) GetRun(ctx context.Context, id string) (*models.ForecastRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, &NotFoundError{Resource: "forecast_run", ID: id}
	}
	out := *run
	out.Duration = out.FinishedAt.Sub(out.StartedAt)
	return &out, nil
}

// ListRuns retrieves runs, newest first
func (m *MemoryRepository) ListRuns(ctx context.Context, filter RunFilter) ([]*models.ForecastRun, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*models.ForecastRun, 0, len(m.order))
	for _, id := range m.order {
		run := *m.runs[id]
		run.Duration = run.FinishedAt.Sub(run.StartedAt)
		runs = append(runs, &run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	return page(runs, filter.Limit, filter.Offset), len(runs), nil
}

// ListForecasts retrieves forecast rows with filtering and pagination
func (m *MemoryRepository) ListForecasts(ctx context.Context, filter ForecastFilter) ([]*models.StoredForecast, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.StoredForecast
	for _, f := range m.forecasts {
		if filter.RunID != nil && f.RunID != *filter.RunID {
			continue
		}
		if filter.Account != nil && f.Account != *filter.Account {
			continue
		}
		if filter.Year != nil && f.Year != *filter.Year {
			continue
		}
		matched = append(matched, f)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].RunID < matched[j].RunID
	})

	return page(matched, filter.Limit, filter.Offset), len(matched), nil
}

// ListOutcomes retrieves the account outcomes of a run
func (m *MemoryRepository) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*models.AccountOutcome, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.AccountOutcome
	for _, o := range m.outcomes[filter.RunID] {
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		matched = append(matched, o)
	}

	return page(matched, filter.Limit, filter.Offset), len(matched), nil
}

// HealthCheck always succeeds
func (m *MemoryRepository) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
