package services

import (
	"context"
	"fmt"
	"time"

	"lighting-forecast/internal/models"
	"lighting-forecast/internal/repository"
	"lighting-forecast/pkg/cache"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

// ForecastPage is one page of stored forecast rows
type ForecastPage struct {
	Forecasts []*models.StoredForecast
	Total     int
}

// RunPage is one page of runs
type RunPage struct {
	Runs  []*models.ForecastRun
	Total int
}

// OutcomePage is one page of account outcomes
type OutcomePage struct {
	Outcomes []*models.AccountOutcome
	Total    int
}

// QueryService serves stored runs to the API through a small LRU cache.
// Stored runs never change, so entries only expire to pick up new runs.
type QueryService struct {
	repo    repository.ForecastRepository
	cache   *cache.LRU[string, interface{}]
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewQueryService creates a new query service
func NewQueryService(repo repository.ForecastRepository, cacheSize int, ttl time.Duration, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*QueryService, error) {
	c, err := cache.New[string, interface{}](cacheSize, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &QueryService{
		repo:    repo,
		cache:   c,
		logger:  logger,
		metrics: metricsCollector,
	}, nil
}

// ListForecasts retrieves forecast rows with filtering
func (s *QueryService) ListForecasts(ctx context.Context, filter repository.ForecastFilter) (*ForecastPage, error) {
	key := fmt.Sprintf("forecasts|%s|%s|%s|%d|%d",
		deref(filter.RunID), deref(filter.Account), derefInt(filter.Year), filter.Limit, filter.Offset)
	if page, ok := s.lookup(key).(*ForecastPage); ok {
		return page, nil
	}

	rows, total, err := s.repo.ListForecasts(ctx, filter)
	if err != nil {
		return nil, err
	}
	page := &ForecastPage{Forecasts: rows, Total: total}
	s.cache.Set(key, page)
	return page, nil
}

// ListRuns retrieves runs, newest first
func (s *QueryService) ListRuns(ctx context.Context, filter repository.RunFilter) (*RunPage, error) {
	key := fmt.Sprintf("runs|%d|%d", filter.Limit, filter.Offset)
	if page, ok := s.lookup(key).(*RunPage); ok {
		return page, nil
	}

	runs, total, err := s.repo.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	page := &RunPage{Runs: runs, Total: total}
	s.cache.Set(key, page)
	return page, nil
}

// GetRun retrieves one run. Missing runs are not cached.
func (s *QueryService) GetRun(ctx context.Context, id string) (*models.ForecastRun, error) {
	key := "run|" + id
	if run, ok := s.lookup(key).(*models.ForecastRun); ok {
		return run, nil
	}

	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, run)
	return run, nil
}

// ListOutcomes retrieves the account outcomes of a run
func (s *QueryService) ListOutcomes(ctx context.Context, filter repository.OutcomeFilter) (*OutcomePage, error) {
	key := fmt.Sprintf("outcomes|%s|%s|%d|%d", filter.RunID, deref(filter.Status), filter.Limit, filter.Offset)
	if page, ok := s.lookup(key).(*OutcomePage); ok {
		return page, nil
	}

	outcomes, total, err := s.repo.ListOutcomes(ctx, filter)
	if err != nil {
		return nil, err
	}
	page := &OutcomePage{Outcomes: outcomes, Total: total}
	s.cache.Set(key, page)
	return page, nil
}

// HealthCheck checks the backing store
func (s *QueryService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}

// Invalidate drops every cached response
func (s *QueryService) Invalidate() {
	s.cache.Purge()
}

func (s *QueryService) lookup(key string) interface{} {
	v, ok := s.cache.Get(key)
	s.metrics.QueryCacheHitRatio.Set(s.cache.HitRatio())
	if !ok {
		return nil
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return "*"
	}
	return *s
}

func derefInt(i *int) string {
	if i == nil {
		return "*"
	}
	return fmt.Sprint(*i)
}
