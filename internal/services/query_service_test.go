package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"lighting-forecast/internal/models"
	"lighting-forecast/internal/repository"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

// countingRepository counts the calls that reach the store
type countingRepository struct {
	*repository.MemoryRepository
	forecastCalls int
	runCalls      int
}

func (c *countingRepository) ListForecasts(ctx context.Context, f repository.ForecastFilter) ([]*models.StoredForecast, int, error) {
	c.forecastCalls++
	return c.MemoryRepository.ListForecasts(ctx, f)
}

func (c *countingRepository) GetRun(ctx context.Context, id string) (*models.ForecastRun, error) {
	c.runCalls++
	return c.MemoryRepository.GetRun(ctx, id)
}

func newQueryFixture(t *testing.T) (*QueryService, *countingRepository, *metrics.Collector) {
	t.Helper()
	repo := &countingRepository{MemoryRepository: repository.NewMemoryRepository()}
	run := &models.ForecastRun{ID: "r1", StartedAt: time.Now().UTC(), Horizon: 1}
	records := []models.ForecastRecord{{Account: "A", Year: 2025, Month: 1, MonthName: "Enero", PredictedKWh: 1}}
	if err := repo.SaveRun(context.Background(), run, records, nil); err != nil {
		t.Fatal(err)
	}

	m := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	svc, err := NewQueryService(repo, 16, time.Minute, logging.NewNopLogger(), m)
	if err != nil {
		t.Fatal(err)
	}
	return svc, repo, m
}

func TestQueryServiceCachesForecasts(t *testing.T) {
	svc, repo, m := newQueryFixture(t)
	ctx := context.Background()
	filter := repository.ForecastFilter{Limit: 10}

	for i := 0; i < 3; i++ {
		page, err := svc.ListForecasts(ctx, filter)
		if err != nil {
			t.Fatal(err)
		}
		if page.Total != 1 || len(page.Forecasts) != 1 {
			t.Fatalf("page = %+v", page)
		}
	}
	if repo.forecastCalls != 1 {
		t.Errorf("store called %d times, want 1", repo.forecastCalls)
	}

	account := "B"
	if _, err := svc.ListForecasts(ctx, repository.ForecastFilter{Account: &account, Limit: 10}); err != nil {
		t.Fatal(err)
	}
	if repo.forecastCalls != 2 {
		t.Errorf("a different filter should reach the store, calls = %d", repo.forecastCalls)
	}

	if got := testutil.ToFloat64(m.QueryCacheHitRatio); got != 0.5 {
		t.Errorf("hit ratio = %v, want 0.5", got)
	}

	svc.Invalidate()
	if _, err := svc.ListForecasts(ctx, filter); err != nil {
		t.Fatal(err)
	}
	if repo.forecastCalls != 3 {
		t.Errorf("Invalidate() should drop cached pages, calls = %d", repo.forecastCalls)
	}
}

func TestQueryServiceMissingRunNotCached(t *testing.T) {
	svc, repo, _ := newQueryFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.GetRun(ctx, "missing")
		var nf *repository.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("GetRun() error = %v, want NotFoundError", err)
		}
	}
	if repo.runCalls != 2 {
		t.Errorf("store called %d times, want 2", repo.runCalls)
	}

	if _, err := svc.GetRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if repo.runCalls != 3 {
		t.Errorf("store called %d times, want 3", repo.runCalls)
	}
}
