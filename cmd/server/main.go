package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lighting-forecast/internal/config"
	"lighting-forecast/internal/handlers"
	"lighting-forecast/internal/repository"
	"lighting-forecast/internal/services"
	"lighting-forecast/pkg/database"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewStructuredLogger("lighting-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting lighting forecast API server", logging.Fields{
		"version":     "1.0.0",
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_enabled":  cfg.Database.Enabled,
		"db_host":     cfg.Database.Host,
		"db_name":     cfg.Database.Database,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("lighting_forecast")

	// Initialize repository
	var forecastRepo repository.ForecastRepository
	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(cfg.Database.Postgres(), logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
		}
		defer db.Close()
		forecastRepo = repository.NewForecastRepository(db, logger, metricsCollector)
	} else {
		logger.Warn(ctx, "[STARTUP] Database disabled, serving an empty in-memory store", logging.Fields{})
		forecastRepo = repository.NewMemoryRepository()
	}

	// Initialize services
	queryService, err := services.NewQueryService(forecastRepo, cfg.Cache.Size, cfg.Cache.TTL, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to create query cache", logging.Fields{
			"cache_size": cfg.Cache.Size,
		}, err)
	}

	// Initialize handlers
	forecastHandler := handlers.NewForecastHandler(queryService, logger, metricsCollector)

	// Setup router
	router := mux.NewRouter()

	// Register routes
	forecastHandler.RegisterRoutes(router)

	// API documentation
	router.HandleFunc("/api/docs/openapi.json", handlers.OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", handlers.SwaggerUI("/api/docs/openapi.json")).Methods("GET")

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
