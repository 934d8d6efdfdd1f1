// render-service is the HTTP coordination service for the render farm: it
// accepts job submissions, schedules them onto worker machines and serves
// results.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jetspiking/RenderOnline/internal/api"
	"github.com/jetspiking/RenderOnline/internal/config"
	"github.com/jetspiking/RenderOnline/internal/dispatcher"
	"github.com/jetspiking/RenderOnline/internal/health"
	"github.com/jetspiking/RenderOnline/internal/observability"
	"github.com/jetspiking/RenderOnline/internal/render"
	"github.com/jetspiking/RenderOnline/internal/scheduler"
	"github.com/jetspiking/RenderOnline/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg := config.LoadServiceConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Connect to the task store. The store is a hard dependency; without it
	// there is nothing to serve.
	taskStore, err := store.NewPGStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	slog.Info("Connected to task store")

	// Worker agent client shared by the scheduler and the intake service
	agents := dispatcher.NewHTTPClient(cfg.AgentTimeout)

	healthChecker := health.NewChecker(taskStore)
	renderService := render.NewService(taskStore, agents, metrics, cfg.ArchiveRetries, cfg.ArchiveRetryDelay)

	// Start the scheduler loop
	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	sched := scheduler.New(taskStore, agents, metrics, cfg.SchedulerInterval)
	schedDone := make(chan struct{})
	go func() {
		sched.Run(schedCtx)
		close(schedDone)
	}()

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		RenderService: renderService,
		Store:         taskStore,
		Metrics:       metrics,
		HealthChecker: healthChecker,
	})

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // scene uploads can be large
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		schedCancel()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish
	// in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the scheduler. In-flight renders keep running on their
	// machines; the next process picks them up from the store on boot.
	slog.Info("Stopping scheduler")
	schedCancel()
	select {
	case <-schedDone:
	case <-time.After(10 * time.Second):
		slog.Warn("Scheduler did not stop in time")
	}

	slog.Info("Running renders will continue on their machines")
	slog.Info("Shutdown complete")
	return nil
}
