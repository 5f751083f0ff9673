package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"device-analytics/internal/config"
	"device-analytics/internal/handlers"
	"device-analytics/internal/repository"
	"device-analytics/internal/scheduler"
	"device-analytics/internal/services"
	"device-analytics/pkg/database"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("device-etl", version, cfg.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[STARTUP] Starting device summary ETL", logging.Fields{
		"version":        version,
		"source_host":    cfg.Source.Host,
		"destination":    cfg.Destination.Driver,
		"schedule":       cfg.Pipeline.Schedule,
		"error_policy":   cfg.Pipeline.ErrorPolicy,
		"distance_order": cfg.Pipeline.DistanceOrder,
		"load_mode":      cfg.Pipeline.LoadMode,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsCollector := metrics.NewCollectorWithRegisterer("device_etl", registry)

	sourceDB, err := database.Connect(ctx, cfg.Source.ToDatabase(), database.StoreSource, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to source database", logging.Fields{}, err)
	}
	defer sourceDB.Close()

	destinationDB, err := database.Connect(ctx, cfg.Destination.ToDatabase(), database.StoreDestination, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to destination database", logging.Fields{}, err)
	}
	defer destinationDB.Close()

	// migrations run once both stores are reachable
	if cfg.Destination.Migrate {
		if err := database.Migrate(ctx, cfg.Destination.ToDatabase(), database.SchemaDestination, database.DirectionUp, logger); err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Destination migration failed", logging.Fields{}, err)
		}
	}
	if cfg.Source.Migrate {
		if err := database.Migrate(ctx, cfg.Source.ToDatabase(), database.SchemaSource, database.DirectionUp, logger); err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Source migration failed", logging.Fields{}, err)
		}
	}

	sourceRepo := repository.NewSourceRepository(sourceDB, logger, metricsCollector)
	summaryRepo := repository.NewSummaryRepository(destinationDB, logger, metricsCollector)

	pipeline, err := services.NewPipeline(sourceRepo, summaryRepo, services.PipelineOptions{
		ErrorPolicy:     cfg.Pipeline.ErrorPolicy,
		DistanceOrder:   services.DistanceOrder(cfg.Pipeline.DistanceOrder),
		LoadMode:        services.LoadMode(cfg.Pipeline.LoadMode),
		InsertChunkSize: cfg.Pipeline.InsertChunkSize,
		LockFile:        cfg.Pipeline.LockFile,
	}, quartz.NewReal(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Invalid pipeline options", logging.Fields{}, err)
	}

	sched, err := scheduler.New(pipeline, scheduler.Options{
		Schedule:   cfg.Pipeline.Schedule,
		RunOnStart: cfg.Pipeline.RunOnStart,
	}, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Invalid schedule", logging.Fields{}, err)
	}

	var server *http.Server
	if cfg.Server.Enabled {
		summaryService := services.NewSummaryService(summaryRepo, logger, metricsCollector)
		summaryHandler := handlers.NewSummaryHandler(summaryService, pipeline, map[string]handlers.HealthChecker{
			database.StoreSource:      sourceRepo,
			database.StoreDestination: summaryRepo,
		}, logger, metricsCollector)

		router := mux.NewRouter()
		summaryHandler.RegisterRoutes(router)
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		server = &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		go func() {
			logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
				"address": server.Addr,
			})

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "[SERVER_ERROR] HTTP server failed", logging.Fields{}, err)
				stop()
			}
		}()
	}

	sched.Start()

	<-ctx.Done()
	logger.Info(context.Background(), "[SHUTDOWN] Shutting down...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "[SHUTDOWN_ERROR] Pipeline run did not finish in time", logging.Fields{}, err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
		}
	}

	logger.Info(context.Background(), "[SHUTDOWN_COMPLETE] ETL stopped", logging.Fields{})
}
