package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"device-analytics/internal/config"
	"device-analytics/internal/models"
	"device-analytics/internal/repository"
	"device-analytics/internal/services"
	"device-analytics/pkg/database"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

func main() {
	devices := flag.Int("devices", 10, "Number of simulated devices")
	hours := flag.Int("hours", 3, "Hours of telemetry to generate, ending at the current hour")
	interval := flag.Duration("interval", time.Minute, "Time between two pings of one device")
	batchSize := flag.Int("batch-size", 1000, "Number of records to insert per transaction")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "Random seed")
	lat := flag.Float64("lat", 6.9271, "Starting latitude")
	lon := flag.Float64("lon", 79.8612, "Starting longitude")
	migrate := flag.Bool("migrate", true, "Create the source table first")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("device-generator", "1.0.0", cfg.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsCollector := metrics.NewCollectorWithRegisterer("device_generator", prometheus.NewRegistry())

	db, err := database.Connect(ctx, cfg.Source.ToDatabase(), database.StoreSource, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[GENERATOR_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	if *migrate {
		if err := database.Migrate(ctx, cfg.Source.ToDatabase(), database.SchemaSource, database.DirectionUp, logger); err != nil {
			logger.Fatal(ctx, "[GENERATOR_ERROR] Source migration failed", logging.Fields{}, err)
		}
	}

	sourceRepo := repository.NewSourceRepository(db, logger, metricsCollector)
	generator := services.NewGeneratorService(sourceRepo, logger)

	duration := time.Duration(*hours) * time.Hour
	start := models.FloorHour(time.Now()).Add(-duration)

	result, err := generator.Generate(ctx, services.GenerateOptions{
		Devices:   *devices,
		Start:     start,
		Duration:  duration,
		Interval:  *interval,
		BatchSize: *batchSize,
		Seed:      *seed,
		Origin:    models.Location{Latitude: *lat, Longitude: *lon},
	})
	if err != nil {
		logger.Fatal(ctx, "[GENERATOR_ERROR] Generation failed", logging.Fields{}, err)
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("GENERATION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Devices:        %d\n", result.Devices)
	fmt.Printf("Records:        %d\n", result.Records)
	fmt.Printf("Batches:        %d\n", result.Batches)
	fmt.Printf("From:           %s\n", start.Format(time.RFC3339))
	fmt.Printf("Duration:       %v\n", result.Duration)
}
