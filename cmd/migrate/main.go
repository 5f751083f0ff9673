package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"device-analytics/internal/config"
	"device-analytics/pkg/database"
	"device-analytics/pkg/logging"
)

func main() {
	direction := flag.String("direction", database.DirectionUp, "Migration direction: up or down")
	schema := flag.String("schema", database.SchemaDestination, "Schema to migrate: destination or source")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("device-etl-migrate", "1.0.0", cfg.LogLevel())

	var dbConfig *database.Config
	switch *schema {
	case database.SchemaDestination:
		dbConfig = cfg.Destination.ToDatabase()
	case database.SchemaSource:
		dbConfig = cfg.Source.ToDatabase()
	default:
		fmt.Fprintf(os.Stderr, "Unknown schema %q, expected destination or source\n", *schema)
		os.Exit(2)
	}

	fmt.Printf("Running %s migration on %s (%s)\n", *direction, *schema, dbConfig.Driver)

	if err := database.Migrate(context.Background(), dbConfig, *schema, *direction, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Migration completed successfully")
}
