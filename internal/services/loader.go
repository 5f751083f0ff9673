package services

import (
	"context"
	"fmt"

	"device-analytics/internal/models"
	"device-analytics/internal/repository"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// LoadMode controls duplicate handling when writing summaries
type LoadMode string

const (
	// LoadInsert appends every row, re-running a window duplicates it
	LoadInsert LoadMode = "insert"
	// LoadSkipExisting drops rows whose device and hour are already stored
	LoadSkipExisting LoadMode = "skip-existing"
)

// ParseLoadMode validates a configured load mode
func ParseLoadMode(s string) (LoadMode, error) {
	switch LoadMode(s) {
	case LoadInsert, LoadSkipExisting:
		return LoadMode(s), nil
	case "":
		return LoadInsert, nil
	default:
		return "", fmt.Errorf("unknown load mode %q", s)
	}
}

// Loader writes formatted summary rows to the destination
type Loader struct {
	repo    repository.SummaryRepository
	opts    repository.InsertOptions
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewLoader creates a loader; chunkSize <= 0 uses the repository default
func NewLoader(repo repository.SummaryRepository, mode LoadMode, chunkSize int, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Loader {
	return &Loader{
		repo: repo,
		opts: repository.InsertOptions{
			SkipExisting: mode == LoadSkipExisting,
			ChunkSize:    chunkSize,
		},
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Load inserts all records in one transaction and returns the rows reported inserted
func (l *Loader) Load(ctx context.Context, records []*models.SummaryRecord) (int64, error) {
	defer l.metrics.StageTimer(StageLoad).ObserveDuration()

	l.logger.Info(ctx, "[LOAD_START] Summary records ready for upload", logging.Fields{
		"records": len(records),
		"stage":   "LOADING",
	})

	inserted, err := l.repo.InsertSummaries(ctx, records, l.opts)
	if err != nil {
		return 0, fmt.Errorf("load summaries: %w", err)
	}

	l.metrics.SummaryRowsLoaded.Add(float64(inserted))
	l.logger.Info(ctx, "[LOAD_COMPLETE] Summary rows uploaded", logging.Fields{
		"rows_affected": inserted,
		"stage":         "LOADING",
	})
	return inserted, nil
}
