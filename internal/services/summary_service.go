package services

import (
	"context"

	"device-analytics/internal/models"
	"device-analytics/internal/repository"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// SummaryService serves read access to loaded summaries
type SummaryService struct {
	repo    repository.SummaryRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewSummaryService creates a new summary service
func NewSummaryService(repo repository.SummaryRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *SummaryService {
	return &SummaryService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetSummaries retrieves summaries with filtering
func (s *SummaryService) GetSummaries(ctx context.Context, filter repository.SummaryFilter) ([]*models.SummaryRecord, int, error) {
	return s.repo.ListSummaries(ctx, filter)
}
