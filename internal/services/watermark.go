package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"device-analytics/internal/models"
	"device-analytics/internal/repository"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// ErrNoSourceData is returned when neither the destination nor the source holds any rows
var ErrNoSourceData = errors.New("no summarized hours and no source records")

// WatermarkResolver decides the first hour that still needs summarizing. The
// destination table is the only cursor.
type WatermarkResolver struct {
	summaries repository.SummaryRepository
	source    repository.SourceRepository
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewWatermarkResolver creates a new watermark resolver
func NewWatermarkResolver(summaries repository.SummaryRepository, source repository.SourceRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *WatermarkResolver {
	return &WatermarkResolver{
		summaries: summaries,
		source:    source,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// Resolve returns MAX(hour_start_time)+1h when the destination has rows, otherwise the
// hour of the oldest source record.
func (r *WatermarkResolver) Resolve(ctx context.Context) (time.Time, error) {
	latest, ok, err := r.summaries.LatestHourStart(ctx)
	if err != nil {
		r.logger.Error(ctx, "[WATERMARK_ERROR] Failed to read destination watermark", logging.Fields{
			"stage": "WATERMARK",
		}, err)
		return time.Time{}, fmt.Errorf("resolve watermark: %w", err)
	}
	if ok {
		watermark := models.FloorHour(latest).Add(models.WindowLength)
		r.publish(ctx, watermark, "destination")
		return watermark, nil
	}

	earliest, ok, err := r.source.EarliestRecordTime(ctx)
	if err != nil {
		r.logger.Error(ctx, "[WATERMARK_ERROR] Failed to read earliest source record", logging.Fields{
			"stage": "WATERMARK",
		}, err)
		return time.Time{}, fmt.Errorf("resolve watermark: %w", err)
	}
	if !ok {
		r.logger.Warn(ctx, "[WATERMARK_EMPTY] Destination and source are both empty", logging.Fields{
			"stage": "WATERMARK",
		})
		return time.Time{}, ErrNoSourceData
	}

	watermark := models.FloorHour(earliest)
	r.publish(ctx, watermark, "source")
	return watermark, nil
}

func (r *WatermarkResolver) publish(ctx context.Context, watermark time.Time, origin string) {
	r.metrics.WatermarkTimestamp.Set(float64(watermark.Unix()))
	r.logger.Info(ctx, "[WATERMARK] Watermark resolved", logging.Fields{
		"watermark": watermark.Format(time.RFC3339),
		"origin":    origin,
		"stage":     "WATERMARK",
	})
}
