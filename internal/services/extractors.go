package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"device-analytics/internal/models"
	"device-analytics/internal/repository"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// DistanceOrder selects how a device's points are sequenced before distances are summed
type DistanceOrder string

const (
	// OrderByTimestamp sorts each device's points by record time
	OrderByTimestamp DistanceOrder = "timestamp"
	// OrderBySource keeps the order the source store returned
	OrderBySource DistanceOrder = "source"
)

// ParseDistanceOrder validates a configured ordering name
func ParseDistanceOrder(s string) (DistanceOrder, error) {
	switch DistanceOrder(s) {
	case OrderByTimestamp, OrderBySource:
		return DistanceOrder(s), nil
	case "":
		return OrderByTimestamp, nil
	default:
		return "", fmt.Errorf("unknown distance order %q", s)
	}
}

// MaxTemperatureExtractor reads the highest temperature per device
type MaxTemperatureExtractor struct {
	source  repository.SourceRepository
	metrics *metrics.Collector
}

// NewMaxTemperatureExtractor creates a max temperature extractor over source
func NewMaxTemperatureExtractor(source repository.SourceRepository, metricsCollector *metrics.Collector) *MaxTemperatureExtractor {
	return &MaxTemperatureExtractor{source: source, metrics: metricsCollector}
}

// Extract returns the highest temperature each device reported in window
func (e *MaxTemperatureExtractor) Extract(ctx context.Context, window models.TimeWindow) (map[string]int, error) {
	defer e.metrics.StageTimer(StageExtractMaxTemperature).ObserveDuration()
	return e.source.MaxTemperatures(ctx, window)
}

// RecordCountExtractor counts records per device
type RecordCountExtractor struct {
	source  repository.SourceRepository
	metrics *metrics.Collector
}

// NewRecordCountExtractor creates a record count extractor over source
func NewRecordCountExtractor(source repository.SourceRepository, metricsCollector *metrics.Collector) *RecordCountExtractor {
	return &RecordCountExtractor{source: source, metrics: metricsCollector}
}

// Extract returns how many records each device reported in window
func (e *RecordCountExtractor) Extract(ctx context.Context, window models.TimeWindow) (map[string]int, error) {
	defer e.metrics.StageTimer(StageExtractRecordCount).ObserveDuration()
	return e.source.RecordCounts(ctx, window)
}

// DistanceExtractor computes the total distance each device travelled in a window
type DistanceExtractor struct {
	source  repository.SourceRepository
	order   DistanceOrder
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewDistanceExtractor creates a distance extractor. An empty order means OrderByTimestamp.
func NewDistanceExtractor(source repository.SourceRepository, order DistanceOrder, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *DistanceExtractor {
	if order == "" {
		order = OrderByTimestamp
	}
	return &DistanceExtractor{
		source:  source,
		order:   order,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Extract returns kilometres travelled per device. Every device with at least one
// decodable point is present in the result.
func (e *DistanceExtractor) Extract(ctx context.Context, window models.TimeWindow) (map[string]float64, error) {
	defer e.metrics.StageTimer(StageExtractDistance).ObserveDuration()

	records, err := e.source.LocationPings(ctx, window)
	if err != nil {
		return nil, err
	}

	distances, invalid := TotalDistances(records, e.order)
	if len(invalid) > 0 {
		e.metrics.InvalidLocations.Add(float64(len(invalid)))
		for _, rec := range invalid {
			e.logger.Warn(ctx, "[EXTRACT_INVALID_LOCATION] Skipping record with undecodable location", logging.Fields{
				"device_id": rec.DeviceID,
				"time":      rec.Timestamp().Format(time.RFC3339),
				"location":  rec.Location,
			})
		}
	}
	return distances, nil
}

// TotalDistances groups records by device, orders each device's points and sums the
// geodesic distance between consecutive points. Records whose location cannot be
// decoded are returned separately and take no part in the sum.
func TotalDistances(records []models.RawRecord, order DistanceOrder) (map[string]float64, []models.RawRecord) {
	type point struct {
		time int64
		loc  models.Location
	}

	tracks := make(map[string][]point)
	var invalid []models.RawRecord
	for _, rec := range records {
		loc, err := rec.DecodeLocation()
		if err != nil {
			invalid = append(invalid, rec)
			continue
		}
		tracks[rec.DeviceID] = append(tracks[rec.DeviceID], point{time: rec.Time, loc: loc})
	}

	distances := make(map[string]float64, len(tracks))
	for deviceID, points := range tracks {
		if order == OrderByTimestamp {
			sort.SliceStable(points, func(i, j int) bool { return points[i].time < points[j].time })
		}

		var total float64
		for i := 1; i < len(points); i++ {
			total += GeodesicDistance(points[i-1].loc, points[i].loc)
		}
		distances[deviceID] = total
	}
	return distances, invalid
}
