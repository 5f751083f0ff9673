package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"device-analytics/internal/models"
	"device-analytics/internal/repository"
	"device-analytics/pkg/logging"
)

// GeneratorService writes synthetic device telemetry into the source store
type GeneratorService struct {
	repo   repository.SourceRepository
	logger *logging.StructuredLogger
}

// GenerateOptions shapes the synthetic data set
type GenerateOptions struct {
	Devices   int
	Start     time.Time
	Duration  time.Duration
	Interval  time.Duration
	BatchSize int
	Seed      uint64
	// Origin is the point every device starts its random walk from
	Origin models.Location
}

// GenerateResult contains generation statistics
type GenerateResult struct {
	Devices  int
	Records  int
	Batches  int
	Duration time.Duration
}

// NewGeneratorService creates a new generator service
func NewGeneratorService(repo repository.SourceRepository, logger *logging.StructuredLogger) *GeneratorService {
	return &GeneratorService{repo: repo, logger: logger}
}

// Generate emits one ping per device every Interval from Start for Duration. Each
// device takes a small random walk around Origin with a drifting temperature.
func (s *GeneratorService) Generate(ctx context.Context, opts GenerateOptions) (*GenerateResult, error) {
	if opts.Devices <= 0 || opts.Interval <= 0 || opts.Duration <= 0 {
		return nil, fmt.Errorf("devices, interval and duration must be positive")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}

	startTime := time.Now()
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	s.logger.Info(ctx, "[GENERATE_START] Starting telemetry generation", logging.Fields{
		"devices":    opts.Devices,
		"start":      opts.Start.UTC().Format(time.RFC3339),
		"duration":   opts.Duration.String(),
		"interval":   opts.Interval.String(),
		"batch_size": opts.BatchSize,
	})

	type device struct {
		id          string
		loc         models.Location
		temperature int
	}
	devices := make([]*device, opts.Devices)
	for i := range devices {
		devices[i] = &device{
			id:          uuid.NewString(),
			loc:         opts.Origin,
			temperature: 20 + rng.IntN(10),
		}
	}

	result := &GenerateResult{Devices: opts.Devices}
	batch := make([]*models.RawRecord, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.repo.CreateRecordsBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
		result.Records += len(batch)
		result.Batches++
		batch = batch[:0]
		return nil
	}

	end := opts.Start.Add(opts.Duration)
	for ts := opts.Start; ts.Before(end); ts = ts.Add(opts.Interval) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		for _, d := range devices {
			d.loc = stepLocation(d.loc, rng)
			d.temperature = clamp(d.temperature+rng.IntN(5)-2, -10, 60)

			payload, err := json.Marshal(d.loc)
			if err != nil {
				return result, fmt.Errorf("failed to encode location: %w", err)
			}
			batch = append(batch, &models.RawRecord{
				DeviceID:    d.id,
				Time:        ts.Unix(),
				Temperature: d.temperature,
				Location:    string(payload),
			})

			if len(batch) >= opts.BatchSize {
				if err := flush(); err != nil {
					return result, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	result.Duration = time.Since(startTime)
	s.logger.Info(ctx, "[GENERATE_COMPLETE] Telemetry generation completed", logging.Fields{
		"devices":          result.Devices,
		"records":          result.Records,
		"batches":          result.Batches,
		"duration_seconds": result.Duration.Seconds(),
	})
	return result, nil
}

// stepLocation moves up to roughly 500m in a random direction, staying within range
func stepLocation(loc models.Location, rng *rand.Rand) models.Location {
	const maxStepDegrees = 0.0045
	lat := loc.Latitude + (rng.Float64()*2-1)*maxStepDegrees
	lon := loc.Longitude + (rng.Float64()*2-1)*maxStepDegrees
	return models.Location{
		Latitude:  math.Max(-90, math.Min(90, lat)),
		Longitude: math.Max(-180, math.Min(180, lon)),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
