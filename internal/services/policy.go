package services

import (
	"context"
	"fmt"

	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// Pipeline stages, used as error and timing labels
const (
	StageWatermark             = "watermark"
	StageExtractMaxTemperature = "extract_max_temperature"
	StageExtractRecordCount    = "extract_record_count"
	StageExtractDistance       = "extract_distance"
	StageLoad                  = "load"
)

// Error policy names
const (
	PolicyDegrade = "degrade"
	PolicyStrict  = "strict"
)

// ErrorPolicy decides what a stage failure inside a window means for the run. Handle
// returns nil to keep going, or the error that should abort the run.
type ErrorPolicy interface {
	Handle(ctx context.Context, stage string, err error) error
	Name() string
}

// NewErrorPolicy builds the policy named by mode
func NewErrorPolicy(mode string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (ErrorPolicy, error) {
	switch mode {
	case PolicyDegrade, "":
		return &degradePolicy{logger: logger, metrics: metricsCollector}, nil
	case PolicyStrict:
		return &strictPolicy{logger: logger, metrics: metricsCollector}, nil
	default:
		return nil, fmt.Errorf("unknown error policy %q", mode)
	}
}

// degradePolicy logs and counts the failure and lets the run continue
type degradePolicy struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

func (p *degradePolicy) Name() string { return PolicyDegrade }

func (p *degradePolicy) Handle(ctx context.Context, stage string, err error) error {
	p.metrics.RecordStageError(stage)
	p.logger.Error(ctx, "[STAGE_ERROR] Stage failed, continuing with degraded window", logging.Fields{
		"stage":  stage,
		"policy": PolicyDegrade,
	}, err)
	return nil
}

// strictPolicy aborts the run on the first failure
type strictPolicy struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

func (p *strictPolicy) Name() string { return PolicyStrict }

func (p *strictPolicy) Handle(ctx context.Context, stage string, err error) error {
	p.metrics.RecordStageError(stage)
	p.logger.Error(ctx, "[STAGE_ERROR] Stage failed, aborting run", logging.Fields{
		"stage":  stage,
		"policy": PolicyStrict,
	}, err)
	return fmt.Errorf("%s: %w", stage, err)
}
