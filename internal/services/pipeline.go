package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"device-analytics/internal/models"
	"device-analytics/internal/repository"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// ErrRunInProgress is returned by RunOnce when another run holds the lock
var ErrRunInProgress = errors.New("pipeline run already in progress")

// State is the pipeline's current step
type State string

const (
	StateIdle               State = "IDLE"
	StateResolvingWatermark State = "RESOLVING_WATERMARK"
	StateGeneratingWindows  State = "GENERATING_WINDOWS"
	StateExtracting         State = "EXTRACTING"
	StateMerging            State = "MERGING"
	StateFormatting         State = "FORMATTING"
	StateLoading            State = "LOADING"
)

// Run statuses
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
	RunNoData  = "no_data"
)

// Window outcomes
const (
	WindowLoaded = "loaded"
	WindowEmpty  = "empty"
	WindowFailed = "failed"
)

// RunResult describes one RunOnce invocation
type RunResult struct {
	RunID         string    `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Watermark     time.Time `json:"watermark"`
	Windows       int       `json:"windows"`
	WindowsLoaded int       `json:"windows_loaded"`
	WindowsEmpty  int       `json:"windows_empty"`
	WindowsFailed int       `json:"windows_failed"`
	RowsLoaded    int64     `json:"rows_loaded"`
	Status        string    `json:"status"`
	Errors        []string  `json:"errors,omitempty"`

	failures *multierror.Error
}

// Err returns every stage failure collected during the run, or nil
func (r *RunResult) Err() error {
	return r.failures.ErrorOrNil()
}

func (r *RunResult) addFailure(err error) {
	r.failures = multierror.Append(r.failures, err)
	r.Errors = append(r.Errors, err.Error())
}

// PipelineOptions configures a Pipeline
type PipelineOptions struct {
	ErrorPolicy     string
	DistanceOrder   DistanceOrder
	LoadMode        LoadMode
	InsertChunkSize int
	// LockFile, when set, guards against a second process running at the same time
	LockFile string
}

// Pipeline runs watermark resolution, window generation and the per-window
// extract, merge, format and load steps
type Pipeline struct {
	watermark *WatermarkResolver
	maxTemp   *MaxTemperatureExtractor
	counts    *RecordCountExtractor
	distance  *DistanceExtractor
	formatter *Formatter
	loader    *Loader
	policy    ErrorPolicy

	clock    quartz.Clock
	runMu    sync.Mutex
	fileLock *flock.Flock

	mu      sync.RWMutex
	state   State
	lastRun *RunResult

	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewPipeline wires the pipeline stages over the given repositories
func NewPipeline(
	source repository.SourceRepository,
	summaries repository.SummaryRepository,
	opts PipelineOptions,
	clock quartz.Clock,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) (*Pipeline, error) {
	policy, err := NewErrorPolicy(opts.ErrorPolicy, logger, metricsCollector)
	if err != nil {
		return nil, err
	}
	order, err := ParseDistanceOrder(string(opts.DistanceOrder))
	if err != nil {
		return nil, err
	}
	mode, err := ParseLoadMode(string(opts.LoadMode))
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		watermark: NewWatermarkResolver(summaries, source, logger, metricsCollector),
		maxTemp:   NewMaxTemperatureExtractor(source, metricsCollector),
		counts:    NewRecordCountExtractor(source, metricsCollector),
		distance:  NewDistanceExtractor(source, order, logger, metricsCollector),
		formatter: NewFormatter(clock),
		loader:    NewLoader(summaries, mode, opts.InsertChunkSize, logger, metricsCollector),
		policy:    policy,
		clock:     clock,
		state:     StateIdle,
		logger:    logger,
		metrics:   metricsCollector,
	}
	if opts.LockFile != "" {
		p.fileLock = flock.New(opts.LockFile)
	}
	return p, nil
}

// State returns the step the pipeline is currently in
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// LastRun returns a copy of the most recent finished run, or nil
func (p *Pipeline) LastRun() *RunResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastRun == nil {
		return nil
	}
	run := *p.lastRun
	run.Errors = append([]string(nil), p.lastRun.Errors...)
	return &run
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// RunOnce processes every complete hour after the watermark, oldest first. It returns
// ErrRunInProgress without doing anything when another run is active.
func (p *Pipeline) RunOnce(ctx context.Context) (*RunResult, error) {
	if !p.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer p.runMu.Unlock()

	if p.fileLock != nil {
		locked, err := p.fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire run lock %s: %w", p.fileLock.Path(), err)
		}
		if !locked {
			return nil, ErrRunInProgress
		}
		defer p.fileLock.Unlock()
	}
	// finish is skipped if a stage panics
	defer p.setState(StateIdle)

	result := &RunResult{
		RunID:     uuid.NewString(),
		StartedAt: p.clock.Now("pipeline", "start").UTC(),
	}
	ctx = logging.WithRunID(ctx, result.RunID)

	p.logger.Info(ctx, "[RUN_START] Pipeline run started", logging.Fields{
		"policy": p.policy.Name(),
	})

	err := p.run(ctx, result)
	p.finish(ctx, result)
	return result, err
}

func (p *Pipeline) run(ctx context.Context, result *RunResult) error {
	p.setState(StateResolvingWatermark)
	watermark, err := p.watermark.Resolve(ctx)
	if errors.Is(err, ErrNoSourceData) {
		result.Status = RunNoData
		return nil
	}
	if err != nil {
		p.metrics.RecordStageError(StageWatermark)
		result.addFailure(err)
		result.Status = RunFailed
		return err
	}
	result.Watermark = watermark

	p.setState(StateGeneratingWindows)
	windows := GenerateWindows(watermark, p.clock.Now("pipeline", "windows"))
	result.Windows = len(windows)
	p.logger.Info(ctx, "[WINDOWS] Hour windows generated", logging.Fields{
		"count":     len(windows),
		"watermark": watermark.Format(time.RFC3339),
	})

	for _, window := range windows {
		if err := ctx.Err(); err != nil {
			result.addFailure(err)
			result.Status = RunFailed
			return err
		}
		if err := p.processWindow(ctx, window, result); err != nil {
			result.Status = RunFailed
			return err
		}
	}

	if result.Err() != nil {
		result.Status = RunPartial
	} else {
		result.Status = RunSuccess
	}
	return nil
}

// processWindow runs one window through extract, merge, format and load. A non-nil
// return aborts the run.
func (p *Pipeline) processWindow(ctx context.Context, window models.TimeWindow, result *RunResult) error {
	ctx = logging.WithWindow(ctx, window.Start)
	failed := false

	fail := func(stage string, err error) error {
		failed = true
		result.addFailure(fmt.Errorf("window %s: %s: %w", window.Start.Format(time.RFC3339), stage, err))
		return p.policy.Handle(ctx, stage, err)
	}

	p.setState(StateExtracting)
	maxTemps, err := p.maxTemp.Extract(ctx, window)
	if err != nil {
		if abort := fail(StageExtractMaxTemperature, err); abort != nil {
			p.recordWindow(result, WindowFailed)
			return abort
		}
	}
	counts, err := p.counts.Extract(ctx, window)
	if err != nil {
		if abort := fail(StageExtractRecordCount, err); abort != nil {
			p.recordWindow(result, WindowFailed)
			return abort
		}
	}
	distances, err := p.distance.Extract(ctx, window)
	if err != nil {
		if abort := fail(StageExtractDistance, err); abort != nil {
			p.recordWindow(result, WindowFailed)
			return abort
		}
	}

	p.setState(StateMerging)
	summaries := MergeSummaries(maxTemps, counts, distances)
	if len(summaries) == 0 {
		if failed {
			p.recordWindow(result, WindowFailed)
			return nil
		}
		p.logger.Info(ctx, "[WINDOW_EMPTY] No device data in window", logging.Fields{
			"window": window.String(),
		})
		p.recordWindow(result, WindowEmpty)
		return nil
	}

	p.setState(StateFormatting)
	records := p.formatter.Format(window, summaries)

	p.setState(StateLoading)
	inserted, err := p.loader.Load(ctx, records)
	if err != nil {
		p.recordWindow(result, WindowFailed)
		return fail(StageLoad, err)
	}

	result.RowsLoaded += inserted
	p.recordWindow(result, WindowLoaded)
	return nil
}

func (p *Pipeline) recordWindow(result *RunResult, outcome string) {
	switch outcome {
	case WindowLoaded:
		result.WindowsLoaded++
	case WindowEmpty:
		result.WindowsEmpty++
	case WindowFailed:
		result.WindowsFailed++
	}
	p.metrics.RecordWindow(outcome)
}

func (p *Pipeline) finish(ctx context.Context, result *RunResult) {
	result.FinishedAt = p.clock.Now("pipeline", "finish").UTC()
	duration := result.FinishedAt.Sub(result.StartedAt)

	p.metrics.RecordRun(result.Status)
	p.metrics.RunDuration.Observe(duration.Seconds())

	fields := logging.Fields{
		"status":         result.Status,
		"windows":        result.Windows,
		"windows_loaded": result.WindowsLoaded,
		"windows_empty":  result.WindowsEmpty,
		"windows_failed": result.WindowsFailed,
		"rows_loaded":    result.RowsLoaded,
		"duration_ms":    duration.Milliseconds(),
	}
	if err := result.Err(); err != nil {
		p.logger.Error(ctx, "[RUN_COMPLETE] Pipeline run finished with errors", fields, err)
	} else {
		p.logger.Info(ctx, "[RUN_COMPLETE] Pipeline run finished", fields)
	}

	p.mu.Lock()
	p.state = StateIdle
	p.lastRun = result
	p.mu.Unlock()
}
