package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"device-analytics/internal/services"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// RunSkipped is the run status recorded when a trigger fires while a run is active
const RunSkipped = "skipped"

// Runner is the unit of work triggered on every tick
type Runner interface {
	RunOnce(ctx context.Context) (*services.RunResult, error)
}

// Options configures the trigger
type Options struct {
	// Schedule is a standard five field cron expression evaluated in UTC
	Schedule   string
	RunOnStart bool
}

// Scheduler triggers the runner on a cron schedule. Overlapping ticks are skipped and
// a panicking run is recovered and logged.
type Scheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	runner  Runner
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// New creates a scheduler; it does nothing until Start
func New(runner Runner, opts Options, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*Scheduler, error) {
	cronLogger := logging.NewCronLogger(logger)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    c,
		runner:  runner,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metricsCollector,
	}

	id, err := c.AddFunc(opts.Schedule, s.run)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid schedule %q: %w", opts.Schedule, err)
	}
	s.entryID = id
	return s, nil
}

// Start begins ticking and, with RunOnStart, triggers one run immediately
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info(s.ctx, "[SCHEDULER_START] Scheduler started", logging.Fields{
		"schedule":     s.opts.Schedule,
		"run_on_start": s.opts.RunOnStart,
		"next_run":     s.NextRun().Format(time.RFC3339),
	})

	if s.opts.RunOnStart {
		job := s.cron.Entry(s.entryID).WrappedJob
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.Run()
		}()
	}
}

// NextRun returns the next scheduled trigger time, zero before Start
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Stop prevents new runs and waits for the active one. When ctx ends first the active
// run is cancelled and ctx's error is returned once it has returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info(context.Background(), "[SCHEDULER_STOP] Scheduler stopped", logging.Fields{})
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.logger.Warn(context.Background(), "[SCHEDULER_STOP] Active run cancelled on shutdown", logging.Fields{})
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	result, err := s.runner.RunOnce(s.ctx)
	switch {
	case errors.Is(err, services.ErrRunInProgress):
		s.metrics.RecordRun(RunSkipped)
		s.logger.Warn(s.ctx, "[SCHEDULER_SKIP] Previous run still active, trigger skipped", logging.Fields{})
	case err != nil:
		fields := logging.Fields{}
		if result != nil {
			fields["run_id"] = result.RunID
			fields["status"] = result.Status
		}
		s.logger.Error(s.ctx, "[SCHEDULER_RUN_FAILED] Pipeline run failed", fields, err)
	default:
		s.logger.Debug(s.ctx, "[SCHEDULER_RUN_DONE] Pipeline run finished", logging.Fields{
			"run_id": result.RunID,
			"status": result.Status,
		})
	}
}
