package usecase

import (
	"context"
	"errors"
	"time"

	"InboxDigest/internal/ports"
)

// Scheduler wires the cron-like driver with the pipeline use case.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline) *Scheduler {
	return &Scheduler{driver: driver, pipeline: pipeline}
}

// Start registers the pipeline with the provided scheduler. Triggers that fire while a run
// is active are dropped by the pipeline guard, and triggers after ctx is done are ignored.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}
	return s.driver.Start(ctx, func(trigger time.Time) { s.fire(ctx, trigger) })
}

func (s *Scheduler) fire(ctx context.Context, trigger time.Time) {
	logger := s.pipeline.logger.With("trigger", trigger.Format(time.RFC3339))
	if ctx.Err() != nil {
		logger.Debug("trigger ignored, shutting down")
		return
	}

	state, err := s.pipeline.Run(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		logger.Info("trigger dropped", "reason", err)
	case err != nil:
		logger.Error("scheduled run", "error", err)
	default:
		failedStages := 0
		for _, r := range state.Results {
			if r.Status == StageFailed {
				failedStages++
			}
		}
		logger.Debug("scheduled run done", "run_id", state.ID, "failed_stages", failedStages)
	}
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
