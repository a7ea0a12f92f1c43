package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var errMissingJob = errors.New("jobs: job function required")

// Job is a periodic task: one full pass over its work set per invocation.
type Job func(ctx context.Context) error

// Schedule pairs a job with its cron spec.
type Schedule struct {
	Name string
	Spec string
	Job  Job
}

// RunnerConfig describes the periodic jobs to drive.
type RunnerConfig struct {
	Schedules []Schedule
	Logger    *zap.Logger
}

// Runner drives the batch jobs on their cron schedules. Each job is
// wrapped so a still-running invocation suppresses the next tick; the
// engine assumes at most one instance of each job runs at a time.
type Runner struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewRunner constructs the cron runner and registers every schedule.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	runner := &Runner{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		)),
		logger: logger,
	}

	for _, schedule := range cfg.Schedules {
		if schedule.Job == nil {
			return nil, fmt.Errorf("jobs: schedule %q: %w", schedule.Name, errMissingJob)
		}
		name, job := schedule.Name, schedule.Job
		_, err := runner.cron.AddFunc(schedule.Spec, func() {
			if err := job(context.Background()); err != nil {
				logger.Error("periodic job failed",
					zap.String("job", name),
					zap.Error(err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("jobs: schedule %q: %w", schedule.Name, err)
		}
	}

	return runner, nil
}

// Start launches the cron loop in its own goroutine.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("periodic jobs started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("periodic jobs stopped")
}
