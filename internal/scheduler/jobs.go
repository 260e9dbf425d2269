package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/italolelis/modelfetch/internal/logctx"
)

// JobFunc is a periodic background job.
type JobFunc func(ctx context.Context) error

// Jobs runs periodic jobs on a gocron scheduler. A job never overlaps with
// itself; a run that is still busy when the next one is due is skipped.
type Jobs struct {
	gocron gocron.Scheduler
	ctx    context.Context
}

// NewJobs creates a job runner. ctx is handed to every job run.
func NewJobs(ctx context.Context) (*Jobs, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Jobs{gocron: gs, ctx: ctx}, nil
}

// Register adds a job running every interval. runOnStart also runs it as
// soon as Start is called.
func (j *Jobs) Register(name string, interval time.Duration, runOnStart bool, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %q: interval must be positive", name)
	}

	opts := []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}

	if runOnStart {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	_, err := j.gocron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { j.run(name, fn) }),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create job %q: %w", name, err)
	}

	logctx.LoggerFromContext(j.ctx).Info("registered job", "job", name, "interval", interval, "run_on_start", runOnStart)

	return nil
}

func (j *Jobs) run(name string, fn JobFunc) {
	if j.ctx.Err() != nil {
		return
	}

	ctx := logctx.AppendAttrs(j.ctx, slog.String("job", name))
	logger := logctx.LoggerFromContext(ctx)

	start := time.Now()

	if err := fn(ctx); err != nil {
		logger.ErrorContext(ctx, "job failed", "duration", time.Since(start), "err", err)

		return
	}

	logger.DebugContext(ctx, "job completed", "duration", time.Since(start))
}

// Start starts running registered jobs.
func (j *Jobs) Start() {
	j.gocron.Start()
}

// Shutdown stops the scheduler and waits for running jobs.
func (j *Jobs) Shutdown() error {
	return j.gocron.Shutdown()
}
