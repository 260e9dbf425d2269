// Package scheduler decides when download attempts run. It keeps at most one
// attempt per download in flight, bounds the total number of parallel
// attempts and spaces out retries of the same download.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/modelfetch/internal/downloader"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/storage"
	"github.com/italolelis/modelfetch/internal/transfer"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidInterval is returned for a non-positive progress interval.
	ErrInvalidInterval = errors.New("progress interval must be greater than zero")
	// ErrAtCapacity is returned when MaxParallel attempts are already running.
	ErrAtCapacity = errors.New("maximum parallel attempts reached")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("scheduler stopped")
)

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	RunAttempt(ctx context.Context, id string) (downloader.Result, error)
	SetProgressInterval(ctx context.Context, id string, interval time.Duration) error
	ListRecords(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error)
}

// ProbeFunc checks that rawURL can be reached.
type ProbeFunc func(ctx context.Context, rawURL string) error

// Config tunes the scheduler.
type Config struct {
	MaxParallel     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	ConnectivityURL string
}

// Attempt is one background download attempt.
type Attempt struct {
	ID string

	cancel context.CancelCauseFunc
	done   chan struct{}
	result downloader.Result
	err    error
}

// Wait blocks until the attempt ends and returns its result.
func (a *Attempt) Wait() (downloader.Result, error) {
	<-a.done

	return a.result, a.err
}

// Done is closed when the attempt ends.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Cancel cancels the download the attempt is working on.
func (a *Attempt) Cancel() {
	a.cancel(context.Canceled)
}

type retryState struct {
	backoff  *backoff.ExponentialBackOff
	notUntil time.Time
}

// Scheduler launches attempts for pending downloads.
type Scheduler struct {
	runner Runner
	probe  ProbeFunc
	cfg    Config
	now    func() time.Time

	ctx   context.Context
	stop  context.CancelCauseFunc
	group errgroup.Group

	mu       sync.Mutex
	attempts map[string]*Attempt
	retries  map[string]*retryState
}

// New creates a Scheduler. Attempts run under ctx; Stop interrupts them.
func New(ctx context.Context, runner Runner, probe ProbeFunc, cfg Config) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}

	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 30 * time.Second
	}

	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Minute
	}

	// Attempts outlive the caller's cancellation so Stop can interrupt them
	// with a cause that keeps partial files.
	base, stop := context.WithCancelCause(context.WithoutCancel(ctx))

	s := &Scheduler{
		runner:   runner,
		probe:    probe,
		cfg:      cfg,
		now:      time.Now,
		ctx:      base,
		stop:     stop,
		attempts: make(map[string]*Attempt),
		retries:  make(map[string]*retryState),
	}

	s.group.SetLimit(cfg.MaxParallel)

	return s
}

// CreateAttempt starts an attempt for id in the background.
func (s *Scheduler) CreateAttempt(ctx context.Context, id string, progressInterval time.Duration) (*Attempt, error) {
	if progressInterval <= 0 {
		return nil, ErrInvalidInterval
	}

	if s.ctx.Err() != nil {
		return nil, ErrStopped
	}

	if s.inFlight(id) {
		return nil, downloader.ErrAttemptInProgress
	}

	if err := s.runner.SetProgressInterval(ctx, id, progressInterval); err != nil {
		return nil, fmt.Errorf("failed to apply progress interval: %w", err)
	}

	return s.launch(id)
}

// Poll starts attempts for every pending or interrupted download that is not
// already running and not waiting out a retry delay. It returns the number
// of attempts started.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := s.runner.ListRecords(ctx, storage.StatusPending, storage.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list downloads: %w", err)
	}

	if len(records) == 0 {
		return 0, nil
	}

	if s.probe != nil && s.cfg.ConnectivityURL != "" {
		if err := s.probe(ctx, s.cfg.ConnectivityURL); err != nil {
			logger.WarnContext(ctx, "no connectivity, postponing downloads", "err", err)

			return 0, nil
		}
	}

	started := 0

	for _, rec := range records {
		if s.inFlight(rec.ID) || s.waiting(rec.ID) {
			continue
		}

		if _, err := s.launch(rec.ID); err != nil {
			if errors.Is(err, ErrAtCapacity) {
				logger.DebugContext(ctx, "attempt capacity reached", "max_parallel", s.cfg.MaxParallel)

				break
			}

			return started, err
		}

		started++
	}

	return started, nil
}

// Running returns the number of attempts in flight.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.attempts)
}

// Stop interrupts running attempts, keeping their partial files, and waits
// for them to record their state.
func (s *Scheduler) Stop() error {
	s.stop(transfer.ErrInterrupted)

	return s.group.Wait()
}

func (s *Scheduler) inFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.attempts[id]

	return ok
}

func (s *Scheduler) waiting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.retries[id]

	return ok && s.now().Before(state.notUntil)
}

func (s *Scheduler) launch(id string) (*Attempt, error) {
	ctx, cancel := context.WithCancelCause(logctx.AppendAttrs(s.ctx, slog.String("download_id", id)))

	attempt := &Attempt{ID: id, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, ok := s.attempts[id]; ok {
		s.mu.Unlock()
		cancel(nil)

		return nil, downloader.ErrAttemptInProgress
	}

	s.attempts[id] = attempt
	s.mu.Unlock()

	ok := s.group.TryGo(func() error {
		defer cancel(nil)

		attempt.result, attempt.err = s.runner.RunAttempt(ctx, id)
		s.record(ctx, id, attempt.result, attempt.err)

		s.mu.Lock()
		delete(s.attempts, id)
		s.mu.Unlock()

		close(attempt.done)

		return nil
	})
	if !ok {
		s.mu.Lock()
		delete(s.attempts, id)
		s.mu.Unlock()
		cancel(nil)

		return nil, ErrAtCapacity
	}

	return attempt, nil
}

// record updates the retry delay of id after an attempt.
func (s *Scheduler) record(ctx context.Context, id string, result downloader.Result, err error) {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil && result != downloader.ResultRetry {
		delete(s.retries, id)

		logger.DebugContext(ctx, "attempt finished", "result", result)

		return
	}

	state, ok := s.retries[id]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.BackoffInitial
		b.MaxInterval = s.cfg.BackoffMax
		b.Reset()

		state = &retryState{backoff: b}
		s.retries[id] = state
	}

	delay := state.backoff.NextBackOff()
	state.notUntil = s.now().Add(delay)

	logger.InfoContext(ctx, "attempt will be retried", "result", result, "retry_in", delay.Round(time.Second), "err", err)
}
