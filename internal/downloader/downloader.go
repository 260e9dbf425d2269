package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/storage"
	"github.com/italolelis/modelfetch/internal/telemetry"
	"github.com/italolelis/modelfetch/internal/transfer"
)

var (
	// ErrAttemptInProgress is returned when RunAttempt is called for an id
	// that already has an attempt running in this process.
	ErrAttemptInProgress = errors.New("attempt already in progress")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidRequest is returned by Create for unusable input.
	ErrInvalidRequest = errors.New("invalid download request")

	errCancelRequested = errors.New("download cancelled by request")
)

const defaultEventBuffer = 16

// Result is what an attempt means for the scheduler.
type Result int

const (
	ResultSuccess Result = iota
	ResultRetry
	ResultFailure
	ResultCancelled
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	case ResultFailure:
		return "failure"
	case ResultCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Executor runs one transfer attempt. *transfer.Pipeline implements it.
type Executor interface {
	Execute(ctx context.Context, record *storage.DownloadRecord) (transfer.Outcome, error)
}

// Prewarmer resolves the origin host ahead of an attempt.
type Prewarmer interface {
	PreWarm(ctx context.Context, rawURL string)
}

// Downloader drives download records through their lifecycle. It is the only
// writer of record status.
type Downloader struct {
	repo       storage.DownloadRepository
	executor   Executor
	prewarmer  Prewarmer
	telemetry  *telemetry.Telemetry
	instanceID string

	// mu serializes status transitions and guards inflight.
	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc

	OnDownloadFinished chan *storage.DownloadRecord
	OnDownloadFailed   chan *storage.DownloadRecord
}

// Option configures a Downloader.
type Option func(*Downloader)

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Downloader) { d.telemetry = t }
}

func WithPrewarmer(p Prewarmer) Option {
	return func(d *Downloader) { d.prewarmer = p }
}

// WithEventBuffer sets the capacity of the event channels. Events are dropped
// when a channel is full.
func WithEventBuffer(n int) Option {
	return func(d *Downloader) {
		d.OnDownloadFinished = make(chan *storage.DownloadRecord, n)
		d.OnDownloadFailed = make(chan *storage.DownloadRecord, n)
	}
}

func NewDownloader(repo storage.DownloadRepository, executor Executor, opts ...Option) *Downloader {
	d := &Downloader{
		repo:               repo,
		executor:           executor,
		instanceID:         NewInstanceID(),
		inflight:           make(map[string]context.CancelCauseFunc),
		OnDownloadFinished: make(chan *storage.DownloadRecord, defaultEventBuffer),
		OnDownloadFailed:   make(chan *storage.DownloadRecord, defaultEventBuffer),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Close closes the event channels. No attempt may run afterwards.
func (d *Downloader) Close() {
	close(d.OnDownloadFinished)
	close(d.OnDownloadFailed)
}

// Create stores a new pending download. A zero interval selects the default.
func (d *Downloader) Create(ctx context.Context, rawURL, destination, authToken string, interval time.Duration) (*storage.DownloadRecord, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidRequest)
	}

	if destination == "" || !filepath.IsAbs(destination) {
		return nil, fmt.Errorf("%w: destination must be an absolute path", ErrInvalidRequest)
	}

	if interval < 0 {
		return nil, fmt.Errorf("%w: progress interval must be positive", ErrInvalidRequest)
	}

	if interval == 0 {
		interval = storage.DefaultProgressInterval
	}

	rec := &storage.DownloadRecord{
		ID:               storage.NewID(),
		URL:              rawURL,
		Destination:      filepath.Clean(destination),
		Status:           storage.StatusPending,
		TotalBytes:       storage.UnknownSize,
		AuthToken:        authToken,
		ProgressInterval: interval,
	}

	if err := d.repo.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create download: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download created",
		"download_id", rec.ID, "destination", rec.Destination)

	return rec, nil
}

// GetRecord returns the stored record for id.
func (d *Downloader) GetRecord(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	return d.repo.Get(ctx, id)
}

// ListRecords returns all records, or only those in the given statuses.
func (d *Downloader) ListRecords(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	return d.repo.List(ctx, statuses...)
}

// SetProgressInterval changes the progress interval of a record that is not
// being transferred.
func (d *Downloader) SetProgressInterval(ctx context.Context, id string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: progress interval must be positive", ErrInvalidRequest)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.inflight[id]; ok {
		return ErrAttemptInProgress
	}

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.ProgressInterval == interval {
		return nil
	}

	rec.ProgressInterval = interval

	return d.repo.Upsert(ctx, rec)
}

// InFlight reports whether this process is running an attempt for id.
func (d *Downloader) InFlight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.inflight[id]

	return ok
}

// RunAttempt performs one attempt for id and records its consequence.
func (d *Downloader) RunAttempt(ctx context.Context, id string) (Result, error) {
	ctx = logctx.AppendAttrs(ctx, slog.String("download_id", id))

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rec, early, err := d.begin(ctx, id, cancel)
	if rec == nil {
		return early, err
	}

	var result Result

	err = d.telemetry.InstrumentAttempt(attemptCtx, func(ctx context.Context) (string, error) {
		if d.prewarmer != nil {
			d.prewarmer.PreWarm(ctx, rec.URL)
		}

		outcome, execErr := d.executor.Execute(ctx, rec)

		var finishErr error

		result, finishErr = d.finish(ctx, rec, outcome, execErr)

		return result.String(), finishErr
	})

	return result, err
}

// begin validates the record, reconciles it with the file on disk, marks it
// running and registers cancel. A nil record means the attempt must not run.
func (d *Downloader) begin(ctx context.Context, id string, cancel context.CancelCauseFunc) (*storage.DownloadRecord, Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.inflight[id]; ok {
		return nil, ResultRetry, ErrAttemptInProgress
	}

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, ResultFailure, fmt.Errorf("failed to load download %s: %w", id, err)
	}

	switch rec.Status {
	case storage.StatusCompleted:
		return nil, ResultSuccess, nil
	case storage.StatusFailed:
		return nil, ResultFailure, nil
	case storage.StatusCancelled:
		return nil, ResultCancelled, nil
	case storage.StatusPaused:
		logger.DebugContext(ctx, "download is paused, skipping attempt")

		return nil, ResultRetry, nil
	}

	if err := d.reconcile(ctx, rec); err != nil {
		return nil, ResultRetry, err
	}

	if err := d.repo.UpdateStatus(ctx, id, storage.StatusRunning, ""); err != nil {
		return nil, ResultRetry, fmt.Errorf("failed to mark download %s running: %w", id, err)
	}

	rec.Status = storage.StatusRunning
	rec.LastError = ""
	d.inflight[id] = cancel

	logger.InfoContext(ctx, "starting download attempt",
		"instance_id", d.instanceID,
		"resume_from", humanize.Bytes(uint64(max(rec.DownloadedBytes, 0))),
	)

	return rec, ResultRetry, nil
}

// reconcile corrects the byte counter to the length of the partial file.
func (d *Downloader) reconcile(ctx context.Context, rec *storage.DownloadRecord) error {
	length, err := transfer.PartialLength(rec.Destination)
	if err != nil {
		// The pipeline reports the same filesystem error as an outcome.
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "could not inspect partial file", "err", err)

		return nil
	}

	if length == rec.DownloadedBytes {
		return nil
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "partial file length differs from record, reconciling",
		"recorded", rec.DownloadedBytes, "on_disk", length)

	if err := d.repo.UpdateProgress(ctx, rec.ID, length, rec.TotalBytes); err != nil {
		return fmt.Errorf("failed to reconcile download %s: %w", rec.ID, err)
	}

	rec.DownloadedBytes = length

	return nil
}

// finish maps the pipeline result onto the record status.
func (d *Downloader) finish(ctx context.Context, rec *storage.DownloadRecord, outcome transfer.Outcome, execErr error) (Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	// The attempt context may already be cancelled; the final write must land.
	ctx = context.WithoutCancel(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	// From here on Cancel and Pause act on the stored record directly.
	delete(d.inflight, rec.ID)

	if execErr != nil {
		logger.ErrorContext(ctx, "transfer defect", "err", execErr)
		d.telemetry.RecordSystemError(ctx, "transfer", "invariant")

		return ResultFailure, d.transition(ctx, rec, storage.StatusFailed, execErr.Error())
	}

	switch outcome.Kind {
	case transfer.KindSuccess:
		logger.InfoContext(ctx, "download completed", "size", humanize.Bytes(uint64(max(outcome.TotalBytes, 0))))

		return ResultSuccess, d.transition(ctx, rec, storage.StatusCompleted, "")

	case transfer.KindPermanentFailure:
		reason := outcome.Reason
		if reason == "" && outcome.Err != nil {
			reason = outcome.Err.Error()
		}

		logger.ErrorContext(ctx, "download failed", "reason", reason, "err", outcome.Err)

		return ResultFailure, d.transition(ctx, rec, storage.StatusFailed, reason)

	case transfer.KindCancelled:
		if err := transfer.RemovePartial(rec.Destination); err != nil {
			logger.ErrorContext(ctx, "failed to delete partial file", "err", err)
		}

		return ResultCancelled, d.transition(ctx, rec, storage.StatusCancelled, "")

	case transfer.KindRetryLater:
		status := storage.StatusPending

		if outcome.Paused() {
			status = storage.StatusPaused
		} else if current, err := d.repo.Get(ctx, rec.ID); err == nil && current.Status == storage.StatusPaused {
			status = storage.StatusPaused
		}

		logger.InfoContext(ctx, "download will be retried", "reason", outcome.Reason, "status", status, "err", outcome.Err)

		return ResultRetry, d.transition(ctx, rec, status, "")
	}

	return ResultFailure, d.transition(ctx, rec, storage.StatusFailed, "unknown outcome "+outcome.Kind.String())
}

func (d *Downloader) transition(ctx context.Context, rec *storage.DownloadRecord, status storage.Status, lastError string) error {
	if err := d.repo.UpdateStatus(ctx, rec.ID, status, lastError); err != nil {
		return fmt.Errorf("failed to mark download %s %s: %w", rec.ID, status, err)
	}

	switch status {
	case storage.StatusCompleted:
		d.emit(ctx, d.OnDownloadFinished, rec.ID)
	case storage.StatusFailed:
		d.emit(ctx, d.OnDownloadFailed, rec.ID)
	}

	return nil
}

func (d *Downloader) emit(ctx context.Context, ch chan *storage.DownloadRecord, id string) {
	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return
	}

	select {
	case ch <- rec:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "event channel full, dropping event", "status", rec.Status)
	}
}

// Cancel stops a download for good. Cancelling a terminal record is a no-op.
// A running attempt is aborted and records the cancellation itself.
func (d *Downloader) Cancel(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	ctx = logctx.AppendAttrs(ctx, slog.String("download_id", id))
	logger := logctx.LoggerFromContext(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Status.IsTerminal() {
		return rec, nil
	}

	if cancel, ok := d.inflight[id]; ok {
		logger.InfoContext(ctx, "cancelling running attempt")
		cancel(errCancelRequested)

		return rec, nil
	}

	if err := transfer.RemovePartial(rec.Destination); err != nil {
		return nil, fmt.Errorf("failed to delete partial file of %s: %w", id, err)
	}

	if err := d.repo.UpdateStatus(ctx, id, storage.StatusCancelled, ""); err != nil {
		return nil, fmt.Errorf("failed to cancel download %s: %w", id, err)
	}

	logger.InfoContext(ctx, "download cancelled")

	rec.Status = storage.StatusCancelled
	rec.LastError = ""

	return rec, nil
}

// Pause stops a pending or running download, keeping its partial file.
func (d *Downloader) Pause(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case storage.StatusPaused:
		return rec, nil
	case storage.StatusPending, storage.StatusRunning:
	default:
		return nil, fmt.Errorf("%w: cannot pause a %s download", ErrInvalidTransition, rec.Status)
	}

	if err := d.repo.UpdateStatus(ctx, id, storage.StatusPaused, ""); err != nil {
		return nil, fmt.Errorf("failed to pause download %s: %w", id, err)
	}

	if cancel, ok := d.inflight[id]; ok {
		cancel(transfer.ErrPaused)
	}

	rec.Status = storage.StatusPaused

	return rec, nil
}

// Resume makes a paused download eligible for the next attempt.
func (d *Downloader) Resume(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case storage.StatusPending, storage.StatusRunning:
		return rec, nil
	case storage.StatusPaused:
	default:
		return nil, fmt.Errorf("%w: cannot resume a %s download", ErrInvalidTransition, rec.Status)
	}

	if err := d.repo.UpdateStatus(ctx, id, storage.StatusPending, ""); err != nil {
		return nil, fmt.Errorf("failed to resume download %s: %w", id, err)
	}

	rec.Status = storage.StatusPending

	return rec, nil
}
