package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/progress"
	"github.com/italolelis/modelfetch/internal/storage"
	"github.com/italolelis/modelfetch/internal/telemetry"
	"golang.org/x/oauth2"
)

// DefaultChunkSize is the size of one read/write cycle.
const DefaultChunkSize = 8 * 1024

// ErrInterrupted is the cancellation cause used when the process stops an
// attempt it wants to resume later (shutdown). The partial file is kept.
var ErrInterrupted = errors.New("transfer interrupted")

// Options configures a Pipeline.
type Options struct {
	ChunkSize int
	Telemetry *telemetry.Telemetry
	// Now is the clock used for progress throttling.
	Now func() time.Time
}

// Pipeline runs single download attempts against an HTTP origin, resuming
// from the partial destination file when one exists. It writes byte
// counters to the store but never the record status.
type Pipeline struct {
	store     storage.DownloadRepository
	client    *http.Client
	sink      progress.Sink
	chunkSize int
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

func NewPipeline(store storage.DownloadRepository, client *http.Client, sink progress.Sink, opts Options) *Pipeline {
	if client == nil {
		client = NewClient(nil, DefaultClientOptions())
	}

	if sink == nil {
		sink = progress.Discard
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Pipeline{
		store:     store,
		client:    client,
		sink:      sink,
		chunkSize: opts.ChunkSize,
		telemetry: opts.Telemetry,
		now:       opts.Now,
	}
}

// attempt is the mutable state of one Execute call.
type attempt struct {
	p        *Pipeline
	rec      *storage.DownloadRecord
	offset   int64 // bytes kept on disk from earlier attempts
	written  int64 // bytes written by this attempt
	total    int64
	counted  int64 // bytes already reported to telemetry
	status   int
	file     *os.File
	throttle *progress.Throttle
}

func (a *attempt) downloaded() int64 {
	return a.offset + a.written
}

// Execute performs one attempt for record. The returned error is non-nil only
// for defects; every expected condition is described by the Outcome.
func (p *Pipeline) Execute(ctx context.Context, record *storage.DownloadRecord) (Outcome, error) {
	if record == nil {
		return Outcome{}, &InvariantError{Detail: "nil record"}
	}

	logger := logctx.LoggerFromContext(ctx)

	interval := record.ProgressInterval
	if interval <= 0 {
		interval = storage.DefaultProgressInterval
	}

	a := &attempt{
		p:        p,
		rec:      record,
		total:    record.TotalBytes,
		throttle: progress.NewThrottle(interval, p.now),
	}

	offset, err := PartialLength(record.Destination)
	if err != nil {
		return a.ioFailure(ctx, err), nil
	}

	a.offset = offset

	if ctx.Err() != nil {
		return a.stop(ctx), nil
	}

	if record.TotalKnown() && offset > record.TotalBytes {
		return Outcome{}, &InvariantError{
			ID:     record.ID,
			Detail: fmt.Sprintf("partial file holds %d bytes, more than the total of %d", offset, record.TotalBytes),
		}
	}

	if record.TotalKnown() && record.TotalBytes > 0 && offset == record.TotalBytes {
		logger.InfoContext(ctx, "destination already complete, skipping request")

		if err := p.store.UpdateProgress(ctx, record.ID, offset, offset); err != nil {
			return retryLater("progress store error", err), nil
		}

		return success(0, offset), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, record.URL, nil)
	if err != nil {
		return permanentFailure("invalid url", err), nil
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	if record.AuthToken != "" {
		(&oauth2.Token{AccessToken: record.AuthToken, TokenType: "Bearer"}).SetAuthHeader(req)
	}

	logger.DebugContext(ctx, "requesting download", "offset", offset)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return a.stop(ctx), nil
		}

		logger.WarnContext(ctx, "transport error", "err", err)

		return retryLater("transport error", err), nil
	}
	defer resp.Body.Close()

	if out, proceed := a.classify(ctx, resp); !proceed {
		return out, nil
	}

	if a.total >= 0 && a.offset > a.total {
		return Outcome{}, &InvariantError{
			ID:     record.ID,
			Detail: fmt.Sprintf("resume offset %d beyond total %d", a.offset, a.total),
		}
	}

	if err := p.store.UpdateProgress(ctx, record.ID, a.offset, a.total); err != nil {
		return retryLater("progress store error", err), nil
	}

	if err := a.open(); err != nil {
		return a.ioFailure(ctx, err), nil
	}

	return a.stream(ctx, resp.Body)
}

// classify inspects the response status. When proceed is false the attempt
// ends with out.
func (a *attempt) classify(ctx context.Context, resp *http.Response) (out Outcome, proceed bool) {
	logger := logctx.LoggerFromContext(ctx)
	dest := a.rec.Destination
	code := resp.StatusCode
	a.status = code

	switch {
	case code == http.StatusOK:
		if a.offset > 0 {
			logger.InfoContext(ctx, "origin ignored range request, restarting from zero", "discarded_bytes", a.offset)

			if err := RemovePartial(dest); err != nil {
				return a.ioFailure(ctx, err), false
			}

			a.offset = 0
		}

		a.total = storage.UnknownSize
		if resp.ContentLength >= 0 {
			a.total = resp.ContentLength
		}

	case code == http.StatusPartialContent:
		rangeTotal := storage.UnknownSize

		if header := resp.Header.Get("Content-Range"); header != "" {
			start, _, total, err := parseContentRange(header)

			switch {
			case err != nil:
				logger.WarnContext(ctx, "ignoring malformed Content-Range", "header", header, "err", err)
			case start != a.offset:
				logger.ErrorContext(ctx, "origin returned a different range than requested",
					"requested", a.offset, "received", start)

				if err := RemovePartial(dest); err != nil {
					return a.ioFailure(ctx, err), false
				}

				return permanentFailure("content range mismatch", &UnexpectedStatusError{
					StatusCode: code,
					Reason:     fmt.Sprintf("range starts at %d, expected %d", start, a.offset),
				}), false
			default:
				rangeTotal = total
			}
		}

		switch {
		case resp.ContentLength >= 0:
			a.total = a.offset + resp.ContentLength
		case rangeTotal >= 0:
			a.total = rangeTotal
		case a.rec.TotalKnown() && a.rec.TotalBytes >= a.offset:
			a.total = a.rec.TotalBytes
		default:
			a.total = storage.UnknownSize
		}

	case code == http.StatusRequestedRangeNotSatisfiable:
		if err := RemovePartial(dest); err != nil {
			return a.ioFailure(ctx, err), false
		}

		return permanentFailure("invalid partial or server content changed",
			&RangeRejectedError{URL: a.rec.URL, Offset: a.offset}), false

	case code >= 400 && code < 500:
		return permanentFailure(fmt.Sprintf("client error %d", code), &ClientError{StatusCode: code}), false

	case code >= 500:
		logger.WarnContext(ctx, "origin server error", "status", code)

		return retryLater(fmt.Sprintf("server error %d", code), &ServerError{StatusCode: code}), false

	default:
		return permanentFailure(fmt.Sprintf("unexpected response %d", code), &UnexpectedStatusError{StatusCode: code}), false
	}

	if resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		return permanentFailure("empty body", &UnexpectedStatusError{StatusCode: code, Reason: "empty body"}), false
	}

	return Outcome{}, true
}

func (a *attempt) open() error {
	dest := a.rec.Destination

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return newIOError("mkdir", filepath.Dir(dest), err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if a.offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return newIOError("open", dest, err)
	}

	a.file = f

	return nil
}

func (a *attempt) stream(ctx context.Context, body io.Reader) (Outcome, error) {
	logger := logctx.LoggerFromContext(ctx)
	buf := make([]byte, a.p.chunkSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := a.file.Write(buf[:n]); err != nil {
				return a.ioFailure(ctx, newIOError("write", a.rec.Destination, err)), nil
			}

			a.written += int64(n)

			if a.total >= 0 && a.downloaded() > a.total {
				a.closeFile()

				return Outcome{}, &InvariantError{
					ID:     a.rec.ID,
					Detail: fmt.Sprintf("downloaded %d bytes, more than the total of %d", a.downloaded(), a.total),
				}
			}

			if ctx.Err() != nil {
				return a.stop(ctx), nil
			}

			if a.throttle.Ready() {
				if out, stopped := a.checkpoint(ctx); stopped {
					return out, nil
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return a.stop(ctx), nil
			}

			logger.WarnContext(ctx, "response body interrupted", "downloaded", a.downloaded(), "err", readErr)
			a.closeFile()
			a.persist(ctx)

			out := retryLater("transport error", readErr)
			out.BytesWritten, out.TotalBytes = a.written, a.total

			return out, nil
		}
	}

	closeErr := a.file.Close()
	a.file = nil

	if closeErr != nil {
		return a.ioFailure(ctx, newIOError("close", a.rec.Destination, closeErr)), nil
	}

	if a.total < 0 {
		// A chunked response may carry no bytes at all.
		if a.written == 0 {
			return permanentFailure("empty body", &UnexpectedStatusError{StatusCode: a.status, Reason: "empty body"}), nil
		}

		a.total = a.downloaded()
	}

	if a.downloaded() < a.total {
		logger.WarnContext(ctx, "body ended before the expected size", "downloaded", a.downloaded(), "total", a.total)
		a.persist(ctx)

		out := retryLater("incomplete body", io.ErrUnexpectedEOF)
		out.BytesWritten, out.TotalBytes = a.written, a.total

		return out, nil
	}

	if err := a.p.store.UpdateProgress(ctx, a.rec.ID, a.downloaded(), a.total); err != nil {
		return retryLater("progress store error", err), nil
	}

	a.report(ctx)

	return success(a.written, a.total), nil
}

// checkpoint persists progress, notifies the sink and looks for a pause set
// by another actor directly in the store.
func (a *attempt) checkpoint(ctx context.Context) (Outcome, bool) {
	logger := logctx.LoggerFromContext(ctx)

	if err := a.p.store.UpdateProgress(ctx, a.rec.ID, a.downloaded(), a.total); err != nil {
		logger.WarnContext(ctx, "failed to persist progress", "err", err)
	}

	a.report(ctx)

	current, err := a.p.store.Get(ctx, a.rec.ID)
	if err != nil {
		logger.WarnContext(ctx, "failed to read record status", "err", err)

		return Outcome{}, false
	}

	if current.Status == storage.StatusPaused {
		return a.pause(ctx), true
	}

	return Outcome{}, false
}

func (a *attempt) report(ctx context.Context) {
	a.p.telemetry.RecordBytes(ctx, a.written-a.counted)
	a.counted = a.written

	a.p.sink.Report(ctx, progress.Event{
		ID:              a.rec.ID,
		DownloadedBytes: a.downloaded(),
		TotalBytes:      a.total,
	})
}

// stop ends the attempt after ctx was cancelled. The cancellation cause
// decides whether the partial file survives.
func (a *attempt) stop(ctx context.Context) Outcome {
	cause := context.Cause(ctx)

	switch {
	case errors.Is(cause, ErrPaused):
		return a.pause(ctx)
	case errors.Is(cause, ErrInterrupted), errors.Is(cause, context.DeadlineExceeded):
		a.closeFile()
		a.persist(ctx)

		out := retryLater("interrupted", cause)
		out.BytesWritten, out.TotalBytes = a.written, a.total

		return out
	}

	logger := logctx.LoggerFromContext(ctx)

	a.closeFile()
	a.persist(ctx)

	if err := RemovePartial(a.rec.Destination); err != nil {
		logger.ErrorContext(ctx, "failed to delete partial file after cancellation", "err", err)
	}

	logger.InfoContext(ctx, "download cancelled", "downloaded", a.downloaded())

	return cancelled(a.written)
}

func (a *attempt) pause(ctx context.Context) Outcome {
	a.closeFile()
	a.persist(ctx)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download paused", "downloaded", a.downloaded())

	out := retryLater(ReasonPaused, nil)
	out.BytesWritten, out.TotalBytes = a.written, a.total

	return out
}

// persist writes the current counters even when ctx is already cancelled.
func (a *attempt) persist(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	if err := a.p.store.UpdateProgress(ctx, a.rec.ID, a.downloaded(), a.total); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to persist progress", "err", err)
	}

	a.p.telemetry.RecordBytes(ctx, a.written-a.counted)
	a.counted = a.written
}

func (a *attempt) ioFailure(ctx context.Context, err error) Outcome {
	a.closeFile()

	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		ioErr = newIOError("io", a.rec.Destination, err)
	}

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "filesystem error",
		slog.String("op", ioErr.Op),
		slog.Bool("transient", ioErr.Transient),
		slog.Any("err", ioErr.Err),
	)

	if ioErr.Transient {
		return retryLater("transient filesystem error", ioErr)
	}

	return permanentFailure(ioErr.Error(), ioErr)
}

func (a *attempt) closeFile() {
	if a.file == nil {
		return
	}

	_ = a.file.Close()
	a.file = nil
}

// PartialLength returns the length of the file at path, or 0 when it does not exist.
func PartialLength(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, newIOError("stat", path, err)
	}

	if info.IsDir() {
		return 0, newIOError("stat", path, errors.New("destination is a directory"))
	}

	return info.Size(), nil
}

// RemovePartial deletes the partial file at path. A missing file is not an error.
func RemovePartial(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return newIOError("remove", path, err)
	}

	return nil
}
