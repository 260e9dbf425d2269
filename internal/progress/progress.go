// Package progress carries byte-count updates of running downloads to
// interested observers at a bounded rate.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/modelfetch/internal/logctx"
)

// Event is a snapshot of one download's progress. TotalBytes is negative
// while the size is unknown.
type Event struct {
	ID              string
	DownloadedBytes int64
	TotalBytes      int64
}

// Percent returns the completed share in [0, 100], or -1 when unknown.
func (e Event) Percent() float64 {
	if e.TotalBytes <= 0 {
		return -1
	}

	return float64(e.DownloadedBytes) * 100 / float64(e.TotalBytes)
}

// Sink receives progress events. Implementations must not block for long:
// Report is called from the transfer loop.
type Sink interface {
	Report(ctx context.Context, e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Report(ctx context.Context, e Event) { f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Report(ctx, e)
			}
		}
	})
}

// LogSink logs each event at debug level with human readable sizes.
type LogSink struct{}

func (LogSink) Report(ctx context.Context, e Event) {
	total := "unknown"
	if e.TotalBytes >= 0 {
		total = humanize.Bytes(uint64(e.TotalBytes))
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download progress",
		slog.String("download_id", e.ID),
		slog.String("downloaded", humanize.Bytes(uint64(max(e.DownloadedBytes, 0)))),
		slog.String("total", total),
	)
}

// Latest keeps the most recent event per download for polling readers.
type Latest struct {
	mu     sync.RWMutex
	events map[string]Event
}

func NewLatest() *Latest {
	return &Latest{events: make(map[string]Event)}
}

func (l *Latest) Report(_ context.Context, e Event) {
	l.mu.Lock()
	l.events[e.ID] = e
	l.mu.Unlock()
}

// Get returns the last event seen for id.
func (l *Latest) Get(id string) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.events[id]

	return e, ok
}

// Throttle lets an action through at most once per interval.
type Throttle struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewThrottle returns a Throttle whose first Ready call after interval has
// elapsed from creation returns true.
func NewThrottle(interval time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}

	return &Throttle{interval: interval, last: now(), now: now}
}

// Ready reports whether interval has elapsed since the last accepted call
// and, if so, restarts the window.
func (t *Throttle) Ready() bool {
	current := t.now()
	if current.Sub(t.last) < t.interval {
		return false
	}

	t.last = current

	return true
}
