package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/modelfetch/internal/progress"
	"github.com/italolelis/modelfetch/internal/storage"
	"github.com/italolelis/modelfetch/internal/storage/memory"
	"github.com/stretchr/testify/require"
)

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}

	return data
}

// rangeOrigin serves data honoring "bytes=N-" requests unless ignoreRange is set.
type rangeOrigin struct {
	data        []byte
	ignoreRange bool
	hits        atomic.Int32

	mu      sync.Mutex
	headers []http.Header
}

func (o *rangeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.hits.Add(1)

	o.mu.Lock()
	o.headers = append(o.headers, r.Header.Clone())
	o.mu.Unlock()

	size := int64(len(o.data))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" || o.ignoreRange {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		_, _ = w.Write(o.data)

		return
	}

	rng := strings.TrimPrefix(rangeHeader, "bytes=")
	startPart, _, _ := strings.Cut(rng, "-")

	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil || start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
	w.Header().Set("Content-Length", strconv.FormatInt(size-start, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(o.data[start:])
}

func (o *rangeOrigin) lastHeader() http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.headers) == 0 {
		return nil
	}

	return o.headers[len(o.headers)-1]
}

func newOrigin(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return srv
}

// steppingClock advances by step on every call so each chunk passes the throttle.
func steppingClock(step time.Duration) func() time.Time {
	var (
		mu  sync.Mutex
		now = time.Unix(0, 0)
	)

	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		now = now.Add(step)

		return now
	}
}

type fixture struct {
	store    *memory.DownloadRepository
	pipeline *Pipeline
	dest     string
}

func newFixture(t *testing.T, sink progress.Sink, opts Options) *fixture {
	t.Helper()

	store := memory.NewDownloadRepository()

	return &fixture{
		store:    store,
		pipeline: NewPipeline(store, NewClient(nil, DefaultClientOptions()), sink, opts),
		dest:     filepath.Join(t.TempDir(), "data", "model.gguf"),
	}
}

func (f *fixture) seed(t *testing.T, url string, downloaded, total int64) *storage.DownloadRecord {
	t.Helper()

	rec := &storage.DownloadRecord{
		ID:               "m1",
		URL:              url,
		Destination:      f.dest,
		Status:           storage.StatusRunning,
		DownloadedBytes:  downloaded,
		TotalBytes:       total,
		ProgressInterval: time.Millisecond,
	}
	require.NoError(t, f.store.Upsert(context.Background(), rec))

	return rec
}

func (f *fixture) writePartial(t *testing.T, data []byte) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(f.dest), 0o755))
	require.NoError(t, os.WriteFile(f.dest, data, 0o644))
}

func (f *fixture) stored(t *testing.T) *storage.DownloadRecord {
	t.Helper()

	rec, err := f.store.Get(context.Background(), "m1")
	require.NoError(t, err)

	return rec
}
