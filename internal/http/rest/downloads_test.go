package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/modelfetch/internal/downloader"
	"github.com/italolelis/modelfetch/internal/progress"
	"github.com/italolelis/modelfetch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu        sync.Mutex
	records   map[string]*storage.DownloadRecord
	created   []string
	listed    []storage.Status
	createErr error
	opErr     error
}

func newFakeService(records ...*storage.DownloadRecord) *fakeService {
	s := &fakeService{records: make(map[string]*storage.DownloadRecord)}
	for _, r := range records {
		s.records[r.ID] = r
	}

	return s
}

func (s *fakeService) Create(_ context.Context, rawURL, destination, authToken string, interval time.Duration) (*storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return nil, s.createErr
	}

	if interval == 0 {
		interval = storage.DefaultProgressInterval
	}

	rec := &storage.DownloadRecord{
		ID:               fmt.Sprintf("dl-%d", len(s.records)+1),
		URL:              rawURL,
		Destination:      destination,
		Status:           storage.StatusPending,
		TotalBytes:       storage.UnknownSize,
		AuthToken:        authToken,
		ProgressInterval: interval,
	}
	s.records[rec.ID] = rec
	s.created = append(s.created, rec.ID)

	return rec, nil
}

func (s *fakeService) GetRecord(_ context.Context, id string) (*storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return rec, nil
}

func (s *fakeService) ListRecords(_ context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listed = statuses

	var out []storage.DownloadRecord
	for _, id := range []string{"a", "b", "c"} {
		if rec, ok := s.records[id]; ok {
			out = append(out, *rec)
		}
	}

	return out, nil
}

func (s *fakeService) transition(id string, status storage.Status) (*storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opErr != nil {
		return nil, s.opErr
	}

	rec, ok := s.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	rec.Status = status

	return rec, nil
}

func (s *fakeService) Pause(_ context.Context, id string) (*storage.DownloadRecord, error) {
	return s.transition(id, storage.StatusPaused)
}

func (s *fakeService) Resume(_ context.Context, id string) (*storage.DownloadRecord, error) {
	return s.transition(id, storage.StatusPending)
}

func (s *fakeService) Cancel(_ context.Context, id string) (*storage.DownloadRecord, error) {
	return s.transition(id, storage.StatusCancelled)
}

func serve(t *testing.T, h *DownloadsHandler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()

	NewRouter(nil, h, nil).ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func TestHandleCreate(t *testing.T) {
	svc := newFakeService()
	h := NewDownloadsHandler(svc, nil, "/data/models", "", "")

	rec := serve(t, h, http.MethodPost, "/downloads",
		`{"url":"https://example.com/m.bin","destination":"llama/m.bin","auth_token":"secret","progress_interval_ms":250}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "secret")

	resp := decode[DownloadResponse](t, rec)
	assert.Equal(t, "dl-1", resp.ID)
	assert.Equal(t, "/data/models/llama/m.bin", resp.Destination)
	assert.Equal(t, "pending", resp.Status)
	assert.True(t, resp.HasAuthToken)
	assert.Equal(t, int64(250), resp.ProgressIntervalMS)
	assert.Nil(t, resp.TotalBytes)
	assert.Nil(t, resp.Percent)
}

func TestHandleCreate_AbsoluteDestinationInsideDownloadDir(t *testing.T) {
	svc := newFakeService()
	h := NewDownloadsHandler(svc, nil, "/data/models", "", "")

	rec := serve(t, h, http.MethodPost, "/downloads", `{"url":"https://example.com/m.bin","destination":"/data/models/m.bin"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[DownloadResponse](t, rec)
	assert.Equal(t, "/data/models/m.bin", resp.Destination)
	assert.False(t, resp.HasAuthToken)
	assert.Equal(t, storage.DefaultProgressInterval.Milliseconds(), resp.ProgressIntervalMS)
}

func TestHandleCreate_AbsoluteDestinationWithoutDownloadDir(t *testing.T) {
	svc := newFakeService()
	h := NewDownloadsHandler(svc, nil, "", "", "")

	rec := serve(t, h, http.MethodPost, "/downloads", `{"url":"https://example.com/m.bin","destination":"/tmp/m.bin"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/tmp/m.bin", decode[DownloadResponse](t, rec).Destination)
}

func TestHandleCreate_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"url":`},
		{name: "unknown field", body: `{"url":"https://example.com/x","destination":"x","extra":1}`},
		{name: "negative interval", body: `{"url":"https://example.com/x","destination":"x","progress_interval_ms":-5}`},
		{name: "escapes download dir", body: `{"url":"https://example.com/x","destination":"../../etc/passwd"}`},
		{name: "absolute outside download dir", body: `{"url":"https://example.com/x","destination":"/etc/passwd"}`},
		{name: "absolute sibling prefix", body: `{"url":"https://example.com/x","destination":"/data/models-other/x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			h := NewDownloadsHandler(svc, nil, "/data/models", "", "")

			rec := serve(t, h, http.MethodPost, "/downloads", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, svc.created)
		})
	}
}

func TestHandleCreate_ServiceValidationError(t *testing.T) {
	svc := newFakeService()
	svc.createErr = fmt.Errorf("%w: unsupported scheme", downloader.ErrInvalidRequest)
	h := NewDownloadsHandler(svc, nil, "", "", "")

	rec := serve(t, h, http.MethodPost, "/downloads", `{"url":"ftp://example.com/x","destination":"/tmp/x"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, "unsupported scheme")
}

func TestHandleGet(t *testing.T) {
	svc := newFakeService(&storage.DownloadRecord{
		ID:              "a",
		URL:             "https://example.com/a",
		Destination:     "/tmp/a",
		Status:          storage.StatusPaused,
		DownloadedBytes: 250,
		TotalBytes:      1000,
		AuthToken:       "hunter2",
	})
	h := NewDownloadsHandler(svc, nil, "", "", "")

	rec := serve(t, h, http.MethodGet, "/downloads/a", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")

	resp := decode[DownloadResponse](t, rec)
	require.NotNil(t, resp.TotalBytes)
	assert.Equal(t, int64(1000), *resp.TotalBytes)
	require.NotNil(t, resp.Percent)
	assert.InDelta(t, 25.0, *resp.Percent, 0.001)
	assert.True(t, resp.HasAuthToken)
}

func TestHandleGet_NotFound(t *testing.T) {
	h := NewDownloadsHandler(newFakeService(), nil, "", "", "")

	rec := serve(t, h, http.MethodGet, "/downloads/missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGet_UsesLatestProgressWhileRunning(t *testing.T) {
	svc := newFakeService(&storage.DownloadRecord{
		ID:              "a",
		Status:          storage.StatusRunning,
		DownloadedBytes: 100,
		TotalBytes:      1000,
	})
	latest := progress.NewLatest()
	latest.Report(context.Background(), progress.Event{ID: "a", DownloadedBytes: 600, TotalBytes: 1000})

	h := NewDownloadsHandler(svc, latest, "", "", "")

	resp := decode[DownloadResponse](t, serve(t, h, http.MethodGet, "/downloads/a", ""))

	assert.Equal(t, int64(600), resp.DownloadedBytes)
}

func TestHandleList(t *testing.T) {
	svc := newFakeService(
		&storage.DownloadRecord{ID: "a", Status: storage.StatusPending, TotalBytes: storage.UnknownSize},
		&storage.DownloadRecord{ID: "b", Status: storage.StatusCompleted, TotalBytes: 10, DownloadedBytes: 10},
	)
	h := NewDownloadsHandler(svc, nil, "", "", "")

	rec := serve(t, h, http.MethodGet, "/downloads?status=pending,completed", "")

	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[[]DownloadResponse](t, rec)
	require.Len(t, resp, 2)
	assert.Equal(t, "a", resp[0].ID)
	assert.Equal(t, "b", resp[1].ID)
	assert.Equal(t, []storage.Status{storage.StatusPending, storage.StatusCompleted}, svc.listed)
}

func TestHandleList_Empty(t *testing.T) {
	h := NewDownloadsHandler(newFakeService(), nil, "", "", "")

	rec := serve(t, h, http.MethodGet, "/downloads", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleList_UnknownStatus(t *testing.T) {
	h := NewDownloadsHandler(newFakeService(), nil, "", "", "")

	rec := serve(t, h, http.MethodGet, "/downloads?status=exploded", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{name: "pause", method: http.MethodPost, path: "/downloads/a/pause", want: "paused"},
		{name: "resume", method: http.MethodPost, path: "/downloads/a/resume", want: "pending"},
		{name: "cancel", method: http.MethodDelete, path: "/downloads/a", want: "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService(&storage.DownloadRecord{ID: "a", Status: storage.StatusRunning})
			h := NewDownloadsHandler(svc, nil, "", "", "")

			rec := serve(t, h, tt.method, tt.path, "")

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, decode[DownloadResponse](t, rec).Status)
		})
	}
}

func TestTransitions_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid transition", err: fmt.Errorf("%w: completed -> paused", downloader.ErrInvalidTransition), want: http.StatusConflict},
		{name: "attempt in progress", err: downloader.ErrAttemptInProgress, want: http.StatusConflict},
		{name: "not found", err: storage.ErrNotFound, want: http.StatusNotFound},
		{name: "unexpected", err: fmt.Errorf("disk on fire"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService(&storage.DownloadRecord{ID: "a"})
			svc.opErr = tt.err
			h := NewDownloadsHandler(svc, nil, "", "", "")

			rec := serve(t, h, http.MethodPost, "/downloads/a/pause", "")

			assert.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "disk on fire")
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	svc := newFakeService(&storage.DownloadRecord{ID: "a"})
	h := NewDownloadsHandler(svc, nil, "", "admin", "s3cret")
	router := NewRouter(nil, h, nil)

	tests := []struct {
		name     string
		user     string
		pass     string
		withAuth bool
		want     int
	}{
		{name: "missing credentials", want: http.StatusUnauthorized},
		{name: "wrong password", user: "admin", pass: "nope", withAuth: true, want: http.StatusUnauthorized},
		{name: "valid credentials", user: "admin", pass: "s3cret", withAuth: true, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/downloads/a", nil)
			if tt.withAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRouter_HealthAndRequestID(t *testing.T) {
	h := NewDownloadsHandler(newFakeService(), nil, "", "admin", "s3cret")

	rec := serve(t, h, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRouter_MetricsDisabled(t *testing.T) {
	h := NewDownloadsHandler(newFakeService(), nil, "", "", "")

	rec := serve(t, h, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
