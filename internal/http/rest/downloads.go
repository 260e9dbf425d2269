package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/modelfetch/internal/downloader"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/progress"
	"github.com/italolelis/modelfetch/internal/storage"
)

const maxRequestBody = 64 * 1024

// DownloadService is the orchestrator surface exposed over HTTP.
type DownloadService interface {
	Create(ctx context.Context, rawURL, destination, authToken string, interval time.Duration) (*storage.DownloadRecord, error)
	GetRecord(ctx context.Context, id string) (*storage.DownloadRecord, error)
	ListRecords(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error)
	Pause(ctx context.Context, id string) (*storage.DownloadRecord, error)
	Resume(ctx context.Context, id string) (*storage.DownloadRecord, error)
	Cancel(ctx context.Context, id string) (*storage.DownloadRecord, error)
}

type CreateDownloadRequest struct {
	URL                string `json:"url"`
	Destination        string `json:"destination"`
	AuthToken          string `json:"auth_token,omitempty"`
	ProgressIntervalMS int64  `json:"progress_interval_ms,omitempty"`
}

// DownloadResponse is the public view of a record. The auth token is never
// included.
type DownloadResponse struct {
	ID                 string    `json:"id"`
	URL                string    `json:"url"`
	Destination        string    `json:"destination"`
	Status             string    `json:"status"`
	DownloadedBytes    int64     `json:"downloaded_bytes"`
	TotalBytes         *int64    `json:"total_bytes"`
	Percent            *float64  `json:"percent,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	HasAuthToken       bool      `json:"has_auth_token"`
	ProgressIntervalMS int64     `json:"progress_interval_ms"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	svc         DownloadService
	latest      *progress.Latest
	downloadDir string
	username    string
	password    string
}

// NewDownloadsHandler creates the downloads API. When downloadDir is set,
// every destination must resolve inside it. latest may be nil; when set,
// running downloads report the most recent progress event instead of the
// last persisted counters. Basic auth is enforced when username is set.
func NewDownloadsHandler(svc DownloadService, latest *progress.Latest, downloadDir, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		svc:         svc,
		latest:      latest,
		downloadDir: downloadDir,
		username:    username,
		password:    password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/", h.HandleCreate)
	r.Get("/", h.HandleList)
	r.Get("/{id}", h.HandleGet)
	r.Post("/{id}/pause", h.HandlePause)
	r.Post("/{id}/resume", h.HandleResume)
	r.Delete("/{id}", h.HandleCancel)

	return r
}

func (h *DownloadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateDownloadRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())

		return
	}

	if req.ProgressIntervalMS < 0 {
		writeError(w, http.StatusBadRequest, "progress_interval_ms must be positive")

		return
	}

	dest := req.Destination
	if dest != "" && h.downloadDir != "" {
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(h.downloadDir, dest)
		}

		if !withinDir(h.downloadDir, dest) {
			writeError(w, http.StatusBadRequest, "destination escapes the download directory")

			return
		}
	}

	rec, err := h.svc.Create(r.Context(), req.URL, dest, req.AuthToken, time.Duration(req.ProgressIntervalMS)*time.Millisecond)
	if err != nil {
		h.writeServiceError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, h.toResponse(rec))
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var statuses []storage.Status

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := storage.Status(strings.TrimSpace(part))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+string(status))

				return
			}

			statuses = append(statuses, status)
		}
	}

	records, err := h.svc.ListRecords(r.Context(), statuses...)
	if err != nil {
		h.writeServiceError(w, r, err)

		return
	}

	out := make([]DownloadResponse, 0, len(records))
	for i := range records {
		out = append(out, h.toResponse(&records[i]))
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.svc.GetRecord)
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.svc.Pause)
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.svc.Resume)
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.svc.Cancel)
}

func (h *DownloadsHandler) respond(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*storage.DownloadRecord, error)) {
	rec, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, h.toResponse(rec))
}

// NewDownloadResponse converts a record to its public view.
func NewDownloadResponse(rec *storage.DownloadRecord) DownloadResponse {
	resp := DownloadResponse{
		ID:                 rec.ID,
		URL:                rec.URL,
		Destination:        rec.Destination,
		Status:             string(rec.Status),
		DownloadedBytes:    rec.DownloadedBytes,
		LastError:          rec.LastError,
		HasAuthToken:       rec.AuthToken != "",
		ProgressIntervalMS: rec.ProgressInterval.Milliseconds(),
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}

	resp.setTotal(rec.TotalBytes)

	return resp
}

func (r *DownloadResponse) setTotal(total int64) {
	r.TotalBytes, r.Percent = nil, nil

	if total < 0 {
		return
	}

	r.TotalBytes = &total

	if pct := (progress.Event{DownloadedBytes: r.DownloadedBytes, TotalBytes: total}).Percent(); pct >= 0 {
		r.Percent = &pct
	}
}

func (h *DownloadsHandler) toResponse(rec *storage.DownloadRecord) DownloadResponse {
	resp := NewDownloadResponse(rec)

	if h.latest == nil || rec.Status != storage.StatusRunning {
		return resp
	}

	if e, ok := h.latest.Get(rec.ID); ok && e.DownloadedBytes >= resp.DownloadedBytes {
		resp.DownloadedBytes = e.DownloadedBytes
		resp.setTotal(e.TotalBytes)
	}

	return resp
}

func (h *DownloadsHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "download not found")
	case errors.Is(err, downloader.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, downloader.ErrInvalidTransition), errors.Is(err, downloader.ErrAttemptInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "download request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="modelfetch"`)
			writeError(w, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			writeError(w, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
