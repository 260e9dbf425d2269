package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/telemetry"
)

// NewRouter mounts the downloads API, metrics and health endpoints behind
// the request id, logging and telemetry middleware.
func NewRouter(logger *slog.Logger, downloads *DownloadsHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logctx.WithLogger(req.Context(), logger)))
		})
	})
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/downloads", downloads.Routes())

	return r
}
