// Package httpapi serves chat sessions over HTTP: a JSON transcript per
// session, turn submission, and the health and metrics endpoints.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgard/ledgerchat/internal/chat"
	"github.com/edgard/ledgerchat/internal/database"
	"github.com/edgard/ledgerchat/internal/logger"
	"github.com/edgard/ledgerchat/internal/metrics"
)

// maxBodyBytes caps the size of a submitted message body.
const maxBodyBytes = 64 << 10

// Deps are the services the routes are wired to.
type Deps struct {
	Logger   *slog.Logger
	Store    database.Store
	Sessions *chat.Sessions
	Metrics  *metrics.Metrics
	Location *time.Location
}

// NewRouter wires the HTTP routes.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{deps: deps, log: deps.Logger.With("component", "http_api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.HTTPMiddleware(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/api/sessions/{sessionID}/transcript", h.handleTranscript)
	r.Post("/api/sessions/{sessionID}/messages", h.handleSubmit)
	r.Delete("/api/sessions/{sessionID}", h.handleReset)
	return r
}

// NewServer builds the HTTP server for handler with the configured limits.
func NewServer(addr string, readTimeout, writeTimeout time.Duration, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
}
