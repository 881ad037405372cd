// Package api provides the control-plane daemon's thin HTTP route layer:
// a stdlib net/http.ServeMux wrapped with request logging, grounded on the
// teacher's internal/daemon/api.Router. Kept intentionally minimal per
// spec.md's Non-goals: no auth middleware, no MCP/webhook/public-API
// surfaces, just health/version/metrics plus the few operator-facing
// endpoints runs/bundles/assets need.
package api

import (
	"log/slog"
	"net/http"
	"time"
)

// MetricsHandler serves a Prometheus exposition over /metrics.
type MetricsHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// RouterConfig carries version metadata surfaced on GET /v1/version.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Router wraps an http.ServeMux with request logging and a handful of
// always-present routes (health, version, root).
type Router struct {
	mux    *http.ServeMux
	cfg    RouterConfig
	logger *slog.Logger
}

// NewRouter builds a Router with health/version/root routes registered.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{mux: http.NewServeMux(), cfg: cfg, logger: logger}
	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /", r.handleRoot)
	return r
}

// Mux returns the underlying ServeMux so handler packages can register
// their own routes without the Router knowing about every one of them.
func (r *Router) Mux() *http.ServeMux { return r.mux }

// SetMetricsHandler registers GET /metrics against handler.
func (r *Router) SetMetricsHandler(handler MetricsHandler) {
	if handler != nil {
		r.mux.HandleFunc("GET /metrics", handler.ServeHTTP)
	}
}

// ServeHTTP implements http.Handler, logging every request after it
// completes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	}()
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version":   r.cfg.Version,
		"commit":    r.cfg.Commit,
		"buildDate": r.cfg.BuildDate,
	})
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"service": "catalogd"})
}
