// Package httpserver builds the HTTP mux the ECP server listens on: the /ws
// upgrade endpoint, /health, /metrics, and an optional static file root with
// SPA fallback.
package httpserver

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ecp-proto/ecp-server/internal/metrics"
	"github.com/ecp-proto/ecp-server/internal/wsconn"
)

// StaticConfig optionally serves a directory of editor/static assets with an
// SPA fallback to index.html, guarded against path traversal.
type StaticConfig struct {
	Root    string
	Enabled bool
}

// Config bundles everything NewRouter needs to assemble the mux.
type Config struct {
	Manager *wsconn.Manager
	Metrics *metrics.Registry
	Static  StaticConfig
	CORS    bool
	Logger  *zap.Logger
}

// NewRouter builds the chi router for the whole server.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	if cfg.CORS {
		r.Use(corsMiddleware)
	}

	r.Get("/ws", cfg.Manager.ServeWS)
	r.Get("/health", cfg.Manager.ServeHealth)

	if cfg.Metrics != nil {
		handler := promhttp.HandlerFor(cfg.Metrics.Registerer(), promhttp.HandlerOpts{})
		r.Handle("/metrics", handler)
	}

	if cfg.Static.Enabled {
		fileServer := newSPAFileServer(cfg.Static.Root, cfg.Logger)
		r.Get("/*", fileServer.ServeHTTP)
	}

	return r
}

// corsMiddleware emits permissive CORS headers and answers preflight
// requests directly: --cors opts into Access-Control-Allow-Origin: * with
// standard method/header allow-lists.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs method/path/status/latency for every request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// spaFileServer serves static assets from root with an index.html fallback
// for client-side routes, rejecting any resolved path that escapes root.
type spaFileServer struct {
	root   string
	logger *zap.Logger
}

func newSPAFileServer(root string, logger *zap.Logger) *spaFileServer {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &spaFileServer{root: abs, logger: logger}
}

func (s *spaFileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requested := filepath.Join(s.root, filepath.Clean("/"+r.URL.Path))

	if !isWithinRoot(s.root, requested) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if info, err := os.Stat(requested); err == nil && !info.IsDir() {
		http.ServeFile(w, r, requested)
		return
	}

	// SPA fallback: any unmatched path serves index.html so the frontend
	// router can take over.
	index := filepath.Join(s.root, "index.html")
	if !isWithinRoot(s.root, index) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	http.ServeFile(w, r, index)
}

// isWithinRoot reports whether target is root itself or a descendant of it,
// blocking "../" traversal past the configured static root.
func isWithinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
