package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ajharris/AlphaTest/internal/github"
	"github.com/ajharris/AlphaTest/internal/intake"
	"github.com/ajharris/AlphaTest/internal/session"
	"github.com/ajharris/AlphaTest/internal/store"
)

// multipartMemory is how much of a multipart body is kept in memory
// before spilling to temp files.
const multipartMemory = 1 << 20

// Options tunes request handling.
type Options struct {
	// TrustProxy honours X-Forwarded-For when deriving client keys.
	TrustProxy bool
	// ExposeErrors includes storage error detail in 500 responses.
	ExposeErrors bool
	// MaxRequestBytes caps a bug-report request body. Zero means twice
	// the attachment limit plus 1 MiB.
	MaxRequestBytes int64
	// MaxAttachmentBytes is used in the "too large" message.
	MaxAttachmentBytes int64
	// RateLimitCapacity is used in the "rate limited" message.
	RateLimitCapacity int
	// UI serves the single-page app. Nil disables it.
	UI http.Handler
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server provides the HTTP handlers.
type Server struct {
	store    store.Store
	pipeline *intake.Pipeline
	gh       github.Client
	sessions *session.Manager
	opts     Options
	logger   *slog.Logger
}

// NewServer creates a new API server.
func NewServer(s store.Store, p *intake.Pipeline, gh github.Client, sm *session.Manager, opts Options) *Server {
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = intake.DefaultMaxAttachmentBytes
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = 2*opts.MaxAttachmentBytes + multipartMemory
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    s,
		pipeline: p,
		gh:       gh,
		sessions: sm,
		opts:     opts,
		logger:   logger,
	}
}

// Router returns an http.Handler for all routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/bug-report", s.submitBugReport)
	// GET would otherwise fall through to the SPA.
	mux.HandleFunc("GET /api/bug-report", methodNotAllowed("POST"))
	mux.HandleFunc("GET /api/bug-reports", s.listBugReports)
	mux.HandleFunc("GET /api/bug-reports/{id}", s.getBugReport)

	mux.HandleFunc("GET /api/user", s.getUser)
	mux.HandleFunc("GET /api/repositories", s.listRepositories)

	mux.HandleFunc("GET /login/github", s.loginGitHub)
	mux.HandleFunc("GET /github/callback", s.githubCallback)
	mux.HandleFunc("GET /me", s.me)
	mux.HandleFunc("GET /dashboard", s.dashboard)
	mux.HandleFunc("POST /logout", s.logout)

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.opts.UI != nil {
		mux.Handle("GET /", s.opts.UI)
	}

	return requestLogger(s.logger, metricsMiddleware(corsMiddleware(mux)))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
