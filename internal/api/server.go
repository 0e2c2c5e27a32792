// Package api provides the HTTP server for sheetvault: the OAuth
// authorization routes, the per-user dashboard and the admin API.
package api

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/wesm/sheetvault/internal/blobstore"
	"github.com/wesm/sheetvault/internal/config"
	"github.com/wesm/sheetvault/internal/credential"
	"github.com/wesm/sheetvault/internal/scheduler"
	"github.com/wesm/sheetvault/internal/store"
)

// Authorizer runs the web side of credential acquisition.
type Authorizer interface {
	AuthURL(state string) string
	Complete(ctx context.Context, code string) (credential.Record, error)
}

// FileLister lists an identity's stored attachments.
type FileLister interface {
	List(ctx context.Context, identity string) ([]blobstore.StoredObject, error)
}

// Accounts lists known identities.
type Accounts interface {
	ListAll(ctx context.Context) ([]credential.Record, error)
}

// StatsSource reports database statistics.
type StatsSource interface {
	GetStats(ctx context.Context) (*store.Stats, error)
}

// RunHistory lists recorded sync runs.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]store.SyncRun, error)
}

// SweepScheduler defines the scheduler operations the API needs.
type SweepScheduler interface {
	Trigger() (string, error)
	Status() scheduler.Status
}

// Deps are the collaborators behind the routes. Nil members disable the
// routes that need them with 503 Service Unavailable.
type Deps struct {
	OAuth     Authorizer
	Files     FileLister
	Accounts  Accounts
	Stats     StatsSource
	Runs      RunHistory
	Scheduler SweepScheduler

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// FilesDir is served at /files/ for the fs storage backend.
	FilesDir string
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	deps        Deps
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
	sessions    *sessions
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}

	key := []byte(cfg.Server.SecretKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
		logger.Warn("no secret key configured; dashboard sessions will not survive a restart (set SECRET_KEY)")
	}
	s.sessions = &sessions{
		key:    key,
		ttl:    DefaultSessionTTL,
		secure: !isLoopback(cfg.Server.BindAddr),
		now:    time.Now,
	}

	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// Rate limiting (10 req/sec with burst of 20)
	s.rateLimiter = NewRateLimiter(10, 20)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	// Unauthenticated
	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	// OAuth and dashboard (session cookie)
	r.Get("/authorize", s.handleAuthorize)
	r.Get("/oauth2callback", s.handleCallback)
	r.Get("/dashboard", s.handleDashboard)
	r.Post("/logout", s.handleLogout)

	if s.deps.FilesDir != "" {
		fileServer := http.StripPrefix("/files/", http.FileServer(http.Dir(s.deps.FilesDir)))
		r.Get("/files/*", fileServer.ServeHTTP)
	}

	// Admin API (API key)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APIKeyMiddleware(s.cfg.Server.APIKey, func(r *http.Request) {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
		}))

		r.Get("/stats", s.handleStats)
		r.Get("/accounts", s.handleListAccounts)
		r.Get("/accounts/{email}/files", s.handleListFiles)
		r.Get("/runs", s.handleListRuns)
		r.Post("/sync", s.handleTriggerSync)
		r.Get("/scheduler/status", s.handleSchedulerStatus)
	})

	return r
}

// Start begins listening for HTTP requests. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := s.cfg.ListenAddr()

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("admin API running without authentication; set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func isLoopback(addr string) bool {
	switch addr {
	case "", "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}
