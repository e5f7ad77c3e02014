package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/metrics"
	"github.com/JakeFAU/crawl-supervisor/internal/reconcile"
)

// BasePath is the prefix for every crawl administration route.
const BasePath = "/admin/initial_crawling"

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 3 * time.Second
)

// Reconciler is the engine surface used by the handlers.
type Reconciler interface {
	HandleWebhook(ctx context.Context, p reconcile.Payload) (reconcile.Outcome, error)
	Status(ctx context.Context) (crawl.CanonicalStatus, []crawl.StepView, error)
	SweepStale(ctx context.Context) (int, error)
}

// Controller executes operator actions.
type Controller interface {
	Start(ctx context.Context, webhookURL string) (reconcile.ActionResult, error)
	Pause(ctx context.Context) (reconcile.ActionResult, error)
	Resume(ctx context.Context) (reconcile.ActionResult, error)
	Stop(ctx context.Context) (reconcile.ActionResult, error)
	Reset(ctx context.Context) (reconcile.ActionResult, error)
	Backup(ctx context.Context) (reconcile.ActionResult, error)
}

// SessionLister reads crawl history.
type SessionLister interface {
	ListSessions(ctx context.Context, limit int) ([]crawl.Session, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports whether the external crawler answers.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps groups the collaborators the Server routes to.
type Deps struct {
	Engine     Reconciler
	Controller Controller
	Sessions   SessionLister
	Store      Pinger
	Crawler    HealthChecker
	// Stream serves GET /stream; nil disables the route.
	Stream http.Handler
}

// Options configures the Server.
type Options struct {
	WebhookURL     string
	WebhookToken   string
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the reconciliation engine and controller.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	r.Route(BasePath, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.With(webhookTokenMiddleware(opts.WebhookToken)).Post("/webhook", s.webhook)
			r.Get("/", s.index)
			r.Get("/status", s.status)
			r.Get("/sessions", s.sessions)
			r.Group(func(r chi.Router) {
				if opts.APIKey != "" {
					r.Use(apiKeyMiddleware(opts.APIKey))
				}
				r.Post("/start", s.start)
				r.Post("/pause", s.pause)
				r.Post("/resume", s.resume)
				r.Post("/stop", s.stop)
				r.Post("/reset", s.reset)
				r.Post("/backup", s.backup)
			})
		})
		if deps.Stream != nil {
			r.Method(http.MethodGet, "/stream", deps.Stream)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	checks := map[string]string{}
	ready := true
	if s.deps.Store != nil {
		checks["store"] = "ok"
		if err := s.deps.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			ready = false
		}
	}
	if s.deps.Crawler != nil {
		// The crawler being down does not make us unready; it is reported.
		checks["crawler"] = "ok"
		if err := s.deps.Crawler.Health(ctx); err != nil {
			checks["crawler"] = err.Error()
		}
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
