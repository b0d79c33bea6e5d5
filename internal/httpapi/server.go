// Package httpapi is the local host-integration surface: the browser shim
// reports observed items and submissions here, and drives confirm and search.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reviewguard/internal/ack"
	"reviewguard/internal/metrics"
	"reviewguard/internal/rules"
	"reviewguard/internal/search"
	logx "reviewguard/pkg/logx"
)

// Service is what the endpoints drive. *app.App satisfies it.
type Service interface {
	ObserveItem(ctx context.Context, item rules.Item) (*ack.Session, rules.Set)
	Submit(ctx context.Context, sub ack.Submission) error
	Session() (*ack.Session, bool)
	Confirm() bool
	CloseSession(reason string) bool
	Search(ctx context.Context, itemID string) (*search.Run, error)
	CancelSearch()
	RefreshRules(ctx context.Context) error
	RefreshCatalog(ctx context.Context) (int, error)
}

// Config controls the listener.
//
// WriteTimeout defaults to none so long NDJSON search streams are not cut.
type Config struct {
	Enabled      bool
	Addr         string // default "127.0.0.1:7391"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Pprof exposes /debug/pprof on the same listener. Toggling it does not
	// restart the listener.
	Pprof bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:7391"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server manages the listener lifecycle. Apply starts, restarts or stops it
// according to config.
type Server struct {
	svc   Service
	log   logx.Logger
	h     http.Handler
	pprof atomic.Bool

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(svc Service, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{svc: svc, log: log}
	s.h = s.routes()
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.h }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLog(s.log))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/items", s.postItem)
		r.Post("/submissions", s.postSubmission)

		r.Get("/session", s.getSession)
		r.Post("/session/confirm", s.confirm)
		r.Post("/session/close", s.closeSession)

		r.Post("/search", s.postSearch)
		r.Delete("/search", s.cancelSearch)

		r.Post("/rules/refresh", s.refreshRules)
		r.Post("/catalog/refresh", s.refreshCatalog)
	})

	r.With(s.pprofGate).Mount("/debug", middleware.Profiler())
	return r
}

// Apply reconciles the listener with cfg. A listen failure is logged and the
// server stays down; background surfaces never fail the app.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.pprof.Store(cfg.Pprof)
	cfg.Pprof = false

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		s.cfg = cfg
		return
	}
	if s.srv != nil && s.cfg == cfg {
		return
	}
	s.stopLocked(ctx)
	s.cfg = cfg
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("http listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", addr))
}

// Stop gracefully shuts down the listener. Open search streams are
// canceled through their request contexts.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("http api stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) pprofGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.pprof.Load() {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
			)
		})
	}
}
