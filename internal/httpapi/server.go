// Package httpapi exposes the dispatch engine over HTTP for internal
// services: one endpoint per notification kind, plus preference, rate-limit
// and audit administration.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifyd/internal/dispatch"
	"notifyd/internal/ratelimit"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

type Config struct {
	Addr  string // default "127.0.0.1:8085"
	Token string // empty disables auth

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8085"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// Delivery can legitimately take max_retries * backoff.
		c.WriteTimeout = 2 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

type Deps struct {
	Engine   *dispatch.Engine
	Store    storage.Store
	Limiter  ratelimit.Limiter
	Gatherer prometheus.Gatherer
	Log      logx.Logger
}

type Server struct {
	cfg      Config
	engine   *dispatch.Engine
	store    storage.Store
	limiter  ratelimit.Limiter
	log      logx.Logger
	validate *validator.Validate

	srv *http.Server
}

func New(cfg Config, d Deps) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		engine:   d.Engine,
		store:    d.Store,
		limiter:  d.Limiter,
		log:      d.Log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/dispatch", func(r chi.Router) {
			r.Post("/job-complete", s.handleJobComplete)
			r.Post("/job-failed", s.handleJobFailed)
			r.Post("/quota-warning", s.handleQuotaWarning)
			r.Post("/quota-exceeded", s.handleQuotaExceeded)
			r.Post("/welcome", s.handleWelcome)
			r.Post("/verify", s.handleVerify)
		})

		r.Get("/limits/{userID}", s.handleLimitsGet)
		r.Delete("/limits/{userID}", s.handleLimitsReset)

		r.Get("/audit/{userID}", s.handleAuditList)

		r.Get("/preferences/{userID}", s.handlePreferencesGet)
		r.Put("/preferences/{userID}", s.handlePreferencesPut)

		r.Put("/contacts/{userID}", s.handleContactPut)
	})

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode parses and validates a JSON request body.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return s.validate.Struct(dst)
}
