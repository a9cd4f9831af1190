package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/voxhome/oauth2-token-keeper/internal/deviceauth"
)

// authorizer is the poller surface the handlers consume
type authorizer interface {
	Start(ctx context.Context) (*deviceauth.Authorization, error)
	Poll(ctx context.Context) deviceauth.PollResult
	Cancel()
	Status() (deviceauth.State, *deviceauth.Authorization)
}

// tokenSource is the refresh engine surface the handlers consume
type tokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	Disconnect(ctx context.Context) error
	CheckHealth(ctx context.Context) error
}

// healthChecker covers the identity provider reachability probe
type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

type server struct {
	cfg      Config
	router   *chi.Mux
	poller   authorizer
	manager  tokenSource
	provider healthChecker
	logger   *zap.Logger
}

func newServer(cfg Config, poller authorizer, manager tokenSource, prov healthChecker, registry *prometheus.Registry, logger *zap.Logger) *server {
	srv := &server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		poller:   poller,
		manager:  manager,
		provider: prov,
		logger:   logger,
	}

	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(requestLogger(logger))
	srv.router.Use(middleware.Timeout(30 * time.Second))

	srv.routes(registry)

	return srv
}

func (s *server) routes(registry *prometheus.Registry) {
	s.router.Get("/health", s.handleHealth())
	s.router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Device authorization flow, consumed by the web UI
	s.router.Post("/auth/device", s.handleStartAuthorization())
	s.router.Post("/auth/device/poll", s.handlePollAuthorization())
	s.router.Get("/auth/device", s.handleAuthorizationStatus())
	s.router.Delete("/auth/device", s.handleCancelAuthorization())

	// Token access for the device-control API, and explicit disconnect
	s.router.Get("/token", s.handleToken())
	s.router.Delete("/auth", s.handleDisconnect())
}

// requestLogger logs each request with zap after it completes
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
			)
		})
	}
}

func (s *server) checkHealth(ctx context.Context) error {
	if err := s.manager.CheckHealth(ctx); err != nil {
		return err
	}
	return s.provider.CheckHealth(ctx)
}
