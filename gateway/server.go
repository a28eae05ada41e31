package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	gwconfig "margincore/gateway/config"
	"margincore/gateway/middleware"
	"margincore/native/credit"
	"margincore/native/oracle"
	"margincore/native/pool"
)

// Server is the HTTP surface over the credit platform: read endpoints for
// accounts, tokens and the pool, proof-checked price updates, and JWT-gated
// configurator endpoints.
type Server struct {
	facade *credit.Facade
	pool   *pool.Pool
	oracle *oracle.Oracle
	logger *slog.Logger
	router chi.Router
	http   *http.Server
}

// NewServer assembles the gateway router from its configuration.
func NewServer(cfg *gwconfig.Config, facade *credit.Facade, lendingPool *pool.Pool, priceOracle *oracle.Oracle, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		facade: facade,
		pool:   lendingPool,
		oracle: priceOracle,
		logger: logger.With("component", "gateway"),
	}

	obs := middleware.NewObservability(prometheus.DefaultRegisterer)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	auth := middleware.NewAuthenticator(cfg.Auth.HMACSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.ClockSkew)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(limiter.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(obs.Middleware("account")).Get("/accounts/{id}", s.handleAccount)
		r.With(obs.Middleware("accounts")).Get("/accounts", s.handleAccounts)
		r.With(obs.Middleware("tokens")).Get("/tokens", s.handleTokens)
		r.With(obs.Middleware("pool")).Get("/pool", s.handlePool)
		// Price updates authenticate through the attester proof, not JWT.
		r.With(obs.Middleware("oracle_update")).Post("/oracle/{address}/price", s.handlePriceUpdate)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Middleware)
			r.With(obs.Middleware("admin_pause")).Post("/pause", s.handlePause)
			r.With(obs.Middleware("admin_unpause")).Post("/unpause", s.handleUnpause)
			r.With(obs.Middleware("admin_forbid")).Post("/tokens/{address}/forbid", s.handleForbidToken)
			r.With(obs.Middleware("admin_allow")).Post("/tokens/{address}/allow", s.handleAllowToken)
			r.With(obs.Middleware("admin_threshold")).Post("/tokens/{address}/liquidation-threshold", s.handleSetThreshold)
			r.With(obs.Middleware("admin_limits")).Post("/debt-limits", s.handleSetDebtLimits)
			r.With(obs.Middleware("admin_loss_reset")).Post("/cumulative-loss/reset", s.handleResetLoss)
		})
	})
	s.router = r
	s.http = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(r, "margin-gateway"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the assembled router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "address", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
