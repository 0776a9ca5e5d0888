// Package api exposes the bank and perpetuals engine over HTTP as a thin
// translation layer: it verifies Nostr-signed challenges and events, then
// routes to the ledger and matching engine. It holds no business logic of
// its own beyond request parsing and error-kind-to-status mapping.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bitcoinbank/perpengine/internal/clock"
	"github.com/bitcoinbank/perpengine/internal/config"
	"github.com/bitcoinbank/perpengine/internal/ledger"
	"github.com/bitcoinbank/perpengine/internal/matching"
	"github.com/bitcoinbank/perpengine/internal/metrics"
	"github.com/bitcoinbank/perpengine/internal/positionview"
)

// Server runs the public HTTP API.
type Server struct {
	cfg      *config.Config
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// New builds a Server wired to the given dependencies.
func New(cfg *config.Config, l *ledger.Ledger, e *matching.Engine, v *positionview.Viewer, clk clock.Clock, logger *slog.Logger) *Server {
	challenges := newChallengeStore(clk, cfg.API.ChallengeTTL)
	handlers := newHandlers(l, e, v, cfg, challenges, logger)

	router := buildRouter(handlers)

	httpServer := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   httpServer,
		logger:   logger.With("component", "api-server"),
	}
}

func buildRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/health", h.handleHealth)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/api/challenge", h.handleChallenge)

	r.Route("/api/futures", func(api chi.Router) {
		api.Get("/markets", h.handleMarkets)
		api.Get("/market/{sym}", h.handleMarket)
		api.Get("/orderbook/{sym}", h.handleOrderbook)
		api.Get("/collateral/{pk}", h.handleCollateral)
		api.Get("/orders/{pk}", h.handleOrders)
		api.Get("/positions/{pk}", h.handlePositions)
		api.Get("/trades/{sym}", h.handleTrades)
		api.Get("/funding/{sym}", h.handleFunding)
		api.Get("/ohlcv/{sym}", h.handleOHLCV)

		api.Post("/collateral/deposit", h.handleCollateralDeposit)
		api.Post("/collateral/withdraw", h.handleCollateralWithdraw)
		api.Post("/order", h.handlePlaceOrder)
		api.Delete("/order/{id}", h.handleCancelOrder)
		api.Post("/position/close", h.handleClosePosition)
	})

	r.Route("/api/bank", func(api chi.Router) {
		api.Get("/transactions/{pk}", h.handleBankTransactions)
	})

	return r
}

// metricsMiddleware records a Prometheus observation for every request,
// keyed by the matched chi route pattern rather than the raw path so
// path-parameterized routes (e.g. /market/{sym}) don't create unbounded
// label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	collector := metrics.GetCollector()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		collector.RecordAPIRequest(r.Method, pattern, fmt.Sprintf("%d", status), timer.ElapsedMs())
	})
}

// Start runs the HTTP server until it is stopped or fails. Blocks.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server within the configured timeout.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.API.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
