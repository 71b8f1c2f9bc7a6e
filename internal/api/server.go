// Package api assembles the HTTP surface: operator auth, live and paper
// position endpoints, balance reports, health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/bracketd/internal/auth"
	"github.com/ksred/bracketd/internal/balance"
	"github.com/ksred/bracketd/internal/paper"
	"github.com/ksred/bracketd/internal/supervisor"
	"github.com/ksred/bracketd/internal/trading"
	"github.com/ksred/bracketd/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthReporter reports the push transport state. A nil reporter means no
// transport is configured and the process is always healthy.
type HealthReporter interface {
	Status() supervisor.Status
}

type Deps struct {
	Auth    *auth.Service
	Trading *trading.GinHandlers
	Paper   *paper.GinHandlers // nil when paper trading is disabled
	Balance *balance.Service
	Health  HealthReporter
	Limiter *middleware.RateLimiter
}

type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(addr string, deps Deps) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	router.GET("/healthz", healthHandler(deps.Health))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	setupRoutes(router, deps)

	return &Server{addr: addr, router: router}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the versioned API. Reads need the read permission,
// anything that places orders needs trade. The rate limiter runs after auth so
// authenticated callers are throttled per operator; the token route is
// throttled per client IP.
func setupRoutes(router *gin.Engine, deps Deps) {
	v1 := router.Group("/api/v1")

	limit := func(c *gin.Context) { c.Next() }
	if deps.Limiter != nil {
		limit = deps.Limiter.Middleware()
	}

	authHandlers := auth.NewGinHandlers(deps.Auth)
	v1.POST("/auth/token", limit, authHandlers.GenerateTokenHandler())

	read := middleware.JWTAuth(deps.Auth, auth.PermRead)
	trade := middleware.JWTAuth(deps.Auth, auth.PermTrade)

	positions := v1.Group("/positions")
	{
		positions.POST("", trade, limit, deps.Trading.OpenPositionHandler())
		positions.GET("", read, limit, deps.Trading.ListPositionsHandler())
		positions.GET("/:order_id", read, limit, deps.Trading.GetPositionHandler())
	}

	v1.GET("/assets", read, limit, deps.Trading.ListAssetsHandler())

	if deps.Paper != nil {
		paperGroup := v1.Group("/paper")
		paperGroup.POST("/positions", trade, limit, deps.Paper.OpenPositionHandler())
		paperGroup.GET("/ledger", read, limit, deps.Paper.LedgerHandler())
	}

	if deps.Balance != nil {
		v1.GET("/balance", read, limit, balance.ReportHandler(deps.Balance))
	}
}

func healthHandler(h HealthReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "transport": "none"})
			return
		}
		st := h.Status()
		code := http.StatusOK
		status := "ok"
		if !st.Healthy {
			code = http.StatusServiceUnavailable
			status = "degraded"
		}
		c.JSON(code, gin.H{"status": status, "transport": st})
	}
}

// Start serves until ctx is done, then shuts down with a 5 second grace period.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
