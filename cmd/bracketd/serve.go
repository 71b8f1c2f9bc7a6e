package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/ksred/bracketd/internal/api"
	"github.com/ksred/bracketd/internal/auth"
	"github.com/ksred/bracketd/internal/balance"
	"github.com/ksred/bracketd/internal/commission"
	"github.com/ksred/bracketd/internal/config"
	"github.com/ksred/bracketd/internal/paper"
	"github.com/ksred/bracketd/internal/reconciler"
	"github.com/ksred/bracketd/internal/supervisor"
	"github.com/ksred/bracketd/internal/trading"
	"github.com/ksred/bracketd/pkg/middleware"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(rc *rootConfig) *cobra.Command {
	var walk time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, fill reconciler and background jobs",
		Long: `Serve runs every long-lived component until SIGINT or SIGTERM:

  - HTTP API (positions, paper trading, balance, /healthz, /metrics)
  - fill reconciler fed by the supervised exchange stream
  - paper poller, commission reconciliation and balance snapshots`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rc.cfg, walk)
		},
	}
	cmd.Flags().DurationVar(&walk, "sim-walk", time.Second, "simulated exchange: random walk interval, 0 disables")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, walk time.Duration) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)

	rec := reconciler.New(a.store, a.client, a.notifier, reconciler.Options{
		QueueSize:       cfg.Reconciler.QueueSize,
		RequestTimeout:  cfg.Exchange.RequestTimeout,
		PaperCommission: cfg.Paper.CommissionRate,
	})
	g.Go(func() error { return rec.Run(ctx) })

	var health api.HealthReporter
	if cfg.Reconciler.Transport == config.TransportPush {
		backoff := supervisor.NewBackoff(cfg.Supervisor.InitialBackoff, cfg.Supervisor.MaxBackoff, cfg.Supervisor.Jitter)
		sup := supervisor.New(a.stream, rec.Events(), a.notifier, backoff)
		health = sup
		g.Go(func() error { return sup.Run(ctx) })
	} else {
		zlog.Warn().Msg("no fill transport configured; live positions will not close automatically")
	}

	var paperHandlers *paper.GinHandlers
	if cfg.Paper.Enabled {
		poller := paper.NewPoller(a.store, a.client, rec, a.notifier, cfg.Paper.PollInterval)
		g.Go(func() error { return poller.Start(ctx) })
		paperHandlers = paper.NewGinHandlers(paper.NewService(a.store, a.notifier), a.store)
	}

	commissions := commission.NewProcessor(commission.NewReconciler(a.store, a.client), cfg.Commission.Interval)
	g.Go(func() error { return commissions.Start(ctx) })

	balances := balance.NewService(a.store, a.client, a.notifier)
	g.Go(func() error {
		return balances.Start(ctx, cfg.Balance.SnapshotInterval, cfg.Balance.ReportInterval)
	})

	if a.sim != nil && walk > 0 {
		g.Go(func() error {
			a.sim.Walk(ctx, walk, 0.001)
			return nil
		})
	}

	authService := auth.NewService(cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL)
	authService.RegisterOperator(cfg.HTTP.OperatorKey, cfg.HTTP.OperatorSecret)

	limiter := middleware.NewRateLimiter()
	g.Go(func() error { return limiter.Cleanup(ctx) })

	tradingService := trading.NewService(a.store, a.client, a.notifier, cfg.Trading, cfg.Exchange.RequestTimeout)
	server := api.NewServer(":"+cfg.HTTP.Port, api.Deps{
		Auth:    authService,
		Trading: trading.NewGinHandlers(tradingService, a.store),
		Paper:   paperHandlers,
		Balance: balances,
		Health:  health,
		Limiter: limiter,
	})
	g.Go(func() error { return server.Start(ctx) })

	zlog.Info().
		Str("exchange", cfg.Exchange.Mode).
		Str("transport", cfg.Reconciler.Transport).
		Bool("paper", cfg.Paper.Enabled).
		Msg("bracketd started")

	err = g.Wait()
	zlog.Info().Msg("bracketd stopped")
	return err
}
