package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ksred/bracketd/internal/config"
	"github.com/ksred/bracketd/internal/database"
	"github.com/ksred/bracketd/internal/exchange"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/notifier"
	"github.com/ksred/bracketd/internal/types"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// app holds the components every command builds on.
type app struct {
	cfg      *config.Config
	store    *ledger.Store
	client   exchange.Client
	stream   exchange.Stream
	sim      *exchange.Simulated // nil in binance mode
	notifier notifier.Notifier
	close    func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		store:    ledger.NewStore(db),
		notifier: notifier.New(cfg.Notifier),
		close:    func() { sqlDB.Close() },
	}

	switch strings.ToLower(cfg.Exchange.Mode) {
	case config.ExchangeModeBinance:
		b := exchange.NewBinance(cfg.Exchange)
		a.client = b
		a.stream = b.UserDataStream()
	default:
		sim := exchange.NewSimulated(cfg.Exchange.FeeRate, cfg.Paper.StartingBalance)
		a.sim = sim
		a.client = sim
		a.stream = sim.Stream()
	}

	if err := a.seed(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// seed upserts the configured assets, primes simulated prices and creates the
// paper ledger on first start.
func (a *app) seed(ctx context.Context) error {
	prices := make(map[string]float64)
	for _, ac := range a.cfg.Assets {
		asset := &types.Asset{
			Symbol:            ac.Symbol,
			Enabled:           !ac.Disabled,
			PricePrecision:    ac.PricePrecision,
			QuantityPrecision: ac.QuantityPrecision,
		}
		if err := a.store.UpsertAsset(ctx, asset); err != nil {
			return fmt.Errorf("failed to seed asset %s: %w", ac.Symbol, err)
		}
		if a.sim != nil && ac.SimPrice > 0 {
			a.sim.SetPrice(asset.Symbol, ac.SimPrice)
			prices[asset.Symbol] = ac.SimPrice
		}
	}
	if err := a.store.UpdateLastPrices(ctx, prices, time.Now()); err != nil {
		return err
	}

	if a.cfg.Paper.Enabled {
		acct, err := a.store.EnsureLedger(ctx,
			decimal.NewFromFloat(a.cfg.Paper.StartingBalance),
			a.cfg.Paper.MaxOpenPositions,
			decimal.NewFromFloat(a.cfg.Paper.Leverage))
		if err != nil {
			return fmt.Errorf("failed to initialize margin ledger: %w", err)
		}
		zlog.Info().
			Str("balance", acct.Balance.String()).
			Str("available", acct.AvailableBalance.String()).
			Int("max_open_positions", acct.MaxOpenPositions).
			Msg("margin ledger ready")
	}
	return nil
}
