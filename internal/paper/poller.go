package paper

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ksred/bracketd/internal/exchange"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/notifier"
	"github.com/ksred/bracketd/internal/reconciler"
	"github.com/ksred/bracketd/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PriceSource returns the latest price per symbol.
type PriceSource interface {
	Prices(ctx context.Context) (map[string]float64, error)
}

// FillHandler applies a fill event. *reconciler.Reconciler satisfies it.
type FillHandler interface {
	OnFillEvent(ctx context.Context, ev exchange.FillEvent) (reconciler.Result, error)
}

// PassResult summarises one poll pass.
type PassResult struct {
	Skipped bool
	Entered int
	Exited  int
}

// Poller drives paper positions from polled prices: pending positions open
// once the entry price is reached and open positions close when a bracket
// leg is crossed. Exits go through the same fill handler as live fills.
type Poller struct {
	store    *ledger.Store
	prices   PriceSource
	fills    FillHandler
	notifier notifier.Notifier
	interval time.Duration

	// mu keeps passes from overlapping when one outlasts the interval.
	mu     sync.Mutex
	logger zerolog.Logger
	now    func() time.Time
}

func NewPoller(store *ledger.Store, prices PriceSource, fills FillHandler, n notifier.Notifier, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		store:    store,
		prices:   prices,
		fills:    fills,
		notifier: n,
		interval: interval,
		logger:   log.With().Str("component", "paper_poller").Logger(),
		now:      time.Now,
	}
}

// Start polls until ctx is done.
func (p *Poller) Start(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.interval).Msg("starting paper poller")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("shutting down paper poller")
			return nil
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("paper poll pass panicked")
		}
	}()
	if _, err := p.Poll(ctx); err != nil {
		p.logger.Error().Err(err).Msg("paper poll pass failed")
	}
}

// Poll runs one pass with a single price fetch. A pass that starts while
// another is still running is skipped.
func (p *Poller) Poll(ctx context.Context) (PassResult, error) {
	if !p.mu.TryLock() {
		p.logger.Debug().Msg("previous poll pass still running, skipping")
		return PassResult{Skipped: true}, nil
	}
	defer p.mu.Unlock()

	var res PassResult
	positions, err := p.store.ListPositions(ctx, types.VenuePaper, types.PositionPending, types.PositionOpen)
	if err != nil {
		return res, fmt.Errorf("failed to list paper positions: %w", err)
	}
	if len(positions) == 0 {
		return res, nil
	}

	prices, err := p.prices.Prices(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch prices: %w", err)
	}
	now := p.now()
	if err := p.store.UpdateLastPrices(ctx, prices, now); err != nil {
		p.logger.Warn().Err(err).Msg("failed to store last prices")
	}

	for i := range positions {
		pos := &positions[i]
		price, ok := prices[pos.Asset.Symbol]
		if !ok || price <= 0 {
			continue
		}
		switch pos.Status {
		case types.PositionPending:
			if p.enter(ctx, pos, price, now) {
				res.Entered++
			}
		case types.PositionOpen:
			if p.exit(ctx, pos, price) {
				res.Exited++
			}
		}
	}
	if res.Entered > 0 || res.Exited > 0 {
		p.logger.Info().Int("entered", res.Entered).Int("exited", res.Exited).Msg("paper poll pass complete")
	}
	return res, nil
}

func (p *Poller) enter(ctx context.Context, pos *types.Position, price float64, now time.Time) bool {
	if !EntryTriggered(pos.Side, pos.EntryPrice, price) {
		return false
	}
	opened, err := p.store.MarkPositionOpen(ctx, pos.ID, now)
	if err != nil {
		p.logger.Error().Err(err).Str("order_id", pos.OrderID).Msg("failed to open paper position")
		return false
	}
	if !opened {
		return false
	}
	p.logger.Info().
		Str("order_id", pos.OrderID).
		Str("symbol", pos.Asset.Symbol).
		Float64("entry_price", pos.EntryPrice).
		Float64("price", price).
		Msg("paper entry filled")
	p.notifier.Notify(ctx, fmt.Sprintf("🧪 PAPER %s %s entry filled at %g", pos.Asset.Symbol, pos.Side, pos.EntryPrice), pos.NotificationRef)
	return true
}

func (p *Poller) exit(ctx context.Context, pos *types.Position, price float64) bool {
	kind, hit := ExitTriggered(pos.Side, pos.TakeProfit, pos.StopLoss, price)
	if !hit {
		return false
	}
	order := pos.Order(kind)
	if order == nil || order.Status != types.OrderPending {
		return false
	}
	result, err := p.fills.OnFillEvent(ctx, exchange.FillEvent{
		EventType:     exchange.EventOrderTradeUpdate,
		OrderID:       order.OrderID,
		Symbol:        pos.Asset.Symbol,
		Status:        exchange.StatusFilled,
		LastFillPrice: order.Price,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to apply paper fill")
		return false
	}
	return result == reconciler.ResultApplied
}
