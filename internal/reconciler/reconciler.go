// Package reconciler maps fill events onto stored positions: it marks the
// filled bracket leg, closes the position, cancels the sibling leg and, for
// paper positions, settles the margin ledger.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ksred/bracketd/internal/exchange"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/metrics"
	"github.com/ksred/bracketd/internal/notifier"
	"github.com/ksred/bracketd/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Result string

const (
	ResultApplied   Result = "applied"
	ResultIgnored   Result = "ignored"
	ResultUnknown   Result = "unknown"
	ResultDuplicate Result = "duplicate"
	ResultError     Result = "error"
)

type Options struct {
	QueueSize       int
	RequestTimeout  time.Duration
	PaperCommission float64
}

type Reconciler struct {
	store    *ledger.Store
	exchange exchange.Client
	notifier notifier.Notifier
	opts     Options
	events   chan exchange.FillEvent
	locks    *positionLocks
	logger   zerolog.Logger
	now      func() time.Time
}

func New(store *ledger.Store, client exchange.Client, n notifier.Notifier, opts Options) *Reconciler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	return &Reconciler{
		store:    store,
		exchange: client,
		notifier: n,
		opts:     opts,
		events:   make(chan exchange.FillEvent, opts.QueueSize),
		locks:    newPositionLocks(),
		logger:   log.With().Str("component", "fill_reconciler").Logger(),
		now:      time.Now,
	}
}

// Events is the queue transports publish into. Sends block when it is full.
func (r *Reconciler) Events() chan<- exchange.FillEvent {
	return r.events
}

// Submit enqueues ev, waiting for room until ctx is done.
func (r *Reconciler) Submit(ctx context.Context, ev exchange.FillEvent) error {
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the single consumer of the event queue. It returns when ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().Int("queue_size", cap(r.events)).Msg("fill reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("fill reconciler stopped")
			return nil
		case ev := <-r.events:
			r.dispatch(ctx, ev)
		}
	}
}

func (r *Reconciler) dispatch(ctx context.Context, ev exchange.FillEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.FillEvents.WithLabelValues(string(ResultError)).Inc()
			r.logger.Error().
				Interface("panic", rec).
				Str("order_id", ev.OrderID).
				Bytes("stack", debug.Stack()).
				Msg("fill event handler panicked")
		}
	}()
	if _, err := r.OnFillEvent(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("order_id", ev.OrderID).Str("symbol", ev.Symbol).Msg("failed to apply fill event")
	}
}

// OnFillEvent applies one fill event. Events that are not fills, or that
// reference an order which is unknown or already final, change nothing.
func (r *Reconciler) OnFillEvent(ctx context.Context, ev exchange.FillEvent) (result Result, err error) {
	defer func() {
		if err != nil {
			result = ResultError
		}
		metrics.FillEvents.WithLabelValues(string(result)).Inc()
	}()

	logger := r.logger.With().
		Str("symbol", ev.Symbol).
		Str("order_id", ev.OrderID).
		Str("status", ev.Status).
		Logger()

	if ev.EventType != "" && ev.EventType != exchange.EventOrderTradeUpdate {
		return ResultIgnored, nil
	}
	if ev.Status != exchange.StatusFilled {
		logger.Debug().Msg("ignoring non-fill order update")
		return ResultIgnored, nil
	}

	_, pos, err := r.store.FindPendingOrder(ctx, ev.Symbol, ev.OrderID)
	if res, ok := lookupResult(err); ok {
		logger.Warn().Str("result", string(res)).Msg("fill event does not match a pending bracket order")
		return res, nil
	}
	if err != nil {
		return ResultError, err
	}

	unlock := r.locks.lock(pos.ID)
	defer unlock()

	// Re-read under the position lock; another event may have closed it.
	order, pos, err := r.store.FindPendingOrder(ctx, ev.Symbol, ev.OrderID)
	if res, ok := lookupResult(err); ok {
		logger.Warn().Str("result", string(res)).Msg("bracket order resolved while waiting")
		return res, nil
	}
	if err != nil {
		return ResultError, err
	}
	logger = logger.With().Uint("position_id", pos.ID).Str("kind", string(order.Kind)).Logger()

	fillPrice := ev.LastFillPrice
	if fillPrice <= 0 {
		fillPrice = order.Price
	}
	fill := ledger.Fill{
		PositionID: pos.ID,
		OrderID:    order.OrderID,
		Kind:       order.Kind,
		FillPrice:  fillPrice,
		PnL:        PnL(pos.Side, pos.EntryPrice, fillPrice, pos.Quantity),
		ExitTime:   r.now(),
	}

	sibling := pos.Order(order.Kind.Sibling())
	var cancelErr error
	if sibling != nil && sibling.Status == types.OrderPending {
		cancelErr = r.cancelSibling(ctx, pos, sibling)
		fill.SiblingCanceled = cancelErr == nil
	}

	if pos.Venue == types.VenuePaper {
		fill.Settlement = Settle(pos, fillPrice, r.opts.PaperCommission)
	}

	if err := r.store.ApplyFill(ctx, fill); err != nil {
		if errors.Is(err, ledger.ErrAlreadyFinal) {
			logger.Warn().Msg("fill already applied")
			return ResultDuplicate, nil
		}
		err = fmt.Errorf("apply fill for order %s: %w", order.OrderID, err)
		if pos.Venue == types.VenueLive {
			r.storeFailed(ctx, logger, pos, order, sibling, fill, cancelErr, err)
		}
		return ResultError, err
	}

	metrics.PositionsClosed.WithLabelValues(string(pos.Venue), string(order.Kind)).Inc()
	logger.Info().
		Float64("fill_price", fillPrice).
		Float64("pnl", fill.PnL).
		Bool("sibling_canceled", fill.SiblingCanceled).
		Msg("position closed")

	r.notifier.Notify(ctx, closeMessage(pos, order.Kind, fill), pos.NotificationRef)
	if cancelErr != nil {
		logger.Error().Err(cancelErr).Str("sibling_order_id", sibling.OrderID).Msg("sibling cancel failed")
		r.notifier.Notify(ctx, fmt.Sprintf(
			"⚠️ Manual check required: %s %s closed by %s but canceling %s order %s failed: %v",
			pos.Asset.Symbol, pos.Side, order.Kind, sibling.Kind, sibling.OrderID, cancelErr,
		), pos.NotificationRef)
	}
	return ResultApplied, nil
}

// storeFailed alerts when a live fill could not be recorded. The exchange has
// already closed the position and may have lost the sibling leg, while the
// ledger still shows it OPEN with both legs pending.
func (r *Reconciler) storeFailed(ctx context.Context, logger zerolog.Logger, pos *types.Position, order *types.Order, sibling *types.Order, fill ledger.Fill, cancelErr, err error) {
	siblingState := "no sibling leg"
	switch {
	case sibling != nil && fill.SiblingCanceled:
		siblingState = fmt.Sprintf("%s order %s was canceled on the exchange", sibling.Kind, sibling.OrderID)
	case sibling != nil && cancelErr != nil:
		siblingState = fmt.Sprintf("canceling %s order %s also failed: %v", sibling.Kind, sibling.OrderID, cancelErr)
	case sibling != nil:
		siblingState = fmt.Sprintf("%s order %s is %s", sibling.Kind, sibling.OrderID, sibling.Status)
	}
	logger.Error().Err(err).Bool("sibling_canceled", fill.SiblingCanceled).Msg("fill not recorded")
	r.notifier.Notify(ctx, fmt.Sprintf(
		"⚠️ Manual check required: %s %s %s filled at %s on the exchange but the close was not recorded (%v); %s",
		pos.Asset.Symbol, pos.Side, order.Kind, decimal.NewFromFloat(fill.FillPrice).String(), err, siblingState,
	), pos.NotificationRef)
}

func lookupResult(err error) (Result, bool) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return ResultUnknown, true
	case errors.Is(err, ledger.ErrAlreadyFinal):
		return ResultDuplicate, true
	}
	return "", false
}

// cancelSibling cancels the untriggered leg on the exchange. Paper legs only
// exist locally.
func (r *Reconciler) cancelSibling(ctx context.Context, pos *types.Position, sibling *types.Order) error {
	if pos.Venue == types.VenuePaper {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()
	return r.exchange.CancelOrder(ctx, pos.Asset.Symbol, sibling.OrderID)
}

// PnL is the gross realized PnL of closing quantity at exit.
func PnL(side types.Side, entry, exit, quantity float64) float64 {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	q := decimal.NewFromFloat(quantity)
	var pnl decimal.Decimal
	if side == types.SideSell {
		pnl = e.Sub(x).Mul(q)
	} else {
		pnl = x.Sub(e).Mul(q)
	}
	f, _ := pnl.Float64()
	return f
}

// Settle computes the paper ledger side of a close: rate × notional on both
// legs, net PnL rounded to cents and the reserved margin to release.
func Settle(pos *types.Position, exit, rate float64) *ledger.Settlement {
	q := decimal.NewFromFloat(pos.Quantity)
	r := decimal.NewFromFloat(rate)
	entryFee := decimal.NewFromFloat(pos.EntryPrice).Mul(q).Mul(r)
	exitFee := decimal.NewFromFloat(exit).Mul(q).Mul(r)
	commission := entryFee.Add(exitFee).Round(8)
	net := decimal.NewFromFloat(PnL(pos.Side, pos.EntryPrice, exit, pos.Quantity)).Sub(commission).Round(2)
	c, _ := commission.Float64()
	return &ledger.Settlement{
		Commission:    c,
		MarginRelease: pos.MarginBalance,
		NetPnL:        net,
	}
}

func closeMessage(pos *types.Position, kind types.OrderKind, fill ledger.Fill) string {
	icon := "✅"
	if kind == types.OrderStopLoss {
		icon = "🛑"
	}
	msg := fmt.Sprintf("%s %s %s %s closed by %s at %s\nEntry: %s\nPnL: %s",
		icon, pos.Venue, pos.Asset.Symbol, pos.Side, kind,
		decimal.NewFromFloat(fill.FillPrice).String(),
		decimal.NewFromFloat(pos.EntryPrice).String(),
		decimal.NewFromFloat(fill.PnL).StringFixed(2))
	if fill.Settlement != nil {
		msg += fmt.Sprintf("\nNet PnL: %s", fill.Settlement.NetPnL.StringFixed(2))
	}
	return msg
}
