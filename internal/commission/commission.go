// Package commission back-fills commission on live orders and positions from
// exchange trade history.
package commission

import (
	"context"
	"fmt"
	"sort"

	"github.com/ksred/bracketd/internal/exchange"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/metrics"
	"github.com/ksred/bracketd/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	kindOrder    = "order"
	kindEntry    = "entry"
	kindPosition = "position"
)

// Summary counts the values written by one pass.
type Summary struct {
	Orders    int `json:"orders"`
	Entries   int `json:"entries"`
	Positions int `json:"positions"`
	NoData    int `json:"no_data"`
}

type Reconciler struct {
	store    *ledger.Store
	exchange exchange.Client
	logger   zerolog.Logger
}

func NewReconciler(store *ledger.Store, client exchange.Client) *Reconciler {
	return &Reconciler{
		store:    store,
		exchange: client,
		logger:   log.With().Str("component", "commission_reconciler").Logger(),
	}
}

// Reconcile resolves every unresolved commission it can. Values only ever
// move away from the unresolved sentinel, so passes may overlap with fills
// and with each other.
func (r *Reconciler) Reconcile(ctx context.Context) (Summary, error) {
	var sum Summary

	orders, err := r.store.UnresolvedOrders(ctx)
	if err != nil {
		return sum, fmt.Errorf("load unresolved orders: %w", err)
	}
	entries, err := r.store.UnresolvedEntries(ctx)
	if err != nil {
		return sum, fmt.Errorf("load unresolved entries: %w", err)
	}
	closed, err := r.store.UnresolvedClosedPositions(ctx)
	if err != nil {
		return sum, fmt.Errorf("load unresolved positions: %w", err)
	}
	if len(orders) == 0 && len(entries) == 0 && len(closed) == 0 {
		return sum, nil
	}

	symbols := make(map[string]struct{})
	for _, o := range orders {
		symbols[o.Symbol] = struct{}{}
	}
	for _, p := range entries {
		symbols[p.Asset.Symbol] = struct{}{}
	}
	for _, p := range closed {
		symbols[p.Asset.Symbol] = struct{}{}
	}
	list := make([]string, 0, len(symbols))
	for s := range symbols {
		list = append(list, s)
	}
	sort.Strings(list)

	trades, err := r.exchange.TradeHistory(ctx, list)
	if err != nil {
		return sum, fmt.Errorf("fetch trade history: %w", err)
	}
	byOrder := sumByOrder(trades)

	for _, o := range orders {
		value := resolved(byOrder, o.OrderID)
		ok, err := r.store.ResolveOrderCommission(ctx, o.OrderID, value)
		if err != nil {
			return sum, fmt.Errorf("resolve order %s: %w", o.OrderID, err)
		}
		r.record(&sum, &sum.Orders, kindOrder, ok, value)
	}

	for _, p := range entries {
		value := resolved(byOrder, p.OrderID)
		ok, err := r.store.ResolveEntryCommission(ctx, p.ID, value)
		if err != nil {
			return sum, fmt.Errorf("resolve entry %s: %w", p.OrderID, err)
		}
		r.record(&sum, &sum.Entries, kindEntry, ok, value)
	}

	// Re-read so totals see the order and entry values written above.
	closed, err = r.store.UnresolvedClosedPositions(ctx)
	if err != nil {
		return sum, fmt.Errorf("reload unresolved positions: %w", err)
	}
	for _, p := range closed {
		value, ready := positionTotal(&p)
		if !ready {
			r.logger.Debug().Str("order_id", p.OrderID).Msg("closing leg commission not resolved yet")
			continue
		}
		ok, err := r.store.ResolvePositionCommission(ctx, p.ID, value)
		if err != nil {
			return sum, fmt.Errorf("resolve position %s: %w", p.OrderID, err)
		}
		r.record(&sum, &sum.Positions, kindPosition, ok, value)
	}

	r.logger.Info().
		Int("trades", len(trades)).
		Int("orders", sum.Orders).
		Int("entries", sum.Entries).
		Int("positions", sum.Positions).
		Int("no_data", sum.NoData).
		Msg("commission pass complete")
	return sum, nil
}

func (r *Reconciler) record(sum *Summary, counter *int, kind string, written bool, value float64) {
	if !written {
		return
	}
	*counter++
	outcome := "found"
	if value == types.CommissionNoData {
		sum.NoData++
		outcome = "no_data"
	}
	metrics.CommissionResolved.WithLabelValues(kind, outcome).Inc()
}

func sumByOrder(trades []exchange.Trade) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, t := range trades {
		out[t.OrderID] = out[t.OrderID].Add(decimal.NewFromFloat(t.Commission))
	}
	return out
}

// resolved is the summed commission of orderID, or the no-data sentinel.
func resolved(byOrder map[string]decimal.Decimal, orderID string) float64 {
	total, ok := byOrder[orderID]
	if !ok || !total.IsPositive() {
		return types.CommissionNoData
	}
	f, _ := total.Float64()
	return f
}

// positionTotal is the filled closing leg's commission plus the entry
// commission when known. It reports false while either input is still
// unresolved, for instance when the fill landed after this pass loaded its
// orders; the position is then left for a later pass.
func positionTotal(p *types.Position) (float64, bool) {
	var closing *types.Order
	for i := range p.Orders {
		if p.Orders[i].Status == types.OrderFilled {
			closing = &p.Orders[i]
		}
	}
	if closing == nil {
		return types.CommissionNoData, true
	}
	if closing.Commission == types.CommissionUnresolved || p.EntryCommission == types.CommissionUnresolved {
		return 0, false
	}
	if !types.CommissionResolved(closing.Commission) {
		return types.CommissionNoData, true
	}
	total := decimal.NewFromFloat(closing.Commission)
	if types.CommissionResolved(p.EntryCommission) {
		total = total.Add(decimal.NewFromFloat(p.EntryCommission))
	}
	f, _ := total.Float64()
	return f, true
}
