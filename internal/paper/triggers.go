package paper

import "github.com/ksred/bracketd/internal/types"

// EntryTriggered reports whether a pending order at entry fills at price:
// buys fill at or below entry, sells at or above.
func EntryTriggered(side types.Side, entry, price float64) bool {
	if side == types.SideSell {
		return price >= entry
	}
	return price <= entry
}

// ExitTriggered returns the bracket leg hit by price, if any. The stop loss
// is checked first, so a tick that satisfies both legs closes at the stop.
func ExitTriggered(side types.Side, takeProfit, stopLoss, price float64) (types.OrderKind, bool) {
	if side == types.SideSell {
		switch {
		case price >= stopLoss:
			return types.OrderStopLoss, true
		case price <= takeProfit:
			return types.OrderTakeProfit, true
		}
		return "", false
	}
	switch {
	case price <= stopLoss:
		return types.OrderStopLoss, true
	case price >= takeProfit:
		return types.OrderTakeProfit, true
	}
	return "", false
}
