package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/bracketd/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CreatePosition persists a position together with its bracket orders in a
// single transaction.
func (s *Store) CreatePosition(ctx context.Context, pos *types.Position) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return InsertPosition(tx, pos)
	})
}

// InsertPosition writes pos and its orders inside an open transaction.
func InsertPosition(tx *gorm.DB, pos *types.Position) error {
	if len(pos.Orders) != 2 || pos.Order(types.OrderTakeProfit) == nil || pos.Order(types.OrderStopLoss) == nil {
		return fmt.Errorf("position %s must carry exactly one take profit and one stop loss order", pos.OrderID)
	}
	if pos.AssetID == 0 {
		pos.AssetID = pos.Asset.ID
	}
	if err := tx.Omit("Asset").Create(pos).Error; err != nil {
		return fmt.Errorf("failed to create position %s: %w", pos.OrderID, err)
	}
	return nil
}

// GetPosition loads a position with its asset and orders by external id.
func (s *Store) GetPosition(ctx context.Context, orderID string) (*types.Position, error) {
	var pos types.Position
	if err := s.db.WithContext(ctx).
		Preload("Asset").
		Preload("Orders").
		Where("order_id = ?", orderID).
		First(&pos).Error; err != nil {
		return nil, notFound(err)
	}
	return &pos, nil
}

// GetPositionByID loads a position by primary key.
func (s *Store) GetPositionByID(ctx context.Context, id uint) (*types.Position, error) {
	var pos types.Position
	if err := s.db.WithContext(ctx).
		Preload("Asset").
		Preload("Orders").
		First(&pos, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &pos, nil
}

// ListPositions returns positions of a venue in the given statuses, oldest first.
func (s *Store) ListPositions(ctx context.Context, venue types.Venue, statuses ...types.PositionStatus) ([]types.Position, error) {
	var positions []types.Position
	q := s.db.WithContext(ctx).
		Preload("Asset").
		Preload("Orders").
		Where("venue = ?", venue)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Order("id").Find(&positions).Error
	return positions, err
}

// CountActivePositions counts PENDING and OPEN positions of a venue.
func (s *Store) CountActivePositions(ctx context.Context, venue types.Venue) (int64, error) {
	return CountActive(s.db.WithContext(ctx), venue)
}

// CountActive counts PENDING and OPEN positions of a venue on tx, so callers
// can check the limit inside their own transaction.
func CountActive(tx *gorm.DB, venue types.Venue) (int64, error) {
	var n int64
	err := tx.Model(&types.Position{}).
		Where("venue = ? AND status IN ?", venue, []types.PositionStatus{types.PositionPending, types.PositionOpen}).
		Count(&n).Error
	return n, err
}

// FindPendingOrder looks up a PENDING bracket order by external id among the
// OPEN positions of symbol. It returns ErrNotFound for unknown, stale or
// already resolved orders.
func (s *Store) FindPendingOrder(ctx context.Context, symbol, orderID string) (*types.Order, *types.Position, error) {
	var order types.Order
	err := s.db.WithContext(ctx).
		Joins("JOIN positions ON positions.id = orders.position_id AND positions.deleted_at IS NULL").
		Joins("JOIN assets ON assets.id = positions.asset_id").
		Where("orders.order_id = ? AND assets.symbol = ? AND positions.status = ?",
			orderID, normalizeSymbol(symbol), types.PositionOpen).
		First(&order).Error
	if err != nil {
		return nil, nil, notFound(err)
	}
	if order.Status.Final() {
		return &order, nil, ErrAlreadyFinal
	}
	pos, err := s.GetPositionByID(ctx, order.PositionID)
	if err != nil {
		return nil, nil, err
	}
	return &order, pos, nil
}

// MarkPositionOpen moves a PENDING position to OPEN. It reports false when the
// position was no longer pending.
func (s *Store) MarkPositionOpen(ctx context.Context, positionID uint, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Position{}).
		Where("id = ? AND status = ?", positionID, types.PositionPending).
		Updates(map[string]interface{}{
			"status":     types.PositionOpen,
			"entry_time": at,
		})
	return res.RowsAffected == 1, res.Error
}

// SetNotificationRef stores the notification thread a position's updates reply to.
func (s *Store) SetNotificationRef(ctx context.Context, positionID uint, ref int64) error {
	return s.db.WithContext(ctx).Model(&types.Position{}).
		Where("id = ?", positionID).
		Update("notification_ref", ref).Error
}

// Settlement carries the paper-ledger side of a close: commission charged on
// both legs, the margin reserved at open and the net PnL credited back.
type Settlement struct {
	Commission    float64
	MarginRelease decimal.Decimal
	NetPnL        decimal.Decimal
}

// Fill describes one resolved bracket leg.
type Fill struct {
	PositionID      uint
	OrderID         string
	Kind            types.OrderKind
	FillPrice       float64
	PnL             float64
	ExitTime        time.Time
	SiblingCanceled bool
	Settlement      *Settlement
}

// ApplyFill marks the filled order, closes its position, cancels the sibling
// and settles the margin ledger as one transaction. A fill for an order that
// is no longer PENDING, or a position that is no longer OPEN, returns
// ErrAlreadyFinal and changes nothing.
func (s *Store) ApplyFill(ctx context.Context, f Fill) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.Order{}).
			Where("order_id = ? AND position_id = ? AND status = ?", f.OrderID, f.PositionID, types.OrderPending).
			Updates(map[string]interface{}{
				"status":     types.OrderFilled,
				"fill_price": f.FillPrice,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyFinal
		}

		updates := map[string]interface{}{
			"status":     types.PositionClosed,
			"exit_price": f.FillPrice,
			"exit_time":  f.ExitTime,
			"pnl":        f.PnL,
		}
		if f.Settlement != nil {
			updates["commission"] = f.Settlement.Commission
		}
		res = tx.Model(&types.Position{}).
			Where("id = ? AND status = ?", f.PositionID, types.PositionOpen).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyFinal
		}

		if f.SiblingCanceled {
			if err := tx.Model(&types.Order{}).
				Where("position_id = ? AND kind = ? AND status = ?", f.PositionID, f.Kind.Sibling(), types.OrderPending).
				Update("status", types.OrderCanceled).Error; err != nil {
				return err
			}
		}

		if f.Settlement != nil {
			return settle(tx, f.Settlement.MarginRelease, f.Settlement.NetPnL)
		}
		return nil
	})
}
