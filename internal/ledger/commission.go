package ledger

import (
	"context"

	"github.com/ksred/bracketd/internal/types"
)

// OrderRef is a live order whose commission has not been looked up yet.
type OrderRef struct {
	OrderID    string
	PositionID uint
	Symbol     string
	Status     types.OrderStatus
}

// UnresolvedOrders returns live bracket orders that reached a final status
// and still carry the unresolved commission sentinel.
func (s *Store) UnresolvedOrders(ctx context.Context) ([]OrderRef, error) {
	var refs []OrderRef
	err := s.db.WithContext(ctx).Model(&types.Order{}).
		Select("orders.order_id, orders.position_id, assets.symbol, orders.status").
		Joins("JOIN positions ON positions.id = orders.position_id").
		Joins("JOIN assets ON assets.id = positions.asset_id").
		Where("positions.venue = ? AND orders.commission = ? AND orders.status IN ?",
			types.VenueLive, types.CommissionUnresolved,
			[]types.OrderStatus{types.OrderFilled, types.OrderCanceled}).
		Scan(&refs).Error
	return refs, err
}

// UnresolvedEntries returns live positions whose entry order commission is
// still unresolved.
func (s *Store) UnresolvedEntries(ctx context.Context) ([]types.Position, error) {
	var positions []types.Position
	err := s.db.WithContext(ctx).
		Preload("Asset").
		Where("venue = ? AND entry_commission = ? AND status IN ?",
			types.VenueLive, types.CommissionUnresolved,
			[]types.PositionStatus{types.PositionOpen, types.PositionClosed}).
		Find(&positions).Error
	return positions, err
}

// UnresolvedClosedPositions returns CLOSED live positions whose total
// commission is still unresolved, with their orders.
func (s *Store) UnresolvedClosedPositions(ctx context.Context) ([]types.Position, error) {
	var positions []types.Position
	err := s.db.WithContext(ctx).
		Preload("Asset").
		Preload("Orders").
		Where("venue = ? AND status = ? AND commission = ?",
			types.VenueLive, types.PositionClosed, types.CommissionUnresolved).
		Find(&positions).Error
	return positions, err
}

// ResolveOrderCommission stores a final commission value on an order. It only
// moves a value away from the unresolved sentinel, never back; false means the
// order was already resolved.
func (s *Store) ResolveOrderCommission(ctx context.Context, orderID string, value float64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id = ? AND commission = ?", orderID, types.CommissionUnresolved).
		Update("commission", value)
	return res.RowsAffected == 1, res.Error
}

// ResolveEntryCommission stores the entry order commission of a position.
func (s *Store) ResolveEntryCommission(ctx context.Context, positionID uint, value float64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Position{}).
		Where("id = ? AND entry_commission = ?", positionID, types.CommissionUnresolved).
		Update("entry_commission", value)
	return res.RowsAffected == 1, res.Error
}

// ResolvePositionCommission stores the total commission of a closed position.
func (s *Store) ResolvePositionCommission(ctx context.Context, positionID uint, value float64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Position{}).
		Where("id = ? AND commission = ?", positionID, types.CommissionUnresolved).
		Update("commission", value)
	return res.RowsAffected == 1, res.Error
}
