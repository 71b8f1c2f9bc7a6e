// Package ledgertest provides an in-memory ledger and fixtures for tests.
package ledgertest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/ksred/bracketd/internal/database"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// NewStore returns a Store backed by a private in-memory sqlite database.
func NewStore(t testing.TB) *ledger.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return ledger.NewStore(db)
}

// SeedAsset stores an enabled asset with two decimals of price precision.
func SeedAsset(t testing.TB, s *ledger.Store, symbol string, lastPrice float64) *types.Asset {
	t.Helper()
	asset := &types.Asset{
		Symbol:            symbol,
		Enabled:           true,
		Leverage:          1,
		PricePrecision:    2,
		QuantityPrecision: 3,
		LastPrice:         lastPrice,
	}
	require.NoError(t, s.UpsertAsset(context.Background(), asset))
	got, err := s.GetAsset(context.Background(), symbol)
	require.NoError(t, err)
	return got
}

// SeedLedger creates the paper margin ledger.
func SeedLedger(t testing.TB, s *ledger.Store, balance float64, maxOpen int) {
	t.Helper()
	_, err := s.EnsureLedger(context.Background(), decimal.NewFromFloat(balance), maxOpen, decimal.NewFromInt(1))
	require.NoError(t, err)
}

// Bracket describes a position fixture.
type Bracket struct {
	OrderID    string
	Side       types.Side
	Quantity   float64
	Entry      float64
	TakeProfit float64
	StopLoss   float64
	TPOrderID  string
	SLOrderID  string
}

// NewPosition builds an unsaved position with both bracket orders pending.
func NewPosition(asset *types.Asset, venue types.Venue, status types.PositionStatus, b Bracket) *types.Position {
	return &types.Position{
		OrderID:         b.OrderID,
		AssetID:         asset.ID,
		Asset:           *asset,
		Venue:           venue,
		Side:            b.Side,
		Quantity:        b.Quantity,
		EntryPrice:      b.Entry,
		TakeProfit:      b.TakeProfit,
		StopLoss:        b.StopLoss,
		Leverage:        1,
		Status:          status,
		Commission:      types.CommissionUnresolved,
		EntryCommission: types.CommissionUnresolved,
		Orders: []types.Order{
			{OrderID: b.TPOrderID, Kind: types.OrderTakeProfit, Price: b.TakeProfit, Status: types.OrderPending, Commission: types.CommissionUnresolved},
			{OrderID: b.SLOrderID, Kind: types.OrderStopLoss, Price: b.StopLoss, Status: types.OrderPending, Commission: types.CommissionUnresolved},
		},
	}
}

// SeedLivePosition stores an OPEN live position.
func SeedLivePosition(t testing.TB, s *ledger.Store, asset *types.Asset, b Bracket) *types.Position {
	t.Helper()
	pos := NewPosition(asset, types.VenueLive, types.PositionOpen, b)
	require.NoError(t, s.CreatePosition(context.Background(), pos))
	got, err := s.GetPosition(context.Background(), b.OrderID)
	require.NoError(t, err)
	return got
}
