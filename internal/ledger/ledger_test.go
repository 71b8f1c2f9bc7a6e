package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/ledger/ledgertest"
	"github.com/ksred/bracketd/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func btcBracket() ledgertest.Bracket {
	return ledgertest.Bracket{
		OrderID:    "1001",
		Side:       types.SideBuy,
		Quantity:   1,
		Entry:      100,
		TakeProfit: 102,
		StopLoss:   99,
		TPOrderID:  "1002",
		SLOrderID:  "1003",
	}
}

func TestGetAssetNormalizesAndCaches(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	ledgertest.SeedAsset(t, s, "BTCUSDT", 100)

	got, err := s.GetAsset(ctx, " btcusdt ")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)

	require.NoError(t, s.SetAssetLeverage(ctx, "BTCUSDT", 5))
	got, err = s.GetAsset(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Leverage)

	_, err = s.GetAsset(ctx, "DOGEUSDT")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDisabledAssetIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	require.NoError(t, s.UpsertAsset(ctx, &types.Asset{Symbol: "ETHUSDT", Enabled: false}))

	_, err := s.GetAsset(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	symbols, err := s.ListEnabledSymbols(ctx)
	require.NoError(t, err)
	assert.Empty(t, symbols)
}

func TestUpdateLastPrices(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	at := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpdateLastPrices(ctx, map[string]float64{"BTCUSDT": 101.5, "XRPUSDT": 1}, at))

	got, err := s.GetAsset(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.5, got.LastPrice)
	require.NotNil(t, got.LastPriceAt)
}

func TestCreatePositionRequiresBothLegs(t *testing.T) {
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)

	pos := ledgertest.NewPosition(asset, types.VenueLive, types.PositionOpen, btcBracket())
	pos.Orders = pos.Orders[:1]
	require.Error(t, s.CreatePosition(context.Background(), pos))

	_, err := s.GetPosition(context.Background(), "1001")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestFindPendingOrder(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	ledgertest.SeedLivePosition(t, s, asset, btcBracket())

	order, pos, err := s.FindPendingOrder(ctx, "BTCUSDT", "1003")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStopLoss, order.Kind)
	assert.Equal(t, "1001", pos.OrderID)

	_, _, err = s.FindPendingOrder(ctx, "ETHUSDT", "1003")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, _, err = s.FindPendingOrder(ctx, "BTCUSDT", "9999")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestApplyFillClosesPositionAtomically(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	pos := ledgertest.SeedLivePosition(t, s, asset, btcBracket())

	fill := ledger.Fill{
		PositionID:      pos.ID,
		OrderID:         "1003",
		Kind:            types.OrderStopLoss,
		FillPrice:       99,
		PnL:             -1,
		ExitTime:        time.Now(),
		SiblingCanceled: true,
	}
	require.NoError(t, s.ApplyFill(ctx, fill))

	got, err := s.GetPosition(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, types.PositionClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	assert.Equal(t, 99.0, *got.ExitPrice)
	require.NotNil(t, got.ExitTime)
	assert.Equal(t, -1.0, got.PnL)
	assert.Equal(t, types.OrderFilled, got.Order(types.OrderStopLoss).Status)
	assert.Equal(t, types.OrderCanceled, got.Order(types.OrderTakeProfit).Status)

	// A second delivery of the same fill changes nothing.
	fill.PnL = -5
	assert.ErrorIs(t, s.ApplyFill(ctx, fill), ledger.ErrAlreadyFinal)

	again, err := s.GetPosition(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, -1.0, again.PnL)

	_, _, err = s.FindPendingOrder(ctx, "BTCUSDT", "1002")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// Updates are written as column maps, so the schema must carry these exact
// names.
func TestSchemaColumnNames(t *testing.T) {
	m := ledgertest.NewStore(t).DB().Migrator()
	for _, col := range []string{
		"pnl", "exit_price", "exit_time", "entry_time", "status", "commission",
		"entry_commission", "margin_balance", "notification_ref",
	} {
		assert.True(t, m.HasColumn(&types.Position{}, col), "positions.%s", col)
	}
	for _, col := range []string{"status", "fill_price", "commission"} {
		assert.True(t, m.HasColumn(&types.Order{}, col), "orders.%s", col)
	}
	assert.True(t, m.HasColumn(&types.BalanceRecord{}, "unrealized_pnl"))
	assert.True(t, m.HasColumn(&types.LedgerAccount{}, "available_balance"))
}

func TestApplyFillKeepsSiblingPendingWhenCancelFailed(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	pos := ledgertest.SeedLivePosition(t, s, asset, btcBracket())

	require.NoError(t, s.ApplyFill(ctx, ledger.Fill{
		PositionID: pos.ID,
		OrderID:    "1002",
		Kind:       types.OrderTakeProfit,
		FillPrice:  102,
		PnL:        2,
		ExitTime:   time.Now(),
	}))

	got, err := s.GetPosition(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, types.PositionClosed, got.Status)
	assert.Equal(t, types.OrderPending, got.Order(types.OrderStopLoss).Status)
}

func TestPaperMarginLifecycle(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	ledgertest.SeedLedger(t, s, 10000, 5)

	b := ledgertest.Bracket{
		OrderID: "paper-" + uuid.NewString(), Side: types.SideBuy, Quantity: 5, Entry: 100,
		TakeProfit: 104.5, StopLoss: 99, TPOrderID: "paper-" + uuid.NewString(), SLOrderID: "paper-" + uuid.NewString(),
	}
	pos := ledgertest.NewPosition(asset, types.VenuePaper, types.PositionOpen, b)
	require.NoError(t, s.OpenPaperPosition(ctx, pos, decimal.NewFromInt(500)))

	acct, err := s.Ledger(ctx)
	require.NoError(t, err)
	assert.True(t, acct.AvailableBalance.Equal(decimal.NewFromInt(9500)), acct.AvailableBalance.String())
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(10000)), acct.Balance.String())

	require.NoError(t, s.ApplyFill(ctx, ledger.Fill{
		PositionID:      pos.ID,
		OrderID:         b.TPOrderID,
		Kind:            types.OrderTakeProfit,
		FillPrice:       104.5,
		PnL:             22.5,
		ExitTime:        time.Now(),
		SiblingCanceled: true,
		Settlement: &ledger.Settlement{
			Commission:    2.15,
			MarginRelease: decimal.NewFromInt(500),
			NetPnL:        decimal.RequireFromString("20.35"),
		},
	}))

	acct, err = s.Ledger(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10020.35", acct.AvailableBalance.StringFixed(2))
	assert.Equal(t, "10020.35", acct.Balance.StringFixed(2))

	got, err := s.GetPosition(ctx, b.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 2.15, got.Commission)
}

func TestPaperPositionLimit(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	ledgertest.SeedLedger(t, s, 10000, 2)

	open := func() error {
		b := ledgertest.Bracket{
			OrderID: "paper-" + uuid.NewString(), Side: types.SideSell, Quantity: 1, Entry: 100,
			TakeProfit: 98, StopLoss: 101, TPOrderID: "paper-" + uuid.NewString(), SLOrderID: "paper-" + uuid.NewString(),
		}
		return s.OpenPaperPosition(ctx, ledgertest.NewPosition(asset, types.VenuePaper, types.PositionPending, b), decimal.NewFromInt(100))
	}
	require.NoError(t, open())
	require.NoError(t, open())
	assert.ErrorIs(t, open(), ledger.ErrPositionLimit)

	n, err := s.CountActivePositions(ctx, types.VenuePaper)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	acct, err := s.Ledger(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9800.00", acct.AvailableBalance.StringFixed(2))
}

func TestPaperInsufficientMargin(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	ledgertest.SeedLedger(t, s, 300, 5)

	b := ledgertest.Bracket{
		OrderID: "paper-a", Side: types.SideBuy, Quantity: 5, Entry: 100,
		TakeProfit: 102, StopLoss: 99, TPOrderID: "paper-b", SLOrderID: "paper-c",
	}
	err := s.OpenPaperPosition(ctx, ledgertest.NewPosition(asset, types.VenuePaper, types.PositionPending, b), decimal.NewFromInt(500))
	assert.ErrorIs(t, err, ledger.ErrInsufficientMargin)

	_, err = s.GetPosition(ctx, "paper-a")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	acct, err := s.Ledger(ctx)
	require.NoError(t, err)
	assert.Equal(t, "300.00", acct.AvailableBalance.StringFixed(2))
}

func TestEnsureLedgerKeepsExistingRow(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	ledgertest.SeedLedger(t, s, 10000, 5)

	acct, err := s.EnsureLedger(ctx, decimal.NewFromInt(1), 1, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "10000.00", acct.Balance.StringFixed(2))
	assert.Equal(t, 5, acct.MaxOpenPositions)
}

func TestMarkPositionOpenOnce(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	pos := ledgertest.NewPosition(asset, types.VenueLive, types.PositionPending, btcBracket())
	require.NoError(t, s.CreatePosition(ctx, pos))

	ok, err := s.MarkPositionOpen(ctx, pos.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkPositionOpen(ctx, pos.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveCommissionNeverReverts(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	pos := ledgertest.SeedLivePosition(t, s, asset, btcBracket())

	ok, err := s.ResolveOrderCommission(ctx, "1002", 0.04)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ResolveOrderCommission(ctx, "1002", types.CommissionNoData)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ResolveEntryCommission(ctx, pos.ID, 0.05)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ResolveEntryCommission(ctx, pos.ID, 0.5)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetPosition(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, 0.04, got.Order(types.OrderTakeProfit).Commission)
	assert.Equal(t, 0.05, got.EntryCommission)
	assert.Equal(t, types.CommissionUnresolved, got.Commission)
}

func TestUnresolvedQueries(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	asset := ledgertest.SeedAsset(t, s, "BTCUSDT", 100)
	pos := ledgertest.SeedLivePosition(t, s, asset, btcBracket())

	refs, err := s.UnresolvedOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs, "pending orders are not swept")

	require.NoError(t, s.ApplyFill(ctx, ledger.Fill{
		PositionID: pos.ID, OrderID: "1003", Kind: types.OrderStopLoss,
		FillPrice: 99, PnL: -1, ExitTime: time.Now(), SiblingCanceled: true,
	}))

	refs, err = s.UnresolvedOrders(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "BTCUSDT", refs[0].Symbol)

	entries, err := s.UnresolvedEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	closed, err := s.UnresolvedClosedPositions(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Len(t, closed[0].Orders, 2)
}

func TestBalanceRecordsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.NewStore(t)
	now := time.Now()
	require.NoError(t, s.AppendBalanceRecord(ctx, &types.BalanceRecord{TotalBalance: 100, RecordedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.AppendBalanceRecord(ctx, &types.BalanceRecord{TotalBalance: 110, RecordedAt: now}))

	recs, err := s.LatestBalanceRecords(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 110.0, recs[0].TotalBalance)
	assert.Equal(t, 100.0, recs[1].TotalBalance)
}
