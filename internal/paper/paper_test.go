package paper

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ksred/bracketd/internal/exchange/exchangetest"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/ledger/ledgertest"
	"github.com/ksred/bracketd/internal/notifier/notifiertest"
	"github.com/ksred/bracketd/internal/reconciler"
	"github.com/ksred/bracketd/internal/trading"
	"github.com/ksred/bracketd/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *ledger.Store
	client   *exchangetest.Client
	notifier *notifiertest.Recorder
	service  *Service
	poller   *Poller
}

func newFixture(t *testing.T, maxOpen int) *fixture {
	store := ledgertest.NewStore(t)
	ledgertest.SeedAsset(t, store, "BTCUSDT", 100)
	ledgertest.SeedLedger(t, store, 10000, maxOpen)
	client := &exchangetest.Client{}
	n := &notifiertest.Recorder{}
	rec := reconciler.New(store, client, n, reconciler.Options{QueueSize: 4, RequestTimeout: time.Second, PaperCommission: 0.0005})
	return &fixture{
		store:    store,
		client:   client,
		notifier: n,
		service:  NewService(store, n),
		poller:   NewPoller(store, client, rec, n, time.Minute),
	}
}

func (f *fixture) available(t *testing.T) decimal.Decimal {
	acct, err := f.store.Ledger(context.Background())
	require.NoError(t, err)
	return acct.AvailableBalance
}

func longAt(entry float64) OpenRequest {
	return OpenRequest{Symbol: "btcusdt", Quantity: 5, Side: "buy", EntryPrice: entry, TakeProfitPct: 2, StopLossPct: 1}
}

func TestOpenAtLastPriceReservesMargin(t *testing.T) {
	f := newFixture(t, 3)

	pos, err := f.service.Open(context.Background(), longAt(0))
	require.NoError(t, err)

	assert.Equal(t, types.PositionOpen, pos.Status)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 102.0, pos.TakeProfit)
	assert.Equal(t, 99.0, pos.StopLoss)
	assert.NotNil(t, pos.EntryTime)
	assert.True(t, decimal.NewFromInt(500).Equal(pos.MarginBalance))
	assert.True(t, decimal.NewFromInt(9500).Equal(f.available(t)))

	stored, err := f.store.GetPosition(context.Background(), pos.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.VenuePaper, stored.Venue)
	assert.Regexp(t, `^paper-`, stored.OrderID)
	require.Len(t, stored.Orders, 2)
	assert.Regexp(t, `^paper-`, stored.Order(types.OrderTakeProfit).OrderID)
	assert.Equal(t, 1, f.notifier.Count("PAPER BTCUSDT BUY"))
	assert.Equal(t, int64(1), stored.NotificationRef)
}

func TestOpenWithAbsoluteBrackets(t *testing.T) {
	f := newFixture(t, 3)
	req := OpenRequest{Symbol: "BTCUSDT", Quantity: 1, Side: types.SideSell, TakeProfit: 95, StopLoss: 104}

	pos, err := f.service.Open(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 95.0, pos.TakeProfit)
	assert.Equal(t, 104.0, pos.StopLoss)
}

func TestOpenFailures(t *testing.T) {
	tests := []struct {
		name     string
		req      OpenRequest
		kind     trading.ErrorKind
		code     int
		notified int
	}{
		{
			name: "unknown asset",
			req:  OpenRequest{Symbol: "DOGEUSDT", Quantity: 1, Side: types.SideBuy, TakeProfitPct: 1, StopLossPct: 1},
			kind: trading.ErrAssetNotFound, code: http.StatusNotFound, notified: 1,
		},
		{
			name: "insufficient margin",
			req:  OpenRequest{Symbol: "BTCUSDT", Quantity: 200, Side: types.SideBuy, TakeProfitPct: 1, StopLossPct: 1},
			kind: trading.ErrMarginOrPositionLimitExceeded, code: http.StatusBadRequest, notified: 1,
		},
		{
			name: "brackets on the wrong side",
			req:  OpenRequest{Symbol: "BTCUSDT", Quantity: 1, Side: types.SideBuy, TakeProfit: 95, StopLoss: 104},
			kind: trading.ErrValidation, code: http.StatusBadRequest, notified: 1,
		},
		{
			name: "missing brackets",
			req:  OpenRequest{Symbol: "BTCUSDT", Quantity: 1, Side: types.SideBuy},
			kind: trading.ErrValidation, code: http.StatusBadRequest, notified: 1,
		},
		{
			name: "bad side",
			req:  OpenRequest{Symbol: "BTCUSDT", Quantity: 1, Side: "HOLD", TakeProfitPct: 1, StopLossPct: 1},
			kind: trading.ErrValidation, code: http.StatusBadRequest, notified: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)

			_, err := f.service.Open(context.Background(), tt.req)
			var openErr *trading.OpenError
			require.True(t, errors.As(err, &openErr))
			assert.Equal(t, tt.kind, openErr.Kind)
			assert.Equal(t, tt.code, openErr.Code())
			assert.Len(t, f.notifier.Messages(), tt.notified)

			active, err := f.store.CountActivePositions(context.Background(), types.VenuePaper)
			require.NoError(t, err)
			assert.Zero(t, active)
			assert.True(t, decimal.NewFromInt(10000).Equal(f.available(t)))
		})
	}
}

func TestOpenRespectsPositionLimit(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.service.Open(context.Background(), longAt(0))
	require.NoError(t, err)

	_, err = f.service.Open(context.Background(), longAt(0))
	var openErr *trading.OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, trading.ErrMarginOrPositionLimitExceeded, openErr.Kind)
	assert.ErrorIs(t, err, ledger.ErrPositionLimit)
	assert.True(t, decimal.NewFromInt(9500).Equal(f.available(t)))
}

func TestPollerEntersThenStopsOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	req := longAt(100)
	req.Quantity = 1
	require.NoError(t, f.store.UpdateLastPrices(ctx, map[string]float64{"BTCUSDT": 101}, time.Now()))

	pos, err := f.service.Open(ctx, req)
	require.NoError(t, err)
	require.Equal(t, types.PositionPending, pos.Status)

	f.client.On("Prices", mock.Anything).Return(map[string]float64{"BTCUSDT": 100.5}, nil).Once()
	res, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassResult{}, res)

	f.client.On("Prices", mock.Anything).Return(map[string]float64{"BTCUSDT": 99.8}, nil).Once()
	res, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entered)
	assert.Equal(t, 1, f.notifier.Count("entry filled"))

	f.client.On("Prices", mock.Anything).Return(map[string]float64{"BTCUSDT": 98.9}, nil).Once()
	res, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exited)

	closed, err := f.store.GetPosition(ctx, pos.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionClosed, closed.Status)
	require.NotNil(t, closed.ExitPrice)
	assert.Equal(t, 99.0, *closed.ExitPrice)
	assert.Equal(t, -1.0, closed.PnL)
	assert.Equal(t, types.OrderFilled, closed.Order(types.OrderStopLoss).Status)
	assert.Equal(t, types.OrderCanceled, closed.Order(types.OrderTakeProfit).Status)

	acct, err := f.store.Ledger(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9998.9", acct.Balance.String())
	assert.Equal(t, "9998.9", acct.AvailableBalance.String())

	asset, err := f.store.GetAsset(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 98.9, asset.LastPrice)
	f.client.AssertExpectations(t)
}

func TestPollWithoutPositionsSkipsPriceFetch(t *testing.T) {
	f := newFixture(t, 3)

	res, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassResult{}, res)
	f.client.AssertNotCalled(t, "Prices", mock.Anything)
}

func TestPollSkipsWhilePreviousPassRuns(t *testing.T) {
	f := newFixture(t, 3)
	f.poller.mu.Lock()
	defer f.poller.mu.Unlock()

	res, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestPollPriceFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	pos, err := f.service.Open(ctx, longAt(0))
	require.NoError(t, err)
	f.client.On("Prices", mock.Anything).Return(nil, errors.New("timeout")).Once()

	_, err = f.poller.Poll(ctx)
	assert.Error(t, err)

	stored, err := f.store.GetPosition(ctx, pos.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionOpen, stored.Status)
}

func TestExitTriggered(t *testing.T) {
	tests := []struct {
		name  string
		side  types.Side
		price float64
		kind  types.OrderKind
		hit   bool
	}{
		{"long inside", types.SideBuy, 100, "", false},
		{"long take profit", types.SideBuy, 102, types.OrderTakeProfit, true},
		{"long stop loss", types.SideBuy, 99, types.OrderStopLoss, true},
		{"short inside", types.SideSell, 100, "", false},
		{"short take profit", types.SideSell, 98, types.OrderTakeProfit, true},
		{"short stop loss", types.SideSell, 101, types.OrderStopLoss, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, sl := 102.0, 99.0
			if tt.side == types.SideSell {
				tp, sl = 98.0, 101.0
			}
			kind, hit := ExitTriggered(tt.side, tp, sl, tt.price)
			assert.Equal(t, tt.hit, hit)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestExitTriggeredPrefersStopLoss(t *testing.T) {
	// Degenerate bracket where one price crosses both legs.
	kind, hit := ExitTriggered(types.SideBuy, 100, 100, 100)
	assert.True(t, hit)
	assert.Equal(t, types.OrderStopLoss, kind)
}

func TestEntryTriggered(t *testing.T) {
	assert.True(t, EntryTriggered(types.SideBuy, 100, 99.5))
	assert.True(t, EntryTriggered(types.SideBuy, 100, 100))
	assert.False(t, EntryTriggered(types.SideBuy, 100, 100.5))
	assert.True(t, EntryTriggered(types.SideSell, 100, 100.5))
	assert.False(t, EntryTriggered(types.SideSell, 100, 99.5))
}

func TestMargin(t *testing.T) {
	assert.Equal(t, "500", Margin(5, 100).String())
	assert.Equal(t, "0.1234", Margin(0.001, 123.4).String())
}

func TestLeverageDoesNotShrinkMargin(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.NewStore(t)
	ledgertest.SeedAsset(t, store, "BTCUSDT", 100)
	_, err := store.EnsureLedger(ctx, decimal.NewFromInt(1000), 3, decimal.NewFromInt(10))
	require.NoError(t, err)
	n := &notifiertest.Recorder{}
	svc := NewService(store, n)

	_, err = svc.Open(ctx, OpenRequest{Symbol: "BTCUSDT", Quantity: 50, Side: types.SideBuy, TakeProfitPct: 2, StopLossPct: 1})
	var openErr *trading.OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, trading.ErrMarginOrPositionLimitExceeded, openErr.Kind)
	assert.ErrorIs(t, err, ledger.ErrInsufficientMargin)

	pos, err := svc.Open(ctx, OpenRequest{Symbol: "BTCUSDT", Quantity: 5, Side: types.SideBuy, TakeProfitPct: 2, StopLossPct: 1})
	require.NoError(t, err)
	assert.Equal(t, 10, pos.Leverage)
	assert.True(t, decimal.NewFromInt(500).Equal(pos.MarginBalance))

	acct, err := store.Ledger(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(500).Equal(acct.AvailableBalance))
}
