// Package exchangetest provides a testify mock of exchange.Client.
package exchangetest

import (
	"context"

	"github.com/ksred/bracketd/internal/exchange"
	"github.com/stretchr/testify/mock"
)

type Client struct {
	mock.Mock
}

var _ exchange.Client = (*Client)(nil)

func (m *Client) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	args := m.Called(ctx, symbol, leverage)
	return args.Error(0)
}

func (m *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.PlacedOrder, error) {
	args := m.Called(ctx, req)
	placed, _ := args.Get(0).(*exchange.PlacedOrder)
	return placed, args.Error(1)
}

func (m *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	args := m.Called(ctx, symbol, orderID)
	return args.Error(0)
}

func (m *Client) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.OrderInfo, error) {
	args := m.Called(ctx, symbol, orderID)
	info, _ := args.Get(0).(*exchange.OrderInfo)
	return info, args.Error(1)
}

func (m *Client) TradeHistory(ctx context.Context, symbols []string) ([]exchange.Trade, error) {
	args := m.Called(ctx, symbols)
	trades, _ := args.Get(0).([]exchange.Trade)
	return trades, args.Error(1)
}

func (m *Client) Prices(ctx context.Context) (map[string]float64, error) {
	args := m.Called(ctx)
	prices, _ := args.Get(0).(map[string]float64)
	return prices, args.Error(1)
}

func (m *Client) AccountBalance(ctx context.Context) (*exchange.Balance, error) {
	args := m.Called(ctx)
	bal, _ := args.Get(0).(*exchange.Balance)
	return bal, args.Error(1)
}

// OfType matches an OrderRequest by order type.
func OfType(t exchange.OrderType) interface{} {
	return mock.MatchedBy(func(req exchange.OrderRequest) bool { return req.Type == t })
}
