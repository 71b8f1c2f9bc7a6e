// Package exchange defines the exchange capability the engine trades through
// and its implementations: Binance USDⓈ-M futures and an in-process
// simulated exchange.
package exchange

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ksred/bracketd/internal/types"
)

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeStop       OrderType = "STOP_MARKET"
)

// Exchange order statuses the engine reacts to.
const (
	StatusNew      = "NEW"
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
)

// EventOrderTradeUpdate is the only stream event type the reconciler consumes.
const EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"

var ErrOrderNotFound = errors.New("order not found on exchange")

// OrderRequest is a single order placement. Bracket legs set StopPrice and
// ClosePosition; market orders set Quantity.
type OrderRequest struct {
	Symbol            string
	Side              types.Side
	Type              OrderType
	Quantity          float64
	QuantityPrecision int
	StopPrice         float64
	PricePrecision    int
	ClosePosition     bool
	ReduceOnly        bool
}

type PlacedOrder struct {
	OrderID  string
	Status   string
	AvgPrice float64
}

type OrderInfo struct {
	OrderID  string
	Symbol   string
	Status   string
	AvgPrice float64
}

type Trade struct {
	OrderID    string
	Symbol     string
	Quantity   float64
	Commission float64
	Time       time.Time
}

type Balance struct {
	Total         float64
	Available     float64
	UnrealizedPnL float64
}

// FillEvent is an order status update delivered by a stream or synthesized by
// the paper poller.
type FillEvent struct {
	EventType     string
	OrderID       string
	Symbol        string
	Status        string
	LastFillPrice float64
}

// Client is the request/response side of an exchange. Every call is expected
// to honour the context deadline.
type Client interface {
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error)
	TradeHistory(ctx context.Context, symbols []string) ([]Trade, error)
	Prices(ctx context.Context) (map[string]float64, error)
	AccountBalance(ctx context.Context) (*Balance, error)
}

// Stream delivers fill events. Run blocks until the subscription ends or ctx
// is done; onConnect is called once the subscription is live.
type Stream interface {
	Run(ctx context.Context, onConnect func(), out chan<- FillEvent) error
}

func formatFloat(v float64, precision int) string {
	if precision < 0 {
		precision = -1
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
