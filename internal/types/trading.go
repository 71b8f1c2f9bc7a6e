package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type PositionStatus string

const (
	PositionPending PositionStatus = "PENDING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosed  PositionStatus = "CLOSED"
)

type OrderKind string

const (
	OrderTakeProfit OrderKind = "TAKE_PROFIT"
	OrderStopLoss   OrderKind = "STOP_LOSS"
)

// Sibling returns the other leg of the bracket.
func (k OrderKind) Sibling() OrderKind {
	if k == OrderTakeProfit {
		return OrderStopLoss
	}
	return OrderTakeProfit
}

type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
)

// Final reports whether the order can no longer transition.
func (s OrderStatus) Final() bool {
	return s == OrderFilled || s == OrderCanceled
}

type Venue string

const (
	VenueLive  Venue = "LIVE"
	VenuePaper Venue = "PAPER"
)

// Commission sentinels. A commission equal to CommissionUnresolved has not
// been looked up yet; CommissionNoData means the lookup ran and found nothing.
const (
	CommissionUnresolved = -1.0
	CommissionNoData     = -0.1
)

// CommissionResolved reports whether c holds a real commission amount.
func CommissionResolved(c float64) bool {
	return c >= 0
}

type Asset struct {
	gorm.Model        `json:"-"`
	Symbol            string     `gorm:"uniqueIndex;size:20" json:"symbol"`
	Enabled           bool       `json:"enabled"`
	Leverage          int        `gorm:"default:1" json:"leverage"`
	PricePrecision    int        `json:"price_precision"`
	QuantityPrecision int        `json:"quantity_precision"`
	LastPrice         float64    `json:"last_price"`
	LastPriceAt       *time.Time `json:"last_price_at,omitempty"`
}

type Position struct {
	gorm.Model      `json:"-"`
	OrderID         string          `gorm:"uniqueIndex;size:64" json:"order_id"`
	AssetID         uint            `gorm:"index" json:"-"`
	Asset           Asset           `json:"asset"`
	Venue           Venue           `gorm:"size:8;index" json:"venue"`
	Side            Side            `gorm:"size:4" json:"side"`
	Quantity        float64         `json:"quantity"`
	EntryPrice      float64         `json:"entry_price"`
	EntryTime       *time.Time      `json:"entry_time,omitempty"`
	ExitPrice       *float64        `json:"exit_price,omitempty"`
	ExitTime        *time.Time      `json:"exit_time,omitempty"`
	TakeProfit      float64         `json:"take_profit"`
	StopLoss        float64         `json:"stop_loss"`
	Leverage        int             `json:"leverage"`
	MarginBalance   decimal.Decimal `gorm:"type:numeric" json:"margin_balance"`
	Status          PositionStatus  `gorm:"size:8;index" json:"status"`
	PnL             float64         `gorm:"column:pnl" json:"pnl"`
	Commission      float64         `gorm:"default:-1" json:"commission"`
	EntryCommission float64         `gorm:"default:-1" json:"entry_commission"`
	StrategyTag     string          `gorm:"size:64" json:"strategy_tag,omitempty"`
	NotificationRef int64           `json:"notification_ref,omitempty"`
	Orders          []Order         `json:"orders,omitempty"`
}

// Order returns the bracket leg of the given kind, or nil.
func (p *Position) Order(kind OrderKind) *Order {
	for i := range p.Orders {
		if p.Orders[i].Kind == kind {
			return &p.Orders[i]
		}
	}
	return nil
}

type Order struct {
	gorm.Model `json:"-"`
	OrderID    string      `gorm:"uniqueIndex;size:64" json:"order_id"`
	PositionID uint        `gorm:"index" json:"-"`
	Kind       OrderKind   `gorm:"size:12" json:"kind"`
	Price      float64     `json:"price"`
	FillPrice  *float64    `json:"fill_price,omitempty"`
	Status     OrderStatus `gorm:"size:8;index" json:"status"`
	Commission float64     `gorm:"default:-1" json:"commission"`
}

// BalanceRecord is an append-only account snapshot.
type BalanceRecord struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	TotalBalance           float64   `json:"total_balance"`
	TradeBalance           float64   `json:"trade_balance"`
	UnrealizedPnL          float64   `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	UnrealizedTradeBalance float64   `json:"unrealized_trade_balance"`
	RecordedAt             time.Time `gorm:"index" json:"recorded_at"`
}

// LedgerAccount is the margin ledger row for paper trading. There is exactly
// one row; it is only ever changed with atomic increments.
type LedgerAccount struct {
	gorm.Model       `json:"-"`
	Balance          decimal.Decimal `gorm:"type:numeric" json:"balance"`
	AvailableBalance decimal.Decimal `gorm:"type:numeric" json:"available_balance"`
	MaxOpenPositions int             `json:"max_open_positions"`
	Leverage         decimal.Decimal `gorm:"type:numeric" json:"leverage"`
}

// IdempotencyRecord maps a client supplied Idempotency-Key to the position it
// opened.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
