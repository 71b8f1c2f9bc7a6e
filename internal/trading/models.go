package trading

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ksred/bracketd/internal/types"
)

// OpenRequest opens a leveraged position with a take-profit/stop-loss
// bracket. Percentages are relative to the realized entry price.
type OpenRequest struct {
	Symbol        string     `json:"symbol" binding:"required"`
	Quantity      float64    `json:"quantity" binding:"required"`
	Side          types.Side `json:"side" binding:"required"`
	Leverage      int        `json:"leverage"`
	TakeProfitPct float64    `json:"tp_pct" binding:"required"`
	StopLossPct   float64    `json:"sl_pct" binding:"required"`
	StrategyTag   string     `json:"strategy_tag"`
}

func (r *OpenRequest) normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = types.Side(strings.ToUpper(string(r.Side)))
	if r.Leverage == 0 {
		r.Leverage = 1
	}
}

func (r OpenRequest) validate() error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("symbol is required")
	case r.Quantity <= 0:
		return fmt.Errorf("quantity must be positive")
	case !r.Side.Valid():
		return fmt.Errorf("side must be BUY or SELL")
	case r.Leverage < 1 || r.Leverage > 125:
		return fmt.Errorf("leverage must be between 1 and 125")
	case r.TakeProfitPct <= 0 || r.StopLossPct <= 0:
		return fmt.Errorf("tp_pct and sl_pct must be positive")
	case r.StopLossPct >= 100:
		return fmt.Errorf("sl_pct must be below 100")
	}
	return nil
}

type ErrorKind string

const (
	ErrAssetNotFound                 ErrorKind = "ASSET_NOT_FOUND"
	ErrLeverageChangeFailed          ErrorKind = "LEVERAGE_CHANGE_FAILED"
	ErrEntryOrderFailed              ErrorKind = "ENTRY_ORDER_FAILED"
	ErrBracketPlacementFailed        ErrorKind = "BRACKET_PLACEMENT_FAILED"
	ErrMarginOrPositionLimitExceeded ErrorKind = "MARGIN_OR_POSITION_LIMIT_EXCEEDED"
	ErrValidation                    ErrorKind = "VALIDATION_FAILED"
	ErrInternal                      ErrorKind = "INTERNAL_ERROR"
)

// Leg is an order that reached the exchange during an open.
type Leg struct {
	Kind    string  `json:"kind"`
	OrderID string  `json:"order_id"`
	Price   float64 `json:"price,omitempty"`
}

const LegEntry = "ENTRY"

// OpenError is returned by every failed open. Placed lists the legs that did
// reach the exchange, which is only non-empty for bracket failures.
type OpenError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Placed  []Leg     `json:"placed,omitempty"`
	Err     error     `json:"-"`
}

func (e *OpenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Code is the HTTP status reported to callers.
func (e *OpenError) Code() int {
	switch e.Kind {
	case ErrAssetNotFound:
		return http.StatusNotFound
	case ErrBracketPlacementFailed:
		return http.StatusUnauthorized
	case ErrMarginOrPositionLimitExceeded, ErrValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func openError(kind ErrorKind, msg string, err error) *OpenError {
	return &OpenError{Kind: kind, Message: msg, Err: err}
}

func (e *OpenError) ErrorCode() string {
	return string(e.Kind)
}

func (e *OpenError) ErrorMessage() string {
	if e.Err != nil && e.Kind != ErrInternal {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *OpenError) ErrorDetails() interface{} {
	if len(e.Placed) == 0 {
		return nil
	}
	return map[string]interface{}{"placed": e.Placed}
}
