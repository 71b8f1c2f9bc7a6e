// Package paper trades against the local margin ledger instead of an
// exchange. Fills come from polling prices.
package paper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/metrics"
	"github.com/ksred/bracketd/internal/notifier"
	"github.com/ksred/bracketd/internal/trading"
	"github.com/ksred/bracketd/internal/types"
	"github.com/ksred/bracketd/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// OpenRequest opens a paper position. Without EntryPrice the position opens
// at the asset's last price; with it the position waits for the price to
// reach EntryPrice. Brackets are absolute prices or percentages of entry.
type OpenRequest struct {
	Symbol        string     `json:"symbol" binding:"required"`
	Quantity      float64    `json:"quantity" binding:"required"`
	Side          types.Side `json:"side" binding:"required"`
	EntryPrice    float64    `json:"entry_price"`
	TakeProfit    float64    `json:"tp"`
	StopLoss      float64    `json:"sl"`
	TakeProfitPct float64    `json:"tp_pct"`
	StopLossPct   float64    `json:"sl_pct"`
	StrategyTag   string     `json:"strategy_tag"`
}

type Service struct {
	store    *ledger.Store
	notifier notifier.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(store *ledger.Store, n notifier.Notifier) *Service {
	return &Service{
		store:    store,
		notifier: n,
		logger:   log.With().Str("component", "paper_opener").Logger(),
		now:      time.Now,
	}
}

func newID() string {
	return "paper-" + uuid.NewString()
}

func validationError(format string, args ...interface{}) *trading.OpenError {
	return &trading.OpenError{Kind: trading.ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Open reserves margin and stores the position with both bracket orders.
// Nothing is written when the margin or position limit check fails.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*types.Position, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = types.Side(strings.ToUpper(string(req.Side)))
	logger := s.logger.With().Str("symbol", req.Symbol).Str("side", string(req.Side)).Logger()
	if req.Symbol == "" || req.Quantity <= 0 || !req.Side.Valid() || req.EntryPrice < 0 {
		return nil, s.fail(ctx, logger, validationError("symbol, positive quantity and side BUY or SELL are required"))
	}

	asset, err := s.store.GetAsset(ctx, req.Symbol)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, s.fail(ctx, logger, &trading.OpenError{Kind: trading.ErrAssetNotFound, Message: fmt.Sprintf("asset %s not found or disabled", req.Symbol)})
	}
	if err != nil {
		return nil, s.fail(ctx, logger, &trading.OpenError{Kind: trading.ErrInternal, Message: "failed to load asset", Err: err})
	}

	status := types.PositionPending
	entry := req.EntryPrice
	if entry == 0 {
		entry = asset.LastPrice
		status = types.PositionOpen
	}
	if entry <= 0 {
		return nil, s.fail(ctx, logger, validationError("no price known for %s", req.Symbol))
	}

	tp, sl, err := brackets(req, entry, int32(asset.PricePrecision))
	if err != nil {
		return nil, s.fail(ctx, logger, validationError("%v", err))
	}

	acct, err := s.store.Ledger(ctx)
	if err != nil {
		return nil, s.fail(ctx, logger, &trading.OpenError{Kind: trading.ErrInternal, Message: "margin ledger unavailable", Err: err})
	}
	margin := Margin(req.Quantity, entry)

	pos := &types.Position{
		OrderID:         newID(),
		AssetID:         asset.ID,
		Asset:           *asset,
		Venue:           types.VenuePaper,
		Side:            req.Side,
		Quantity:        req.Quantity,
		EntryPrice:      entry,
		TakeProfit:      tp,
		StopLoss:        sl,
		Leverage:        int(acct.Leverage.IntPart()),
		Status:          status,
		Commission:      types.CommissionUnresolved,
		EntryCommission: types.CommissionUnresolved,
		StrategyTag:     req.StrategyTag,
		Orders: []types.Order{
			{OrderID: newID(), Kind: types.OrderTakeProfit, Price: tp, Status: types.OrderPending, Commission: types.CommissionUnresolved},
			{OrderID: newID(), Kind: types.OrderStopLoss, Price: sl, Status: types.OrderPending, Commission: types.CommissionUnresolved},
		},
	}
	if status == types.PositionOpen {
		now := s.now()
		pos.EntryTime = &now
	}

	if err := s.store.OpenPaperPosition(ctx, pos, margin); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientMargin):
			return nil, s.fail(ctx, logger, &trading.OpenError{Kind: trading.ErrMarginOrPositionLimitExceeded,
				Message: fmt.Sprintf("margin %s exceeds available balance", margin.StringFixed(2)), Err: err})
		case errors.Is(err, ledger.ErrPositionLimit):
			return nil, s.fail(ctx, logger, &trading.OpenError{Kind: trading.ErrMarginOrPositionLimitExceeded,
				Message: fmt.Sprintf("max open positions reached (%d)", acct.MaxOpenPositions), Err: err})
		}
		return nil, s.fail(ctx, logger, &trading.OpenError{Kind: trading.ErrInternal, Message: "failed to store position", Err: err})
	}

	metrics.PositionsOpened.WithLabelValues(string(types.VenuePaper), "opened").Inc()
	logger.Info().
		Str("order_id", pos.OrderID).
		Str("status", string(status)).
		Float64("entry_price", entry).
		Str("margin", margin.String()).
		Msg("paper position created")

	verb := "opened at"
	if status == types.PositionPending {
		verb = "waiting for entry at"
	}
	ref := s.notifier.Notify(ctx, fmt.Sprintf("🧪 PAPER %s %s x%g %s %g\nTP: %g\nSL: %g\nMargin: %s",
		req.Symbol, req.Side, req.Quantity, verb, entry, tp, sl, margin.StringFixed(2)), 0)
	if ref != 0 {
		if err := s.store.SetNotificationRef(ctx, pos.ID, ref); err != nil {
			logger.Warn().Err(err).Msg("failed to store notification reference")
		}
		pos.NotificationRef = ref
	}
	return pos, nil
}

func (s *Service) fail(ctx context.Context, logger zerolog.Logger, e *trading.OpenError) error {
	logger.Warn().Err(e).Msg("paper open failed")
	metrics.PositionsOpened.WithLabelValues(string(types.VenuePaper), string(e.Kind)).Inc()
	if e.Kind == trading.ErrValidation {
		s.notifier.Notify(ctx, fmt.Sprintf("🚫 Paper open rejected: %s", e.Message), 0)
		return e
	}
	s.notifier.Notify(ctx, fmt.Sprintf("❌ Paper open failed: %s", e.Error()), 0)
	return e
}

// Margin is the balance reserved for a position: its full notional. The
// ledger leverage is recorded on the position but never shrinks the reserve.
func Margin(quantity, entry float64) decimal.Decimal {
	return decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(entry)).Round(8)
}

func brackets(req OpenRequest, entry float64, precision int32) (tp, sl float64, err error) {
	tp, sl = req.TakeProfit, req.StopLoss
	if tp == 0 || sl == 0 {
		if req.TakeProfitPct <= 0 || req.StopLossPct <= 0 || req.StopLossPct >= 100 {
			return 0, 0, errors.New("either tp and sl or positive tp_pct and sl_pct are required")
		}
		pctTP, pctSL := trading.BracketPrices(req.Side, entry, req.TakeProfitPct, req.StopLossPct, precision)
		if tp == 0 {
			tp = pctTP
		}
		if sl == 0 {
			sl = pctSL
		}
	}
	if req.Side == types.SideBuy && !(sl < entry && entry < tp) {
		return 0, 0, fmt.Errorf("buy brackets must satisfy sl < entry < tp (sl=%g entry=%g tp=%g)", sl, entry, tp)
	}
	if req.Side == types.SideSell && !(tp < entry && entry < sl) {
		return 0, 0, fmt.Errorf("sell brackets must satisfy tp < entry < sl (tp=%g entry=%g sl=%g)", tp, entry, sl)
	}
	return tp, sl, nil
}

// GinHandlers contains HTTP handlers for paper trading endpoints
type GinHandlers struct {
	service *Service
	store   *ledger.Store
}

func NewGinHandlers(service *Service, store *ledger.Store) *GinHandlers {
	return &GinHandlers{service: service, store: store}
}

// OpenPositionHandler handles POST requests to open paper positions.
func (h *GinHandlers) OpenPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OpenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		pos, err := h.service.Open(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, pos)
	}
}

// LedgerHandler returns the margin ledger with the number of active positions.
func (h *GinHandlers) LedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, err := h.store.Ledger(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		active, err := h.store.CountActivePositions(c.Request.Context(), types.VenuePaper)
		response.Handle(c, gin.H{"ledger": acct, "active_positions": active}, err)
	}
}
