package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/bracketd/internal/config"
	"github.com/ksred/bracketd/internal/exchange"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/metrics"
	"github.com/ksred/bracketd/internal/notifier"
	"github.com/ksred/bracketd/internal/types"
	"github.com/ksred/bracketd/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service opens live positions: leverage, market entry, then the take-profit
// and stop-loss legs. A partially placed bracket is unwound.
type Service struct {
	store    *ledger.Store
	db       *Database
	exchange exchange.Client
	notifier notifier.Notifier
	cfg      config.TradingConfig
	timeout  time.Duration
	logger   zerolog.Logger

	// inflight counts opens holding a position slot that are not stored yet.
	slotsMu  sync.Mutex
	inflight int
}

func NewService(store *ledger.Store, client exchange.Client, n notifier.Notifier, cfg config.TradingConfig, timeout time.Duration) *Service {
	return &Service{
		store:    store,
		db:       NewDatabase(store.DB()),
		exchange: client,
		notifier: n,
		cfg:      cfg,
		timeout:  timeout,
		logger:   log.With().Str("component", "opener").Logger(),
	}
}

// Open places a bracketed position. A non-empty idempotencyKey makes retries
// of the same request return the position opened by the first one.
func (s *Service) Open(ctx context.Context, req OpenRequest, idempotencyKey string) (*types.Position, error) {
	req.normalize()
	if err := req.validate(); err != nil {
		return nil, s.fail(ctx, s.logger, openError(ErrValidation, err.Error(), nil), "")
	}

	if idempotencyKey != "" {
		held, err := s.db.ReserveIdempotencyKey(ctx, idempotencyKey, s.cfg.IdempotencyTTL)
		if err != nil {
			return nil, openError(ErrInternal, "failed to reserve idempotency key", err)
		}
		if held != nil {
			if held.ResourceID == "" {
				return nil, s.fail(ctx, s.logger, openError(ErrValidation, errKeyInFlight.Error(), nil), "")
			}
			return s.store.GetPosition(ctx, held.ResourceID)
		}
	}

	pos, err := s.open(ctx, req, idempotencyKey)
	if err != nil && idempotencyKey != "" {
		if relErr := s.db.ReleaseIdempotencyKey(context.WithoutCancel(ctx), idempotencyKey); relErr != nil {
			s.logger.Warn().Err(relErr).Str("idempotency_key", idempotencyKey).Msg("failed to release idempotency key")
		}
	}
	return pos, err
}

func (s *Service) open(ctx context.Context, req OpenRequest, key string) (*types.Position, error) {
	logger := s.logger.With().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("quantity", req.Quantity).
		Logger()

	asset, err := s.store.GetAsset(ctx, req.Symbol)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, s.fail(ctx, logger, openError(ErrAssetNotFound, fmt.Sprintf("asset %s not found or disabled", req.Symbol), nil), "")
	}
	if err != nil {
		return nil, s.fail(ctx, logger, openError(ErrInternal, "failed to load asset", err), "")
	}

	release, err := s.reserveSlot(ctx)
	if errors.Is(err, ledger.ErrPositionLimit) {
		return nil, s.fail(ctx, logger, openError(ErrMarginOrPositionLimitExceeded,
			fmt.Sprintf("max open positions reached (%d)", s.cfg.MaxOpenPositions), nil), "")
	}
	if err != nil {
		return nil, s.fail(ctx, logger, openError(ErrInternal, "failed to count open positions", err), "")
	}
	defer release()

	if req.Leverage != asset.Leverage {
		if err := s.changeLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return nil, s.fail(ctx, logger, openError(ErrLeverageChangeFailed,
				fmt.Sprintf("failed to change leverage from %d to %d", asset.Leverage, req.Leverage), err), "")
		}
		if err := s.store.SetAssetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			logger.Warn().Err(err).Msg("failed to record asset leverage")
		}
	}

	entry, err := s.place(ctx, exchange.OrderRequest{
		Symbol:            req.Symbol,
		Side:              req.Side,
		Type:              exchange.OrderTypeMarket,
		Quantity:          req.Quantity,
		QuantityPrecision: asset.QuantityPrecision,
	})
	if err != nil {
		return nil, s.fail(ctx, logger, openError(ErrEntryOrderFailed, "entry order rejected", err), "")
	}
	logger = logger.With().Str("order_id", entry.OrderID).Logger()
	placed := []Leg{{Kind: LegEntry, OrderID: entry.OrderID}}

	entryPrice := s.entryPrice(ctx, req.Symbol, entry, asset.LastPrice)
	if entryPrice <= 0 {
		return nil, s.unwind(ctx, logger, asset, req, placed, ErrBracketPlacementFailed, errors.New("entry price unknown"))
	}
	placed[0].Price = entryPrice
	tp, sl := BracketPrices(req.Side, entryPrice, req.TakeProfitPct, req.StopLossPct, int32(asset.PricePrecision))

	legs := []struct {
		kind      types.OrderKind
		orderType exchange.OrderType
		price     float64
	}{
		{types.OrderTakeProfit, exchange.OrderTypeTakeProfit, tp},
		{types.OrderStopLoss, exchange.OrderTypeStop, sl},
	}
	orders := make([]types.Order, 0, len(legs))
	for _, leg := range legs {
		o, err := s.place(ctx, exchange.OrderRequest{
			Symbol:         req.Symbol,
			Side:           req.Side.Opposite(),
			Type:           leg.orderType,
			StopPrice:      leg.price,
			PricePrecision: asset.PricePrecision,
			ClosePosition:  true,
		})
		if err != nil {
			return nil, s.unwind(ctx, logger, asset, req, placed, ErrBracketPlacementFailed, fmt.Errorf("%s leg: %w", leg.kind, err))
		}
		placed = append(placed, Leg{Kind: string(leg.kind), OrderID: o.OrderID, Price: leg.price})
		orders = append(orders, types.Order{
			OrderID:    o.OrderID,
			Kind:       leg.kind,
			Price:      leg.price,
			Status:     types.OrderPending,
			Commission: types.CommissionUnresolved,
		})
	}

	now := time.Now()
	pos := &types.Position{
		OrderID:         entry.OrderID,
		AssetID:         asset.ID,
		Asset:           *asset,
		Venue:           types.VenueLive,
		Side:            req.Side,
		Quantity:        req.Quantity,
		EntryPrice:      entryPrice,
		EntryTime:       &now,
		TakeProfit:      tp,
		StopLoss:        sl,
		Leverage:        req.Leverage,
		Status:          types.PositionOpen,
		Commission:      types.CommissionUnresolved,
		EntryCommission: types.CommissionUnresolved,
		StrategyTag:     req.StrategyTag,
		Orders:          orders,
	}
	err = s.db.CreatePositionWithIdempotency(ctx, pos, key, s.cfg.MaxOpenPositions)
	if errors.Is(err, ledger.ErrPositionLimit) {
		return nil, s.unwind(ctx, logger, asset, req, placed, ErrMarginOrPositionLimitExceeded, err)
	}
	if err != nil {
		return nil, s.fail(ctx, logger, &OpenError{
			Kind:    ErrInternal,
			Message: "bracket placed but the position could not be stored",
			Placed:  placed,
			Err:     err,
		}, fmt.Sprintf("⚠️ Manual check required: %s %s bracket is live on the exchange (entry %s) but was not stored: %v",
			req.Symbol, req.Side, entry.OrderID, err))
	}

	metrics.PositionsOpened.WithLabelValues(string(types.VenueLive), "opened").Inc()
	logger.Info().
		Float64("entry_price", entryPrice).
		Float64("take_profit", tp).
		Float64("stop_loss", sl).
		Msg("position opened")

	ref := s.notifier.Notify(ctx, fmt.Sprintf("📈 %s %s x%g opened at %g\nLeverage: %dx\nTP: %g\nSL: %g%s",
		req.Symbol, req.Side, req.Quantity, entryPrice, req.Leverage, tp, sl, tagSuffix(req.StrategyTag)), 0)
	if ref != 0 {
		if err := s.store.SetNotificationRef(ctx, pos.ID, ref); err != nil {
			logger.Warn().Err(err).Msg("failed to store notification reference")
		}
		pos.NotificationRef = ref
	}
	return pos, nil
}

// reserveSlot claims a live position slot before any order is placed. Opens
// still in flight count against the limit together with stored positions.
func (s *Service) reserveSlot(ctx context.Context) (func(), error) {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	active, err := s.store.CountActivePositions(ctx, types.VenueLive)
	if err != nil {
		return nil, err
	}
	if active+int64(s.inflight) >= int64(s.cfg.MaxOpenPositions) {
		return nil, ledger.ErrPositionLimit
	}
	s.inflight++
	return func() {
		s.slotsMu.Lock()
		s.inflight--
		s.slotsMu.Unlock()
	}, nil
}

func (s *Service) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) changeLeverage(ctx context.Context, symbol string, leverage int) error {
	ctx, cancel := s.call(ctx)
	defer cancel()
	return s.exchange.ChangeLeverage(ctx, symbol, leverage)
}

func (s *Service) place(ctx context.Context, req exchange.OrderRequest) (*exchange.PlacedOrder, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	return s.exchange.PlaceOrder(ctx, req)
}

// entryPrice is the realized average fill price of the entry order, falling
// back to an order lookup and then to the last known price.
func (s *Service) entryPrice(ctx context.Context, symbol string, entry *exchange.PlacedOrder, last float64) float64 {
	if entry.AvgPrice > 0 {
		return entry.AvgPrice
	}
	callCtx, cancel := s.call(ctx)
	defer cancel()
	info, err := s.exchange.GetOrder(callCtx, symbol, entry.OrderID)
	if err == nil && info.AvgPrice > 0 {
		return info.AvgPrice
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("order_id", entry.OrderID).Msg("entry order lookup failed")
	}
	return last
}

// unwind flattens the entry with a reduce-only market order and cancels every
// bracket leg that was placed. It reports the outcome in a single alert and
// fails the open with kind.
func (s *Service) unwind(ctx context.Context, logger zerolog.Logger, asset *types.Asset, req OpenRequest, placed []Leg, kind ErrorKind, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var failures []string

	if _, err := s.place(ctx, exchange.OrderRequest{
		Symbol:            req.Symbol,
		Side:              req.Side.Opposite(),
		Type:              exchange.OrderTypeMarket,
		Quantity:          req.Quantity,
		QuantityPrecision: asset.QuantityPrecision,
		ReduceOnly:        true,
	}); err != nil {
		failures = append(failures, fmt.Sprintf("market close failed: %v", err))
	}
	for _, leg := range placed {
		if leg.Kind == LegEntry {
			continue
		}
		callCtx, cancel := s.call(ctx)
		err := s.exchange.CancelOrder(callCtx, req.Symbol, leg.OrderID)
		cancel()
		if err != nil {
			failures = append(failures, fmt.Sprintf("cancel %s %s failed: %v", leg.Kind, leg.OrderID, err))
		}
	}

	reason := "bracket placement failed"
	if kind == ErrMarginOrPositionLimitExceeded {
		reason = "position limit reached before the position was stored"
	}
	text := fmt.Sprintf("⚠️ Unwind %s %s x%g: %s (%v).", req.Symbol, req.Side, req.Quantity, reason, cause)
	if len(failures) == 0 {
		text += " Entry closed and placed legs canceled."
	} else {
		logger.Error().Strs("failures", failures).Msg("unwind incomplete")
		text += " Manual intervention required: " + strings.Join(failures, "; ")
	}
	return s.fail(ctx, logger, &OpenError{
		Kind:    kind,
		Message: reason + ", unwind attempted",
		Placed:  placed,
		Err:     cause,
	}, text)
}

// fail logs, counts and announces a failed open. text overrides the default
// alert.
func (s *Service) fail(ctx context.Context, logger zerolog.Logger, e *OpenError, text string) error {
	logger.Warn().Err(e).Str("kind", string(e.Kind)).Msg("open failed")
	metrics.PositionsOpened.WithLabelValues(string(types.VenueLive), string(e.Kind)).Inc()
	switch {
	case text != "":
	case e.Kind == ErrValidation:
		text = fmt.Sprintf("🚫 Open rejected: %s", e.Message)
	default:
		text = fmt.Sprintf("❌ Open failed: %s", e.Error())
	}
	s.notifier.Notify(ctx, text, 0)
	return e
}

func tagSuffix(tag string) string {
	if tag == "" {
		return ""
	}
	return "\nStrategy: " + tag
}

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	service *Service
	store   *ledger.Store
}

func NewGinHandlers(service *Service, store *ledger.Store) *GinHandlers {
	return &GinHandlers{
		service: service,
		store:   store,
	}
}

// OpenPositionHandler handles POST requests to open live positions.
// The optional Idempotency-Key header makes retries safe.
func (h *GinHandlers) OpenPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OpenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pos, err := h.service.Open(c.Request.Context(), req, c.GetHeader("Idempotency-Key"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, pos)
	}
}

// GetPositionHandler returns a position of either venue by its order id.
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pos, err := h.store.GetPosition(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, pos, err)
	}
}

// ListPositionsHandler lists positions of a venue, optionally filtered by
// status. Query: venue (default LIVE), status (repeatable).
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		venue := types.Venue(strings.ToUpper(c.DefaultQuery("venue", string(types.VenueLive))))
		if venue != types.VenueLive && venue != types.VenuePaper {
			response.BadRequest(c, "venue must be LIVE or PAPER")
			return
		}
		var statuses []types.PositionStatus
		for _, st := range c.QueryArray("status") {
			statuses = append(statuses, types.PositionStatus(strings.ToUpper(st)))
		}
		positions, err := h.store.ListPositions(c.Request.Context(), venue, statuses...)
		response.Handle(c, positions, err)
	}
}

// ListAssetsHandler returns the enabled symbols.
func (h *GinHandlers) ListAssetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbols, err := h.store.ListEnabledSymbols(c.Request.Context())
		response.Handle(c, gin.H{"symbols": symbols}, err)
	}
}
