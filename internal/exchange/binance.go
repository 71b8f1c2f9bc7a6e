package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/ksred/bracketd/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Binance implements Client against Binance USDⓈ-M futures.
type Binance struct {
	client  *futures.Client
	timeout time.Duration
	quote   string
	logger  zerolog.Logger
}

func NewBinance(cfg config.ExchangeConfig) *Binance {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &Binance{
		client:  client,
		timeout: cfg.RequestTimeout,
		quote:   "USDT",
		logger:  log.With().Str("component", "binance").Logger(),
	}
}

func (b *Binance) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

func parseOrderID(orderID string) (int64, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid binance order id %q: %w", orderID, err)
	}
	return id, nil
}

func (b *Binance) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("change leverage %s to %d: %w", symbol, leverage, err)
	}
	b.logger.Info().Str("symbol", symbol).Int("leverage", res.Leverage).Msg("leverage changed")
	return nil
}

func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else {
		svc = svc.Quantity(formatFloat(req.Quantity, req.QuantityPrecision))
	}
	if req.StopPrice > 0 {
		svc = svc.StopPrice(formatFloat(req.StopPrice, req.PricePrecision))
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("place %s %s order on %s: %w", req.Side, req.Type, req.Symbol, err)
	}
	placed := &PlacedOrder{
		OrderID:  strconv.FormatInt(res.OrderID, 10),
		Status:   string(res.Status),
		AvgPrice: parseFloat(res.AvgPrice),
	}
	b.logger.Info().
		Str("symbol", req.Symbol).
		Str("order_id", placed.OrderID).
		Str("type", string(req.Type)).
		Str("status", placed.Status).
		Msg("order placed")
	return placed, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("cancel order %s on %s: %w", orderID, symbol, err)
	}
	return nil
}

func (b *Binance) GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get order %s on %s: %w", orderID, symbol, err)
	}
	return &OrderInfo{
		OrderID:  orderID,
		Symbol:   res.Symbol,
		Status:   string(res.Status),
		AvgPrice: parseFloat(res.AvgPrice),
	}, nil
}

// TradeHistory returns the account trades of every symbol. Binance scopes the
// endpoint per symbol, so this is one request per symbol.
func (b *Binance) TradeHistory(ctx context.Context, symbols []string) ([]Trade, error) {
	var trades []Trade
	for _, symbol := range symbols {
		reqCtx, cancel := b.withTimeout(ctx)
		res, err := b.client.NewListAccountTradeService().Symbol(symbol).Do(reqCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("list trades for %s: %w", symbol, err)
		}
		for _, t := range res {
			trades = append(trades, Trade{
				OrderID:    strconv.FormatInt(t.OrderID, 10),
				Symbol:     t.Symbol,
				Quantity:   parseFloat(t.Quantity),
				Commission: parseFloat(t.Commission),
				Time:       time.UnixMilli(t.Time),
			})
		}
	}
	return trades, nil
}

func (b *Binance) Prices(ctx context.Context) (map[string]float64, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	prices := make(map[string]float64, len(res))
	for _, p := range res {
		prices[p.Symbol] = parseFloat(p.Price)
	}
	return prices, nil
}

func (b *Binance) AccountBalance(ctx context.Context) (*Balance, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	for _, bal := range res {
		if bal.Asset != b.quote {
			continue
		}
		return &Balance{
			Total:         parseFloat(bal.Balance),
			Available:     parseFloat(bal.AvailableBalance),
			UnrealizedPnL: parseFloat(bal.CrossUnPnl),
		}, nil
	}
	return nil, fmt.Errorf("no %s balance on account", b.quote)
}
