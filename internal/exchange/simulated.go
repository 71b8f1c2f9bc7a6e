package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/bracketd/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Simulated is an in-process futures exchange. Market orders fill at the last
// price; bracket orders rest until SetPrice crosses their stop price, then
// fill and are pushed to stream subscribers.
type Simulated struct {
	ID         string
	MinLatency int // in milliseconds
	MaxLatency int
	FeeRate    float64 // fraction of notional

	mu        sync.Mutex
	cash      float64
	prices    map[string]float64
	leverage  map[string]int
	orders    map[string]*simOrder
	positions map[string]*simPosition
	trades    []Trade
	failures  map[string]error
	subs      map[chan<- FillEvent]struct{}
	logger    zerolog.Logger
}

type simOrder struct {
	req      OrderRequest
	id       string
	status   string
	avgPrice float64
}

type simPosition struct {
	qty   float64 // signed, negative for shorts
	entry float64
}

func NewSimulated(feeRate, startingCash float64) *Simulated {
	return &Simulated{
		ID:         "SIM",
		MinLatency: 5,
		MaxLatency: 30,
		FeeRate:    feeRate,
		cash:       startingCash,
		prices:     make(map[string]float64),
		leverage:   make(map[string]int),
		orders:     make(map[string]*simOrder),
		positions:  make(map[string]*simPosition),
		failures:   make(map[string]error),
		subs:       make(map[chan<- FillEvent]struct{}),
		logger:     log.With().Str("component", "simulated_exchange").Logger(),
	}
}

// FailNext makes the next call of op return err. Ops are the Client method
// names, plus "PlaceOrder:<type>" to target one order type.
func (s *Simulated) FailNext(op string, err error) {
	s.mu.Lock()
	s.failures[op] = err
	s.mu.Unlock()
}

func (s *Simulated) injected(ops ...string) error {
	for _, op := range ops {
		if err, ok := s.failures[op]; ok {
			delete(s.failures, op)
			return err
		}
	}
	return nil
}

func (s *Simulated) latency(ctx context.Context) error {
	if s.MaxLatency <= 0 {
		return ctx.Err()
	}
	ms := s.MinLatency
	if s.MaxLatency > s.MinLatency {
		ms += rand.Intn(s.MaxLatency - s.MinLatency + 1)
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulated) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := s.latency(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ChangeLeverage"); err != nil {
		return err
	}
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("leverage %d out of range", leverage)
	}
	s.leverage[symbol] = leverage
	return nil
}

func (s *Simulated) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	if err := s.latency(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("PlaceOrder:"+string(req.Type), "PlaceOrder"); err != nil {
		return nil, err
	}
	price, ok := s.prices[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", req.Symbol)
	}

	o := &simOrder{req: req, id: uuid.NewString(), status: StatusNew}
	s.orders[o.id] = o

	logger := s.logger.With().Str("order_id", o.id).Str("symbol", req.Symbol).Str("type", string(req.Type)).Logger()
	if req.Type == OrderTypeMarket {
		s.fill(o, price)
		logger.Info().Float64("executed_price", o.avgPrice).Msg("market order executed")
	} else {
		logger.Info().Float64("stop_price", req.StopPrice).Msg("conditional order accepted")
	}
	return &PlacedOrder{OrderID: o.id, Status: o.status, AvgPrice: o.avgPrice}, nil
}

// fill executes o at price against the symbol's position. Callers hold s.mu.
func (s *Simulated) fill(o *simOrder, price float64) {
	pos, ok := s.positions[o.req.Symbol]
	if !ok {
		pos = &simPosition{}
		s.positions[o.req.Symbol] = pos
	}

	qty := o.req.Quantity
	if o.req.ClosePosition {
		qty = math.Abs(pos.qty)
	}
	signed := qty
	if o.req.Side == types.SideSell {
		signed = -qty
	}

	switch {
	case pos.qty == 0 || (pos.qty > 0) == (signed > 0):
		total := pos.qty + signed
		if total != 0 {
			pos.entry = (pos.entry*math.Abs(pos.qty) + price*qty) / math.Abs(total)
		}
		pos.qty = total
	default:
		closed := math.Min(math.Abs(signed), math.Abs(pos.qty))
		if pos.qty > 0 {
			s.cash += (price - pos.entry) * closed
		} else {
			s.cash += (pos.entry - price) * closed
		}
		pos.qty += signed
		if pos.qty == 0 {
			pos.entry = 0
		} else if (pos.qty > 0) == (signed > 0) {
			pos.entry = price
		}
	}

	fee := price * qty * s.FeeRate
	s.cash -= fee
	o.status = StatusFilled
	o.avgPrice = price
	s.trades = append(s.trades, Trade{
		OrderID:    o.id,
		Symbol:     o.req.Symbol,
		Quantity:   qty,
		Commission: fee,
		Time:       time.Now(),
	})
}

func (s *Simulated) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := s.latency(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CancelOrder"); err != nil {
		return err
	}
	o, ok := s.orders[orderID]
	if !ok || o.req.Symbol != symbol {
		return ErrOrderNotFound
	}
	if o.status != StatusNew {
		return fmt.Errorf("order %s is %s", orderID, o.status)
	}
	o.status = StatusCanceled
	return nil
}

func (s *Simulated) GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := s.orders[orderID]
	if !ok || o.req.Symbol != symbol {
		return nil, ErrOrderNotFound
	}
	return &OrderInfo{OrderID: o.id, Symbol: symbol, Status: o.status, AvgPrice: o.avgPrice}, nil
}

func (s *Simulated) TradeHistory(ctx context.Context, symbols []string) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TradeHistory"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[strings.ToUpper(sym)] = true
	}
	var out []Trade
	for _, t := range s.trades {
		if len(want) == 0 || want[t.Symbol] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Simulated) Prices(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Prices"); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(s.prices))
	for k, v := range s.prices {
		out[k] = v
	}
	return out, nil
}

func (s *Simulated) AccountBalance(ctx context.Context) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("AccountBalance"); err != nil {
		return nil, err
	}
	var unrealized, margin float64
	for symbol, pos := range s.positions {
		if pos.qty == 0 {
			continue
		}
		unrealized += (s.prices[symbol] - pos.entry) * pos.qty
		lev := s.leverage[symbol]
		if lev < 1 {
			lev = 1
		}
		margin += math.Abs(pos.qty) * pos.entry / float64(lev)
	}
	return &Balance{
		Total:         s.cash,
		Available:     s.cash - margin,
		UnrealizedPnL: unrealized,
	}, nil
}

// SetPrice moves the market and fills every resting conditional order the
// new price crosses.
func (s *Simulated) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = price
	var events []FillEvent
	for _, o := range s.orders {
		if o.status != StatusNew || o.req.Symbol != symbol || !triggered(o.req, price) {
			continue
		}
		s.fill(o, price)
		events = append(events, FillEvent{
			EventType:     EventOrderTradeUpdate,
			OrderID:       o.id,
			Symbol:        symbol,
			Status:        StatusFilled,
			LastFillPrice: price,
		})
	}
	subs := make([]chan<- FillEvent, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				s.logger.Warn().Str("order_id", ev.OrderID).Msg("subscriber channel full, drop event")
			}
		}
	}
}

func triggered(req OrderRequest, price float64) bool {
	// A SELL leg closes a long, a BUY leg closes a short.
	switch req.Type {
	case OrderTypeTakeProfit:
		if req.Side == types.SideSell {
			return price >= req.StopPrice
		}
		return price <= req.StopPrice
	case OrderTypeStop:
		if req.Side == types.SideSell {
			return price <= req.StopPrice
		}
		return price >= req.StopPrice
	}
	return false
}

// Walk applies a random walk of up to ±volatility per tick to every known
// symbol until ctx is done.
func (s *Simulated) Walk(ctx context.Context, interval time.Duration, volatility float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prices, _ := s.Prices(ctx)
			for symbol, p := range prices {
				s.SetPrice(symbol, p*(1+(rand.Float64()*2*volatility-volatility)))
			}
		}
	}
}

// Stream returns a push transport fed by SetPrice.
func (s *Simulated) Stream() Stream {
	return simStream{s}
}

type simStream struct {
	s *Simulated
}

func (st simStream) Run(ctx context.Context, onConnect func(), out chan<- FillEvent) error {
	st.s.mu.Lock()
	st.s.subs[out] = struct{}{}
	st.s.mu.Unlock()
	defer func() {
		st.s.mu.Lock()
		delete(st.s.subs, out)
		st.s.mu.Unlock()
	}()
	if onConnect != nil {
		onConnect()
	}
	<-ctx.Done()
	return ctx.Err()
}
