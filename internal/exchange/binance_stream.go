package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const listenKeyKeepalive = 30 * time.Minute

var errStreamClosed = errors.New("user data stream closed")

// UserDataStream is the push transport: the futures user data stream,
// filtered to order trade updates.
type UserDataStream struct {
	client  *futures.Client
	timeout time.Duration
	logger  zerolog.Logger
}

func (b *Binance) UserDataStream() *UserDataStream {
	return &UserDataStream{
		client:  b.client,
		timeout: b.timeout,
		logger:  log.With().Str("component", "user_data_stream").Logger(),
	}
}

func (s *UserDataStream) Run(ctx context.Context, onConnect func(), out chan<- FillEvent) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	listenKey, err := s.client.NewStartUserStreamService().Do(reqCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}

	var errMu sync.Mutex
	var lastErr error
	handler := func(event *futures.WsUserDataEvent) {
		if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		u := event.OrderTradeUpdate
		ev := FillEvent{
			EventType:     string(event.Event),
			OrderID:       strconv.FormatInt(u.ID, 10),
			Symbol:        u.Symbol,
			Status:        string(u.Status),
			LastFillPrice: parseFloat(u.LastFilledPrice),
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	errHandler := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		lastErr = err
		errMu.Unlock()
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		return fmt.Errorf("serve user stream: %w", err)
	}
	if onConnect != nil {
		onConnect()
	}

	keepalive := time.NewTicker(listenKeyKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			s.closeListenKey(listenKey)
			return ctx.Err()
		case <-doneC:
			errMu.Lock()
			err := lastErr
			errMu.Unlock()
			if err == nil {
				err = errStreamClosed
			}
			return err
		case <-keepalive.C:
			reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
			if err := s.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(reqCtx); err != nil {
				s.logger.Warn().Err(err).Msg("listen key keepalive failed")
			}
			cancel()
		}
	}
}

func (s *UserDataStream) closeListenKey(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("close listen key")
	}
}
