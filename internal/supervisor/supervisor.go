// Package supervisor keeps the push transport subscribed for the lifetime of
// the process, reporting health transitions as it goes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/bracketd/internal/exchange"
	"github.com/ksred/bracketd/internal/metrics"
	"github.com/ksred/bracketd/internal/notifier"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errClosed = errors.New("stream closed")

type Status struct {
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
	Attempts  int       `json:"attempts"`
}

type Supervisor struct {
	stream   exchange.Stream
	out      chan<- exchange.FillEvent
	notifier notifier.Notifier
	backoff  *Backoff
	logger   zerolog.Logger

	mu     sync.RWMutex
	status Status
}

func New(stream exchange.Stream, out chan<- exchange.FillEvent, n notifier.Notifier, backoff *Backoff) *Supervisor {
	return &Supervisor{
		stream:   stream,
		out:      out,
		notifier: n,
		backoff:  backoff,
		logger:   log.With().Str("component", "supervisor").Logger(),
		status:   Status{Since: time.Now()},
	}
}

// Run resubscribes after every error or close until ctx is done. It never
// gives up and always returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setUnhealthy(ctx.Err())
			return nil
		}
		if err == nil {
			err = errClosed
		}
		delay := s.backoff.Next()
		s.degraded(ctx, err, delay)
		metrics.StreamReconnects.Inc()
		if !sleepWithContext(ctx, delay) {
			return nil
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stream panicked: %v", rec)
		}
	}()
	return s.stream.Run(ctx, func() { s.connected(ctx) }, s.out)
}

func (s *Supervisor) connected(ctx context.Context) {
	s.backoff.Reset()
	s.mu.Lock()
	s.status = Status{Healthy: true, Since: time.Now()}
	s.mu.Unlock()
	metrics.StreamHealthy.Set(1)
	s.logger.Info().Msg("stream connected")
	s.notifier.Notify(ctx, "🟢 Fill stream healthy", 0)
}

func (s *Supervisor) degraded(ctx context.Context, err error, retryIn time.Duration) {
	attempts := s.setUnhealthy(err)
	s.logger.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", retryIn).Msg("stream disconnected")
	s.notifier.Notify(ctx, fmt.Sprintf("🟠 Fill stream degraded: %v (attempt %d, retry in %s)", err, attempts, retryIn), 0)
}

func (s *Supervisor) setUnhealthy(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Healthy {
		s.status = Status{Since: time.Now()}
	}
	s.status.Healthy = false
	s.status.LastError = err.Error()
	s.status.Attempts++
	metrics.StreamHealthy.Set(0)
	return s.status.Attempts
}

func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Healthy
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
