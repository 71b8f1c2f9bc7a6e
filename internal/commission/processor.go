package commission

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor runs the reconciler on a fixed interval.
type Processor struct {
	reconciler   *Reconciler
	processDelay time.Duration
}

func NewProcessor(r *Reconciler, interval time.Duration) *Processor {
	return &Processor{
		reconciler:   r,
		processDelay: interval,
	}
}

// Start runs passes until ctx is done. A failed or panicking pass is logged
// and the next tick tries again.
func (p *Processor) Start(ctx context.Context) error {
	logger := log.With().Str("component", "commission_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting commission processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down commission processor")
			return nil
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Processor) runOnce(ctx context.Context) {
	logger := log.With().Str("component", "commission_processor").Logger()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("commission pass panicked")
		}
	}()
	if _, err := p.reconciler.Reconcile(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to reconcile commissions")
	}
}
