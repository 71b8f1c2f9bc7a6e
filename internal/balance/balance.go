// Package balance snapshots the exchange account into append-only balance
// records and reports the change between the two most recent ones.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/bracketd/internal/exchange"
	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/notifier"
	"github.com/ksred/bracketd/internal/types"
	"github.com/ksred/bracketd/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var ErrNoRecords = errors.New("no balance records yet")

type Service struct {
	store    *ledger.Store
	exchange exchange.Client
	notifier notifier.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(store *ledger.Store, client exchange.Client, n notifier.Notifier) *Service {
	return &Service{
		store:    store,
		exchange: client,
		notifier: n,
		logger:   log.With().Str("component", "balance").Logger(),
		now:      time.Now,
	}
}

// Snapshot reads the account balance and appends a record.
func (s *Service) Snapshot(ctx context.Context) (*types.BalanceRecord, error) {
	bal, err := s.exchange.AccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read account balance: %w", err)
	}
	total := decimal.NewFromFloat(bal.Total)
	unrealized := decimal.NewFromFloat(bal.UnrealizedPnL)
	rec := &types.BalanceRecord{
		TotalBalance:           bal.Total,
		TradeBalance:           total.Sub(decimal.NewFromFloat(bal.Available)).InexactFloat64(),
		UnrealizedPnL:          bal.UnrealizedPnL,
		UnrealizedTradeBalance: total.Add(unrealized).InexactFloat64(),
		RecordedAt:             s.now().UTC(),
	}
	if err := s.store.AppendBalanceRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save balance record: %w", err)
	}
	s.logger.Info().
		Float64("total_balance", rec.TotalBalance).
		Float64("trade_balance", rec.TradeBalance).
		Float64("unrealized_pnl", rec.UnrealizedPnL).
		Msg("balance record saved")
	return rec, nil
}

// Report compares the latest record with the one before it. Previous is nil
// when only one record exists.
type Report struct {
	Latest          types.BalanceRecord  `json:"latest"`
	Previous        *types.BalanceRecord `json:"previous,omitempty"`
	TotalChange     decimal.Decimal      `json:"total_change"`
	UnrealizedDelta decimal.Decimal      `json:"unrealized_change"`
}

func (s *Service) Report(ctx context.Context) (*Report, error) {
	records, err := s.store.LatestBalanceRecords(ctx, 2)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	r := &Report{Latest: records[0]}
	if len(records) > 1 {
		prev := records[1]
		r.Previous = &prev
		r.TotalChange = decimal.NewFromFloat(r.Latest.TotalBalance).
			Sub(decimal.NewFromFloat(prev.TotalBalance)).Round(2)
		r.UnrealizedDelta = decimal.NewFromFloat(r.Latest.UnrealizedPnL).
			Sub(decimal.NewFromFloat(prev.UnrealizedPnL)).Round(2)
	}
	return r, nil
}

// SendReport builds the report and sends it as one notification.
func (s *Service) SendReport(ctx context.Context) (*Report, error) {
	r, err := s.Report(ctx)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, r.Message(), 0)
	return r, nil
}

func (r *Report) Message() string {
	var b strings.Builder
	b.WriteString("🤑Balance Report:\n\n")
	fmt.Fprintf(&b, "💳Total balance: %s$\n", decimal.NewFromFloat(r.Latest.TotalBalance).StringFixed(2))
	fmt.Fprintf(&b, "💰Balance in trade: %s$\n", decimal.NewFromFloat(r.Latest.TradeBalance).StringFixed(2))
	fmt.Fprintf(&b, "📈Unrealized PNL: %s$", decimal.NewFromFloat(r.Latest.UnrealizedPnL).StringFixed(2))
	if r.Previous != nil {
		fmt.Fprintf(&b, "\n\nChange since %s: %s$ (unrealized %s$)",
			r.Previous.RecordedAt.Format("2006-01-02 15:04"), signed(r.TotalChange), signed(r.UnrealizedDelta))
	}
	return b.String()
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

// Start snapshots and reports on independent timers until ctx is done. A
// zero interval disables that timer.
func (s *Service) Start(ctx context.Context, snapshotEvery, reportEvery time.Duration) error {
	s.logger.Info().Dur("snapshot_interval", snapshotEvery).Dur("report_interval", reportEvery).Msg("starting balance jobs")
	snapshots := tick(snapshotEvery)
	reports := tick(reportEvery)
	defer snapshots.Stop()
	defer reports.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutting down balance jobs")
			return nil
		case <-snapshots.C:
			if _, err := s.Snapshot(ctx); err != nil {
				s.logger.Error().Err(err).Msg("balance snapshot failed")
			}
		case <-reports.C:
			if _, err := s.SendReport(ctx); err != nil {
				s.logger.Error().Err(err).Msg("balance report failed")
			}
		}
	}
}

// tick returns a ticker, or a stopped one that never fires for d <= 0.
func tick(d time.Duration) *time.Ticker {
	if d > 0 {
		return time.NewTicker(d)
	}
	t := time.NewTicker(time.Hour)
	t.Stop()
	return t
}

// ReportHandler returns the latest balance report without notifying.
func ReportHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := s.Report(c.Request.Context())
		if errors.Is(err, ErrNoRecords) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, r, err)
	}
}
