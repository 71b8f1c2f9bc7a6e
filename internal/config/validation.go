package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Exchange.Mode) {
	case ExchangeModeBinance:
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			errs = append(errs, errors.New("exchange.api_key and exchange.secret_key are required in binance mode"))
		}
	case ExchangeModeSimulated:
	default:
		errs = append(errs, fmt.Errorf("exchange.mode %q is not supported", c.Exchange.Mode))
	}
	if c.Exchange.RequestTimeout <= 0 {
		errs = append(errs, errors.New("exchange.request_timeout must be positive"))
	}

	if c.IsProduction() && c.HTTP.JWTSecret == Default().HTTP.JWTSecret {
		errs = append(errs, errors.New("http.jwt_secret must be changed in production"))
	}
	if c.HTTP.TokenTTL <= 0 {
		errs = append(errs, errors.New("http.token_ttl must be positive"))
	}

	if c.Trading.MaxOpenPositions <= 0 {
		errs = append(errs, errors.New("trading.max_open_positions must be positive"))
	}
	if c.Trading.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("trading.idempotency_ttl must be positive"))
	}

	switch c.Reconciler.Transport {
	case TransportPush, TransportNone:
	default:
		errs = append(errs, fmt.Errorf("reconciler.transport %q is not supported", c.Reconciler.Transport))
	}
	if c.Reconciler.QueueSize <= 0 {
		errs = append(errs, errors.New("reconciler.queue_size must be positive"))
	}

	if c.Supervisor.InitialBackoff <= 0 {
		errs = append(errs, errors.New("supervisor.initial_backoff must be positive"))
	}
	if c.Supervisor.MaxBackoff < c.Supervisor.InitialBackoff {
		errs = append(errs, errors.New("supervisor.max_backoff must be >= supervisor.initial_backoff"))
	}
	if c.Supervisor.Jitter < 0 || c.Supervisor.Jitter >= 1 {
		errs = append(errs, errors.New("supervisor.jitter must be in [0,1)"))
	}

	if c.Paper.Enabled {
		if c.Paper.PollInterval <= 0 {
			errs = append(errs, errors.New("paper.poll_interval must be positive"))
		}
		if c.Paper.CommissionRate < 0 || c.Paper.CommissionRate >= 1 {
			errs = append(errs, errors.New("paper.commission_rate must be in [0,1)"))
		}
		if c.Paper.StartingBalance < 0 {
			errs = append(errs, errors.New("paper.starting_balance must not be negative"))
		}
		if c.Paper.MaxOpenPositions <= 0 {
			errs = append(errs, errors.New("paper.max_open_positions must be positive"))
		}
		if c.Paper.Leverage <= 0 {
			errs = append(errs, errors.New("paper.leverage must be positive"))
		}
	}

	if c.Commission.Interval <= 0 {
		errs = append(errs, errors.New("commission.interval must be positive"))
	}
	if c.Balance.SnapshotInterval <= 0 || c.Balance.ReportInterval <= 0 {
		errs = append(errs, errors.New("balance intervals must be positive"))
	}
	seen := make(map[string]bool)
	for i, a := range c.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(a.Symbol))
		switch {
		case symbol == "":
			errs = append(errs, fmt.Errorf("assets[%d].symbol is required", i))
		case seen[symbol]:
			errs = append(errs, fmt.Errorf("asset %s is listed twice", symbol))
		case a.PricePrecision < 0 || a.QuantityPrecision < 0:
			errs = append(errs, fmt.Errorf("asset %s precisions must not be negative", symbol))
		}
		seen[symbol] = true
	}

	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether logs should be emitted as JSON.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}
