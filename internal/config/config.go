package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "BRACKETD"

// Exchange modes
const (
	ExchangeModeBinance   = "binance"
	ExchangeModeSimulated = "simulated"
)

// Reconciler transports
const (
	TransportPush = "push"
	TransportNone = "none"
)

// Config is the full process configuration. It is built once at startup and
// handed to each component constructor.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Paper      PaperConfig      `mapstructure:"paper"`
	Commission CommissionConfig `mapstructure:"commission"`
	Balance    BalanceConfig    `mapstructure:"balance"`
	Assets     []AssetConfig    `mapstructure:"assets"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Port      string        `mapstructure:"port"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// Operator credentials exchanged for a token at /api/v1/auth/token.
	OperatorKey    string `mapstructure:"operator_key"`
	OperatorSecret string `mapstructure:"operator_secret"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ExchangeConfig struct {
	Mode           string        `mapstructure:"mode"`
	APIKey         string        `mapstructure:"api_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Testnet        bool          `mapstructure:"testnet"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// FeeRate is only used by the simulated exchange.
	FeeRate float64 `mapstructure:"fee_rate"`
}

type NotifierConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TradingConfig limits live position opens.
type TradingConfig struct {
	MaxOpenPositions int           `mapstructure:"max_open_positions"`
	IdempotencyTTL   time.Duration `mapstructure:"idempotency_ttl"`
}

type ReconcilerConfig struct {
	Transport string `mapstructure:"transport"`
	QueueSize int    `mapstructure:"queue_size"`
}

type SupervisorConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Jitter         float64       `mapstructure:"jitter"`
}

type PaperConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	CommissionRate   float64       `mapstructure:"commission_rate"`
	StartingBalance  float64       `mapstructure:"starting_balance"`
	MaxOpenPositions int           `mapstructure:"max_open_positions"`
	Leverage         float64       `mapstructure:"leverage"`
}

type CommissionConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type BalanceConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	ReportInterval   time.Duration `mapstructure:"report_interval"`
}

// AssetConfig is an asset the engine may trade. SimPrice seeds the simulated
// exchange and is ignored in binance mode.
type AssetConfig struct {
	Symbol            string  `mapstructure:"symbol"`
	PricePrecision    int     `mapstructure:"price_precision"`
	QuantityPrecision int     `mapstructure:"quantity_precision"`
	Disabled          bool    `mapstructure:"disabled"`
	SimPrice          float64 `mapstructure:"sim_price"`
}

// Default returns a configuration that runs against the simulated exchange
// with paper trading enabled.
func Default() *Config {
	return &Config{
		App: AppConfig{Env: "development", LogLevel: "info"},
		HTTP: HTTPConfig{
			Port:      "8080",
			JWTSecret: "bracketd-secret-key",
			TokenTTL:  24 * time.Hour,
		},
		Database: DatabaseConfig{Path: "bracketd.db"},
		Exchange: ExchangeConfig{
			Mode:           ExchangeModeSimulated,
			RequestTimeout: 5 * time.Second,
			FeeRate:        0.0005,
		},
		Notifier: NotifierConfig{Timeout: 5 * time.Second},
		Trading: TradingConfig{
			MaxOpenPositions: 3,
			IdempotencyTTL:   24 * time.Hour,
		},
		Reconciler: ReconcilerConfig{
			Transport: TransportPush,
			QueueSize: 256,
		},
		Supervisor: SupervisorConfig{
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     5 * time.Second,
		},
		Paper: PaperConfig{
			Enabled:          true,
			PollInterval:     10 * time.Second,
			CommissionRate:   0.0005,
			StartingBalance:  10000,
			MaxOpenPositions: 5,
			Leverage:         1,
		},
		Commission: CommissionConfig{Interval: 15 * time.Minute},
		Balance: BalanceConfig{
			SnapshotInterval: time.Hour,
			ReportInterval:   24 * time.Hour,
		},
		Assets: []AssetConfig{
			{Symbol: "BTCUSDT", PricePrecision: 1, QuantityPrecision: 3, SimPrice: 65000},
			{Symbol: "ETHUSDT", PricePrecision: 2, QuantityPrecision: 3, SimPrice: 3200},
		},
	}
}

// Load reads the optional YAML file at path and overlays BRACKETD_* environment
// variables on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, Default())

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	// Lists have no per-key env override, so they are defaulted after decoding.
	if !v.IsSet("assets") {
		cfg.Assets = Default().Assets
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// registerDefaults makes every key known to viper so AutomaticEnv can
// override keys that are absent from the file.
func registerDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"app.env":                    d.App.Env,
		"app.log_level":              d.App.LogLevel,
		"http.port":                  d.HTTP.Port,
		"http.jwt_secret":            d.HTTP.JWTSecret,
		"http.token_ttl":             d.HTTP.TokenTTL,
		"http.operator_key":          d.HTTP.OperatorKey,
		"http.operator_secret":       d.HTTP.OperatorSecret,
		"database.path":              d.Database.Path,
		"exchange.mode":              d.Exchange.Mode,
		"exchange.api_key":           d.Exchange.APIKey,
		"exchange.secret_key":        d.Exchange.SecretKey,
		"exchange.base_url":          d.Exchange.BaseURL,
		"exchange.testnet":           d.Exchange.Testnet,
		"exchange.request_timeout":   d.Exchange.RequestTimeout,
		"exchange.fee_rate":          d.Exchange.FeeRate,
		"notifier.bot_token":         d.Notifier.BotToken,
		"notifier.chat_id":           d.Notifier.ChatID,
		"notifier.timeout":           d.Notifier.Timeout,
		"trading.max_open_positions": d.Trading.MaxOpenPositions,
		"trading.idempotency_ttl":    d.Trading.IdempotencyTTL,
		"reconciler.transport":       d.Reconciler.Transport,
		"reconciler.queue_size":      d.Reconciler.QueueSize,
		"supervisor.initial_backoff": d.Supervisor.InitialBackoff,
		"supervisor.max_backoff":     d.Supervisor.MaxBackoff,
		"supervisor.jitter":          d.Supervisor.Jitter,
		"paper.enabled":              d.Paper.Enabled,
		"paper.poll_interval":        d.Paper.PollInterval,
		"paper.commission_rate":      d.Paper.CommissionRate,
		"paper.starting_balance":     d.Paper.StartingBalance,
		"paper.max_open_positions":   d.Paper.MaxOpenPositions,
		"paper.leverage":             d.Paper.Leverage,
		"commission.interval":        d.Commission.Interval,
		"balance.snapshot_interval":  d.Balance.SnapshotInterval,
		"balance.report_interval":    d.Balance.ReportInterval,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}
