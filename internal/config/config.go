package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"funding-arb-bot/internal/engine/execution"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig           `yaml:"log"`
	Feed      FeedConfig              `yaml:"feed"`
	State     StateConfig             `yaml:"state"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Timescale TimescaleConfig         `yaml:"timescale"`
	Telegram  TelegramConfig          `yaml:"telegram"`
	Paper     PaperConfig             `yaml:"paper"`
	Markets   map[string]MarketConfig `yaml:"markets"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
	// Operator turns the bot into a two-way control channel: /status,
	// /pause and /resume from the configured chat.
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

// PaperConfig seeds the built-in dry-run venue. The markets map is
// keyed by venue-side market name.
type PaperConfig struct {
	Wallet  string                       `yaml:"wallet"`
	Markets map[string]PaperMarketConfig `yaml:"markets"`
}

type PaperMarketConfig struct {
	Bid           float64 `yaml:"bid"`
	Ask           float64 `yaml:"ask"`
	TickSize      float64 `yaml:"tick_size"`
	MinSize       float64 `yaml:"min_size"`
	SizeIncrement float64 `yaml:"size_increment"`
}

// MarketConfig drives one engine instance. The map key is the base
// token symbol.
type MarketConfig struct {
	PerpExchange string `yaml:"perp_exchange"`
	QuoteToken   string `yaml:"quote_token"`
	// ExternalName overrides the venue-side market name, which defaults
	// to base+quote (e.g. ETHUSD).
	ExternalName  string  `yaml:"external_name"`
	TotalNotional float64 `yaml:"total_notional"`
	PerpDirection string  `yaml:"perp_direction"`
	CloseOnly     bool    `yaml:"close_only"`
	// AcceptableDifferenceUSD is the tolerated notional gap between the
	// legs, in absolute quote-currency units.
	AcceptableDifferenceUSD float64         `yaml:"acceptable_difference_usd"`
	SlippageBps             float64         `yaml:"slippage_bps"`
	PollInterval            time.Duration   `yaml:"poll_interval"`
	FillTimeout             time.Duration   `yaml:"fill_timeout"`
	HideSize                bool            `yaml:"hide_size"`
	Execution               ExecutionConfig `yaml:"execution"`
	Hedge                   *HedgeConfig    `yaml:"hedge"`
}

type ExecutionConfig struct {
	Strategy      string  `yaml:"strategy"`
	MinSpreadBps  float64 `yaml:"min_spread_bps"`
	OrderNotional float64 `yaml:"order_notional"`
	Parts         int     `yaml:"parts"`
	Period        string  `yaml:"period"`
}

type HedgeConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Exchange     string `yaml:"exchange"`
	QuoteToken   string `yaml:"quote_token"`
	ExternalName string `yaml:"external_name"`
}

const (
	StrategySpread = "spread"
	StrategyTwap   = "twap"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-arb-bot.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	for name, market := range cfg.Markets {
		if market.PollInterval == 0 {
			market.PollInterval = 2 * time.Second
		}
		if market.FillTimeout == 0 {
			market.FillTimeout = 30 * time.Second
		}
		if market.AcceptableDifferenceUSD == 0 {
			market.AcceptableDifferenceUSD = 5
		}
		if market.SlippageBps == 0 {
			market.SlippageBps = 100
		}
		cfg.Markets[name] = market
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := os.Getenv("TIMESCALE_DSN"); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func validate(cfg *Config) error {
	if len(cfg.Markets) == 0 {
		return errors.New("at least one market must be configured")
	}
	if cfg.Metrics.Path != "" && cfg.Metrics.Path[0] != '/' {
		return errors.New("metrics.path must start with '/'")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	for name, market := range cfg.Markets {
		if err := validateMarket(market); err != nil {
			return fmt.Errorf("markets.%s: %w", name, err)
		}
	}
	return nil
}

func validateMarket(market MarketConfig) error {
	if market.PerpExchange == "" {
		return errors.New("perp_exchange is required")
	}
	if market.QuoteToken == "" {
		return errors.New("quote_token is required")
	}
	if market.TotalNotional <= 0 {
		return errors.New("total_notional must be > 0")
	}
	switch market.PerpDirection {
	case "long", "short":
	default:
		return errors.New("perp_direction must be either 'long' or 'short'")
	}
	if market.AcceptableDifferenceUSD < 0 {
		return errors.New("acceptable_difference_usd must be >= 0")
	}
	if market.Hedge != nil && market.Hedge.Enabled {
		if market.Hedge.Exchange == "" {
			return errors.New("hedge.exchange is required when the hedge leg is enabled")
		}
		if market.Hedge.QuoteToken == "" {
			return errors.New("hedge.quote_token is required when the hedge leg is enabled")
		}
	}
	switch market.Execution.Strategy {
	case StrategySpread:
		if market.Execution.OrderNotional <= 0 {
			return errors.New("execution.order_notional must be > 0 for the spread strategy")
		}
		if market.Hedge == nil || !market.Hedge.Enabled {
			return errors.New("an enabled hedge leg is required for the spread strategy")
		}
	case StrategyTwap:
		if market.Execution.Parts <= 0 {
			return errors.New("execution.parts must be > 0 for the twap strategy")
		}
		if _, err := execution.ParsePeriod(market.Execution.Period); err != nil {
			return fmt.Errorf("execution.period: %w", err)
		}
	case "":
		return errors.New("execution.strategy is required")
	default:
		return errors.New("execution.strategy must be either 'spread' or 'twap'")
	}
	return nil
}
