package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

type Config struct {
	Loader struct {
		Service       bool   `toml:"service"`
		DryRun        bool   `toml:"dry_run"`
		Notifications bool   `toml:"notifications"`
		Debug         bool   `toml:"debug"`
		MinSleep      string `toml:"min_sleep"`
		MaxSleep      string `toml:"max_sleep"`

		MinSleepDur time.Duration `toml:"-"`
		MaxSleepDur time.Duration `toml:"-"`
	} `toml:"loader"`

	Source struct {
		DSN           string `toml:"dsn"`
		RetryAttempts int    `toml:"retry_attempts"`
		RetryDelay    string `toml:"retry_delay"`

		RetryDelayDur time.Duration `toml:"-"`
	} `toml:"source"`

	Target struct {
		Driver string `toml:"driver"` // "postgres" or "sqlite"
		DSN    string `toml:"dsn"`
		Path   string `toml:"path"` // sqlite file
	} `toml:"target"`

	Broker struct {
		APIKey    string `toml:"api_key"`
		APISecret string `toml:"api_secret"`
		BaseURL   string `toml:"base_url"`
		DataURL   string `toml:"data_url"`
		StreamURL string `toml:"stream_url"`
	} `toml:"broker"`

	Portfolio struct {
		StrategyID          int64  `toml:"strategy_id"`
		Type                string `toml:"type"`
		RebalFreq           string `toml:"rebal_freq"`
		WgtMethod           string `toml:"wgt_method"`
		Adjust              bool   `toml:"adjust"`
		AccountID           string `toml:"account_id"`
		WholeShares         bool   `toml:"whole_shares"`
		ShortFraction       string `toml:"short_fraction"`
		MinOrderNotional    string `toml:"min_order_notional"`
		MaxTurnoverDistance string `toml:"max_turnover_distance"`

		ShortFractionDec       decimal.Decimal `toml:"-"`
		MinOrderNotionalDec    decimal.Decimal `toml:"-"`
		MaxTurnoverDistanceDec decimal.Decimal `toml:"-"`
	} `toml:"portfolio"`

	Market struct {
		Gate  bool   `toml:"gate"`
		Open  string `toml:"open"`  // "HH:MM" UTC
		Close string `toml:"close"` // "HH:MM" UTC

		OpenOffset  time.Duration `toml:"-"`
		CloseOffset time.Duration `toml:"-"`
	} `toml:"market"`

	Redis struct {
		Enabled       bool   `toml:"enabled"`
		Addr          string `toml:"addr"`
		Password      string `toml:"password"`
		DB            int    `toml:"db"`
		ChannelPrefix string `toml:"channel_prefix"`
	} `toml:"redis"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Loader.MinSleep == "" {
		cfg.Loader.MinSleep = "30s"
	}
	if cfg.Loader.MaxSleep == "" {
		cfg.Loader.MaxSleep = cfg.Loader.MinSleep
	}
	if cfg.Source.RetryAttempts <= 0 {
		cfg.Source.RetryAttempts = 20
	}
	if cfg.Source.RetryDelay == "" {
		cfg.Source.RetryDelay = "1s"
	}
	if cfg.Target.Driver == "" {
		cfg.Target.Driver = "postgres"
	}
	if cfg.Portfolio.Type == "" {
		cfg.Portfolio.Type = "paper"
	}
	if cfg.Portfolio.RebalFreq == "" {
		cfg.Portfolio.RebalFreq = "daily"
	}
	if cfg.Portfolio.WgtMethod == "" {
		cfg.Portfolio.WgtMethod = "equal"
	}
	if cfg.Portfolio.ShortFraction == "" {
		cfg.Portfolio.ShortFraction = "0"
	}
	if cfg.Portfolio.MinOrderNotional == "" {
		cfg.Portfolio.MinOrderNotional = "0"
	}
	if cfg.Portfolio.MaxTurnoverDistance == "" {
		cfg.Portfolio.MaxTurnoverDistance = "0"
	}
	if cfg.Market.Open == "" {
		cfg.Market.Open = "14:30"
	}
	if cfg.Market.Close == "" {
		cfg.Market.Close = "21:00"
	}
	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = "paperengine"
	}
}

func validate(cfg *Config) error {
	var err error
	if cfg.Loader.MinSleepDur, err = time.ParseDuration(cfg.Loader.MinSleep); err != nil {
		return fmt.Errorf("loader.min_sleep: %w", err)
	}
	if cfg.Loader.MaxSleepDur, err = time.ParseDuration(cfg.Loader.MaxSleep); err != nil {
		return fmt.Errorf("loader.max_sleep: %w", err)
	}
	if cfg.Loader.MaxSleepDur < cfg.Loader.MinSleepDur {
		return errors.New("loader.max_sleep below loader.min_sleep")
	}
	if cfg.Source.RetryDelayDur, err = time.ParseDuration(cfg.Source.RetryDelay); err != nil {
		return fmt.Errorf("source.retry_delay: %w", err)
	}

	switch cfg.Target.Driver {
	case "postgres":
		if strings.TrimSpace(cfg.Target.DSN) == "" {
			return errors.New("target.dsn empty for postgres driver")
		}
	case "sqlite":
		if strings.TrimSpace(cfg.Target.Path) == "" {
			return errors.New("target.path empty for sqlite driver")
		}
	default:
		return fmt.Errorf("unknown target.driver %q", cfg.Target.Driver)
	}

	if cfg.Portfolio.ShortFractionDec, err = decimal.NewFromString(cfg.Portfolio.ShortFraction); err != nil {
		return fmt.Errorf("portfolio.short_fraction: %w", err)
	}
	if cfg.Portfolio.ShortFractionDec.Sign() < 0 || cfg.Portfolio.ShortFractionDec.Cmp(decimal.NewFromInt(1)) > 0 {
		return errors.New("portfolio.short_fraction outside [0, 1]")
	}
	if cfg.Portfolio.MinOrderNotionalDec, err = decimal.NewFromString(cfg.Portfolio.MinOrderNotional); err != nil {
		return fmt.Errorf("portfolio.min_order_notional: %w", err)
	}
	if cfg.Portfolio.MaxTurnoverDistanceDec, err = decimal.NewFromString(cfg.Portfolio.MaxTurnoverDistance); err != nil {
		return fmt.Errorf("portfolio.max_turnover_distance: %w", err)
	}

	if cfg.Market.OpenOffset, err = parseClock(cfg.Market.Open); err != nil {
		return fmt.Errorf("market.open: %w", err)
	}
	if cfg.Market.CloseOffset, err = parseClock(cfg.Market.Close); err != nil {
		return fmt.Errorf("market.close: %w", err)
	}

	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	return nil
}

// parseClock turns "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
