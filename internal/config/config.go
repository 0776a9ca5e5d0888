// Package config defines all configuration for the perpetuals engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BANK_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Markets     []MarketConfig    `mapstructure:"markets"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Funding     FundingConfig     `mapstructure:"funding"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Risk        RiskConfig        `mapstructure:"risk"`
	EventSink   EventSinkConfig   `mapstructure:"event_sink"`
	API         APIConfig         `mapstructure:"api"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// LedgerConfig points at the persistent sqlite database file.
type LedgerConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// MarketConfig defines one tradeable perpetual market's risk parameters.
type MarketConfig struct {
	Symbol               string  `mapstructure:"symbol"`
	MaxLeverage          int     `mapstructure:"max_leverage"`
	MaintenanceMarginPct float64 `mapstructure:"maintenance_margin_pct"`
	TakerFeePct          float64 `mapstructure:"taker_fee_pct"`
	InsuranceFundFeePct  float64 `mapstructure:"insurance_fund_fee_pct"`
}

// OracleConfig controls the external price feed.
type OracleConfig struct {
	KrakenURL string        `mapstructure:"kraken_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// FundingConfig tunes the periodic funding-rate settlement job.
type FundingConfig struct {
	IntervalHours float64 `mapstructure:"interval_hours"`
	Factor        float64 `mapstructure:"factor"`
	MaxRate       float64 `mapstructure:"max_rate"`
}

// LiquidationConfig tunes the periodic solvency scan.
type LiquidationConfig struct {
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	LiquidationFee float64       `mapstructure:"liquidation_fee_pct"`
}

// RiskConfig bounds aggregate exposure and triggers a trading kill switch
// when those bounds, or the daily loss limit, are breached.
type RiskConfig struct {
	MaxPositionPerMarketUSD float64       `mapstructure:"max_position_per_market_usd"`
	MaxGlobalExposureUSD    float64       `mapstructure:"max_global_exposure_usd"`
	MaxDailyLossUSD         float64       `mapstructure:"max_daily_loss_usd"`
	KillSwitchDropPct       float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec     int           `mapstructure:"kill_switch_window_sec"`
	CooldownAfterKill       time.Duration `mapstructure:"cooldown_after_kill"`
	ReportInterval          time.Duration `mapstructure:"report_interval"`
}

// EventSinkConfig configures outbound Nostr relay publishing. The private
// key is always sourced from BANK_NOSTR_PRIVATE_KEY, never from the file.
type EventSinkConfig struct {
	RelayURLs         []string `mapstructure:"relay_urls"`
	BankPrivateKeyHex string   `mapstructure:"-"`
	QueueSize         int      `mapstructure:"queue_size"`
}

// APIConfig controls the public HTTP server.
type APIConfig struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	ChallengeTTL       time.Duration `mapstructure:"challenge_ttl"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Env    string `mapstructure:"env"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The bank's Nostr signing key never comes from the YAML file.
	cfg.EventSink.BankPrivateKeyHex = os.Getenv("BANK_NOSTR_PRIVATE_KEY")

	if url := os.Getenv("BANK_KRAKEN_URL"); url != "" {
		cfg.Oracle.KrakenURL = url
	}
	if addr := os.Getenv("BANK_LISTEN_ADDR"); addr != "" {
		cfg.API.ListenAddr = addr
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Ledger.DBPath == "" {
		return fmt.Errorf("ledger.db_path is required")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	for _, m := range c.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("markets[].symbol is required")
		}
		if m.MaxLeverage < 1 {
			return fmt.Errorf("markets[%s].max_leverage must be >= 1", m.Symbol)
		}
		if m.MaintenanceMarginPct <= 0 || m.MaintenanceMarginPct >= 1 {
			return fmt.Errorf("markets[%s].maintenance_margin_pct must be in (0,1)", m.Symbol)
		}
	}
	if c.Oracle.KrakenURL == "" {
		return fmt.Errorf("oracle.kraken_url is required")
	}
	if c.Oracle.Timeout <= 0 || c.Oracle.Timeout > 5*time.Second {
		return fmt.Errorf("oracle.timeout must be in (0, 5s]")
	}
	if c.Oracle.CacheTTL <= 0 {
		return fmt.Errorf("oracle.cache_ttl must be > 0")
	}
	if c.Funding.IntervalHours <= 0 {
		return fmt.Errorf("funding.interval_hours must be > 0")
	}
	if c.Funding.MaxRate <= 0 {
		return fmt.Errorf("funding.max_rate must be > 0")
	}
	if c.Liquidation.ScanInterval <= 0 {
		return fmt.Errorf("liquidation.scan_interval must be > 0")
	}
	if c.Risk.MaxGlobalExposureUSD <= 0 {
		return fmt.Errorf("risk.max_global_exposure_usd must be > 0")
	}
	if c.Risk.ReportInterval <= 0 {
		return fmt.Errorf("risk.report_interval must be > 0")
	}
	if c.EventSink.BankPrivateKeyHex == "" {
		return fmt.Errorf("BANK_NOSTR_PRIVATE_KEY is required")
	}
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}
	return nil
}

// MarketBySymbol returns the configured MarketConfig for symbol, or false.
func (c *Config) MarketBySymbol(symbol string) (MarketConfig, bool) {
	for _, m := range c.Markets {
		if m.Symbol == symbol {
			return m, true
		}
	}
	return MarketConfig{}, false
}
