package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	RunModeLongpoll = "longpoll"
	RunModeWebhook  = "webhook"
)

type TelegramConfig struct {
	BotToken    string `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	BotUsername string `yaml:"bot_username" envconfig:"BOT_USERNAME"`
	APIURL      string `yaml:"api_url" envconfig:"BOT_API_URL"`
	RunMode     string `yaml:"run_mode" envconfig:"RUN_MODE"`
}

type LedgerConfig struct {
	APIURL string `yaml:"api_url" envconfig:"LEDGER_API_URL"`
	Token  string `yaml:"token" envconfig:"LEDGER_TOKEN"`
	Asset  string `yaml:"asset" envconfig:"LEDGER_ASSET"`
}

type ExchangeConfig struct {
	// ConversionRate is stars per 1 USDT, kept as text so YAML and env agree
	ConversionRate string `yaml:"conversion_rate" envconfig:"CONVERSION_RATE"`
	MinAmount      int64  `yaml:"min_amount" envconfig:"MIN_AMOUNT"`
	Currency       string `yaml:"currency" envconfig:"STARS_CURRENCY"`
	// InvoiceTTL is nil when unset, an explicit 0 disables re-issuing
	InvoiceTTL *time.Duration `yaml:"invoice_ttl" envconfig:"INVOICE_TTL"`

	Rate decimal.Decimal `yaml:"-" ignored:"true"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" envconfig:"STORAGE_DRIVER"`
	Path   string `yaml:"path" envconfig:"DB_PATH"`
	DSN    string `yaml:"dsn" envconfig:"DATABASE_URL"`
}

type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
	Secret string `yaml:"secret" envconfig:"WEBHOOK_SECRET"`
}

type SweeperConfig struct {
	StuckAfter time.Duration `yaml:"stuck_after" envconfig:"STUCK_AFTER"`
	Interval   time.Duration `yaml:"interval" envconfig:"SWEEP_INTERVAL"`
}

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Storage  StorageConfig  `yaml:"storage"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`

	AdminIDs []int64 `yaml:"admin_ids" envconfig:"ADMIN_IDS"`
	LogLevel string  `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Load reads the optional YAML file at path, overlays environment variables
// and normalizes the result
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse YAML config: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults and validates required fields
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if cfg.Telegram.BotUsername == "" {
		cfg.Telegram.BotUsername = "stars_exchange_bot"
	}
	cfg.Telegram.APIURL = strings.TrimSuffix(defaultString(cfg.Telegram.APIURL, "https://api.telegram.org"), "/")

	cfg.Ledger.APIURL = strings.TrimSuffix(defaultString(cfg.Ledger.APIURL, cfg.Telegram.APIURL), "/")
	cfg.Ledger.Token = defaultString(cfg.Ledger.Token, cfg.Telegram.BotToken)
	cfg.Ledger.Asset = defaultString(cfg.Ledger.Asset, "TON-USDT")

	rate, err := decimal.NewFromString(defaultString(cfg.Exchange.ConversionRate, "100"))
	if err != nil {
		return fmt.Errorf("invalid CONVERSION_RATE %q: %w", cfg.Exchange.ConversionRate, err)
	}
	if !rate.IsPositive() {
		return fmt.Errorf("CONVERSION_RATE must be > 0, got %s", rate)
	}
	cfg.Exchange.Rate = rate
	cfg.Exchange.ConversionRate = rate.String()

	if cfg.Exchange.MinAmount == 0 {
		cfg.Exchange.MinAmount = 100
	}
	if cfg.Exchange.MinAmount < 0 {
		return fmt.Errorf("MIN_AMOUNT must be > 0, got %d", cfg.Exchange.MinAmount)
	}
	cfg.Exchange.Currency = defaultString(cfg.Exchange.Currency, "XTR")
	if cfg.Exchange.InvoiceTTL == nil {
		ttl := 24 * time.Hour
		cfg.Exchange.InvoiceTTL = &ttl
	}
	if *cfg.Exchange.InvoiceTTL < 0 {
		return fmt.Errorf("INVOICE_TTL must be >= 0, got %s", *cfg.Exchange.InvoiceTTL)
	}

	cfg.Storage.Driver = strings.ToLower(defaultString(cfg.Storage.Driver, "sqlite"))
	switch cfg.Storage.Driver {
	case "sqlite":
		cfg.Storage.Path = defaultString(cfg.Storage.Path, "./exchange.db")
	case "bolt":
		cfg.Storage.Path = defaultString(cfg.Storage.Path, "./exchange.bolt")
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER %q; allowed: sqlite, bolt, postgres, memory", cfg.Storage.Driver)
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" || rm == "polling" {
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeLongpoll:
	case RunModeWebhook:
		if cfg.Webhook.URL == "" {
			return fmt.Errorf("WEBHOOK_URL is required when RUN_MODE is webhook")
		}
	default:
		return fmt.Errorf("invalid RUN_MODE %q; allowed: longpoll, webhook", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = 8080
	}
	if cfg.Sweeper.StuckAfter == 0 {
		cfg.Sweeper.StuckAfter = 10 * time.Minute
	}
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = time.Minute
	}
	cfg.LogLevel = strings.ToLower(defaultString(cfg.LogLevel, "info"))

	return nil
}

func defaultString(val, fallback string) string {
	if strings.TrimSpace(val) != "" {
		return val
	}
	return fallback
}
