package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config is the service configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	Storage  string `env:"STORAGE" envDefault:"postgres"`
	DBDSN    string `env:"DATABASE_URL"`
	PGDSN    string `env:"PG_DSN"`
	TenantID string `env:"TENANT_ID" envDefault:"tenant-demo"`

	AuthJWTSecret       string `env:"AUTH_JWT_SECRET"`
	CallbackHMACSecret  string `env:"CALLBACK_HMAC_SECRET"`
	CallbackMaxSkewSecs int    `env:"CALLBACK_MAX_SKEW_SECONDS" envDefault:"300"`

	OutboxInterval time.Duration `env:"OUTBOX_DISPATCH_INTERVAL" envDefault:"2s"`
	OutboxBatch    int           `env:"OUTBOX_DISPATCH_BATCH" envDefault:"100"`
	OutboxLease    time.Duration `env:"OUTBOX_CLAIM_LEASE" envDefault:"1m"`
	Retention      time.Duration `env:"EVENT_RETENTION" envDefault:"168h"`

	AEP    AEPConfig
	Notify NotifyConfig

	OverlayPath string `env:"COMMANDS_CONFIG"`
}

// AEPConfig configures the AEP device command gateway.
type AEPConfig struct {
	BaseURL   string        `env:"AEP_BASE_URL"`
	AppKey    string        `env:"AEP_APP_KEY"`
	AppSecret string        `env:"AEP_APP_SECRET"`
	MasterKey string        `env:"AEP_MASTER_KEY"`
	Operator  string        `env:"AEP_OPERATOR" envDefault:"aep-command"`
	TTL       int           `env:"AEP_COMMAND_TTL_SECONDS" envDefault:"7200"`
	Timeout   time.Duration `env:"AEP_TIMEOUT" envDefault:"10s"`
	ProductID int64         `env:"AEP_PRODUCT_ID"`

	// Products maps pipeline id to AEP product id; only set by the YAML overlay.
	Products map[int64]int64
}

// NotifyConfig configures failure notifications.
type NotifyConfig struct {
	WebhookURLs    []string      `env:"NOTIFY_WEBHOOK_URLS" envSeparator:","`
	StallAfter     time.Duration `env:"NOTIFY_STALL_AFTER" envDefault:"0s"`
	Cooldown       time.Duration `env:"NOTIFY_COOLDOWN" envDefault:"1m"`
	DedupeWindow   time.Duration `env:"NOTIFY_DEDUPE_WINDOW" envDefault:"10m"`
	RequestTimeout time.Duration `env:"NOTIFY_REQUEST_TIMEOUT" envDefault:"5s"`
	Template       string        `env:"NOTIFY_TEMPLATE"`
}

// overlay is the YAML file shape.
type overlay struct {
	AEP struct {
		ProductID int64           `yaml:"product_id"`
		Operator  string          `yaml:"operator"`
		TTL       int             `yaml:"ttl_seconds"`
		Pipelines map[int64]int64 `yaml:"pipelines"`
	} `yaml:"aep"`
}

// ParseEnv parses environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads .env when present, then the environment, then the YAML overlay.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = cfg.PGDSN
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if cfg.OverlayPath != "" {
		if err := applyOverlay(&cfg, cfg.OverlayPath); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc overlay
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.AEP.ProductID != 0 {
		cfg.AEP.ProductID = doc.AEP.ProductID
	}
	if doc.AEP.Operator != "" {
		cfg.AEP.Operator = doc.AEP.Operator
	}
	if doc.AEP.TTL > 0 {
		cfg.AEP.TTL = doc.AEP.TTL
	}
	if len(doc.AEP.Pipelines) > 0 {
		cfg.AEP.Products = doc.AEP.Pipelines
	}
	return nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DBDSN == "" {
			return errors.New("config: DATABASE_URL or PG_DSN is required")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE %q", c.Storage)
	}
	if c.AEP.BaseURL == "" {
		return errors.New("config: AEP_BASE_URL is required")
	}
	if c.AuthJWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET is required")
	}
	if c.OutboxBatch <= 0 {
		return errors.New("config: OUTBOX_DISPATCH_BATCH must be positive")
	}
	return nil
}

// CallbackMaxSkew returns the accepted callback timestamp skew.
func (c Config) CallbackMaxSkew() time.Duration {
	return time.Duration(c.CallbackMaxSkewSecs) * time.Second
}
