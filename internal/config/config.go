// Package config loads the bridge configuration: a YAML file named by
// CONFIG_PATH, ${VAR} references expanded from the environment, then the
// deployment env overrides (PORT, DATABASE_URL, REDIS_URL, JWT_SECRET,
// ALERT_WEBHOOK_URL).
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/risk-bridge/internal/calendar"
	"github.com/atmx/risk-bridge/internal/guard"
	"github.com/atmx/risk-bridge/internal/reconcile"
	"github.com/atmx/risk-bridge/internal/session"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Auth      AuthConfig       `yaml:"auth"`
	Alerts    AlertsConfig     `yaml:"alerts"`
	Engine    EngineConfig     `yaml:"engine"`
	Broker    BrokerConfig     `yaml:"broker"`
	Accounts  []AccountConfig  `yaml:"accounts"`
	Devices   []DeviceConfig   `yaml:"devices"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Guards    GuardsConfig     `yaml:"guards"`
	Monitor   MonitorConfig    `yaml:"monitor"`
	Protocol  ProtocolConfig   `yaml:"protocol"`
	Closer    CloserConfig     `yaml:"closer"`
	Exposure  ExposureConfig   `yaml:"exposure"`
	Calendar  *calendar.Config `yaml:"calendar,omitempty"`
}

type ServerConfig struct {
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Prefix   string        `yaml:"prefix"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type EngineConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Workers       int           `yaml:"workers"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type BrokerConfig struct {
	BaseURL          string        `yaml:"base_url"`
	RequestsPerSec   float64       `yaml:"requests_per_sec"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	BackoffMin       time.Duration `yaml:"backoff_min"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// AccountConfig is one monitored broker account.
type AccountConfig struct {
	ID       string `yaml:"id"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	Server   string `yaml:"server"`
	// BaseURL overrides broker.base_url for this account.
	BaseURL string `yaml:"base_url"`
}

// DeviceConfig is an execution agent allowed to poll one account.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	AccountID string `yaml:"account_id"`
	Secret    string `yaml:"secret"`
}

type ReconcileConfig struct {
	VolumeTolerancePct decimal.Decimal `yaml:"volume_tolerance_pct"`
	PriceTolerance     decimal.Decimal `yaml:"price_tolerance"`
}

type GuardsConfig struct {
	DrawdownWarningPct  decimal.Decimal `yaml:"drawdown_warning_pct"`
	DrawdownCriticalPct decimal.Decimal `yaml:"drawdown_critical_pct"`
	MinEquity           decimal.Decimal `yaml:"min_equity"`
	GapWarningPct       decimal.Decimal `yaml:"gap_warning_pct"`
	GapCriticalPct      decimal.Decimal `yaml:"gap_critical_pct"`
	SpreadWarningPct    decimal.Decimal `yaml:"spread_warning_pct"`
	SpreadCriticalPct   decimal.Decimal `yaml:"spread_critical_pct"`
}

type MonitorConfig struct {
	Buffer decimal.Decimal `yaml:"buffer"`
}

type ProtocolConfig struct {
	CloseTTL  time.Duration `yaml:"close_ttl"`
	EntryTTL  time.Duration `yaml:"entry_ttl"`
	ClockSkew time.Duration `yaml:"clock_skew"`
}

type CloserConfig struct {
	Attempts    int           `yaml:"attempts"`
	BackoffMin  time.Duration `yaml:"backoff_min"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	Parallelism int           `yaml:"parallelism"`
}

type ExposureConfig struct {
	MaxPerInstrument decimal.Decimal `yaml:"max_per_instrument"`
	MaxCorrelated    decimal.Decimal `yaml:"max_correlated"`
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	tol := reconcile.DefaultTolerance()
	dd := guard.DefaultDrawdownConfig()
	mk := guard.DefaultMarketConfig()
	br := session.DefaultBreakerConfig()
	cfg := &Config{}
	cfg.Server = ServerConfig{Port: "8080", RequestTimeout: 30 * time.Second}
	cfg.Redis = RedisConfig{CacheTTL: 5 * time.Second, Prefix: "bridge"}
	cfg.Engine = EngineConfig{Interval: 5 * time.Second, Workers: 4, ShutdownGrace: 15 * time.Second}
	cfg.Broker = BrokerConfig{
		RequestsPerSec:   10,
		HTTPTimeout:      15 * time.Second,
		CallTimeout:      10 * time.Second,
		BackoffMin:       time.Second,
		BackoffMax:       time.Minute,
		FailureThreshold: br.FailureThreshold,
		Cooldown:         br.Cooldown,
		MaxCooldown:      br.MaxCooldown,
	}
	cfg.Reconcile = ReconcileConfig{VolumeTolerancePct: tol.VolumePct, PriceTolerance: tol.Price}
	cfg.Guards = GuardsConfig{
		DrawdownWarningPct:  dd.WarningPct,
		DrawdownCriticalPct: dd.CriticalPct,
		MinEquity:           dd.MinEquity,
		GapWarningPct:       mk.GapWarningPct,
		GapCriticalPct:      mk.GapCriticalPct,
		SpreadWarningPct:    mk.SpreadWarningPct,
		SpreadCriticalPct:   mk.SpreadCriticalPct,
	}
	cfg.Protocol = ProtocolConfig{CloseTTL: 30 * time.Second, EntryTTL: time.Minute, ClockSkew: 30 * time.Second}
	cfg.Closer = CloserConfig{Attempts: 3, BackoffMin: 200 * time.Millisecond, BackoffMax: 2 * time.Second, Parallelism: 4}
	return cfg
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expand replaces ${VAR} with the variable's value. A bare $ is kept so
// secrets containing one survive.
func expand(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(envRef.FindSubmatch(m)[1])))
	})
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(expand(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads and parses path.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Load reads CONFIG_PATH when set, applies env overrides, and validates.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides file values with the deployment environment.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "PORT")
	set(&c.Database.URL, "DATABASE_URL")
	set(&c.Redis.URL, "REDIS_URL")
	set(&c.Auth.JWTSecret, "JWT_SECRET")
	set(&c.Alerts.WebhookURL, "ALERT_WEBHOOK_URL")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.Interval <= 0 {
		errs = append(errs, errors.New("engine.interval must be positive"))
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, errors.New("engine.workers must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Guards.DrawdownWarningPct.GreaterThanOrEqual(c.Guards.DrawdownCriticalPct) {
		errs = append(errs, errors.New("guards: drawdown warning must be below critical"))
	}
	if c.Guards.GapWarningPct.GreaterThanOrEqual(c.Guards.GapCriticalPct) {
		errs = append(errs, errors.New("guards: gap warning must be below critical"))
	}
	if c.Guards.SpreadWarningPct.GreaterThanOrEqual(c.Guards.SpreadCriticalPct) {
		errs = append(errs, errors.New("guards: spread warning must be below critical"))
	}
	if c.Reconcile.VolumeTolerancePct.IsNegative() || c.Reconcile.PriceTolerance.IsNegative() {
		errs = append(errs, errors.New("reconcile: tolerances must not be negative"))
	}
	if c.Monitor.Buffer.IsNegative() {
		errs = append(errs, errors.New("monitor.buffer must not be negative"))
	}
	if c.Protocol.CloseTTL <= 0 || c.Protocol.ClockSkew <= 0 {
		errs = append(errs, errors.New("protocol: close_ttl and clock_skew must be positive"))
	}

	accounts := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("accounts[%d].id is required", i))
			continue
		}
		if accounts[a.ID] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID))
		}
		accounts[a.ID] = true
		if a.BaseURL == "" && c.Broker.BaseURL == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: no broker base_url", i))
		}
	}
	devices := make(map[string]bool)
	for i, d := range c.Devices {
		switch {
		case d.ID == "" || d.Secret == "":
			errs = append(errs, fmt.Errorf("devices[%d]: id and secret are required", i))
		case devices[d.ID]:
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID))
		case !accounts[d.AccountID]:
			errs = append(errs, fmt.Errorf("devices[%d]: unknown account %q", i, d.AccountID))
		}
		devices[d.ID] = true
	}
	if c.Calendar != nil {
		if _, err := calendar.New(*c.Calendar); err != nil {
			errs = append(errs, fmt.Errorf("calendar: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tolerance returns the reconciliation tolerance.
func (c *Config) Tolerance() reconcile.Tolerance {
	return reconcile.Tolerance{VolumePct: c.Reconcile.VolumeTolerancePct, Price: c.Reconcile.PriceTolerance}
}

// DrawdownConfig returns the drawdown guard thresholds.
func (c *Config) DrawdownConfig() guard.DrawdownConfig {
	return guard.DrawdownConfig{
		WarningPct:  c.Guards.DrawdownWarningPct,
		CriticalPct: c.Guards.DrawdownCriticalPct,
		MinEquity:   c.Guards.MinEquity,
	}
}

// MarketConfig returns the market-condition guard thresholds.
func (c *Config) MarketConfig() guard.MarketConfig {
	return guard.MarketConfig{
		GapWarningPct:     c.Guards.GapWarningPct,
		GapCriticalPct:    c.Guards.GapCriticalPct,
		SpreadWarningPct:  c.Guards.SpreadWarningPct,
		SpreadCriticalPct: c.Guards.SpreadCriticalPct,
	}
}

// SessionOptions returns the broker session tuning.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Breaker: session.BreakerConfig{
			FailureThreshold: c.Broker.FailureThreshold,
			Cooldown:         c.Broker.Cooldown,
			MaxCooldown:      c.Broker.MaxCooldown,
		},
		BackoffMin:  c.Broker.BackoffMin,
		BackoffMax:  c.Broker.BackoffMax,
		CallTimeout: c.Broker.CallTimeout,
	}
}

// BuildCalendar compiles the configured calendar, or the default one.
func (c *Config) BuildCalendar() (*calendar.Calendar, error) {
	if c.Calendar == nil {
		return calendar.Default(), nil
	}
	return calendar.New(*c.Calendar)
}
