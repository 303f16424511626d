// Package config loads the economy TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as "10s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
	Auth      AuthConfig      `toml:"auth"`
	Collector CollectorConfig `toml:"collector"`
	Client    ClientConfig    `toml:"client"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Log       LogConfig       `toml:"log"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Alerts    AlertsConfig    `toml:"alerts"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	MetricsAddr    string   `toml:"metrics_addr"`
	RequestTimeout Duration `toml:"request_timeout"`
	ReceiptSecret  string   `toml:"receipt_secret"`
}

type StoreConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver       string `toml:"driver"`
	DSN          string `toml:"dsn"`
	DevicePolicy string `toml:"device_policy"`
	DevicePath   string `toml:"device_path"`
}

type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret"`
	Issuer    string   `toml:"issuer"`
	TokenTTL  Duration `toml:"token_ttl"`
}

type CollectorConfig struct {
	Timeout            Duration `toml:"timeout"`
	MeterInterval      Duration `toml:"meter_interval"`
	SuspicionWindow    Duration `toml:"suspicion_window"`
	SuspicionThreshold int      `toml:"suspicion_threshold"`
	AlertWorkers       int      `toml:"alert_workers"`
}

// ClientConfig is read by the player commands. MetricsFile, when set, is a
// node_exporter textfile the session writes its metrics to on exit.
type ClientConfig struct {
	BaseURL     string `toml:"base_url"`
	Token       string `toml:"token"`
	MetricsFile string `toml:"metrics_file"`
}

type SchedulerConfig struct {
	ExpirySpec      string   `toml:"expiry_spec"`
	HoldingLifetime Duration `toml:"holding_lifetime"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type RateLimitConfig struct {
	CollectPerMinute int `toml:"collect_per_minute"`
	Burst            int `toml:"burst"`
}

// AlertsConfig enables mail delivery of security alerts when SMTPHost and
// at least one recipient are set.
type AlertsConfig struct {
	SMTPHost     string   `toml:"smtp_host"`
	SMTPPort     string   `toml:"smtp_port"`
	SMTPUsername string   `toml:"smtp_username"`
	SMTPPassword string   `toml:"smtp_password"`
	From         string   `toml:"from"`
	To           []string `toml:"to"`
}

func (a AlertsConfig) EmailEnabled() bool {
	return a.SMTPHost != "" && len(a.To) > 0
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MetricsAddr:    ":9090",
			RequestTimeout: Duration{30 * time.Second},
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			DSN:          "economy.db",
			DevicePolicy: "flag",
			DevicePath:   "device.db",
		},
		Auth: AuthConfig{
			Issuer:   "economy",
			TokenTTL: Duration{24 * time.Hour},
		},
		Collector: CollectorConfig{
			Timeout:            Duration{10 * time.Second},
			MeterInterval:      Duration{250 * time.Millisecond},
			SuspicionWindow:    Duration{15 * time.Minute},
			SuspicionThreshold: 3,
			AlertWorkers:       2,
		},
		Client: ClientConfig{
			BaseURL: "http://127.0.0.1:8080",
		},
		Scheduler: SchedulerConfig{
			ExpirySpec:      "@every 1m",
			HoldingLifetime: Duration{720 * time.Hour},
		},
		Log: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			CollectPerMinute: 30,
			Burst:            5,
		},
		Alerts: AlertsConfig{
			SMTPPort: "587",
			From:     "economy@localhost",
		},
	}
}

// Load reads path over the defaults, then applies ECONOMY_* environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	set("ECONOMY_STORE_DRIVER", &c.Store.Driver)
	set("ECONOMY_STORE_DSN", &c.Store.DSN)
	set("ECONOMY_DEVICE_POLICY", &c.Store.DevicePolicy)
	set("ECONOMY_JWT_SECRET", &c.Auth.JWTSecret)
	set("ECONOMY_RECEIPT_SECRET", &c.Server.ReceiptSecret)
	set("ECONOMY_ADDR", &c.Server.Addr)
	set("ECONOMY_URL", &c.Client.BaseURL)
	set("ECONOMY_TOKEN", &c.Client.Token)
	set("ECONOMY_METRICS_FILE", &c.Client.MetricsFile)
	set("ECONOMY_LOG_LEVEL", &c.Log.Level)
	set("ECONOMY_SMTP_HOST", &c.Alerts.SMTPHost)
	set("ECONOMY_SMTP_PASSWORD", &c.Alerts.SMTPPassword)
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Store.DevicePolicy {
	case "flag", "reject":
	default:
		return fmt.Errorf("unknown device policy %q", c.Store.DevicePolicy)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Collector.Timeout.Duration <= 0 {
		return errors.New("collector.timeout must be positive")
	}
	if c.Collector.MeterInterval.Duration <= 0 || c.Collector.MeterInterval.Duration >= time.Second {
		return errors.New("collector.meter_interval must be between 0 and 1s")
	}
	if c.Scheduler.HoldingLifetime.Duration <= 0 {
		return errors.New("scheduler.holding_lifetime must be positive")
	}
	return nil
}
