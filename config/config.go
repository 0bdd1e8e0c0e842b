package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Log           LogConfig           `yaml:"log"`
	Sync          SyncConfig          `yaml:"sync"`
	LocalProtocol LocalProtocolConfig `yaml:"local_protocol"`
	CloudAPI      CloudAPIConfig      `yaml:"cloud_api"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Push          PushConfig          `yaml:"push"`
	WorkerPool    WorkerPoolConfig    `yaml:"worker_pool"`
	Alerts        AlertsConfig        `yaml:"alerts"`
}

// WorkerPoolConfig holds the configuration for the alert worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// AlertsConfig controls administrator alerts for failing devices.
type AlertsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SuppressMinutes int           `yaml:"suppress_minutes"`
	Suppress        time.Duration `yaml:"-"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogSQL                 bool   `yaml:"log_sql"`
}

// SyncConfig holds orchestrator timing.
type SyncConfig struct {
	Timezone               string         `yaml:"timezone"`
	Location               *time.Location `yaml:"-"`
	ConnectTimeoutSeconds  int            `yaml:"connect_timeout_seconds"`
	FetchTimeoutSeconds    int            `yaml:"fetch_timeout_seconds"`
	LiveBackoffMinSeconds  int            `yaml:"live_backoff_min_seconds"`
	LiveBackoffMaxSeconds  int            `yaml:"live_backoff_max_seconds"`
	ShutdownTimeoutSeconds int            `yaml:"shutdown_timeout_seconds"`
	ConnectTimeout         time.Duration  `yaml:"-"`
	FetchTimeout           time.Duration  `yaml:"-"`
	LiveBackoffMin         time.Duration  `yaml:"-"`
	LiveBackoffMax         time.Duration  `yaml:"-"`
	ShutdownTimeout        time.Duration  `yaml:"-"`
}

// LocalProtocolConfig holds options for TCP terminals.
type LocalProtocolConfig struct {
	Password         int    `yaml:"password"`
	OmitPing         bool   `yaml:"omit_ping"`
	Encoding         string `yaml:"encoding"`
	KeepAliveSeconds int    `yaml:"keepalive_seconds"`
}

// CloudAPIConfig holds options for the token-authenticated cloud API.
type CloudAPIConfig struct {
	PerPage               int           `yaml:"per_page"`
	RequestTimeoutSeconds int           `yaml:"request_timeout_seconds"`
	RequestTimeout        time.Duration `yaml:"-"`
	RequestsPerSec        float64       `yaml:"requests_per_sec"`
	HTTPProxy             string        `yaml:"http_proxy"`
}

// LedgerConfig selects how punches reach the attendance ledger.
type LedgerConfig struct {
	Transport             string        `yaml:"transport"`
	URL                   string        `yaml:"url"`
	AMQPURL               string        `yaml:"amqp_url"`
	Exchange              string        `yaml:"exchange"`
	RequestTimeoutSeconds int           `yaml:"request_timeout_seconds"`
	RequestTimeout        time.Duration `yaml:"-"`
}

// DirectoryConfig points at the employee directory used to resolve cloud badges.
type DirectoryConfig struct {
	URL string `yaml:"url"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default filled in, suitable for tests.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() error {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds < 0 {
		cfg.Server.CacheTTLSeconds = 0
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "TEXT"
	}

	if cfg.Sync.Timezone == "" {
		cfg.Sync.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.Sync.Timezone)
	if err != nil {
		return err
	}
	cfg.Sync.Location = loc
	cfg.Sync.ConnectTimeout = secondsOr(cfg.Sync.ConnectTimeoutSeconds, 5)
	cfg.Sync.FetchTimeout = secondsOr(cfg.Sync.FetchTimeoutSeconds, 60)
	cfg.Sync.LiveBackoffMin = secondsOr(cfg.Sync.LiveBackoffMinSeconds, 1)
	cfg.Sync.LiveBackoffMax = secondsOr(cfg.Sync.LiveBackoffMaxSeconds, 60)
	cfg.Sync.ShutdownTimeout = secondsOr(cfg.Sync.ShutdownTimeoutSeconds, 10)
	if cfg.Sync.LiveBackoffMax < cfg.Sync.LiveBackoffMin {
		cfg.Sync.LiveBackoffMax = cfg.Sync.LiveBackoffMin
	}

	if cfg.LocalProtocol.Encoding == "" {
		cfg.LocalProtocol.Encoding = "utf-8"
	}

	if cfg.CloudAPI.PerPage <= 0 {
		cfg.CloudAPI.PerPage = 100
	}
	cfg.CloudAPI.RequestTimeout = secondsOr(cfg.CloudAPI.RequestTimeoutSeconds, 30)
	if cfg.CloudAPI.RequestsPerSec <= 0 {
		cfg.CloudAPI.RequestsPerSec = 5
	}

	if cfg.Ledger.Transport == "" {
		cfg.Ledger.Transport = "http"
	}
	if cfg.Ledger.Exchange == "" {
		cfg.Ledger.Exchange = "attendance.topic"
	}
	cfg.Ledger.RequestTimeout = secondsOr(cfg.Ledger.RequestTimeoutSeconds, 10)

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.Alerts.SuppressMinutes <= 0 {
		cfg.Alerts.SuppressMinutes = 15
	}
	cfg.Alerts.Suppress = time.Duration(cfg.Alerts.SuppressMinutes) * time.Minute

	if cfg.WorkerPool.Size <= 0 {
		slog.Warn("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	return nil
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// applyEnvOverrides lets deployment secrets live in the environment (or a .env
// file loaded at startup) instead of the YAML file.
func applyEnvOverrides(cfg *Config) {
	cfg.Database.DSN = getEnv("DATABASE_DSN", cfg.Database.DSN)
	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Ledger.URL = getEnv("LEDGER_URL", cfg.Ledger.URL)
	cfg.Ledger.AMQPURL = getEnv("AMQP_URL", cfg.Ledger.AMQPURL)
	cfg.Directory.URL = getEnv("DIRECTORY_URL", cfg.Directory.URL)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Push.PrivateKey = getEnv("VAPID_PRIVATE_KEY", cfg.Push.PrivateKey)
	cfg.LocalProtocol.Password = getEnvInt("LOCAL_PROTOCOL_PASSWORD", cfg.LocalProtocol.Password)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}
