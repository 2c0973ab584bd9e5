// Package config handles labcal configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. LABCAL_SERVER_PORT.
const EnvPrefix = "LABCAL"

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `mapstructure:"data_dir"`

	// Server
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`

	// Storage
	Storage StorageConfig `mapstructure:"storage"`
	Secrets SecretsConfig `mapstructure:"secrets"`
	Legacy  LegacyConfig  `mapstructure:"legacy"`

	// Provider and calendar behaviour
	Google  GoogleConfig  `mapstructure:"google"`
	OAuth   OAuthConfig   `mapstructure:"oauth"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Webhook WebhookConfig `mapstructure:"webhook"`

	// Infrastructure
	Redis   RedisConfig   `mapstructure:"redis"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	PublicURL       string        `mapstructure:"public_url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig for bearer token validation of API callers
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// StorageConfig for the local SQLite database
type StorageConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// SecretsConfig selects and configures the credential store backend
type SecretsConfig struct {
	Backend    string `mapstructure:"backend"` // sqlite | gsm
	Passphrase string `mapstructure:"passphrase"`
	GCPProject string `mapstructure:"gcp_project"`
	Prefix     string `mapstructure:"prefix"`
}

// LegacyConfig points at the insecure store credentials are migrated from
type LegacyConfig struct {
	Backend     string `mapstructure:"backend"` // mongo | postgres | none
	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDB     string `mapstructure:"mongo_db"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// GoogleConfig for the Google Calendar OAuth client
type GoogleConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURL  string        `mapstructure:"redirect_url"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// OAuthConfig for the connection manager
type OAuthConfig struct {
	StateTTL      time.Duration `mapstructure:"state_ttl"`
	StateBackend  string        `mapstructure:"state_backend"` // memory | redis
	RefreshMargin time.Duration `mapstructure:"refresh_margin"`
}

// SyncConfig for the sync engine
type SyncConfig struct {
	WindowPast   time.Duration `mapstructure:"window_past"`
	WindowFuture time.Duration `mapstructure:"window_future"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	Workers      int           `mapstructure:"workers"`
	PageSize     int64         `mapstructure:"page_size"`
}

// WebhookConfig for push notification channels
type WebhookConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Address     string        `mapstructure:"address"`
	ChannelTTL  time.Duration `mapstructure:"channel_ttl"`
	RenewBefore time.Duration `mapstructure:"renew_before"`
	RenewAt     string        `mapstructure:"renew_at"` // HH:MM daily
	RateLimit   float64       `mapstructure:"rate_limit"`
	Burst       int           `mapstructure:"burst"`
}

// RedisConfig for state storage and the task queue
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig selects how sync jobs are dispatched
type QueueConfig struct {
	Backend     string `mapstructure:"backend"` // local | asynq
	Concurrency int    `mapstructure:"concurrency"`
	QueueName   string `mapstructure:"queue_name"`
}

// LogConfig for structured logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// MetricsConfig for the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig for OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".labcal")

	return &Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Port:            8080,
			Host:            "localhost",
			PublicURL:       "http://localhost:8080",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{Issuer: "labcal"},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "labcal.db"),
		},
		Secrets: SecretsConfig{
			Backend: "sqlite",
			Prefix:  "labcal-calendar",
		},
		Legacy: LegacyConfig{
			Backend: "none",
			MongoDB: "labcal",
		},
		Google: GoogleConfig{
			Scopes: []string{
				"https://www.googleapis.com/auth/calendar.readonly",
				"https://www.googleapis.com/auth/userinfo.email",
			},
			Timeout: 30 * time.Second,
		},
		OAuth: OAuthConfig{
			StateTTL:      10 * time.Minute,
			StateBackend:  "memory",
			RefreshMargin: 5 * time.Minute,
		},
		Sync: SyncConfig{
			WindowPast:   183 * 24 * time.Hour,
			WindowFuture: 365 * 24 * time.Hour,
			Interval:     time.Hour,
			MaxAttempts:  3,
			BaseBackoff:  time.Second,
			MaxBackoff:   30 * time.Second,
			Workers:      4,
			PageSize:     250,
		},
		Webhook: WebhookConfig{
			Enabled:     true,
			ChannelTTL:  7 * 24 * time.Hour,
			RenewBefore: 48 * time.Hour,
			RenewAt:     "03:00",
			RateLimit:   20,
			Burst:       40,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Backend:     "local",
			Concurrency: 4,
			QueueName:   "calendar-sync",
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracing: TracingConfig{ServiceName: "labcal"},
	}
}

// Load loads config from file, falling back to defaults.
// Precedence: defaults < file < .env < LABCAL_* environment.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables always win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("labcal")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath("/etc/labcal")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.public_url", d.Server.PublicURL)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)

	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.in_memory", d.Storage.InMemory)

	v.SetDefault("secrets.backend", d.Secrets.Backend)
	v.SetDefault("secrets.passphrase", d.Secrets.Passphrase)
	v.SetDefault("secrets.gcp_project", d.Secrets.GCPProject)
	v.SetDefault("secrets.prefix", d.Secrets.Prefix)

	v.SetDefault("legacy.backend", d.Legacy.Backend)
	v.SetDefault("legacy.mongo_uri", d.Legacy.MongoURI)
	v.SetDefault("legacy.mongo_db", d.Legacy.MongoDB)
	v.SetDefault("legacy.postgres_dsn", d.Legacy.PostgresDSN)

	v.SetDefault("google.client_id", d.Google.ClientID)
	v.SetDefault("google.client_secret", d.Google.ClientSecret)
	v.SetDefault("google.redirect_url", d.Google.RedirectURL)
	v.SetDefault("google.scopes", d.Google.Scopes)
	v.SetDefault("google.timeout", d.Google.Timeout)

	v.SetDefault("oauth.state_ttl", d.OAuth.StateTTL)
	v.SetDefault("oauth.state_backend", d.OAuth.StateBackend)
	v.SetDefault("oauth.refresh_margin", d.OAuth.RefreshMargin)

	v.SetDefault("sync.window_past", d.Sync.WindowPast)
	v.SetDefault("sync.window_future", d.Sync.WindowFuture)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.base_backoff", d.Sync.BaseBackoff)
	v.SetDefault("sync.max_backoff", d.Sync.MaxBackoff)
	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.page_size", d.Sync.PageSize)

	v.SetDefault("webhook.enabled", d.Webhook.Enabled)
	v.SetDefault("webhook.address", d.Webhook.Address)
	v.SetDefault("webhook.channel_ttl", d.Webhook.ChannelTTL)
	v.SetDefault("webhook.renew_before", d.Webhook.RenewBefore)
	v.SetDefault("webhook.renew_at", d.Webhook.RenewAt)
	v.SetDefault("webhook.rate_limit", d.Webhook.RateLimit)
	v.SetDefault("webhook.burst", d.Webhook.Burst)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("queue.backend", d.Queue.Backend)
	v.SetDefault("queue.concurrency", d.Queue.Concurrency)
	v.SetDefault("queue.queue_name", d.Queue.QueueName)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Validate checks the settings required to run the server.
func (c *Config) Validate() error {
	var problems []string
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		problems = append(problems, "google.client_id and google.client_secret are required")
	}
	if c.Google.RedirectURL == "" {
		problems = append(problems, "google.redirect_url is required")
	}
	if c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret is required")
	}
	switch c.Secrets.Backend {
	case "sqlite":
		if c.Secrets.Passphrase == "" {
			problems = append(problems, "secrets.passphrase is required for the sqlite backend")
		}
	case "gsm":
		if c.Secrets.GCPProject == "" {
			problems = append(problems, "secrets.gcp_project is required for the gsm backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown secrets.backend %q", c.Secrets.Backend))
	}
	if c.Sync.WindowPast <= 0 || c.Sync.WindowFuture <= 0 {
		problems = append(problems, "sync window bounds must be positive")
	}
	if c.Sync.MaxAttempts < 1 {
		problems = append(problems, "sync.max_attempts must be at least 1")
	}
	if c.Webhook.Enabled && c.Webhook.Address == "" {
		problems = append(problems, "webhook.address is required when webhooks are enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
