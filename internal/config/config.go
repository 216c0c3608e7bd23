package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultEnvFile         = ".env"
	DefaultHTTPAddr        = ":8080"
	DefaultJWTExpiresIn    = "24h"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "omnibox"
	DefaultPGSSLMode       = "disable"
	DefaultStorageDriver   = "postgres"
	DefaultRedisChannel    = "omnibox:events"
	DefaultInboundWorkers  = 8
	DefaultInboundQueue    = 256
	DefaultTelegramGrace   = "5s"
	DefaultSlackSchedule   = "@every 1m"
	DefaultSlackLookback   = "24h"
	DefaultSlackRate       = 1.0
	DefaultMatrixSyncLimit = "30s"
	DefaultRulesTimeout    = "5s"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Admin    AdminConfig    `toml:"admin"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Storage  StorageConfig  `toml:"storage"`
	Redis    RedisConfig    `toml:"redis"`
	Routing  RoutingConfig  `toml:"routing"`
	Telegram TelegramConfig `toml:"telegram"`
	WhatsApp WhatsAppConfig `toml:"whatsapp"`
	Slack    SlackConfig    `toml:"slack"`
	Matrix   MatrixConfig   `toml:"matrix"`
	Rules    RulesConfig    `toml:"rules"`
}

type LogConfig struct {
	Level  string `toml:"level"  env:"OMNIBOX_LOG_LEVEL"`
	Format string `toml:"format" env:"OMNIBOX_LOG_FORMAT"`
}

type ServerConfig struct {
	Addr string `toml:"addr" env:"OMNIBOX_SERVER_ADDR"`
	// PublicURL is the externally reachable base URL, used for OAuth redirects.
	PublicURL string `toml:"public_url" env:"OMNIBOX_PUBLIC_URL"`
}

type AdminConfig struct {
	Username string `toml:"username" env:"OMNIBOX_ADMIN_USERNAME"`
	Password string `toml:"password" env:"OMNIBOX_ADMIN_PASSWORD"`
	Email    string `toml:"email"    env:"OMNIBOX_ADMIN_EMAIL"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"     env:"OMNIBOX_JWT_SECRET"`
	JWTExpiresIn string `toml:"jwt_expires_in" env:"OMNIBOX_JWT_EXPIRES_IN"`
}

type PostgresConfig struct {
	Host     string     `toml:"host"     env:"OMNIBOX_PG_HOST"`
	Port     int        `toml:"port"     env:"OMNIBOX_PG_PORT"`
	User     string     `toml:"user"     env:"OMNIBOX_PG_USER"`
	Password string     `toml:"password" env:"OMNIBOX_PG_PASSWORD"`
	Database string     `toml:"database" env:"OMNIBOX_PG_DATABASE"`
	SSLMode  string     `toml:"sslmode"  env:"OMNIBOX_PG_SSLMODE"`
	Pool     PoolConfig `toml:"pool"`
}

// PoolConfig tunes pgxpool; zero values keep the built-in defaults.
type PoolConfig struct {
	MaxConns        int32  `toml:"max_conns"          env:"OMNIBOX_PG_MAX_CONNS"`
	MinConns        int32  `toml:"min_conns"          env:"OMNIBOX_PG_MIN_CONNS"`
	MaxConnLifetime string `toml:"max_conn_lifetime"  env:"OMNIBOX_PG_MAX_CONN_LIFETIME"`
	MaxConnIdleTime string `toml:"max_conn_idle_time" env:"OMNIBOX_PG_MAX_CONN_IDLE_TIME"`
}

// DSN renders the connection URL understood by pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `toml:"driver" env:"OMNIBOX_STORAGE_DRIVER"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"     env:"OMNIBOX_REDIS_ADDR"`
	Password string `toml:"password" env:"OMNIBOX_REDIS_PASSWORD"`
	DB       int    `toml:"db"       env:"OMNIBOX_REDIS_DB"`
	Channel  string `toml:"channel"  env:"OMNIBOX_REDIS_CHANNEL"`
}

// Enabled reports whether the cross-process relay should run.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type RoutingConfig struct {
	// StrictOwnership disables the first-account heuristic for unknown rooms.
	StrictOwnership bool `toml:"strict_ownership" env:"OMNIBOX_ROUTING_STRICT_OWNERSHIP"`
	InboundWorkers  int  `toml:"inbound_workers"  env:"OMNIBOX_ROUTING_INBOUND_WORKERS"`
	InboundQueue    int  `toml:"inbound_queue"    env:"OMNIBOX_ROUTING_INBOUND_QUEUE"`
}

type TelegramConfig struct {
	GracePeriod string `toml:"grace_period" env:"OMNIBOX_TELEGRAM_GRACE_PERIOD"`
}

type WhatsAppConfig struct {
	Enabled bool `toml:"enabled" env:"OMNIBOX_WHATSAPP_ENABLED"`
}

type SlackConfig struct {
	ClientID      string  `toml:"client_id"       env:"OMNIBOX_SLACK_CLIENT_ID"`
	ClientSecret  string  `toml:"client_secret"   env:"OMNIBOX_SLACK_CLIENT_SECRET"`
	RedirectURI   string  `toml:"redirect_uri"    env:"OMNIBOX_SLACK_REDIRECT_URI"`
	PollSchedule  string  `toml:"poll_schedule"   env:"OMNIBOX_SLACK_POLL_SCHEDULE"`
	Lookback      string  `toml:"lookback"        env:"OMNIBOX_SLACK_LOOKBACK"`
	RatePerSecond float64 `toml:"rate_per_second" env:"OMNIBOX_SLACK_RATE_PER_SECOND"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"   env:"OMNIBOX_MATRIX_HOMESERVER"`
	UserID      string `toml:"user_id"      env:"OMNIBOX_MATRIX_USER_ID"`
	AccessToken string `toml:"access_token" env:"OMNIBOX_MATRIX_ACCESS_TOKEN"`
	DeviceID    string `toml:"device_id"    env:"OMNIBOX_MATRIX_DEVICE_ID"`
	PickleKey   string `toml:"pickle_key"   env:"OMNIBOX_MATRIX_PICKLE_KEY"`
	SyncTimeout string `toml:"sync_timeout" env:"OMNIBOX_MATRIX_SYNC_TIMEOUT"`
}

// Enabled reports whether a process-wide Matrix session is configured.
func (c MatrixConfig) Enabled() bool {
	return c.Homeserver != "" && c.UserID != "" && c.AccessToken != ""
}

type RulesConfig struct {
	// Endpoint of the external rule engine; empty disables rules.
	Endpoint string `toml:"endpoint" env:"OMNIBOX_RULES_ENDPOINT"`
	Timeout  string `toml:"timeout"  env:"OMNIBOX_RULES_TIMEOUT"`
}

// Defaults returns the configuration used before any file or env overlay.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "change-your-password-here",
			Email:    "you@example.com",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
		},
		Redis: RedisConfig{
			Channel: DefaultRedisChannel,
		},
		Routing: RoutingConfig{
			InboundWorkers: DefaultInboundWorkers,
			InboundQueue:   DefaultInboundQueue,
		},
		Telegram: TelegramConfig{
			GracePeriod: DefaultTelegramGrace,
		},
		WhatsApp: WhatsAppConfig{
			Enabled: true,
		},
		Slack: SlackConfig{
			PollSchedule:  DefaultSlackSchedule,
			Lookback:      DefaultSlackLookback,
			RatePerSecond: DefaultSlackRate,
		},
		Matrix: MatrixConfig{
			SyncTimeout: DefaultMatrixSyncLimit,
		},
		Rules: RulesConfig{
			Timeout: DefaultRulesTimeout,
		},
	}
}

// Load reads .env (if present), then the TOML file, then overlays
// OMNIBOX_* environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if err := godotenv.Load(DefaultEnvFile); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("load %s: %w", DefaultEnvFile, err)
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values that would fail later in a less obvious place.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("storage.driver: unsupported value %q", c.Storage.Driver)
	}
	durations := map[string]string{
		"auth.jwt_expires_in":   c.Auth.JWTExpiresIn,
		"telegram.grace_period": c.Telegram.GracePeriod,
		"slack.lookback":        c.Slack.Lookback,
		"matrix.sync_timeout":   c.Matrix.SyncTimeout,
		"rules.timeout":         c.Rules.Timeout,
	}
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Duration parses raw, falling back to def when it is empty or malformed.
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
