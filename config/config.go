/*
config.go - Process configuration

PURPOSE:
  Reads every setting the server needs from the environment. A .env file
  in the working directory is loaded first (godotenv never overrides a
  variable that is already set), then viper resolves each key with the
  defaults below.

KEYS:
  APP_ENV                development | staging | production
  APP_NAME               service name in logs and traces
  DB_DRIVER              sqlite | postgres
  DB_PATH                SQLite file, ":memory:" for a throwaway database
  DATABASE_URL           Postgres connection string
  DB_MAX_CONNS           Postgres pool size
  HTTP_HOST, HTTP_PORT   listen address
  HTTP_ALLOWED_ORIGINS   comma separated CORS origins
  HOLD_TTL               default hold lifetime (Go duration)
  MAX_TX_ATTEMPTS        attempts for transient store failures
  FEE_DUE_DAYS           days until a transfer fee falls due
  SWEEPER_ENABLED        run the hold-expiry sweeper
  SWEEPER_INTERVAL       time between sweeps
  SWEEPER_CONCURRENCY    holds expired in parallel per sweep
  SWEEPER_BATCH_SIZE     max holds per sweep, 0 for all
  LOG_LEVEL              trace | debug | info | warn | error
  OTEL_EXPORTER_OTLP_ENDPOINT  tracing collector, empty disables export

USAGE:
  cfg, err := config.Load()
  if err != nil { ... }
  srv := &http.Server{Addr: cfg.HTTP.Addr()}

SEE ALSO:
  - cmd/server/main.go: consumes Config
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config groups the application settings.
type Config struct {
	App       AppConfig
	DB        DBConfig
	HTTP      HTTPConfig
	Engine    EngineConfig
	Sweeper   SweeperConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type AppConfig struct {
	Env  string
	Name string
}

// DBConfig selects the ledger store.
type DBConfig struct {
	Driver   string // sqlite or postgres
	Path     string
	URL      string
	MaxConns int
}

type HTTPConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// Addr returns host:port for http.Server.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EngineConfig tunes the lifecycle engine.
type EngineConfig struct {
	HoldTTL       time.Duration
	MaxTxAttempts int
	FeeDueDays    int
}

type SweeperConfig struct {
	Enabled     bool
	Interval    time.Duration
	Concurrency int
	BatchSize   int
}

type LogConfig struct {
	Level string
}

type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
	Insecure    bool
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads .env files (default ".env") and the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// A missing file is fine; the environment may carry everything.
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Env:  v.GetString("APP_ENV"),
			Name: v.GetString("APP_NAME"),
		},
		DB: DBConfig{
			Driver:   strings.ToLower(v.GetString("DB_DRIVER")),
			Path:     v.GetString("DB_PATH"),
			URL:      v.GetString("DATABASE_URL"),
			MaxConns: v.GetInt("DB_MAX_CONNS"),
		},
		HTTP: HTTPConfig{
			Host:           v.GetString("HTTP_HOST"),
			Port:           v.GetInt("HTTP_PORT"),
			AllowedOrigins: splitList(v.GetString("HTTP_ALLOWED_ORIGINS")),
		},
		Engine: EngineConfig{
			HoldTTL:       v.GetDuration("HOLD_TTL"),
			MaxTxAttempts: v.GetInt("MAX_TX_ATTEMPTS"),
			FeeDueDays:    v.GetInt("FEE_DUE_DAYS"),
		},
		Sweeper: SweeperConfig{
			Enabled:     v.GetBool("SWEEPER_ENABLED"),
			Interval:    v.GetDuration("SWEEPER_INTERVAL"),
			Concurrency: v.GetInt("SWEEPER_CONCURRENCY"),
			BatchSize:   v.GetInt("SWEEPER_BATCH_SIZE"),
		},
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName: v.GetString("OTEL_SERVICE_NAME"),
			Insecure:    v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
		},
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "booking-engine")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("DB_PATH", "booking.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("HTTP_HOST", "")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("HTTP_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:8080")
	v.SetDefault("HOLD_TTL", "30m")
	v.SetDefault("MAX_TX_ATTEMPTS", 3)
	v.SetDefault("FEE_DUE_DAYS", 30)
	v.SetDefault("SWEEPER_ENABLED", true)
	v.SetDefault("SWEEPER_INTERVAL", "1m")
	v.SetDefault("SWEEPER_CONCURRENCY", 4)
	v.SetDefault("SWEEPER_BATCH_SIZE", 500)
	v.SetDefault("LOG_LEVEL", "info")
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DriverSQLite:
		if c.DB.Path == "" {
			return fmt.Errorf("config: DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q", c.DB.Driver)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: HTTP_PORT %d out of range", c.HTTP.Port)
	}
	if c.Engine.HoldTTL <= 0 {
		return fmt.Errorf("config: HOLD_TTL must be positive")
	}
	if c.Engine.MaxTxAttempts < 1 {
		return fmt.Errorf("config: MAX_TX_ATTEMPTS must be at least 1")
	}
	if c.Engine.FeeDueDays < 0 {
		return fmt.Errorf("config: FEE_DUE_DAYS must not be negative")
	}
	if c.Sweeper.Enabled {
		if c.Sweeper.Interval <= 0 {
			return fmt.Errorf("config: SWEEPER_INTERVAL must be positive")
		}
		if c.Sweeper.Concurrency < 1 {
			return fmt.Errorf("config: SWEEPER_CONCURRENCY must be at least 1")
		}
	}
	return nil
}

// IsDevelopment reports whether APP_ENV is development.
func (c *Config) IsDevelopment() bool { return c.App.Env == "development" }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
