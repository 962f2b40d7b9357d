// Package platform loads process configuration from the environment.
package platform

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adred-codev/stomp_poc/internal/types"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the broker configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listener
	// Required, from the positional arguments or the environment
	Port int    `env:"STOMP_PORT"`
	Mode string `env:"STOMP_MODE"` // tpc | blocking | reactor

	// Reactor worker pool
	Workers     int `env:"STOMP_WORKERS" envDefault:"5"`
	WorkerQueue int `env:"STOMP_WORKER_QUEUE" envDefault:"1024"`

	// Optional STOMP-over-WebSocket listener (tpc mode only)
	WSAddr string `env:"STOMP_WS_ADDR"`

	// Admin HTTP (/health, /metrics, /report); empty disables
	AdminAddr string `env:"ADMIN_ADDR" envDefault:":9090"`

	// Account store ("memory" keeps accounts in process)
	AccountsAddr    string        `env:"ACCOUNTS_ADDR" envDefault:"127.0.0.1:7778"`
	AccountsTimeout time.Duration `env:"ACCOUNTS_TIMEOUT" envDefault:"2s"`

	// Optional NATS bridge between broker nodes
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"stomp.broadcast"`

	// Admission control
	MaxConnections     int     `env:"MAX_CONNECTIONS" envDefault:"10000"`
	MaxGoroutines      int     `env:"MAX_GOROUTINES" envDefault:"0"`
	MemoryLimit        int64   `env:"MEMORY_LIMIT" envDefault:"0"`
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"0"`

	// Per-IP connection limit is off while either value is 0
	ConnRateIPBurst      int     `env:"CONN_RATE_IP_BURST" envDefault:"0"`
	ConnRateIPPerSec     float64 `env:"CONN_RATE_IP_PER_SEC" envDefault:"0"`
	ConnRateGlobalBurst  int     `env:"CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalPerSec float64 `env:"CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from an optional .env file and the
// environment, then applies the positional arguments "[port] [mode]".
// Priority: args > ENV vars > .env file > defaults. Port and mode have no
// defaults; leaving either unset is an error.
func LoadConfig(args []string, logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(args) > 2 {
		return nil, fmt.Errorf("usage: stomp-server [port] [tpc|reactor]")
	}
	if len(args) >= 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		cfg.Port = port
	}
	if len(args) == 2 {
		cfg.Mode = args[1]
	}
	if _, ok := os.LookupEnv("STOMP_PORT"); !ok && len(args) < 1 {
		return nil, fmt.Errorf("listen port is required (argument or STOMP_PORT)")
	}
	if strings.TrimSpace(cfg.Mode) == "" {
		return nil, fmt.Errorf("server mode is required (argument or STOMP_MODE)")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("STOMP_PORT must be 0-65535, got %d", c.Port)
	}

	mode, err := types.ParseMode(c.Mode)
	if err != nil {
		return fmt.Errorf("STOMP_MODE: %w", err)
	}
	if mode == types.ModeReactor {
		if c.Workers < 1 {
			return fmt.Errorf("STOMP_WORKERS must be > 0, got %d", c.Workers)
		}
		if c.WorkerQueue < 1 {
			return fmt.Errorf("STOMP_WORKER_QUEUE must be > 0, got %d", c.WorkerQueue)
		}
		if c.WSAddr != "" {
			return fmt.Errorf("STOMP_WS_ADDR is only supported in tpc mode")
		}
	}

	if c.AccountsAddr == "" {
		return fmt.Errorf("ACCOUNTS_ADDR is required")
	}
	if c.AccountsTimeout <= 0 {
		return fmt.Errorf("ACCOUNTS_TIMEOUT must be > 0, got %s", c.AccountsTimeout)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be >= 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.ConnRateIPBurst < 0 || c.ConnRateIPPerSec < 0 || c.ConnRateGlobalPerSec < 0 {
		return fmt.Errorf("connection rates must be >= 0")
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL must be > 0, got %s", c.MetricsInterval)
	}

	if err := validateLogging(c.LogLevel, c.LogFormat); err != nil {
		return err
	}
	return nil
}

// ServerMode returns the parsed execution mode. Call after Validate.
func (c *Config) ServerMode() types.Mode {
	mode, _ := types.ParseMode(c.Mode)
	return mode
}

// ListenAddr returns the TCP address of the STOMP listener.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// LogConfig logs the configuration with structured fields
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("port", c.Port).
		Str("mode", string(c.ServerMode())).
		Int("workers", c.Workers).
		Int("worker_queue", c.WorkerQueue).
		Str("ws_addr", c.WSAddr).
		Str("admin_addr", c.AdminAddr).
		Str("accounts_addr", c.AccountsAddr).
		Dur("accounts_timeout", c.AccountsTimeout).
		Bool("nats_bridge", c.NATSURL != "").
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

// AccountStoreConfig holds the account store sidecar configuration.
type AccountStoreConfig struct {
	Addr      string `env:"ACCOUNTSTORE_ADDR" envDefault:"127.0.0.1:7778"`
	DBPath    string `env:"ACCOUNTSTORE_DB" envDefault:"stomp_server.db"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadAccountStoreConfig reads the sidecar configuration from the
// environment (and an optional .env file).
func LoadAccountStoreConfig() (*AccountStoreConfig, error) {
	_ = godotenv.Load()

	cfg := &AccountStoreConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("ACCOUNTSTORE_ADDR is required")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("ACCOUNTSTORE_DB is required")
	}
	if err := validateLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateLogging(level, format string) error {
	switch types.LogLevel(level) {
	case types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", level)
	}
	switch types.LogFormat(format) {
	case types.LogFormatJSON, types.LogFormatPretty:
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", format)
	}
	return nil
}
