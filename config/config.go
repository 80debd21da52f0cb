// Package config loads process configuration from an optional
// config.json, an optional .env file (loaded via github.com/joho/godotenv)
// and environment variables. Only the DSN, the secret fields (venue API
// and secret keys, Redis password, Vault token, JWT secret) and the Vault
// CA certificate keep a config.json value when their environment variable
// is unset; every other field takes its built-in default instead.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration.
type Config struct {
	DatabaseConfig  DatabaseConfig  `json:"database"`
	VenueConfig     VenueConfig     `json:"venue"`
	KlineConfig     KlineConfig     `json:"kline"`
	IndicatorConfig IndicatorConfig `json:"indicator"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	SandboxConfig   SandboxConfig   `json:"sandbox"`
	RedisConfig     RedisConfig     `json:"redis"`
	VaultConfig     VaultConfig     `json:"vault"`
	ServerConfig    ServerConfig    `json:"server"`
	AuthConfig      AuthConfig      `json:"auth"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// DatabaseConfig holds the Postgres connection.
type DatabaseConfig struct {
	DSN             string `json:"dsn"`
	MaxConns        int    `json:"max_conns"`
	MinConns        int    `json:"min_conns"`
}

// VenueConfig holds the upstream Binance-compatible venue settings.
type VenueConfig struct {
	Exchange  string `json:"exchange"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// KlineConfig governs the ingestion manager.
type KlineConfig struct {
	RetentionDays     int           `json:"retention_days"`
	RefreshEvery      time.Duration `json:"refresh_every"`
	MaxConcurrency    int           `json:"max_concurrency"`
	TrimEvery         time.Duration `json:"trim_every"`
	InterSymbolPace   time.Duration `json:"inter_symbol_pace"`
	InterPagePace     time.Duration `json:"inter_page_pace"`
	ActiveStatuses    []string      `json:"active_project_statuses"`
}

// IndicatorConfig bounds the series cache the indicator engine reads from.
type IndicatorConfig struct {
	MaxCandles int `json:"max_candles"`
}

// SchedulerConfig governs the claim loop.
type SchedulerConfig struct {
	TickEvery   time.Duration `json:"tick_every"`
	ClaimLimit  int           `json:"claim_limit"`
}

// SandboxConfig bounds the restricted VM execution.
type SandboxConfig struct {
	Timeout time.Duration `json:"timeout"`
}

// RedisConfig backs the ingestion pacer's shared rate limiter.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration used to fetch the
// mandatory database credential at startup.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// ServerConfig holds the ops HTTP/WS server configuration.
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	Production      bool   `json:"production"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// AuthConfig gates the ops API's mutating endpoints with a bearer token,
// not a user-facing auth system.
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
}

// LoggingConfig configures internal/logging.Logger.
type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// Load reads an optional config.json, then an optional .env file, then
// applies environment variables (which always win). Fields that
// applyEnvOverrides sets from a built-in default ignore their config.json
// value.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	_ = godotenv.Load() // optional; missing .env is not an error

	applyEnvOverrides(cfg)

	if cfg.DatabaseConfig.DSN == "" && !cfg.VaultConfig.Enabled {
		return nil, fmt.Errorf("config: DATABASE_DSN is required when VAULT_ENABLED is false")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabaseConfig.DSN = getEnvOrDefault("DATABASE_DSN", cfg.DatabaseConfig.DSN)
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DATABASE_MAX_CONNS", 10)
	cfg.DatabaseConfig.MinConns = getEnvIntOrDefault("DATABASE_MIN_CONNS", 2)

	cfg.VenueConfig.Exchange = getEnvOrDefault("VENUE_EXCHANGE", "binance")
	cfg.VenueConfig.BaseURL = getEnvOrDefault("VENUE_BASE_URL", "")
	cfg.VenueConfig.APIKey = getEnvOrDefault("VENUE_API_KEY", cfg.VenueConfig.APIKey)
	cfg.VenueConfig.SecretKey = getEnvOrDefault("VENUE_SECRET_KEY", cfg.VenueConfig.SecretKey)

	cfg.KlineConfig.RetentionDays = getEnvIntOrDefault("KLINE_RETENTION_DAYS", 30)
	refresh := getEnvDurationMsOrDefault("KLINE_REFRESH_EVERY_MS", 60000)
	if refresh < 10*time.Second {
		refresh = 10 * time.Second
	}
	cfg.KlineConfig.RefreshEvery = refresh
	cfg.KlineConfig.MaxConcurrency = getEnvIntOrDefault("KLINE_MAX_CONCURRENCY", 3)
	cfg.KlineConfig.TrimEvery = getEnvDurationOrDefault("KLINE_TRIM_EVERY", time.Hour)
	cfg.KlineConfig.InterSymbolPace = getEnvDurationOrDefault("KLINE_INTER_SYMBOL_PACE", 150*time.Millisecond)
	cfg.KlineConfig.InterPagePace = getEnvDurationOrDefault("KLINE_INTER_PAGE_PACE", 120*time.Millisecond)
	statuses := getEnvOrDefault("ACTIVE_PROJECT_STATUSES", "live,running")
	cfg.KlineConfig.ActiveStatuses = splitCSV(statuses)

	maxCandles := getEnvIntOrDefault("INDICATOR_MAX_CANDLES", 5000)
	if maxCandles < 50 {
		maxCandles = 50
	}
	cfg.IndicatorConfig.MaxCandles = maxCandles

	cfg.SchedulerConfig.TickEvery = getEnvDurationOrDefault("SCHEDULER_TICK_EVERY", 2*time.Second)
	cfg.SchedulerConfig.ClaimLimit = getEnvIntOrDefault("SCHEDULER_CLAIM_LIMIT", 10)

	cfg.SandboxConfig.Timeout = getEnvDurationMsOrDefault("SANDBOX_TIMEOUT_MS", 5000)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "strategy-runner")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.Production = getEnvOrDefault("SERVER_PRODUCTION", "false") == "true"
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvDurationMsOrDefault reads key as a plain integer count of
// milliseconds, for the *_MS environment variables.
func getEnvDurationMsOrDefault(key string, defaultMs int) time.Duration {
	ms := getEnvIntOrDefault(key, defaultMs)
	return time.Duration(ms) * time.Millisecond
}
