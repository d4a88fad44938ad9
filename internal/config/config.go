// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port         string
	Env          string // "development", "staging", "production"
	LogLevel     string
	LogFormat    string // "text" or "json"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Database (in-memory stores are used when DatabaseURL is empty)
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	StorageTimeout  time.Duration
	AutoMigrate     bool

	// Access
	GatewaySecret      string
	CORSAllowedOrigins []string

	// Rate limiting
	RateLimitRPS      int
	RateLimitBurst    int
	WriteLimitPerHour int
	MaxRequestSize    int64

	// Program lifecycle
	MaxProgramViolations  int
	ProgramExpirySchedule string

	// Tracing (disabled when empty)
	OTLPEndpoint string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultStorageTimeout        = 5 * time.Second
	DefaultRateLimitRPS          = 50
	DefaultRateLimitBurst        = 100
	DefaultWriteLimitPerHour     = 600
	DefaultMaxRequestSize        = 1 << 20
	DefaultMaxProgramViolations  = 3
	DefaultProgramExpirySchedule = "@every 1m"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		ReadTimeout:           getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:          getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:           getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		MaxOpenConns:          getEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:          getEnvInt("DB_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime:       getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		StorageTimeout:        getEnvDuration("STORAGE_TIMEOUT", DefaultStorageTimeout),
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", false),
		GatewaySecret:         os.Getenv("GATEWAY_SECRET"),
		CORSAllowedOrigins:    getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:          getEnvInt("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:        getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		WriteLimitPerHour:     getEnvInt("WRITE_LIMIT_PER_HOUR", DefaultWriteLimitPerHour),
		MaxRequestSize:        int64(getEnvInt("MAX_REQUEST_SIZE", DefaultMaxRequestSize)),
		MaxProgramViolations:  getEnvInt("MAX_PROGRAM_VIOLATIONS", DefaultMaxProgramViolations),
		ProgramExpirySchedule: getEnv("PROGRAM_EXPIRY_SCHEDULE", DefaultProgramExpirySchedule),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("ENV must be one of development, staging, production, test (got %q)", c.Env)
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.GatewaySecret == "" {
			return fmt.Errorf("GATEWAY_SECRET is required in production")
		}
	}

	if c.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.WriteLimitPerHour <= 0 {
		return fmt.Errorf("WRITE_LIMIT_PER_HOUR must be positive")
	}
	if c.MaxProgramViolations <= 0 {
		return fmt.Errorf("MAX_PROGRAM_VIOLATIONS must be positive")
	}
	if _, err := cron.ParseStandard(c.ProgramExpirySchedule); err != nil {
		return fmt.Errorf("PROGRAM_EXPIRY_SCHEDULE is invalid: %w", err)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
