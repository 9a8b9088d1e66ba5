// Package config provides configuration management for the trigger engine.
// It loads configuration from environment variables with sensible defaults
// and validates the result before the process starts firing triggers.
//
// Environment Variables:
//
// Application Settings:
//   - LOG_LEVEL: Logging level (default: info)
//   - FIRE_CONCURRENCY: Triggers processed concurrently per pass (default: 4)
//   - FETCH_TIMEOUT: Per-trigger provider call timeout (default: 30s)
//   - DELIVER_TIMEOUT: Per-item consumer call timeout (default: 30s)
//
// Database Configuration:
//   - DATABASE_TYPE: "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./triggerhappy.db)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//
// Redis Configuration (optional, enables cross-instance single-flight):
//   - REDIS_ADDRESS: Redis server address (empty disables Redis)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number (default: 0)
//
// Security Configuration:
//   - CREDENTIAL_ENCRYPTION_KEY: Passphrase encrypting stored credentials
//     (empty stores credentials in plaintext)
//   - AUTH_STATE_SECRET: Secret signing OAuth state tokens (required when
//     the authorization endpoints are served)
//
// Daemon / web mode:
//   - PORT: HTTP port for the authorization endpoints (default: 8080)
//   - BASE_URL: Externally reachable base URL for OAuth callbacks
//   - CRON_SCHEDULE: Cron expression for daemon mode passes (default: @every 5m)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the trigger engine
type Config struct {
	LogLevel string

	// Firing engine
	FireConcurrency int
	FetchTimeout    time.Duration
	DeliverTimeout  time.Duration

	// Database
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis (optional)
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	// Security
	CredentialEncryptionKey string
	AuthStateSecret         string

	// Daemon / web mode
	Port         string
	BaseURL      string
	CronSchedule string
}

// Load creates a Config from environment variables. Call Validate before
// using the result.
func Load() *Config {
	return &Config{
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		FireConcurrency: getEnvInt("FIRE_CONCURRENCY", 4),
		FetchTimeout:    getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		DeliverTimeout:  getEnvDuration("DELIVER_TIMEOUT", 30*time.Second),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./triggerhappy.db"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  os.Getenv("REDIS_ADDRESS"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		CredentialEncryptionKey: os.Getenv("CREDENTIAL_ENCRYPTION_KEY"),
		AuthStateSecret:         os.Getenv("AUTH_STATE_SECRET"),

		Port:         getEnv("PORT", "8080"),
		BaseURL:      getEnv("BASE_URL", "http://localhost:8080"),
		CronSchedule: getEnv("CRON_SCHEDULE", "@every 5m"),
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.DatabaseType {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for sqlite")
		}
	case "postgres":
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required for postgres")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required for postgres")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_TYPE %q (use sqlite or postgres)", c.DatabaseType)
	}

	if c.FireConcurrency < 1 {
		return fmt.Errorf("FIRE_CONCURRENCY must be at least 1, got %d", c.FireConcurrency)
	}

	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.DeliverTimeout <= 0 {
		return fmt.Errorf("DELIVER_TIMEOUT must be positive")
	}

	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15, got %d", c.RedisDB)
	}

	return nil
}

// PostgresDSN builds the connection string for the postgres adapter
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort,
		c.PostgresDB, c.PostgresSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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
