// Package config provides configuration management for the harvest pool
// services. It loads configuration from environment variables and .env
// files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Pool      PoolConfig
	RateLimit RateLimitConfig
	Probe     ProbeConfig
	Logging   LoggingConfig
}

// ServerConfig holds ops API server configuration
type ServerConfig struct {
	Host string
	Port string
	// RPS is the per-client request budget for the ops API.
	RPS int
}

// DatabaseConfig holds all store configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
}

// PostgresConfig holds row store configuration (accounts, proxies,
// checkpoints)
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds bucket store configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ClickHouseConfig holds the optional transition audit sink
// configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// PoolConfig holds account and proxy pool tuning
type PoolConfig struct {
	// CooldownBad gates an account after a failed release.
	CooldownBad time.Duration
	// CooldownRate gates an account after an explicit rate-limit signal.
	CooldownRate time.Duration
	// QuarantineFails is the fail_count at which an account is
	// quarantined.
	QuarantineFails int
	// LeaseTTL bounds how long a claim survives a crashed holder before
	// the account becomes claimable again.
	LeaseTTL time.Duration
	// ProxyFailStreak is the consecutive-failure count at which rotation
	// skips a proxy.
	ProxyFailStreak int
}

// RateLimitConfig holds token bucket limiter configuration
type RateLimitConfig struct {
	// HeavyBucketName is the well-known scope gating the expensive
	// operation class shared by all workers.
	HeavyBucketName       string
	HeavyBucketCapacity   float64
	HeavyBucketRefillRate float64
	// AcquirePollInterval bounds how often a blocked acquire re-polls
	// the bucket.
	AcquirePollInterval time.Duration
}

// ProbeConfig holds health probe loop configuration
type ProbeConfig struct {
	Enabled     bool
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	// URL is the low-cost endpoint probed with each account's
	// credential.
	URL string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
			RPS:  getEnvAsInt("OPS_RPS", 20),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "harvest_pool"),
				User:           getEnv("POSTGRES_USER", "pool"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNS", 10),
			},
			Redis: RedisConfig{
				Host:     getEnv("REDIS_HOST", "localhost"),
				Port:     getEnv("REDIS_PORT", "6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvAsInt("REDIS_DB", 0),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "harvest_pool"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
		},
		Pool: PoolConfig{
			CooldownBad:     getEnvAsDuration("COOLDOWN_BAD", 60*time.Second),
			CooldownRate:    getEnvAsDuration("COOLDOWN_RATE", 120*time.Second),
			QuarantineFails: getEnvAsInt("QUARANTINE_FAILS", 5),
			LeaseTTL:        getEnvAsDuration("LEASE_TTL", 15*time.Minute),
			ProxyFailStreak: getEnvAsInt("PROXY_FAIL_STREAK", 5),
		},
		RateLimit: RateLimitConfig{
			HeavyBucketName:       getEnv("HEAVY_BUCKET_NAME", "heavy"),
			HeavyBucketCapacity:   getEnvAsFloat("HEAVY_BUCKET_CAPACITY", 5.0),
			HeavyBucketRefillRate: getEnvAsFloat("HEAVY_BUCKET_REFILL_RATE", 2.0),
			AcquirePollInterval:   getEnvAsDuration("ACQUIRE_POLL_INTERVAL", 100*time.Millisecond),
		},
		Probe: ProbeConfig{
			Enabled:     getEnvAsBool("PROBE_ENABLED", true),
			Interval:    getEnvAsDuration("PROBE_INTERVAL", 60*time.Second),
			Timeout:     getEnvAsDuration("PROBE_TIMEOUT", 10*time.Second),
			Concurrency: getEnvAsInt("PROBE_CONCURRENCY", 10),
			URL:         getEnv("PROBE_URL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
