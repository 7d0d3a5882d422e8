package config

import (
	"os"
	"strconv"
)

// Config holds the matchmaker's runtime configuration, loaded from the
// environment. Each field's env tag names the variable it is loaded from.
type Config struct {
	Environment string `env:"ENVIRONMENT"`
	Port        string `env:"PORT"`
	LogLevel    string `env:"LOG_LEVEL"`

	RedisURL    string `env:"REDIS_URL"`
	PostgresURL string `env:"POSTGRES_URL,secret"`

	// RejectionTimeoutMS is the default remote-room-call timeout, overridable
	// per call.
	RejectionTimeoutMS int `env:"REMOTE_CALL_TIMEOUT_MS"`

	// ReservationTTLSeconds is the lifetime of an unclaimed seat reservation.
	ReservationTTLSeconds int `env:"RESERVATION_TTL_SECONDS"`

	HeartbeatIntervalMS int `env:"HEARTBEAT_INTERVAL_MS"`
	PingCountMax        int `env:"PING_COUNT_MAX"`

	JoinRetryAttempts int `env:"JOIN_RETRY_ATTEMPTS"`

	RateLimitMatchmakePerMin int `env:"RATE_LIMIT_MATCHMAKE_PER_MIN"`
}

// Load loads configuration from environment variables, falling back to
// sane defaults for local development.
func Load() *Config {
	return &Config{
		Environment:              getEnv("ENVIRONMENT", "development"),
		Port:                     getEnv("PORT", "8080"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379/0"),
		PostgresURL:              getEnv("POSTGRES_URL", "postgres://localhost:5432/matchmaker?sslmode=disable"),
		RejectionTimeoutMS:       getEnvAsInt("REMOTE_CALL_TIMEOUT_MS", 2000),
		ReservationTTLSeconds:    getEnvAsInt("RESERVATION_TTL_SECONDS", 8),
		HeartbeatIntervalMS:      getEnvAsInt("HEARTBEAT_INTERVAL_MS", 1500),
		PingCountMax:             getEnvAsInt("PING_COUNT_MAX", 2),
		JoinRetryAttempts:        getEnvAsInt("JOIN_RETRY_ATTEMPTS", 3),
		RateLimitMatchmakePerMin: getEnvAsInt("RATE_LIMIT_MATCHMAKE_PER_MIN", 300),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
