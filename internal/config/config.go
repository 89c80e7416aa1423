// Package config holds the runtime settings of the credits server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/identity"
	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"go.uber.org/zap/zapcore"
)

const (
	// StoreGorm selects the gorm store (sqlite or postgres).
	StoreGorm = "gorm"
	// StorePgx selects the database/sql store over the pgx driver.
	StorePgx = "pgx"

	defaultDatabaseURL    = "sqlite:///tmp/credits.db"
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:3000"
	defaultLogLevel       = "info"
	defaultRequestTimeout = 30 * time.Second
)

// Config aggregates runtime settings.
type Config struct {
	DatabaseURL    string
	Store          string
	ListenAddr     string
	RedisURL       string
	RateLimit      int
	RateWindow     time.Duration
	JWTSecret      string
	JWTTTL         time.Duration
	GoogleClientID string
	AllowedOrigins []string
	LogLevel       string
	RequestTimeout time.Duration
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.Store = strings.ToLower(defaultIfEmpty(cfg.Store, StoreGorm))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)
	if cfg.RateLimit == 0 {
		cfg.RateLimit = ratelimit.DefaultLimit
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = ratelimit.DefaultWindow
	}
	if cfg.JWTTTL == 0 {
		cfg.JWTTTL = identity.DefaultTokenTTL
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}

	if cfg.Store != StoreGorm && cfg.Store != StorePgx {
		return fmt.Errorf("store must be %q or %q, got %q", StoreGorm, StorePgx, cfg.Store)
	}
	if cfg.Store == StorePgx && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store %q requires a postgres database url", StorePgx)
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if cfg.RateWindow < 0 {
		return fmt.Errorf("rate window must be positive")
	}
	if cfg.JWTTTL < 0 {
		return fmt.Errorf("jwt ttl must be positive")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// ZapLevel returns the parsed log level. Call after Validate.
func (cfg Config) ZapLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
