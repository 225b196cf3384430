package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the LearnGate gateway.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// AuthConfig configures token issuance and the credential verifier.
type AuthConfig struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SweepInterval   time.Duration
	// StoreBackend selects where refresh records, API keys and usage
	// history live: "memory" or "postgres".
	StoreBackend string
	// UsageRetention bounds how long usage records are kept.
	UsageRetention time.Duration
}

// RateLimitConfig configures the admission guard.
type RateLimitConfig struct {
	// Backend selects the limiter implementation: "memory" (sliding
	// window) or "redis" (fixed window counters).
	Backend string
	// Default applies when no override or class matches.
	DefaultLimit  int
	DefaultWindow time.Duration
	// Auth routes get the tightest window.
	AuthLimit  int
	AuthWindow time.Duration
	// Bulk/analytics routes get the most permissive class.
	BulkLimit  int
	BulkWindow time.Duration
	// Overrides maps exact paths to a "limit/window" policy,
	// e.g. "/auth/login=10/1m".
	Overrides map[string]string
	// Whitelist entries (IPs or CIDR ranges) bypass rate limiting.
	Whitelist []string
	// TrustedProxyHeader is consulted first when extracting the client IP.
	TrustedProxyHeader string
}

var validStoreBackends = map[string]bool{
	"memory":   true,
	"postgres": true,
}

var validLimiterBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("LEARNGATE_PORT", 8080),
			Env:  envString("LEARNGATE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			JWTSecret:       os.Getenv("JWT_SECRET"),
			AccessTokenTTL:  envDuration("ACCESS_TOKEN_TTL", time.Hour),
			RefreshTokenTTL: envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			SweepInterval:   envDuration("TOKEN_SWEEP_INTERVAL", 10*time.Minute),
			StoreBackend:    envString("STORE_BACKEND", "memory"),
			UsageRetention:  envDuration("USAGE_RETENTION", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Backend:            envString("RATE_LIMIT_BACKEND", "memory"),
			DefaultLimit:       envInt("RATE_LIMIT_DEFAULT", 60),
			DefaultWindow:      envDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
			AuthLimit:          envInt("RATE_LIMIT_AUTH", 10),
			AuthWindow:         envDuration("RATE_LIMIT_AUTH_WINDOW", time.Minute),
			BulkLimit:          envInt("RATE_LIMIT_BULK", 300),
			BulkWindow:         envDuration("RATE_LIMIT_BULK_WINDOW", time.Minute),
			Overrides:          envKeyValues("RATE_LIMIT_OVERRIDES"),
			Whitelist:          envList("RATE_LIMIT_WHITELIST"),
			TrustedProxyHeader: envString("TRUSTED_PROXY_HEADER", "CF-Connecting-IP"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.Auth.JWTSecret))
	}

	if !validStoreBackends[c.Auth.StoreBackend] {
		return fmt.Errorf("STORE_BACKEND must be one of memory, postgres; got %q", c.Auth.StoreBackend)
	}
	if c.Auth.StoreBackend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
	}

	if !validLimiterBackends[c.RateLimit.Backend] {
		return fmt.Errorf("RATE_LIMIT_BACKEND must be one of memory, redis; got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND is redis")
	}

	if c.RateLimit.DefaultLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT must be positive, got %d", c.RateLimit.DefaultLimit)
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.Auth.AccessTokenTTL >= c.Auth.RefreshTokenTTL {
		return fmt.Errorf("ACCESS_TOKEN_TTL (%s) must be shorter than REFRESH_TOKEN_TTL (%s)",
			c.Auth.AccessTokenTTL, c.Auth.RefreshTokenTTL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList parses a comma-separated value, dropping empty entries.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envKeyValues parses "k1=v1,k2=v2" pairs, dropping malformed entries.
func envKeyValues(key string) map[string]string {
	entries := envList(key)
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
