package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ulule/limiter/v3"
)

// Config holds application configuration
type Config struct {
	ServerPort         string
	WorkerMetricsPort  string
	RedisURL           string
	DatabaseURL        string
	RabbitMQURL        string
	RabbitMQPrefetch   int
	AccountsFile       string
	CacheNamespace     string
	CacheMaxAge        time.Duration
	FetchTimeout       time.Duration
	MaxDocumentBytes   int64
	ScanConcurrency    int
	ScanOnStartup      bool
	RefreshSweep       time.Duration
	DLQRetention       time.Duration
	ISPDBBaseURL       string
	CORSAllowedOrigins string
	EnableHSTS         bool
	RateLimit          string
	APIJWKSURL         string
	APITokenIssuer     string
	APIRequiredScope   string
	ServerDebugMode    bool
	WorkerDebugMode    bool
	OTELEnabled        bool
	OTELEndpoint       string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		WorkerMetricsPort:  getEnv("WORKER_METRICS_PORT", "9091"),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		RabbitMQPrefetch:   getEnvInt("RABBITMQ_PREFETCH", 1),
		AccountsFile:       getEnv("ACCOUNTS_FILE", ""),
		CacheNamespace:     getEnv("CACHE_NAMESPACE", "autoconfig:cache:"),
		CacheMaxAge:        getEnvDuration("CACHE_MAX_AGE", 24*time.Hour),
		FetchTimeout:       getEnvDuration("FETCH_TIMEOUT", 8*time.Second),
		MaxDocumentBytes:   getEnvInt64("MAX_DOCUMENT_BYTES", 1<<20),
		ScanConcurrency:    getEnvInt("SCAN_CONCURRENCY", 1),
		ScanOnStartup:      getEnvBool("SCAN_ON_STARTUP", true),
		RefreshSweep:       getEnvDuration("REFRESH_SWEEP_INTERVAL", time.Hour),
		DLQRetention:       getEnvDuration("DLQ_RETENTION", 24*time.Hour),
		ISPDBBaseURL:       getEnv("ISPDB_BASE_URL", "https://autoconfig.thunderbird.net/v1.1/"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		EnableHSTS:         getEnvBool("ENABLE_HSTS", false),
		RateLimit:          getEnv("RATE_LIMIT", "5-S"),
		APIJWKSURL:         getEnv("API_JWKS_URL", ""),
		APITokenIssuer:     getEnv("API_TOKEN_ISSUER", ""),
		APIRequiredScope:   getEnv("API_REQUIRED_SCOPE", ""),
		ServerDebugMode:    getEnvBool("SERVER_DEBUG_MODE", false),
		WorkerDebugMode:    getEnvBool("WORKER_DEBUG_MODE", false),
		OTELEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if strings.TrimSpace(cfg.CacheNamespace) == "" {
		return nil, fmt.Errorf("CACHE_NAMESPACE cannot be empty")
	}
	if cfg.CacheMaxAge <= 0 {
		return nil, fmt.Errorf("CACHE_MAX_AGE must be positive")
	}
	if cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if cfg.MaxDocumentBytes <= 0 {
		return nil, fmt.Errorf("MAX_DOCUMENT_BYTES must be positive")
	}
	if cfg.ScanConcurrency < 1 {
		return nil, fmt.Errorf("SCAN_CONCURRENCY must be at least 1")
	}
	if cfg.RefreshSweep < 0 {
		return nil, fmt.Errorf("REFRESH_SWEEP_INTERVAL cannot be negative")
	}
	if cfg.DLQRetention <= 0 {
		return nil, fmt.Errorf("DLQ_RETENTION must be positive")
	}
	if cfg.RabbitMQPrefetch < 1 {
		return nil, fmt.Errorf("RABBITMQ_PREFETCH must be at least 1")
	}
	if _, err := limiter.NewRateFromFormatted(cfg.RateLimit); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT %q: %w", cfg.RateLimit, err)
	}

	return cfg, nil
}

// RequireQueue returns an error unless a job queue is configured.
func (c *Config) RequireQueue() error {
	if c.RabbitMQURL == "" {
		return fmt.Errorf("RABBITMQ_URL is required for the refresh worker")
	}
	return nil
}

// AuthEnabled reports whether mutating API routes require a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.APIJWKSURL != ""
}

// AllowedOrigins returns CORS_ALLOWED_ORIGINS as a trimmed, de-duplicated slice
func (c *Config) AllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, p := range strings.Split(c.CORSAllowedOrigins, ",") {
		s := strings.TrimSpace(p)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "24h"); unparsable values fall back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
