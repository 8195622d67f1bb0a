// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration for both the control plane
// and the storage service.
type Config struct {
	// Server settings.
	Port         int
	StoragePort  int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. DatabaseURL is used for the pgx pool; the realtime
	// bridge dials its own LISTEN connections from the same URL.
	DatabaseURL string

	// Auth settings.
	SecretKey          string
	AnonKey            string
	AccessTokenExpire  time.Duration
	RefreshTokenExpire time.Duration

	// Storage service coupling.
	StorageServiceURL         string // Internal base URL the backend calls.
	StorageServiceExternalURL string // Base URL embedded in client-facing file URLs.
	StorageRoot               string // On-disk root for the storage service.
	PresignedURLTTL           time.Duration

	// CORS settings.
	CORSAllowedOrigins []string // Env-configured allow-list, merged with the DB set.
	CORSAllowCreds     bool

	// File authorization: allow anonymous initiate-upload into public buckets.
	AnonPublicWrite bool

	// Rate limiting on /auth endpoints.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// DATABASE_URL wins when set; otherwise the URL is assembled from the
// POSTGRES_* variables the deployment stack provides.
func Load() (Config, error) {
	cfg := Config{
		Port:                      envInt("SELFDB_PORT", 8000),
		StoragePort:               envInt("STORAGE_PORT", 8001),
		ReadTimeout:               envDuration("SELFDB_READ_TIMEOUT", 60*time.Second),
		WriteTimeout:              envDuration("SELFDB_WRITE_TIMEOUT", 60*time.Second),
		DatabaseURL:               envStr("DATABASE_URL", ""),
		SecretKey:                 envStr("SECRET_KEY", ""),
		AnonKey:                   envStr("ANON_KEY", ""),
		AccessTokenExpire:         time.Duration(envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30)) * time.Minute,
		RefreshTokenExpire:        time.Duration(envInt("REFRESH_TOKEN_EXPIRE_DAYS", 30)) * 24 * time.Hour,
		StorageServiceURL:         envStr("STORAGE_SERVICE_URL", ""),
		StorageServiceExternalURL: envStr("STORAGE_SERVICE_EXTERNAL_URL", ""),
		StorageRoot:               envStr("STORAGE_ROOT", "/data/storage"),
		PresignedURLTTL:           envDuration("PRESIGNED_URL_TTL", time.Hour),
		CORSAllowedOrigins:        envList("CORS_ALLOWED_ORIGINS"),
		CORSAllowCreds:            envBool("CORS_ALLOW_CREDENTIALS", true),
		AnonPublicWrite:           envBool("ANON_PUBLIC_WRITE", false),
		RateLimitEnabled:          envBool("SELFDB_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:              envFloat("SELFDB_RATE_LIMIT_RPS", 5),
		RateLimitBurst:            envInt("SELFDB_RATE_LIMIT_BURST", 20),
		OTELEndpoint:              envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:              envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:               envStr("OTEL_SERVICE_NAME", "selfdb"),
		LogLevel:                  envStr("SELFDB_LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURLFromParts()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL or POSTGRES_* variables are required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("config: SECRET_KEY is required")
	}
	if c.AnonKey == "" {
		return fmt.Errorf("config: ANON_KEY is required")
	}
	if c.StorageServiceURL == "" {
		return fmt.Errorf("config: STORAGE_SERVICE_URL is required")
	}
	if c.StorageServiceExternalURL == "" {
		return fmt.Errorf("config: STORAGE_SERVICE_EXTERNAL_URL is required")
	}
	if c.PresignedURLTTL <= 0 {
		return fmt.Errorf("config: PRESIGNED_URL_TTL must be positive")
	}
	return nil
}

// postgresURLFromParts assembles a connection URL from the POSTGRES_*
// variables used by the docker-compose deployment.
func postgresURLFromParts() string {
	host := envStr("POSTGRES_HOST", "")
	if host == "" {
		return ""
	}
	user := envStr("POSTGRES_USER", "postgres")
	pass := envStr("POSTGRES_PASSWORD", "")
	port := envStr("POSTGRES_PORT", "5432")
	db := envStr("POSTGRES_DB", "postgres")

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + db,
	}
	return u.String()
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
