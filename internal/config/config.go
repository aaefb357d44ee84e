// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	DBPath                 string
	DataDir                string
	Synchronous            string // "full", "normal", or "off"
	BusyTimeout            time.Duration
	WALAutocheckpointPages int

	// Auth settings.
	AuthEnabled          bool
	AdminEmail           string
	PasswordLoginEnabled bool
	SecretKey            string // Env override for the secrets key; never logged.
	SessionPrivateKey    string // Path to Ed25519 private key PEM file.
	SessionPublicKey     string // Path to Ed25519 public key PEM file.
	SessionExpiration    time.Duration

	// Broadcast settings.
	BroadcastMaxItems  int
	BroadcastBatchSize int

	// Rate limit settings.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Pruner settings.
	PruneInterval   time.Duration
	PruneMaxRuntime time.Duration
	PruneBatchSize  int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	dataDir := envStr("RAPHAEL_DATA_DIR", "data")
	cfg := Config{
		Port:                   envInt("PORT", 6274),
		ReadTimeout:            envDuration("RAPHAEL_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:           envDuration("RAPHAEL_WRITE_TIMEOUT", 30*time.Second),
		DBPath:                 envStr("RAPHAEL_DB_PATH", filepath.Join(dataDir, "raphael.db")),
		DataDir:                dataDir,
		Synchronous:            envStr("RAPHAEL_SYNCHRONOUS", "full"),
		BusyTimeout:            time.Duration(envInt("RAPHAEL_BUSY_TIMEOUT_MS", 5000)) * time.Millisecond,
		WALAutocheckpointPages: envInt("RAPHAEL_WAL_AUTOCHECKPOINT_PAGES", 1000),
		AuthEnabled:            envBool("RAPHAEL_AUTH_ENABLED", false),
		AdminEmail:             envStr("RAPHAEL_ADMIN_EMAIL", ""),
		PasswordLoginEnabled:   envBool("RAPHAEL_PASSWORD_LOGIN_ENABLED", false),
		SecretKey:              envStr("RAPHAEL_SECRET_KEY", ""),
		SessionPrivateKey:      envStr("RAPHAEL_SESSION_PRIVATE_KEY", ""),
		SessionPublicKey:       envStr("RAPHAEL_SESSION_PUBLIC_KEY", ""),
		SessionExpiration:      envDuration("RAPHAEL_SESSION_EXPIRATION", 24*time.Hour),
		BroadcastMaxItems:      envInt("RAPHAEL_BROADCAST_MAX_ITEMS", 500),
		BroadcastBatchSize:     envInt("RAPHAEL_BROADCAST_BATCH_SIZE", 200),
		RateLimitEnabled:       envBool("RAPHAEL_RATE_LIMIT_ENABLED", false),
		RateLimitRPS:           float64(envInt("RAPHAEL_RATE_LIMIT_RPS", 50)),
		RateLimitBurst:         envInt("RAPHAEL_RATE_LIMIT_BURST", 100),
		PruneInterval:          envDuration("RAPHAEL_PRUNE_INTERVAL", time.Minute),
		PruneMaxRuntime:        time.Duration(envInt("RAPHAEL_PRUNE_MAX_RUNTIME_MS", 250)) * time.Millisecond,
		PruneBatchSize:         envInt("RAPHAEL_PRUNE_BATCH_SIZE", 5000),
		OTELEndpoint:           envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:           envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:            envStr("OTEL_SERVICE_NAME", "raphael"),
		LogLevel:               envStr("RAPHAEL_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:    int64(envInt("RAPHAEL_MAX_REQUEST_BODY_BYTES", 10*1024*1024)), // 10 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: RAPHAEL_DB_PATH is required")
	}
	switch c.Synchronous {
	case "full", "normal", "off":
	default:
		return fmt.Errorf("config: RAPHAEL_SYNCHRONOUS must be full, normal, or off")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: RAPHAEL_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.BroadcastBatchSize <= 0 || c.BroadcastMaxItems <= 0 {
		return fmt.Errorf("config: broadcast sizes must be positive")
	}
	return nil
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
