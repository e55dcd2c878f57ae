// Package config loads environment options and the opaque prompt and
// provider assets the pipeline needs at process start.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration object returned by Initialize and
// handed to every long-lived component.
type Config struct {
	configDir string

	Port       string
	TrustProxy string
	Production bool
	LogLevel   slog.Level

	UseHTTPS      bool
	SSLKeyPath    string
	SSLCertPath   string
	SSLCAPath     string
	SSLPassphrase string

	QueueLeaseTTL         time.Duration
	QueueMaxAttempts      int
	SchedulerCadence      time.Duration
	PendingActionLeaseTTL time.Duration

	Prompts          *Prompts
	ProviderRegistry *ProviderRegistry
}

// Defaults applied when the environment is silent.
const (
	DefaultPort             = "3001"
	DefaultSchedulerCadence = 250 * time.Millisecond
	DefaultQueueLeaseTTL    = 30 * time.Second
	DefaultQueueMaxAttempts = 3
)

// Initialize loads environment options plus the prompt and provider
// files under configDir, validates them, and returns a ready Config.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := &Config{
		configDir:             configDir,
		Port:                  getEnv("BRIDGE_PORT", DefaultPort),
		TrustProxy:            os.Getenv("TRUST_PROXY"),
		Production:            os.Getenv("NODE_ENV") == "production",
		LogLevel:              parseLogLevel(os.Getenv("LOG_LEVEL")),
		UseHTTPS:              os.Getenv("BRIDGE_USE_HTTPS") == "true",
		SSLKeyPath:            os.Getenv("BRIDGE_SSL_KEY_PATH"),
		SSLCertPath:           os.Getenv("BRIDGE_SSL_CERT_PATH"),
		SSLCAPath:             os.Getenv("BRIDGE_SSL_CA_PATH"),
		SSLPassphrase:         os.Getenv("BRIDGE_SSL_PASSPHRASE"),
		QueueLeaseTTL:         getDuration("QUEUE_LEASE_TTL", DefaultQueueLeaseTTL),
		QueueMaxAttempts:      getInt("QUEUE_MAX_ATTEMPTS", DefaultQueueMaxAttempts),
		SchedulerCadence:      getDuration("SCHEDULER_CADENCE_MS", DefaultSchedulerCadence),
		PendingActionLeaseTTL: getDuration("PENDING_ACTION_LEASE_TTL", 0),
	}

	prompts, err := loadPrompts(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}
	cfg.Prompts = prompts

	providers, err := loadProviders(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	cfg.ProviderRegistry = providers

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"port", cfg.Port,
		"providers", cfg.ProviderRegistry.Len(),
		"https", cfg.UseHTTPS)
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Prompts.Planner == "" {
		return ErrPlannerPromptMissing
	}
	if c.ProviderRegistry.Len() == 0 {
		return ErrNoProviders
	}
	return nil
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// TrustedProxies interprets TRUST_PROXY for the router: "true" trusts
// everything (nil list), "false"/empty trusts nothing, an integer trusts
// loopback (hop count has no gin equivalent), and anything else is a
// comma-separated CIDR/address list.
func (c *Config) TrustedProxies() (trust bool, proxies []string) {
	switch v := strings.TrimSpace(c.TrustProxy); v {
	case "", "false":
		return false, nil
	case "true":
		return true, nil
	default:
		if _, err := strconv.Atoi(v); err == nil {
			return true, []string{"127.0.0.1", "::1"}
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return true, parts
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer env value, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

// getDuration accepts either a Go duration string ("30s") or, for *_MS
// keys, a bare millisecond count.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	slog.Warn("Invalid duration env value, using default", "key", key, "value", v)
	return fallback
}

func parseLogLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
