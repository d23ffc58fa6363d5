package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string // used when DATABASE_URL is empty
	RedisURL    string

	// Secrets
	MasterSecret   string // seeds the platform-key pepper and the realtime signing key
	InternalSecret string // engine-to-core calls
	WebhookSecret  string // payment processor signatures
	AdminTokenHash string // bcrypt hash of the admin token

	// External collaborators
	IdentityURL    string
	IdentityAPIKey string
	EngineURL      string

	// Metering and quota
	SandboxQuota     int
	CreditsPerMinute int64
	TokenRates       string // "model=in:out,..." credits per 1000 tokens

	// Timeouts
	StoreTimeout  time.Duration
	EngineTimeout time.Duration

	// Realtime relay
	RelayBufferSize      int
	RelayBufferTTL       time.Duration
	RelaySubscriberQueue int
	RelayPingInterval    time.Duration
	RelayPongTimeout     time.Duration
	RelayTokenTTL        time.Duration
	RelayAllowedOrigins  []string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     getEnv("SQLITE_PATH", "./data/leasehold.db"),
		RedisURL:       os.Getenv("REDIS_URL"),
		MasterSecret:   os.Getenv("MASTER_SECRET"),
		InternalSecret: os.Getenv("INTERNAL_SECRET"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		AdminTokenHash: os.Getenv("ADMIN_TOKEN_HASH"),
		IdentityURL:    strings.TrimRight(getEnv("IDENTITY_URL", "http://localhost:9999/auth/v1"), "/"),
		IdentityAPIKey: os.Getenv("IDENTITY_API_KEY"),
		EngineURL:      strings.TrimRight(getEnv("ENGINE_URL", "http://localhost:8081"), "/"),

		SandboxQuota:     getEnvInt("SANDBOX_QUOTA", 3),
		CreditsPerMinute: int64(getEnvInt("CREDITS_PER_MINUTE", 1)),
		TokenRates:       os.Getenv("TOKEN_RATES"),

		StoreTimeout:  getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		EngineTimeout: getEnvDuration("ENGINE_TIMEOUT", 30*time.Second),

		RelayBufferSize:      getEnvInt("RELAY_BUFFER_SIZE", 512),
		RelayBufferTTL:       getEnvDuration("RELAY_BUFFER_TTL", 5*time.Minute),
		RelaySubscriberQueue: getEnvInt("RELAY_SUBSCRIBER_QUEUE", 256),
		RelayPingInterval:    getEnvDuration("RELAY_PING_INTERVAL", 25*time.Second),
		RelayPongTimeout:     getEnvDuration("RELAY_PONG_TIMEOUT", 10*time.Second),
		RelayTokenTTL:        getEnvDuration("RELAY_TOKEN_TTL", 15*time.Minute),
		RelayAllowedOrigins:  getEnvList("RELAY_ALLOWED_ORIGINS"),

		RateLimitWhitelist: getEnvList("RATE_LIMIT_WHITELIST"),
		AutoBlockEnabled:   getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	if cfg.IsDevelopment() && cfg.MasterSecret == "" {
		cfg.MasterSecret = "development-master-secret-do-not-use-in-prod"
	}

	// In production, require the durable stores and every secret
	if cfg.Env == "production" {
		required := map[string]string{
			"DATABASE_URL":    cfg.DatabaseURL,
			"REDIS_URL":       cfg.RedisURL,
			"MASTER_SECRET":   cfg.MasterSecret,
			"INTERNAL_SECRET": cfg.InternalSecret,
			"WEBHOOK_SECRET":  cfg.WebhookSecret,
		}
		for name, value := range required {
			if value == "" {
				panic(name + " is required in production")
			}
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// getEnvList parses a comma-separated list, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
