package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateInstanceID creates a unique instance ID using hostname and PID
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "paipers"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string
	GmailPubSubTopic   string
	OAuthSuccessURL    string

	// OAuth state signing
	StateSecret string
	StateTTL    time.Duration

	// OpenAI
	OpenAIAPIKey   string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeoutSec  int

	// Scan
	ScanQuery        string
	ScanMaxMessages  int64
	MaterializeQuery string
	MaterializeMax   int64
	CronSecret       string

	// Worker
	InstanceID        string
	FleetScanWorkers  int
	FleetScanInterval time.Duration
	WatchRenewEnabled bool

	// Webhook
	IdempotencyTTL time.Duration
	SyncLockTTL    time.Duration

	// CORS
	AllowedOrigins []string

	// Scheduler
	SchedulerEnabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "paipers"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		GmailPubSubTopic:   getEnv("GMAIL_PUBSUB_TOPIC", "paipers-gmail"),
		OAuthSuccessURL:    getEnv("OAUTH_SUCCESS_URL", ""),

		// OAuth state signing
		StateSecret: getEnv("OAUTH_STATE_SECRET", ""),
		StateTTL:    time.Duration(getEnvInt("OAUTH_STATE_TTL_MIN", 10)) * time.Minute,

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 512),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
		LLMTimeoutSec:  getEnvInt("LLM_TIMEOUT_SEC", 30),

		// Scan
		ScanQuery:        getEnv("SCAN_QUERY", "has:attachment filename:pdf newer_than:1d"),
		ScanMaxMessages:  int64(getEnvInt("SCAN_MAX_MESSAGES", 20)),
		MaterializeQuery: getEnv("MATERIALIZE_QUERY", "has:attachment newer_than:7d"),
		MaterializeMax:   int64(getEnvInt("MATERIALIZE_MAX_MESSAGES", 15)),
		CronSecret:       getEnv("CRON_SECRET", ""),

		// Worker
		InstanceID:        getEnv("INSTANCE_ID", generateInstanceID()),
		FleetScanWorkers:  getEnvInt("FLEET_SCAN_WORKERS", 4),
		FleetScanInterval: time.Duration(getEnvInt("FLEET_SCAN_INTERVAL_MIN", 30)) * time.Minute,
		WatchRenewEnabled: getEnvBool("WATCH_RENEW_ENABLED", true),

		// Webhook
		IdempotencyTTL: time.Duration(getEnvInt("IDEMPOTENCY_TTL_SEC", 300)) * time.Second,
		SyncLockTTL:    time.Duration(getEnvInt("SYNC_LOCK_TTL_SEC", 120)) * time.Second,

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		// Scheduler
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the service cannot run without, so a
// misconfigured deployment fails at startup instead of at first use. An
// empty OAUTH_STATE_SECRET is the worst case: state tokens would be signed
// with an empty key and anyone could forge them.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.StateSecret == "" {
		missing = append(missing, "OAUTH_STATE_SECRET")
	}
	if c.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if c.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
