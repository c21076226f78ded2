package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the worker process configuration, read from the environment.
type Config struct {
	DatabaseURL     string
	RedisURL        string // empty selects the in-memory cache
	QueueName       string
	MaxSyncErrors   int
	PollInterval    time.Duration
	RetryDelay      time.Duration
	LockTTL         time.Duration
	BatchSize       int
	HTTPAddr        string // empty disables the admin server
	ShutdownTimeout time.Duration
	Debug           bool

	HubspotToken   string
	AirtableToken  string
	AirtableBaseID string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:     dbURL,
		RedisURL:        os.Getenv("REDIS_URL"),
		QueueName:       getEnv("ETLIFY_QUEUE", "etlify"),
		MaxSyncErrors:   getEnvAsInt("ETLIFY_MAX_SYNC_ERRORS", 3),
		PollInterval:    getEnvAsDuration("ETLIFY_POLL_INTERVAL", 10*time.Second),
		RetryDelay:      getEnvAsDuration("ETLIFY_RETRY_DELAY", time.Minute),
		LockTTL:         getEnvAsDuration("ETLIFY_LOCK_TTL", 15*time.Minute),
		BatchSize:       getEnvAsInt("ETLIFY_BATCH_SIZE", 500),
		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		Debug:           os.Getenv("DEBUG") == "true",
		HubspotToken:    os.Getenv("HUBSPOT_TOKEN"),
		AirtableToken:   os.Getenv("AIRTABLE_TOKEN"),
		AirtableBaseID:  os.Getenv("AIRTABLE_BASE_ID"),
	}

	if cfg.HubspotToken == "" {
		fmt.Println("Warning: HUBSPOT_TOKEN not set, the hubspot CRM will not be registered")
	}
	if cfg.AirtableToken == "" || cfg.AirtableBaseID == "" {
		fmt.Println("Warning: AIRTABLE_TOKEN or AIRTABLE_BASE_ID not set, the airtable CRM will not be registered")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valStr := os.Getenv(key)
	if valStr == "" {
		return fallback
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return fallback
	}
	return val
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valStr := os.Getenv(key)
	if valStr == "" {
		return fallback
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return fallback
	}
	return val
}
