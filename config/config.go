package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string // "console" or "json"

	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseURL    string
	EncryptionKey  string // hex or base64 32-byte key for stored API keys

	AmoCRMDomain     string // e.g. amocrm.ru, subdomain is prepended per tenant
	AmoCRMScheme     string
	LPTrackerBaseURL string
	HTTPTimeout      time.Duration

	AmoCRMWebhookPath    string
	LPTrackerWebhookPath string

	MetadataTTL time.Duration
	RulesTTL    time.Duration
	TokenTTL    time.Duration

	QueueBackend     string // "memory", "rabbitmq" or "none"
	QueueConcurrency int
	QueueMaxAttempts int
	QueueRetryBase   time.Duration
	QueueRetryCap    time.Duration
	QueueMaxJobAge   time.Duration
	QueuePollEvery   time.Duration

	RabbitMQURL   string
	RabbitMQQueue string

	RedisURL string // enables the distributed per-entity lock
	LockTTL  time.Duration

	S3Bucket    string // enables the failed job archive
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:                 getenv("PORT", "8080"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		LogFormat:            os.Getenv("LOG_FORMAT"),
		DatabaseDriver:       getenv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:          getenv("DATABASE_URL", "file:crmsync.db?_pragma=busy_timeout(5000)"),
		EncryptionKey:        os.Getenv("ENCRYPTION_KEY"),
		AmoCRMDomain:         getenv("AMOCRM_DOMAIN", "amocrm.ru"),
		AmoCRMScheme:         getenv("AMOCRM_SCHEME", "https"),
		LPTrackerBaseURL:     getenv("LPTRACKER_BASE_URL", "https://direct.lptracker.ru"),
		AmoCRMWebhookPath:    getenv("AMOCRM_WEBHOOK_PATH", "/webhooks/amocrm"),
		LPTrackerWebhookPath: getenv("LPTRACKER_WEBHOOK_PATH", "/webhooks/lptracker"),
		QueueBackend:         getenv("QUEUE_BACKEND", "memory"),
		RabbitMQURL:          os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:        getenv("RABBITMQ_QUEUE", "crmsync_webhooks"),
		RedisURL:             os.Getenv("REDIS_URL"),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3Region:             getenv("S3_REGION", "us-east-1"),
		S3Endpoint:           os.Getenv("S3_ENDPOINT"),
		S3AccessKey:          os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("S3_SECRET_KEY"),
		S3PathStyle:          cast.ToBool(os.Getenv("S3_PATH_STYLE")),
	}

	var err error
	durations := []struct {
		env  string
		def  time.Duration
		dest *time.Duration
	}{
		{"HTTP_TIMEOUT", 15 * time.Second, &cfg.HTTPTimeout},
		{"METADATA_CACHE_TTL", 30 * time.Minute, &cfg.MetadataTTL},
		{"RULES_CACHE_TTL", 5 * time.Minute, &cfg.RulesTTL},
		{"LPTRACKER_TOKEN_TTL", 23 * time.Hour, &cfg.TokenTTL},
		{"QUEUE_RETRY_BASE", time.Second, &cfg.QueueRetryBase},
		{"QUEUE_RETRY_CAP", 30 * time.Second, &cfg.QueueRetryCap},
		{"QUEUE_MAX_JOB_AGE", time.Hour, &cfg.QueueMaxJobAge},
		{"QUEUE_POLL_INTERVAL", 100 * time.Millisecond, &cfg.QueuePollEvery},
		{"LOCK_TTL", 2 * time.Minute, &cfg.LockTTL},
	}
	for _, d := range durations {
		if *d.dest, err = durationEnv(d.env, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		env  string
		def  int
		dest *int
	}{
		{"QUEUE_CONCURRENCY", 5, &cfg.QueueConcurrency},
		{"QUEUE_MAX_ATTEMPTS", 3, &cfg.QueueMaxAttempts},
	}
	for _, i := range ints {
		if *i.dest, err = intEnv(i.env, i.def); err != nil {
			return nil, err
		}
	}

	switch cfg.QueueBackend {
	case "memory", "rabbitmq", "none":
	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	if cfg.QueueBackend == "rabbitmq" && cfg.RabbitMQURL == "" {
		return nil, fmt.Errorf("QUEUE_BACKEND=rabbitmq requires RABBITMQ_URL")
	}

	log.Info().
		Str("databaseDriver", cfg.DatabaseDriver).
		Str("queueBackend", cfg.QueueBackend).
		Dur("httpTimeout", cfg.HTTPTimeout).
		Bool("redisLock", cfg.RedisURL != "").
		Bool("s3Archive", cfg.S3Bucket != "").
		Msg("Configuration loading attempt complete.")
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := cast.ToIntE(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", key, raw)
	}
	return n, nil
}
