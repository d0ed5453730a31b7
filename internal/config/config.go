package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; DATABASE_URL, REDIS_URL and
// KAFKA_BROKERS are required.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	MigrationsDir string

	// Coordination store
	RedisURL string

	// Bus
	KafkaBrokers []string

	// WorkerID identifies this process in outbox claims and scheduled
	// queue claims. Defaults to hostname-pid.
	WorkerID string

	// Delivery
	MaxRetryCount    int
	RetryBaseDelay   time.Duration
	ProcessingTTL    time.Duration
	IdempotencyTTL   time.Duration
	ExternalTimeout  time.Duration // deadline for provider / webhook HTTP calls
	DispatchChannels []string      // channels this process consumes

	// MaxBatchNotifications caps recipients × channels per batch ingest.
	MaxBatchNotifications int

	Outbox    OutboxConfig
	Scheduled ScheduledConfig
	Recovery  RecoveryConfig

	// Plugin configuration file (YAML). Empty disables file loading.
	PluginConfigPath string

	// Webhook delivery pacing (requests per second).
	WebhookRate int
}

type OutboxConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	ClaimTimeout    time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
}

type ScheduledConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	ClaimTimeout     time.Duration
	MaxPollerRetries int
}

type RecoveryConfig struct {
	Interval                time.Duration
	BatchSize               int
	OrphanThreshold         time.Duration
	OrphanAlertThreshold    int
	OrphanCriticalThreshold int
}

func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		return nil, fmt.Errorf("KAFKA_BROKERS is required")
	}

	hostname, _ := os.Hostname()
	defaultWorkerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL:   dbURL,
		DBMaxConns:    int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:    int32(getInt("DB_MIN_CONNS", 5)),
		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),

		RedisURL:     redisURL,
		KafkaBrokers: splitList(brokers),

		WorkerID: getEnv("WORKER_ID", defaultWorkerID),

		MaxRetryCount:    getInt("MAX_RETRY_COUNT", 3),
		RetryBaseDelay:   getDuration("RETRY_BASE_DELAY", time.Second),
		ProcessingTTL:    getDuration("PROCESSING_TTL", 30*time.Second),
		IdempotencyTTL:   getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		ExternalTimeout:  getDuration("EXTERNAL_TIMEOUT", 10*time.Second),
		DispatchChannels: splitList(getEnv("DISPATCH_CHANNELS", "email,whatsapp")),

		MaxBatchNotifications: getInt("MAX_BATCH_NOTIFICATIONS", 1000),

		Outbox: OutboxConfig{
			PollInterval:    getDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
			BatchSize:       getInt("OUTBOX_BATCH_SIZE", 100),
			ClaimTimeout:    getDuration("OUTBOX_CLAIM_TIMEOUT", 30*time.Second),
			CleanupInterval: getDuration("OUTBOX_CLEANUP_INTERVAL", time.Minute),
			Retention:       getDuration("OUTBOX_RETENTION", time.Hour),
		},

		Scheduled: ScheduledConfig{
			PollInterval:     getDuration("SCHEDULED_POLL_INTERVAL", time.Second),
			BatchSize:        getInt("SCHEDULED_BATCH_SIZE", 100),
			ClaimTimeout:     getDuration("SCHEDULED_CLAIM_TIMEOUT", 30*time.Second),
			MaxPollerRetries: getInt("SCHEDULED_MAX_POLLER_RETRIES", 5),
		},

		Recovery: RecoveryConfig{
			Interval:                getDuration("RECOVERY_INTERVAL", time.Minute),
			BatchSize:               getInt("RECOVERY_BATCH_SIZE", 100),
			OrphanThreshold:         getDuration("RECOVERY_ORPHAN_THRESHOLD", 5*time.Minute),
			OrphanAlertThreshold:    getInt("RECOVERY_ORPHAN_ALERT_THRESHOLD", 10),
			OrphanCriticalThreshold: getInt("RECOVERY_ORPHAN_CRITICAL_THRESHOLD", 100),
		},

		PluginConfigPath: getEnv("PLUGIN_CONFIG", "plugins.yaml"),

		WebhookRate: getInt("WEBHOOK_RATE", 50),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
