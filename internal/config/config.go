package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the campaign engine.
type Config struct {
	App       AppConfig
	Scheduler SchedulerConfig
	Dispatch  DispatchConfig
	Retry     RetryConfig
	Defaults  CampaignDefaults
	Kafka     KafkaConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// SchedulerConfig controls the schedule runner polling loop.
type SchedulerConfig struct {
	PollInterval time.Duration
	ClaimLimit   int
	ClaimLease   time.Duration
}

// DispatchConfig controls the dispatch batcher.
type DispatchConfig struct {
	PollInterval time.Duration
	ClaimLease   time.Duration
	Concurrency  int
	SendTimeout  time.Duration
}

// RetryConfig controls retry behaviour for transient send failures.
type RetryConfig struct {
	Cooldown time.Duration
}

// CampaignDefaults applies when a campaign leaves its rate controls unset.
type CampaignDefaults struct {
	BatchSize       int
	SendRatePerHour int
	MaxRetries      int
}

// KafkaConfig wires the optional status publisher and tracking consumer.
// Both stay disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers               []string
	StatusTopic           string
	TrackingTopic         string
	TrackingConsumerGroup string
}

// Enabled reports whether Kafka integration is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Scheduler.PollInterval = ldr.getSeconds("SCHEDULER_POLL_INTERVAL_SECONDS", 30, false)
	cfg.Scheduler.ClaimLimit = ldr.getInt("SCHEDULER_CLAIM_LIMIT", 10, false)
	cfg.Scheduler.ClaimLease = ldr.getSeconds("SCHEDULER_CLAIM_LEASE_SECONDS", 300, false)

	cfg.Dispatch.PollInterval = ldr.getSeconds("DISPATCH_POLL_INTERVAL_SECONDS", 10, false)
	cfg.Dispatch.ClaimLease = ldr.getSeconds("DISPATCH_CLAIM_LEASE_SECONDS", 120, false)
	cfg.Dispatch.Concurrency = ldr.getInt("DISPATCH_CONCURRENCY", 10, false)
	cfg.Dispatch.SendTimeout = ldr.getSeconds("SEND_TIMEOUT_SECONDS", 30, false)

	cfg.Retry.Cooldown = ldr.getSeconds("RETRY_COOLDOWN_SECONDS", 300, false)

	cfg.Defaults.BatchSize = ldr.getInt("DEFAULT_BATCH_SIZE", 50, false)
	cfg.Defaults.SendRatePerHour = ldr.getInt("DEFAULT_SEND_RATE_PER_HOUR", 1000, false)
	cfg.Defaults.MaxRetries = ldr.getInt("DEFAULT_MAX_RETRIES", 3, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_STATUS_TOPIC", "campaign.attempt.status", false)
	cfg.Kafka.TrackingTopic = ldr.getString("KAFKA_TRACKING_TOPIC", "campaign.tracking.events", false)
	cfg.Kafka.TrackingConsumerGroup = ldr.getString("KAFKA_TRACKING_CONSUMER_GROUP", "campaign-engine-tracking", false)

	if cfg.Scheduler.ClaimLimit < 1 {
		ldr.addError("SCHEDULER_CLAIM_LIMIT must be >= 1")
	}
	if cfg.Scheduler.ClaimLease <= 0 {
		ldr.addError("SCHEDULER_CLAIM_LEASE_SECONDS must be positive")
	}
	if cfg.Dispatch.Concurrency < 1 {
		ldr.addError("DISPATCH_CONCURRENCY must be >= 1")
	}
	if cfg.Defaults.BatchSize < 1 {
		ldr.addError("DEFAULT_BATCH_SIZE must be >= 1")
	}
	if cfg.Defaults.MaxRetries < 0 {
		ldr.addError("DEFAULT_MAX_RETRIES cannot be negative")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getSeconds(key string, def int, required bool) time.Duration {
	return time.Duration(l.getInt(key, def, required)) * time.Second
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
