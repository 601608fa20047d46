package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the dispatcher service.
type Config struct {
	// Queue attributes.
	QueuePrefix     string
	LeaseDuration   time.Duration
	RetentionPeriod time.Duration
	DLQArn          string
	DLQMaxReceive   int

	// Lease heartbeat.
	HeartbeatInterval  time.Duration
	HeartbeatExtension time.Duration

	// Polling and admission.
	PollInterval        time.Duration
	ReceiveWait         time.Duration
	ReceiveWorkers      int
	MaxPrefetchPerQueue int
	MaxInflightTotal    int
	ShutdownGrace       time.Duration

	// Notifications.
	TagReplies        bool
	WorkingNotice     bool
	IndicatorInterval time.Duration

	// Infrastructure.
	AdminAddr      string
	AWSEndpointURL string
	AWSRegion      string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKey       string

	// Outcome journal; disabled when JournalBucket is empty.
	JournalBucket        string
	JournalPrefix        string
	JournalMaxItems      int
	JournalFlushInterval time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when no environment overrides it.
func Default() Config {
	return Config{
		QueuePrefix:     "agent-user-",
		LeaseDuration:   900 * time.Second,
		RetentionPeriod: 86400 * time.Second,

		HeartbeatInterval:  60 * time.Second,
		HeartbeatExtension: 120 * time.Second,

		PollInterval:        time.Second,
		ReceiveWorkers:      10,
		MaxPrefetchPerQueue: 2,
		MaxInflightTotal:    50,
		ShutdownGrace:       10 * time.Second,

		TagReplies:        true,
		IndicatorInterval: 4 * time.Second,

		AdminAddr: ":9090",
		AWSRegion: "us-east-1",
		RedisKey:  "dispatcher:queues",

		JournalPrefix:        "dispatch-journal/",
		JournalMaxItems:      1000,
		JournalFlushInterval: time.Minute,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from DISPATCH_* environment variables on top of
// Default. AWS_ENDPOINT_URL and AWS_REGION keep their SDK names.
func Load() Config {
	d := Default()
	return Config{
		QueuePrefix:     getEnv("DISPATCH_QUEUE_PREFIX", d.QueuePrefix),
		LeaseDuration:   getEnvSeconds("DISPATCH_LEASE_DURATION", d.LeaseDuration),
		RetentionPeriod: getEnvSeconds("DISPATCH_RETENTION_PERIOD", d.RetentionPeriod),
		DLQArn:          getEnv("DISPATCH_DLQ_ARN", d.DLQArn),
		DLQMaxReceive:   getEnvInt("DISPATCH_DLQ_MAX_RECEIVE", d.DLQMaxReceive),

		HeartbeatInterval:  getEnvSeconds("DISPATCH_HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		HeartbeatExtension: getEnvSeconds("DISPATCH_HEARTBEAT_EXTENSION", d.HeartbeatExtension),

		PollInterval:        getEnvSeconds("DISPATCH_POLL_INTERVAL", d.PollInterval),
		ReceiveWait:         getEnvSeconds("DISPATCH_RECEIVE_WAIT", d.ReceiveWait),
		ReceiveWorkers:      getEnvInt("DISPATCH_RECEIVE_WORKERS", d.ReceiveWorkers),
		MaxPrefetchPerQueue: getEnvInt("DISPATCH_MAX_PREFETCH_PER_QUEUE", d.MaxPrefetchPerQueue),
		MaxInflightTotal:    getEnvInt("DISPATCH_MAX_INFLIGHT_TOTAL", d.MaxInflightTotal),
		ShutdownGrace:       getEnvSeconds("DISPATCH_SHUTDOWN_GRACE", d.ShutdownGrace),

		TagReplies:        getEnvBool("DISPATCH_TAG_REPLIES", d.TagReplies),
		WorkingNotice:     getEnvBool("DISPATCH_WORKING_NOTICE", d.WorkingNotice),
		IndicatorInterval: getEnvSeconds("DISPATCH_INDICATOR_INTERVAL", d.IndicatorInterval),

		AdminAddr:      getEnv("DISPATCH_ADMIN_ADDR", d.AdminAddr),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", d.AWSEndpointURL),
		AWSRegion:      getEnv("AWS_REGION", d.AWSRegion),
		RedisAddr:      getEnv("DISPATCH_REDIS_ADDR", d.RedisAddr),
		RedisPassword:  getEnv("DISPATCH_REDIS_PASSWORD", d.RedisPassword),
		RedisDB:        getEnvInt("DISPATCH_REDIS_DB", d.RedisDB),
		RedisKey:       getEnv("DISPATCH_REDIS_KEY", d.RedisKey),

		JournalBucket:        getEnv("DISPATCH_JOURNAL_BUCKET", d.JournalBucket),
		JournalPrefix:        getEnv("DISPATCH_JOURNAL_PREFIX", d.JournalPrefix),
		JournalMaxItems:      getEnvInt("DISPATCH_JOURNAL_MAX_ITEMS", d.JournalMaxItems),
		JournalFlushInterval: getEnvSeconds("DISPATCH_JOURNAL_FLUSH_INTERVAL", d.JournalFlushInterval),

		LogLevel:  getEnv("DISPATCH_LOG_LEVEL", d.LogLevel),
		LogFormat: getEnv("DISPATCH_LOG_FORMAT", d.LogFormat),
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.LeaseDuration <= 0 {
		errs = append(errs, errors.New("lease duration must be > 0"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be > 0"))
	}
	if c.HeartbeatExtension <= 0 {
		errs = append(errs, errors.New("heartbeat extension must be > 0"))
	}
	if c.HeartbeatInterval >= c.LeaseDuration {
		errs = append(errs, fmt.Errorf("heartbeat interval %s must be shorter than lease duration %s", c.HeartbeatInterval, c.LeaseDuration))
	}
	if c.HeartbeatInterval >= c.HeartbeatExtension {
		errs = append(errs, fmt.Errorf("heartbeat interval %s must be shorter than heartbeat extension %s", c.HeartbeatInterval, c.HeartbeatExtension))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be > 0"))
	}
	if c.ReceiveWait < 0 || c.ReceiveWait > 20*time.Second {
		errs = append(errs, errors.New("receive wait must be between 0 and 20s"))
	}
	if c.ReceiveWorkers < 1 {
		errs = append(errs, errors.New("receive workers must be >= 1"))
	}
	if c.MaxPrefetchPerQueue < 1 {
		errs = append(errs, errors.New("max prefetch per queue must be >= 1"))
	}
	if c.MaxInflightTotal < 1 {
		errs = append(errs, errors.New("max inflight total must be >= 1"))
	}
	if c.RetentionPeriod <= 0 {
		errs = append(errs, errors.New("retention period must be > 0"))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("shutdown grace must be >= 0"))
	}
	if c.DLQMaxReceive < 0 {
		errs = append(errs, errors.New("dlq max receive must be >= 0"))
	}
	if c.DLQMaxReceive > 0 && c.DLQArn == "" {
		errs = append(errs, errors.New("dlq max receive requires a dlq arn"))
	}
	if c.JournalBucket != "" && c.JournalMaxItems < 1 {
		errs = append(errs, errors.New("journal max items must be >= 1"))
	}
	if c.JournalBucket != "" && c.JournalFlushInterval <= 0 {
		errs = append(errs, errors.New("journal flush interval must be > 0"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvSeconds accepts a Go duration ("90s", "1m30s") or a bare number of
// seconds ("900", "1.5").
func getEnvSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}
