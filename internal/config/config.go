package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/notification-pipeline/internal/deadletter"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
	"github.com/LeventeLantos/notification-pipeline/internal/queue"
	"github.com/LeventeLantos/notification-pipeline/internal/ratelimit"
	"github.com/LeventeLantos/notification-pipeline/internal/retry"
	"github.com/LeventeLantos/notification-pipeline/internal/service"
	"github.com/LeventeLantos/notification-pipeline/internal/webhook"
)

type Config struct {
	Server     ServerConfig                            `yaml:"server"`
	Database   DatabaseConfig                          `yaml:"-"`
	Redis      RedisConfig                             `yaml:"-"`
	Gateway    GatewayConfig                           `yaml:"gateway"`
	Scheduler  SchedulerConfig                         `yaml:"scheduler"`
	Queue      queue.Config                            `yaml:"queue"`
	Batch      service.Config                          `yaml:"batch"`
	Retry      retry.Config                            `yaml:"retry"`
	DeadLetter deadletter.Config                       `yaml:"dead_letter"`
	RateLimits map[model.Channel]model.RateLimitConfig `yaml:"rate_limits"`
	Webhook    WebhookConfig                           `yaml:"webhook"`
}

type ServerConfig struct {
	Address  string     `yaml:"address"`
	LogLevel slog.Level `yaml:"log_level"`
}

type DatabaseConfig struct {
	// PostgresURL is optional; without it dead letters are not archived.
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type GatewayConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	ProcessInterval time.Duration `yaml:"process_interval"`
	HealthInterval  time.Duration `yaml:"health_interval"`
}

type WebhookConfig struct {
	webhook.Config `yaml:",inline"`

	// AckFailures answers 200 even when processing fails, so the provider
	// does not redeliver.
	AckFailures bool `yaml:"ack_failures"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8080", LogLevel: slog.LevelInfo},
		Gateway: GatewayConfig{
			Timeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			ProcessInterval: 5 * time.Second,
			HealthInterval:  time.Minute,
		},
		Queue:      queue.DefaultConfig(),
		Batch:      service.DefaultConfig(),
		Retry:      retry.DefaultConfig(),
		DeadLetter: deadletter.DefaultConfig(),
		RateLimits: maps.Clone(ratelimit.DefaultLimits),
		Webhook: WebhookConfig{
			Config:      webhook.DefaultConfig(),
			AckFailures: true,
		},
	}
}

// LoadAll builds the configuration from defaults, the optional
// PIPELINE_CONFIG_FILE overlay and then the environment, in that order.
// Every problem found is reported, not just the first.
func LoadAll() (*Config, error) {
	cfg := defaults()
	r := &envReader{}

	if path := os.Getenv("PIPELINE_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			r.fail(fmt.Errorf("PIPELINE_CONFIG_FILE: %w", err))
		}
	}

	cfg.Server.Address = getEnv("SERVER_ADDRESS", cfg.Server.Address)
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if err := cfg.Server.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			r.fail(fmt.Errorf("invalid LOG_LEVEL %q: %w", lvl, err))
		}
	}

	cfg.Database.PostgresURL = os.Getenv("POSTGRES_URL")
	cfg.Redis = loadRedisConfig(r)

	if url, err := requireEnv("GATEWAY_URL"); err == nil {
		cfg.Gateway.URL = url
	} else if cfg.Gateway.URL == "" {
		r.fail(err)
	}
	cfg.Gateway.APIKey = os.Getenv("GATEWAY_API_KEY")
	cfg.Gateway.Timeout = r.duration("GATEWAY_TIMEOUT_SECONDS", cfg.Gateway.Timeout, time.Second)

	cfg.Queue.MaxSize = r.int("QUEUE_MAX_SIZE", cfg.Queue.MaxSize)
	cfg.Scheduler.ProcessInterval = r.duration("QUEUE_PROCESS_INTERVAL_SECONDS", cfg.Scheduler.ProcessInterval, time.Second)
	cfg.Scheduler.HealthInterval = r.duration("QUEUE_HEALTH_INTERVAL_SECONDS", cfg.Scheduler.HealthInterval, time.Second)

	cfg.Batch.MaxBatchSize = r.int("BATCH_MAX_SIZE", cfg.Batch.MaxBatchSize)
	cfg.Batch.BatchTimeout = r.duration("BATCH_TIMEOUT_SECONDS", cfg.Batch.BatchTimeout, time.Second)
	cfg.Batch.MaxConcurrentBatches = r.int("BATCH_MAX_CONCURRENT", cfg.Batch.MaxConcurrentBatches)
	cfg.Batch.MessageDelay = r.duration("BATCH_MESSAGE_DELAY_MS", cfg.Batch.MessageDelay, time.Millisecond)

	cfg.Retry.MaxRetries = r.int("RETRY_MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Retry.BaseDelay = r.duration("RETRY_BASE_DELAY_MS", cfg.Retry.BaseDelay, time.Millisecond)
	cfg.Retry.MaxDelay = r.duration("RETRY_MAX_DELAY_MS", cfg.Retry.MaxDelay, time.Millisecond)
	cfg.Retry.Multiplier = r.float("RETRY_MULTIPLIER", cfg.Retry.Multiplier)
	cfg.Retry.Jitter = r.bool("RETRY_JITTER", cfg.Retry.Jitter)
	cfg.Queue.DefaultMaxRetries = cfg.Retry.MaxRetries

	cfg.DeadLetter.MaxSize = r.int("DLQ_MAX_SIZE", cfg.DeadLetter.MaxSize)
	cfg.DeadLetter.RetentionDays = r.int("DLQ_RETENTION_DAYS", cfg.DeadLetter.RetentionDays)
	cfg.DeadLetter.AlertThreshold = r.int("DLQ_ALERT_THRESHOLD", cfg.DeadLetter.AlertThreshold)
	cfg.DeadLetter.AutoReprocess = r.bool("DLQ_AUTO_REPROCESS", cfg.DeadLetter.AutoReprocess)
	cfg.DeadLetter.ReprocessInterval = r.duration("DLQ_REPROCESS_INTERVAL_MINUTES", cfg.DeadLetter.ReprocessInterval, time.Minute)

	for _, ch := range model.Channels {
		prefix := "RATE_" + strings.ToUpper(string(ch))
		lim := cfg.RateLimits[ch]
		lim.PerMinute = r.int(prefix+"_PER_MINUTE", lim.PerMinute)
		lim.PerDay = r.int(prefix+"_PER_DAY", lim.PerDay)
		cfg.RateLimits[ch] = lim
	}

	cfg.Webhook.Secret = getEnv("WEBHOOK_SECRET", cfg.Webhook.Secret)
	cfg.Webhook.ValidateSignature = r.bool("WEBHOOK_VALIDATE_SIGNATURE", cfg.Webhook.ValidateSignature)
	cfg.Webhook.ValidateTimestamp = r.bool("WEBHOOK_VALIDATE_TIMESTAMP", cfg.Webhook.ValidateTimestamp)
	cfg.Webhook.Tolerance = r.duration("WEBHOOK_TOLERANCE_SECONDS", cfg.Webhook.Tolerance, time.Second)
	if ips := os.Getenv("WEBHOOK_ALLOWED_IPS"); ips != "" {
		cfg.Webhook.AllowedIPs = splitList(ips)
	}
	cfg.Webhook.AckFailures = r.bool("WEBHOOK_ACK_FAILURES", cfg.Webhook.AckFailures)

	r.errs = append(r.errs, validate(cfg)...)
	if err := joinErrors(r.errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig(r *envReader) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       r.int("REDIS_DB", 0),
		TTL:      r.duration("REDIS_TTL_SECONDS", 86400*time.Second, time.Second),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	positiveDur := func(key string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positiveDur("GATEWAY_TIMEOUT_SECONDS", cfg.Gateway.Timeout)
	positive("QUEUE_MAX_SIZE", cfg.Queue.MaxSize)
	positiveDur("QUEUE_PROCESS_INTERVAL_SECONDS", cfg.Scheduler.ProcessInterval)
	positiveDur("QUEUE_HEALTH_INTERVAL_SECONDS", cfg.Scheduler.HealthInterval)
	positive("BATCH_MAX_SIZE", cfg.Batch.MaxBatchSize)
	positiveDur("BATCH_TIMEOUT_SECONDS", cfg.Batch.BatchTimeout)
	positive("BATCH_MAX_CONCURRENT", cfg.Batch.MaxConcurrentBatches)
	if cfg.Batch.MessageDelay < 0 {
		errs = append(errs, errors.New("BATCH_MESSAGE_DELAY_MS must be >= 0"))
	}
	positive("RETRY_MAX_RETRIES", cfg.Retry.MaxRetries)
	positiveDur("RETRY_BASE_DELAY_MS", cfg.Retry.BaseDelay)
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY_MS must be >= RETRY_BASE_DELAY_MS"))
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("RETRY_MULTIPLIER must be >= 1"))
	}
	positive("DLQ_MAX_SIZE", cfg.DeadLetter.MaxSize)
	positive("DLQ_RETENTION_DAYS", cfg.DeadLetter.RetentionDays)
	positive("DLQ_ALERT_THRESHOLD", cfg.DeadLetter.AlertThreshold)
	if cfg.DeadLetter.AutoReprocess {
		positiveDur("DLQ_REPROCESS_INTERVAL_MINUTES", cfg.DeadLetter.ReprocessInterval)
	}
	for ch, lim := range cfg.RateLimits {
		prefix := "RATE_" + strings.ToUpper(string(ch))
		positive(prefix+"_PER_MINUTE", lim.PerMinute)
		positive(prefix+"_PER_DAY", lim.PerDay)
		if lim.PerDay > 0 && lim.PerMinute > lim.PerDay {
			errs = append(errs, fmt.Errorf("%s_PER_MINUTE must not exceed %s_PER_DAY", prefix, prefix))
		}
	}
	if cfg.Webhook.ValidateSignature && cfg.Webhook.Secret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required when WEBHOOK_VALIDATE_SIGNATURE is on"))
	}
	if cfg.Webhook.ValidateTimestamp {
		positiveDur("WEBHOOK_TOLERANCE_SECONDS", cfg.Webhook.Tolerance)
	}
	return errs
}

// envReader accumulates parse errors so LoadAll can report all of them.
type envReader struct {
	errs []error
}

func (r *envReader) fail(err error) {
	r.errs = append(r.errs, err)
}

func (r *envReader) int(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil {
		r.fail(err)
		return def
	}
	return v
}

func (r *envReader) float(key string, def float64) float64 {
	v, err := getEnvFloat(key, def)
	if err != nil {
		r.fail(err)
		return def
	}
	return v
}

func (r *envReader) bool(key string, def bool) bool {
	v, err := getEnvBool(key, def)
	if err != nil {
		r.fail(err)
		return def
	}
	return v
}

func (r *envReader) duration(key string, def, unit time.Duration) time.Duration {
	v, err := getEnvDuration(key, def, unit)
	if err != nil {
		r.fail(err)
		return def
	}
	return v
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid float for env %s: %s", key, v)
	}
	return f, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %s", key, v)
	}
	return b, nil
}

// getEnvDuration reads an integer count of unit.
func getEnvDuration(key string, def, unit time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return time.Duration(n) * unit, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
