package retry

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// DefaultRetryableCodes are retried when nothing else is configured.
var DefaultRetryableCodes = []string{
	errs.CodeRateLimitExceeded,
	errs.CodeServiceUnavailable,
	errs.CodeTimeout,
	errs.CodeNetworkError,
	errs.CodeTemporaryFailure,
}

type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         bool          `yaml:"jitter"`
	RetryableCodes []string      `yaml:"retryable_codes"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Minute,
		Multiplier:     2,
		Jitter:         true,
		RetryableCodes: DefaultRetryableCodes,
	}
}

// Handler decides whether a failed send is retried and when, and keeps
// the attempt log of every message still in flight.
type Handler struct {
	cfg       Config
	retryable map[string]struct{}

	mu       sync.Mutex
	attempts map[string][]model.RetryAttempt
	failures map[string][]model.AttemptError

	now    func() time.Time
	jitter func() float64
}

func NewHandler(cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if len(cfg.RetryableCodes) == 0 {
		cfg.RetryableCodes = def.RetryableCodes
	}

	retryable := make(map[string]struct{}, len(cfg.RetryableCodes))
	for _, c := range cfg.RetryableCodes {
		retryable[strings.ToUpper(c)] = struct{}{}
	}

	return &Handler{
		cfg:       cfg,
		retryable: retryable,
		attempts:  make(map[string][]model.RetryAttempt),
		failures:  make(map[string][]model.AttemptError),
		now:       time.Now,
		jitter:    rand.Float64,
	}
}

func (h *Handler) Config() Config {
	return h.cfg
}

// IsRetryable reports whether another attempt is allowed after attempts
// failed sends ending in err. The configured code set decides
// retryability; single-retry categories get exactly one retry and the
// category attempt cap always applies.
func (h *Handler) IsRetryable(err *errs.GatewayError, attempts int, maxRetries int) bool {
	if err == nil {
		return false
	}
	if maxRetries <= 0 {
		maxRetries = h.cfg.MaxRetries
	}

	policy := err.Policy()
	limit := maxRetries
	if policy.AttemptCap > 0 {
		limit = min(limit, policy.AttemptCap)
	}
	if attempts >= limit {
		return false
	}

	if _, ok := h.retryable[err.Code]; ok {
		return true
	}
	return policy.Action == errs.ActionSingleRetry
}

// NextDelay is min(base * multiplier^(attempt-1), max). With jitter on, up
// to 5% is added, never dropping below the exponential value and never
// exceeding max.
func (h *Handler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(h.cfg.BaseDelay) * math.Pow(h.cfg.Multiplier, float64(attempt-1))
	maxDelay := float64(h.cfg.MaxDelay)
	if raw > maxDelay || math.IsInf(raw, 0) || math.IsNaN(raw) {
		raw = maxDelay
	}
	if h.cfg.Jitter {
		raw += raw * 0.05 * h.jitter()
		raw = math.Min(raw, maxDelay)
	}
	return time.Duration(raw)
}

// DelayFor honours a provider Retry-After hint, bounded by max delay.
func (h *Handler) DelayFor(err *errs.GatewayError, attempt int) time.Duration {
	d := h.NextDelay(attempt)
	if err != nil && err.RetryAfter > d {
		d = min(err.RetryAfter, h.cfg.MaxDelay)
	}
	return d
}

// Schedule advances msg for the next attempt. ScheduledAt never moves
// backwards.
func (h *Handler) Schedule(msg *model.QueuedMessage, err *errs.GatewayError) time.Duration {
	now := h.now()
	msg.RetryCount++
	delay := h.DelayFor(err, msg.RetryCount)
	next := now.Add(delay)
	if next.After(msg.ScheduledAt) {
		msg.ScheduledAt = next
	}
	msg.Metadata.UpdatedAt = now
	return delay
}

// RecordFailure appends a failed attempt to the message's log and returns
// the attempt number.
func (h *Handler) RecordFailure(msg model.QueuedMessage, err *errs.GatewayError) int {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.attempts[msg.ID]) + 1
	h.attempts[msg.ID] = append(h.attempts[msg.ID], model.RetryAttempt{
		Attempt:     n,
		ScheduledAt: msg.ScheduledAt,
		ExecutedAt:  &now,
		Error:       err.Error(),
	})
	h.failures[msg.ID] = append(h.failures[msg.ID], model.AttemptError{
		Attempt:    n,
		Code:       err.Code,
		Category:   err.Category.String(),
		Message:    err.Message,
		OccurredAt: now,
	})
	return n
}

// RecordSuccess marks the final attempt successful and drops the log.
func (h *Handler) RecordSuccess(msg model.QueuedMessage) []model.RetryAttempt {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	log := append(h.attempts[msg.ID], model.RetryAttempt{
		Attempt:     len(h.attempts[msg.ID]) + 1,
		ScheduledAt: msg.ScheduledAt,
		ExecutedAt:  &now,
		Success:     true,
	})
	delete(h.attempts, msg.ID)
	delete(h.failures, msg.ID)
	return log
}

// Attempts returns a copy of the attempt log.
func (h *Handler) Attempts(id string) []model.RetryAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.RetryAttempt(nil), h.attempts[id]...)
}

// Release hands back the error history and forgets the message.
func (h *Handler) Release(id string) []model.AttemptError {
	h.mu.Lock()
	defer h.mu.Unlock()

	history := h.failures[id]
	delete(h.attempts, id)
	delete(h.failures, id)
	return history
}
