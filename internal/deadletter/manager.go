package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

var ErrNotReprocessable = errors.New("dead letter cannot be reprocessed")

// Permanent failures: never reprocessed, manually or automatically.
var nonReprocessable = map[string]struct{}{
	errs.CodeInvalidPhoneNumber: {},
	errs.CodeInvalidTemplate:    {},
	errs.CodeInvalidParameters:  {},
	errs.CodeUnauthorized:       {},
	errs.CodeForbidden:          {},
}

// CanReprocess reports whether a dead letter ending in code may be retried.
func CanReprocess(code string) bool {
	_, permanent := nonReprocessable[code]
	return !permanent
}

type Config struct {
	MaxSize           int           `yaml:"max_size"`
	RetentionDays     int           `yaml:"retention_days"`
	AlertThreshold    int           `yaml:"alert_threshold"`
	AutoReprocess     bool          `yaml:"auto_reprocess"`
	ReprocessInterval time.Duration `yaml:"reprocess_interval"`
	MinDwell          time.Duration `yaml:"min_dwell"`
	ReprocessBatch    int           `yaml:"reprocess_batch"`
	RetentionSweep    time.Duration `yaml:"retention_sweep"`
}

func DefaultConfig() Config {
	return Config{
		MaxSize:           1000,
		RetentionDays:     7,
		AlertThreshold:    100,
		AutoReprocess:     false,
		ReprocessInterval: time.Hour,
		MinDwell:          time.Hour,
		ReprocessBatch:    100,
		RetentionSweep:    time.Hour,
	}
}

// Archiver keeps dead letters that leave the lane without being reprocessed.
type Archiver interface {
	Archive(ctx context.Context, dl model.DeadLetterMessage, reason string) error
}

// AlertFunc is called once each time the lane size crosses the alert
// threshold.
type AlertFunc func(size, threshold int)

// RequeueFunc hands a reset message back to the queue.
type RequeueFunc func(msg model.QueuedMessage) error

type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*model.DeadLetterMessage
	alerted bool

	archiver Archiver
	alert    AlertFunc
	requeue  RequeueFunc

	cron *cron.Cron
	now  func() time.Time
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.AlertThreshold <= 0 || cfg.AlertThreshold > cfg.MaxSize {
		cfg.AlertThreshold = min(def.AlertThreshold, cfg.MaxSize)
	}
	if cfg.ReprocessInterval <= 0 {
		cfg.ReprocessInterval = def.ReprocessInterval
	}
	if cfg.MinDwell <= 0 {
		cfg.MinDwell = def.MinDwell
	}
	if cfg.ReprocessBatch <= 0 {
		cfg.ReprocessBatch = def.ReprocessBatch
	}
	if cfg.RetentionSweep <= 0 {
		cfg.RetentionSweep = def.RetentionSweep
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "deadletter"),
		entries: make(map[string]*model.DeadLetterMessage),
		now:     time.Now,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) WithArchiver(a Archiver) *Manager {
	m.archiver = a
	return m
}

func (m *Manager) WithAlert(fn AlertFunc) *Manager {
	m.alert = fn
	return m
}

func (m *Manager) SetRequeue(fn RequeueFunc) {
	m.mu.Lock()
	m.requeue = fn
	m.mu.Unlock()
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Add moves a message into the lane with its full error history. When the
// lane is full the entry with the earliest first failure is evicted.
func (m *Manager) Add(msg model.QueuedMessage, failure *errs.GatewayError, history []model.AttemptError) model.DeadLetterMessage {
	now := m.now()

	dl := model.DeadLetterMessage{
		Message:       msg,
		TotalRetries:  msg.RetryCount,
		FirstFailedAt: now,
		LastFailedAt:  now,
		ErrorHistory:  append([]model.AttemptError(nil), history...),
		CanReprocess:  true,
	}
	if len(history) > 0 {
		dl.FirstFailedAt = history[0].OccurredAt
		dl.LastFailedAt = history[len(history)-1].OccurredAt
	}
	if failure != nil {
		dl.FailureReason = failure.Code
		if failure.Message != "" {
			dl.FailureReason = fmt.Sprintf("%s: %s", failure.Code, failure.Message)
		}
		dl.CanReprocess = CanReprocess(failure.Code)
	}

	m.mu.Lock()
	evicted, size, fire := m.storeLocked(dl)
	m.mu.Unlock()

	m.logger.Warn("message dead-lettered",
		"message_id", msg.ID,
		"channel", msg.Channel,
		"reason", dl.FailureReason,
		"retries", dl.TotalRetries,
		"can_reprocess", dl.CanReprocess,
	)

	m.afterStore(evicted, size, fire)
	return dl
}

// storeLocked inserts dl, evicting the earliest failures while the lane is
// full, and reports whether the alert threshold was just crossed.
func (m *Manager) storeLocked(dl model.DeadLetterMessage) (evicted []model.DeadLetterMessage, size int, fire bool) {
	if _, exists := m.entries[dl.Message.ID]; !exists {
		for len(m.entries) >= m.cfg.MaxSize {
			evicted = append(evicted, m.evictOldestLocked())
		}
	}
	m.entries[dl.Message.ID] = &dl
	size = len(m.entries)
	fire = size >= m.cfg.AlertThreshold && !m.alerted
	if fire {
		m.alerted = true
	}
	return evicted, size, fire
}

func (m *Manager) afterStore(evicted []model.DeadLetterMessage, size int, fire bool) {
	for _, e := range evicted {
		m.logger.Warn("dead letter evicted", "message_id", e.Message.ID, "first_failed_at", e.FirstFailedAt)
		m.archive(e, "evicted")
	}
	if fire {
		m.logger.Error("dead letter lane above alert threshold", "size", size, "threshold", m.cfg.AlertThreshold)
		if m.alert != nil {
			m.alert(size, m.cfg.AlertThreshold)
		}
	}
}

func (m *Manager) Get(id string) (model.DeadLetterMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.entries[id]
	if !ok {
		return model.DeadLetterMessage{}, false
	}
	return *dl, true
}

// List returns the lane ordered by first failure.
func (m *Manager) List() []model.DeadLetterMessage {
	m.mu.Lock()
	out := make([]model.DeadLetterMessage, 0, len(m.entries))
	for _, dl := range m.entries {
		out = append(out, *dl)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstFailedAt.Equal(out[j].FirstFailedAt) {
			return out[i].Message.ID < out[j].Message.ID
		}
		return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Remove drops an entry regardless of whether it can be reprocessed.
func (m *Manager) Remove(id string) (model.DeadLetterMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.entries[id]
	if !ok {
		return model.DeadLetterMessage{}, false
	}
	delete(m.entries, id)
	m.rearmLocked()
	return *dl, true
}

// Take removes a reprocessable entry. Permanent failures stay in the lane.
func (m *Manager) Take(id string) (model.DeadLetterMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.entries[id]
	if !ok {
		return model.DeadLetterMessage{}, errs.ErrNotFound
	}
	if !dl.CanReprocess {
		return *dl, ErrNotReprocessable
	}
	delete(m.entries, id)
	m.rearmLocked()
	return *dl, nil
}

// Restore puts back an entry that could not be requeued. It is bound by
// MaxSize the same way Add is.
func (m *Manager) Restore(dl model.DeadLetterMessage) {
	m.mu.Lock()
	if _, exists := m.entries[dl.Message.ID]; exists {
		m.mu.Unlock()
		return
	}
	evicted, size, fire := m.storeLocked(dl)
	m.mu.Unlock()

	m.afterStore(evicted, size, fire)
}

// ReprocessDue requeues reprocessable entries that have sat for at least
// MinDwell since their last failure.
func (m *Manager) ReprocessDue(ctx context.Context) int {
	m.mu.Lock()
	requeue := m.requeue
	m.mu.Unlock()
	if requeue == nil {
		return 0
	}

	cutoff := m.now().Add(-m.cfg.MinDwell)
	var candidates []string
	for _, dl := range m.List() {
		if len(candidates) >= m.cfg.ReprocessBatch {
			break
		}
		if dl.CanReprocess && !dl.LastFailedAt.After(cutoff) {
			candidates = append(candidates, dl.Message.ID)
		}
	}

	requeued := 0
	for _, id := range candidates {
		if ctx.Err() != nil {
			break
		}
		dl, err := m.Take(id)
		if err != nil {
			continue
		}
		if err := requeue(Reset(dl.Message, m.now())); err != nil {
			m.logger.Warn("auto reprocess failed", "message_id", id, "err", err)
			m.Restore(dl)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		m.logger.Info("dead letters reprocessed", "count", requeued)
	}
	return requeued
}

// ExpireOld archives and drops entries past the retention window.
func (m *Manager) ExpireOld(ctx context.Context) int {
	cutoff := m.now().Add(-time.Duration(m.cfg.RetentionDays) * 24 * time.Hour)

	m.mu.Lock()
	var expired []model.DeadLetterMessage
	for id, dl := range m.entries {
		if dl.FirstFailedAt.Before(cutoff) {
			expired = append(expired, *dl)
			delete(m.entries, id)
		}
	}
	m.rearmLocked()
	m.mu.Unlock()

	for _, dl := range expired {
		if ctx.Err() != nil {
			m.Restore(dl)
			continue
		}
		m.archive(dl, "expired")
	}
	if len(expired) > 0 {
		m.logger.Info("dead letters expired", "count", len(expired))
	}
	return len(expired)
}

// Start schedules the retention sweep and, when enabled, auto reprocessing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(every(m.cfg.RetentionSweep), func() { m.ExpireOld(ctx) }); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	if m.cfg.AutoReprocess {
		if _, err := c.AddFunc(every(m.cfg.ReprocessInterval), func() { m.ReprocessDue(ctx) }); err != nil {
			return fmt.Errorf("schedule auto reprocess: %w", err)
		}
	}
	c.Start()
	m.cron = c

	m.logger.Info("dead letter jobs started",
		"auto_reprocess", m.cfg.AutoReprocess,
		"reprocess_interval", m.cfg.ReprocessInterval.String(),
		"retention_days", m.cfg.RetentionDays,
	)
	return nil
}

// Stop cancels the recurring jobs and waits for a running one to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info("dead letter jobs stopped")
}

// Reset turns a dead letter back into a fresh message.
func Reset(msg model.QueuedMessage, now time.Time) model.QueuedMessage {
	msg.RetryCount = 0
	msg.ScheduledAt = now
	msg.Metadata.UpdatedAt = now
	return msg
}

func (m *Manager) evictOldestLocked() model.DeadLetterMessage {
	var oldest *model.DeadLetterMessage
	for _, dl := range m.entries {
		if oldest == nil || dl.FirstFailedAt.Before(oldest.FirstFailedAt) ||
			(dl.FirstFailedAt.Equal(oldest.FirstFailedAt) && dl.Message.ID < oldest.Message.ID) {
			oldest = dl
		}
	}
	delete(m.entries, oldest.Message.ID)
	return *oldest
}

func (m *Manager) rearmLocked() {
	if len(m.entries) < m.cfg.AlertThreshold {
		m.alerted = false
	}
}

func (m *Manager) archive(dl model.DeadLetterMessage, reason string) {
	if m.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.archiver.Archive(ctx, dl, reason); err != nil {
		m.logger.Error("archive dead letter failed", "message_id", dl.Message.ID, "reason", reason, "err", err)
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
