package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// DefaultLimits are the per-channel ceilings used when none are configured.
var DefaultLimits = map[model.Channel]model.RateLimitConfig{
	model.WhatsApp: {PerMinute: 600, PerDay: 100000},
	model.SMS:      {PerMinute: 300, PerDay: 50000},
}

type window struct {
	used    int
	resetAt time.Time
}

type channelState struct {
	cfg    model.RateLimitConfig
	minute window
	day    window
}

// Manager tracks per-channel quota in fixed minute and day windows. A send
// needs headroom in both. All state sits behind one mutex so concurrent
// ConsumeRateLimit calls never overdraw a window.
type Manager struct {
	mu       sync.Mutex
	channels map[model.Channel]*channelState
	now      func() time.Time
	logger   *slog.Logger
}

func NewManager(limits map[model.Channel]model.RateLimitConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if len(limits) == 0 {
		limits = DefaultLimits
	}
	m := &Manager{
		channels: make(map[model.Channel]*channelState, len(limits)),
		now:      time.Now,
		logger:   logger,
	}
	for ch, cfg := range limits {
		m.channels[ch] = &channelState{cfg: cfg}
	}
	return m
}

// WithClock swaps the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// CanSendMessage reports whether count messages fit both windows right now.
// A non-positive count never fits.
func (m *Manager) CanSendMessage(channel model.Channel, count int) bool {
	if count <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state(channel)
	if !ok {
		return false
	}
	return st.fits(count)
}

// ConsumeRateLimit takes count units of quota, or nothing if either window
// lacks headroom. A non-positive count is refused without touching usage.
func (m *Manager) ConsumeRateLimit(channel model.Channel, count int) bool {
	if count <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state(channel)
	if !ok {
		return false
	}
	if !st.fits(count) {
		m.logger.Debug("rate limit reached",
			"channel", channel,
			"minute_used", st.minute.used,
			"day_used", st.day.used,
		)
		return false
	}
	st.minute.used += count
	st.day.used += count
	return true
}

// GetSchedulingRecommendation returns how long to wait before count
// messages are expected to fit. Zero means send now.
func (m *Manager) GetSchedulingRecommendation(channel model.Channel, count int) time.Duration {
	if count <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state(channel)
	if !ok {
		return 0
	}
	return st.delay(m.now(), count)
}

func (m *Manager) GetStatus(channel model.Channel) model.RateLimitStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := model.RateLimitStatus{Channel: channel}
	st, ok := m.state(channel)
	if !ok {
		status.Limited = true
		return status
	}

	now := m.now()
	status.Config = st.cfg
	status.MinuteUsed = st.minute.used
	status.DayUsed = st.day.used
	status.MinuteRemaining = max(st.cfg.PerMinute-st.minute.used, 0)
	status.DayRemaining = max(st.cfg.PerDay-st.day.used, 0)
	status.MinuteResetAt = st.minute.resetAt
	status.DayResetAt = st.day.resetAt
	status.Limited = !st.fits(1)
	status.RecommendedDelay = st.delay(now, 1)
	return status
}

// Reset clears usage for a channel.
func (m *Manager) Reset(channel model.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.channels[channel]; ok {
		st.minute = window{}
		st.day = window{}
	}
}

// state returns the channel state with expired windows rolled over.
func (m *Manager) state(channel model.Channel) (*channelState, bool) {
	st, ok := m.channels[channel]
	if !ok {
		return nil, false
	}

	now := m.now()
	if !now.Before(st.minute.resetAt) {
		st.minute = window{resetAt: now.Truncate(time.Minute).Add(time.Minute)}
	}
	if !now.Before(st.day.resetAt) {
		y, mo, d := now.Date()
		st.day = window{resetAt: time.Date(y, mo, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)}
	}
	return st, true
}

func (st *channelState) fits(count int) bool {
	if count <= 0 {
		return false
	}
	return st.minute.used+count <= st.cfg.PerMinute && st.day.used+count <= st.cfg.PerDay
}

func (st *channelState) delay(now time.Time, count int) time.Duration {
	if st.fits(count) {
		return 0
	}

	var d time.Duration
	if st.minute.used+count > st.cfg.PerMinute {
		d = st.minute.resetAt.Sub(now)
	}
	if st.day.used+count > st.cfg.PerDay {
		d = max(d, st.day.resetAt.Sub(now))
	}
	return max(d, 0)
}
