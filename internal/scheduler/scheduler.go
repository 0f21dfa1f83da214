package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs a task on a fixed interval until stopped. The pipeline uses
// one for the processing loop and one for the health loop.
type Scheduler struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context)
	logger   *slog.Logger

	running atomic.Bool
	ticks   atomic.Int64
	panics  atomic.Int64
	lastAt  atomic.Int64 // unix nanos of the last completed tick
	lastDur atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Status struct {
	Name         string        `json:"name"`
	Running      bool          `json:"running"`
	Interval     time.Duration `json:"interval"`
	Ticks        int64         `json:"ticks"`
	Panics       int64         `json:"panics"`
	LastTickAt   *time.Time    `json:"lastTickAt,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
}

func New(name string, interval time.Duration, tickFn func(context.Context), logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		logger:   logger.With("task", name),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the running task and waits for the current tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.logger.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Name() string {
	return s.name
}

func (s *Scheduler) Status() Status {
	st := Status{
		Name:         s.name,
		Running:      s.running.Load(),
		Interval:     s.interval,
		Ticks:        s.ticks.Load(),
		Panics:       s.panics.Load(),
		LastDuration: time.Duration(s.lastDur.Load()),
	}
	if ns := s.lastAt.Load(); ns != 0 {
		at := time.Unix(0, ns)
		st.LastTickAt = &at
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("scheduler tick panic recovered", "panic", r)
		}
		s.ticks.Add(1)
		s.lastAt.Store(time.Now().UnixNano())
		s.lastDur.Store(int64(time.Since(start)))
	}()

	s.tickFn(ctx)
	s.logger.Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}
