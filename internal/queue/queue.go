package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ekitqueue "github.com/ecodeclub/ekit/queue"
	"github.com/google/uuid"

	"github.com/LeventeLantos/notification-pipeline/internal/deadletter"
	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/metrics"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// Dispatcher sends a slice of due messages. service.Processor implements it.
type Dispatcher interface {
	ProcessBatch(ctx context.Context, msgs []model.QueuedMessage) (model.BatchResult, error)
}

type Config struct {
	MaxSize           int                    `yaml:"max_size"`
	DefaultMaxRetries int                    `yaml:"default_max_retries"`
	PassQuota         map[model.Priority]int `yaml:"pass_quota"`

	DepthWarnRatio     float64       `yaml:"depth_warn_ratio"`
	MaxMessageAge      time.Duration `yaml:"max_message_age"`
	StallWindow        time.Duration `yaml:"stall_window"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
}

func DefaultConfig() Config {
	return Config{
		MaxSize:           10000,
		DefaultMaxRetries: 3,
		PassQuota: map[model.Priority]int{
			model.High:   5,
			model.Medium: 3,
			model.Low:    2,
		},
		DepthWarnRatio:     0.8,
		MaxMessageAge:      30 * time.Minute,
		StallWindow:        5 * time.Minute,
		ErrorRateThreshold: 0.1,
	}
}

type location int

const (
	inLane location = iota + 1
	inScheduled
	inProcessing
)

// scheduledEntry orders equal ScheduledAt values by enqueue sequence so
// promotion keeps lanes FIFO.
type scheduledEntry struct {
	msg model.QueuedMessage
	seq uint64
}

// MessageQueue holds messages in three FIFO priority lanes, a scheduled
// set ordered by ScheduledAt and a processing set. A tracked message is in
// exactly one of them; dead letters live in the deadletter.Manager.
type MessageQueue struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Pipeline

	dispatcher Dispatcher
	dlq        *deadletter.Manager

	mu         sync.Mutex
	lanes      map[model.Priority][]model.QueuedMessage
	scheduled  *ekitqueue.PriorityQueue[scheduledEntry]
	seq        uint64
	processing map[string]model.QueuedMessage
	index      map[string]location
	stats      Stats

	running   atomic.Bool
	startedAt time.Time
	now       func() time.Time
}

func New(cfg Config, dispatcher Dispatcher, dlq *deadletter.Manager, logger *slog.Logger) *MessageQueue {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if len(cfg.PassQuota) == 0 {
		cfg.PassQuota = def.PassQuota
	}
	if cfg.DepthWarnRatio <= 0 || cfg.DepthWarnRatio > 1 {
		cfg.DepthWarnRatio = def.DepthWarnRatio
	}
	if cfg.MaxMessageAge <= 0 {
		cfg.MaxMessageAge = def.MaxMessageAge
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = def.StallWindow
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &MessageQueue{
		cfg:        cfg,
		logger:     logger.With("component", "queue"),
		dispatcher: dispatcher,
		dlq:        dlq,
		lanes:      make(map[model.Priority][]model.QueuedMessage, len(model.Priorities)),
		scheduled:  ekitqueue.NewPriorityQueue[scheduledEntry](0, byScheduledAt),
		processing: make(map[string]model.QueuedMessage),
		index:      make(map[string]location),
		now:        time.Now,
	}
	q.startedAt = q.now()

	if dlq != nil {
		dlq.SetRequeue(q.enqueue)
	}
	return q
}

func (q *MessageQueue) WithMetrics(m *metrics.Pipeline) *MessageQueue {
	q.metrics = m
	return q
}

func byScheduledAt(a, b scheduledEntry) int {
	if c := a.msg.ScheduledAt.Compare(b.msg.ScheduledAt); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// scheduleLocked pushes msg onto the scheduled set behind every entry with
// the same ScheduledAt.
func (q *MessageQueue) scheduleLocked(msg model.QueuedMessage) error {
	q.seq++
	return q.scheduled.Enqueue(scheduledEntry{msg: msg, seq: q.seq})
}

// Enqueue validates msg and places it in its priority lane, or in the
// scheduled set when ScheduledAt lies in the future.
func (q *MessageQueue) Enqueue(msg model.QueuedMessage) error {
	now := q.now()
	if msg.MaxRetries == 0 {
		msg.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if msg.Metadata.CreatedAt.IsZero() {
		msg.Metadata.CreatedAt = now
	}
	msg.Metadata.UpdatedAt = now
	if msg.Metadata.CorrelationID == "" {
		msg.Metadata.CorrelationID = uuid.NewString()
	}
	if msg.ScheduledAt.IsZero() {
		msg.ScheduledAt = now
	}
	return q.enqueue(msg)
}

func (q *MessageQueue) enqueue(msg model.QueuedMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	if _, tracked := q.index[msg.ID]; tracked {
		q.mu.Unlock()
		return &errs.ValidationError{MessageID: msg.ID, Err: errs.ErrDuplicate}
	}
	if len(q.index) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d messages", errs.ErrCapacity, q.cfg.MaxSize)
	}

	now := q.now()
	if msg.Due(now) {
		q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)
		q.index[msg.ID] = inLane
	} else {
		if err := q.scheduleLocked(msg); err != nil {
			q.mu.Unlock()
			return fmt.Errorf("schedule message %s: %w", msg.ID, err)
		}
		q.index[msg.ID] = inScheduled
	}
	q.mu.Unlock()

	q.metrics.Enqueued(msg)
	q.logger.Debug("message enqueued",
		"message_id", msg.ID,
		"channel", msg.Channel,
		"priority", msg.Priority,
		"scheduled_at", msg.ScheduledAt,
	)
	return nil
}

// Process runs one pass: due scheduled messages are promoted, a weighted
// slice of the lanes is dispatched, and the outcome is settled back into
// the queue. It returns false without doing anything when another pass is
// already running.
func (q *MessageQueue) Process(ctx context.Context) (model.BatchResult, bool) {
	if !q.running.CompareAndSwap(false, true) {
		q.logger.Debug("process pass already running")
		return model.BatchResult{}, false
	}
	defer q.running.Store(false)

	batch := q.GetMessagesForProcessing()
	if len(batch) == 0 {
		q.publishDepth()
		return model.BatchResult{}, true
	}

	start := q.now()
	res := q.dispatch(ctx, batch)
	elapsed := q.now().Sub(start)
	if res.Duration == 0 {
		res.Finish(elapsed)
	}

	q.settle(batch, res)
	q.record(res, elapsed)
	q.metrics.ObserveBatch(res)
	q.publishDepth()

	q.logger.Info("process pass completed",
		"total", res.Total,
		"successful", res.Successful,
		"retried", res.Retried,
		"dead_lettered", res.DeadLettered,
		"deferred", res.Deferred,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, true
}

// GetMessagesForProcessing promotes due scheduled messages and moves up to
// the per-pass quota of each lane, high first, into the processing set.
func (q *MessageQueue) GetMessagesForProcessing() []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked(q.now())

	var out []model.QueuedMessage
	for _, prio := range model.Priorities {
		lane := q.lanes[prio]
		n := min(q.cfg.PassQuota[prio], len(lane))
		if n <= 0 {
			continue
		}
		for _, msg := range lane[:n] {
			q.processing[msg.ID] = msg
			q.index[msg.ID] = inProcessing
			out = append(out, msg)
		}
		q.lanes[prio] = append([]model.QueuedMessage(nil), lane[n:]...)
	}
	return out
}

// RequeueFromDeadLetter moves a reprocessable dead letter back into the
// queue with a fresh retry budget. Unknown ids and permanent failures
// return false and leave the dead-letter lane untouched.
func (q *MessageQueue) RequeueFromDeadLetter(id string) bool {
	if q.dlq == nil {
		return false
	}

	dl, err := q.dlq.Take(id)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			q.logger.Info("dead letter not requeued", "message_id", id, "err", err)
		}
		return false
	}

	if err := q.enqueue(deadletter.Reset(dl.Message, q.now())); err != nil {
		q.logger.Warn("dead letter requeue failed", "message_id", id, "err", err)
		q.dlq.Restore(dl)
		return false
	}

	q.logger.Info("dead letter requeued", "message_id", id)
	return true
}

// Destroy stops the dead-letter jobs. Messages still tracked are kept so a
// caller can inspect them.
func (q *MessageQueue) Destroy() {
	if q.dlq != nil {
		q.dlq.Stop()
	}
}

func (q *MessageQueue) promoteDueLocked(now time.Time) {
	for q.scheduled.Len() > 0 {
		next, err := q.scheduled.Peek()
		if err != nil || !next.msg.Due(now) {
			return
		}
		entry, err := q.scheduled.Dequeue()
		if err != nil {
			return
		}
		msg := entry.msg
		q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)
		q.index[msg.ID] = inLane
	}
}

// dispatch calls the processor, recovering from a panic by deferring the
// whole batch.
func (q *MessageQueue) dispatch(ctx context.Context, batch []model.QueuedMessage) (res model.BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatch panic recovered", "panic", r)
			res = deferAll(batch)
		}
	}()

	if q.dispatcher == nil {
		q.logger.Error("no dispatcher configured")
		return deferAll(batch)
	}

	res, err := q.dispatcher.ProcessBatch(ctx, batch)
	if err != nil {
		q.logger.Warn("batch not fully processed", "err", err)
	}
	return res
}

func deferAll(batch []model.QueuedMessage) model.BatchResult {
	return model.BatchResult{
		Total:       len(batch),
		Deferred:    len(batch),
		Unprocessed: append([]model.QueuedMessage(nil), batch...),
	}
}

// settle clears the processing set. Retried messages go to the scheduled
// set, deferred ones back to the head of their lane or to the scheduled set
// when they carry a future ScheduledAt. Everything else is finished.
func (q *MessageQueue) settle(batch []model.QueuedMessage, res model.BatchResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, msg := range res.Rescheduled {
		if _, ok := q.processing[msg.ID]; !ok {
			continue
		}
		delete(q.processing, msg.ID)
		q.placeLocked(msg, now)
	}

	heads := make(map[model.Priority][]model.QueuedMessage)
	for _, msg := range res.Unprocessed {
		if _, ok := q.processing[msg.ID]; !ok {
			continue
		}
		delete(q.processing, msg.ID)
		if msg.Due(now) {
			heads[msg.Priority] = append(heads[msg.Priority], msg)
			q.index[msg.ID] = inLane
			continue
		}
		q.placeLocked(msg, now)
	}
	for prio, head := range heads {
		q.lanes[prio] = append(head, q.lanes[prio]...)
	}

	for _, msg := range batch {
		if _, ok := q.processing[msg.ID]; ok {
			delete(q.processing, msg.ID)
			delete(q.index, msg.ID)
		}
	}
}

func (q *MessageQueue) placeLocked(msg model.QueuedMessage, now time.Time) {
	if msg.Due(now) {
		q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)
		q.index[msg.ID] = inLane
		return
	}
	if err := q.scheduleLocked(msg); err != nil {
		// unbounded heap; only reachable if that changes
		q.logger.Error("schedule failed, keeping message in lane", "message_id", msg.ID, "err", err)
		q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)
		q.index[msg.ID] = inLane
		return
	}
	q.index[msg.ID] = inScheduled
}

func (q *MessageQueue) publishDepth() {
	if q.metrics == nil {
		return
	}
	st := q.GetQueueStatus()
	q.metrics.SetDepth(st.Lanes, st.Scheduled, st.Processing, st.DeadLetters)
}
