package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/notification-pipeline/internal/deadletter"
	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/metrics"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
	"github.com/LeventeLantos/notification-pipeline/internal/ratelimit"
	"github.com/LeventeLantos/notification-pipeline/internal/retry"
)

// ChannelGateway delivers one message to the provider and returns the
// provider's message id.
type ChannelGateway interface {
	Send(ctx context.Context, channel model.Channel, payload model.Payload) (providerMessageID string, err error)
}

type Config struct {
	MaxBatchSize         int           `yaml:"max_batch_size"`
	BatchTimeout         time.Duration `yaml:"batch_timeout"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	MessageDelay         time.Duration `yaml:"message_delay"`
	MaxRateLimitWait     time.Duration `yaml:"max_rate_limit_wait"`
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         100,
		BatchTimeout:         30 * time.Second,
		MaxConcurrentBatches: 5,
		MessageDelay:         100 * time.Millisecond,
		MaxRateLimitWait:     5 * time.Second,
	}
}

// Processor sends batches through the gateway. Quota is taken from the
// rate limiter before each send, failures go through the retry handler and
// exhausted or permanent failures end in the dead-letter lane.
type Processor struct {
	cfg     Config
	gateway ChannelGateway
	limits  *ratelimit.Manager
	retry   *retry.Handler
	dlq     *deadletter.Manager
	logger  *slog.Logger
	metrics *metrics.Pipeline

	pacers   map[model.Channel]*rate.Limiter
	inflight atomic.Int32

	onSent func(ctx context.Context, msg model.QueuedMessage, providerMessageID string) error

	now func() time.Time
}

func NewProcessor(
	cfg Config,
	gateway ChannelGateway,
	limits *ratelimit.Manager,
	retries *retry.Handler,
	dlq *deadletter.Manager,
	logger *slog.Logger,
) *Processor {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	if cfg.MessageDelay < 0 {
		cfg.MessageDelay = 0
	}
	if cfg.MaxRateLimitWait < 0 {
		cfg.MaxRateLimitWait = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	if retries == nil {
		retries = retry.NewHandler(retry.DefaultConfig())
	}

	limit := rate.Inf
	if cfg.MessageDelay > 0 {
		limit = rate.Every(cfg.MessageDelay)
	}
	pacers := make(map[model.Channel]*rate.Limiter, 2)
	for _, ch := range model.Channels {
		pacers[ch] = rate.NewLimiter(limit, 1)
	}

	return &Processor{
		cfg:     cfg,
		gateway: gateway,
		limits:  limits,
		retry:   retries,
		dlq:     dlq,
		logger:  logger.With("component", "processor"),
		pacers:  pacers,
		now:     time.Now,
	}
}

// WithHooks registers a callback run after every successful send. Its
// error is logged and does not change the outcome.
func (p *Processor) WithHooks(
	onSent func(ctx context.Context, msg model.QueuedMessage, providerMessageID string) error,
) *Processor {
	p.onSent = onSent
	return p
}

func (p *Processor) WithMetrics(m *metrics.Pipeline) *Processor {
	p.metrics = m
	return p
}

func (p *Processor) InFlight() int {
	return int(p.inflight.Load())
}

// ProcessBatch sends msgs and always returns a result. When the number of
// batches in flight is at the ceiling it returns errs.ErrConcurrencyLimit
// with every message deferred.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []model.QueuedMessage) (model.BatchResult, error) {
	start := p.now()

	if !p.acquire() {
		res := model.BatchResult{Total: len(msgs)}
		res.Defer("concurrency limit", msgs...)
		res.Finish(p.now().Sub(start))
		p.logger.Warn("batch rejected", "size", len(msgs), "in_flight", p.InFlight())
		return res, errs.ErrConcurrencyLimit
	}
	defer p.inflight.Add(-1)

	var res model.BatchResult

	batch := msgs
	if len(batch) > p.cfg.MaxBatchSize {
		for _, msg := range batch[p.cfg.MaxBatchSize:] {
			res.Defer("batch size exceeded", msg)
		}
		batch = batch[:p.cfg.MaxBatchSize]
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	groups, order := partition(batch)
	results := make([]model.BatchResult, len(order))

	var g errgroup.Group
	for i, ch := range order {
		g.Go(func() error {
			results[i] = p.processChannel(ctx, ch, groups[ch])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		res.Merge(r)
	}
	res.Total = len(msgs)
	res.Finish(p.now().Sub(start))
	return res, nil
}

func (p *Processor) acquire() bool {
	for {
		n := p.inflight.Load()
		if int(n) >= p.cfg.MaxConcurrentBatches {
			return false
		}
		if p.inflight.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// partition groups by channel, keeping first-seen channel order and the
// message order inside each group.
func partition(msgs []model.QueuedMessage) (map[model.Channel][]model.QueuedMessage, []model.Channel) {
	groups := make(map[model.Channel][]model.QueuedMessage)
	var order []model.Channel
	for _, msg := range msgs {
		if _, seen := groups[msg.Channel]; !seen {
			order = append(order, msg.Channel)
		}
		groups[msg.Channel] = append(groups[msg.Channel], msg)
	}
	return groups, order
}

func (p *Processor) processChannel(ctx context.Context, ch model.Channel, msgs []model.QueuedMessage) model.BatchResult {
	var res model.BatchResult

	pacer := p.pacers[ch]
	for i, msg := range msgs {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				res.Defer("batch timeout", msgs[i:]...)
				break
			}
		}
		if ctx.Err() != nil {
			res.Defer("batch timeout", msgs[i:]...)
			break
		}

		ok, until := p.reserve(ctx, msg)
		if !ok {
			if until.After(msg.ScheduledAt) {
				msg.ScheduledAt = until
			}
			res.Defer("rate limited", msg)
			continue
		}

		p.send(ctx, msg, &res)
	}
	return res
}

// reserve consumes one unit of channel quota, waiting up to
// MaxRateLimitWait for it. When it gives up it returns the time at which
// quota is expected back, or zero if unknown.
func (p *Processor) reserve(ctx context.Context, msg model.QueuedMessage) (bool, time.Time) {
	if p.limits == nil {
		return true, time.Time{}
	}

	for {
		if p.limits.ConsumeRateLimit(msg.Channel, 1) {
			return true, time.Time{}
		}
		p.metrics.RateLimited(msg.Channel)

		wait := p.limits.GetSchedulingRecommendation(msg.Channel, 1)
		if wait <= 0 {
			return false, time.Time{}
		}
		if wait > p.cfg.MaxRateLimitWait {
			p.logger.Info("rate limited, deferring",
				"message_id", msg.ID,
				"channel", msg.Channel,
				"delay_ms", wait.Milliseconds(),
			)
			return false, p.now().Add(wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, time.Time{}
		case <-timer.C:
		}
	}
}

func (p *Processor) send(ctx context.Context, msg model.QueuedMessage, res *model.BatchResult) {
	providerID, err := p.gateway.Send(ctx, msg.Channel, msg.Payload)
	if err == nil {
		p.retry.RecordSuccess(msg)
		res.Successful++
		if p.onSent != nil {
			if hookErr := p.onSent(ctx, msg, providerID); hookErr != nil {
				p.logger.Warn("sent hook failed", "message_id", msg.ID, "err", hookErr)
			}
		}
		p.logger.Debug("message sent", "message_id", msg.ID, "channel", msg.Channel, "provider_id", providerID)
		return
	}

	gerr := errs.Classify(err)
	res.Failed++
	p.retry.RecordFailure(msg, gerr)

	if p.retry.IsRetryable(gerr, msg.RetryCount+1, msg.MaxRetries) {
		delay := p.retry.Schedule(&msg, gerr)
		res.Retried++
		res.Rescheduled = append(res.Rescheduled, msg)
		res.Errors = append(res.Errors, batchError(msg, gerr, model.OutcomeRetried))
		p.logger.Info("message scheduled for retry",
			"message_id", msg.ID,
			"code", gerr.Code,
			"retry", msg.RetryCount,
			"delay_ms", delay.Milliseconds(),
		)
		return
	}

	if gerr.Policy().Action == errs.ActionEscalate {
		p.logger.Error("gateway configuration problem", "message_id", msg.ID, "code", gerr.Code, "err", gerr.Message)
	}

	history := p.retry.Release(msg.ID)
	if p.dlq != nil {
		p.dlq.Add(msg, gerr, history)
	}
	res.DeadLettered++
	res.Errors = append(res.Errors, batchError(msg, gerr, model.OutcomeDeadLettered))
}

func batchError(msg model.QueuedMessage, gerr *errs.GatewayError, outcome model.Outcome) model.BatchError {
	return model.BatchError{
		MessageID: msg.ID,
		Channel:   msg.Channel,
		Code:      gerr.Code,
		Category:  gerr.Category.String(),
		Message:   gerr.Message,
		Outcome:   outcome,
	}
}
