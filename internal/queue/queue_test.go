package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/notification-pipeline/internal/deadletter"
	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// recordingDispatcher sends everything successfully unless told otherwise.
type recordingDispatcher struct {
	mu      sync.Mutex
	batches [][]model.QueuedMessage
	result  func(batch []model.QueuedMessage) model.BatchResult
	block   chan struct{}
	entered chan struct{}
}

func (d *recordingDispatcher) ProcessBatch(_ context.Context, msgs []model.QueuedMessage) (model.BatchResult, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}

	d.mu.Lock()
	d.batches = append(d.batches, append([]model.QueuedMessage(nil), msgs...))
	d.mu.Unlock()

	if d.result != nil {
		return d.result(msgs), nil
	}
	return model.BatchResult{Total: len(msgs), Successful: len(msgs)}, nil
}

func ids(msgs []model.QueuedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func msg(id string, prio model.Priority) model.QueuedMessage {
	return model.QueuedMessage{
		ID:       id,
		UserID:   "user-" + id,
		Channel:  model.SMS,
		Priority: prio,
		Payload:  model.Payload{Destination: "+36301234567", Body: "hi"},
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(cfg Config, d Dispatcher) (*MessageQueue, *deadletter.Manager, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dlq := deadletter.NewManager(deadletter.Config{}, nil).WithClock(c.Now)
	q := New(cfg, d, dlq, nil)
	q.now = c.Now
	q.startedAt = c.Now()
	return q, dlq, c
}

func TestEnqueue_ValidationErrors(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(Config{}, &recordingDispatcher{})

	bad := msg("", "urgent")
	bad.Channel = "pigeon"
	err := q.Enqueue(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Contains(t, err.Error(), "id")
	assert.Contains(t, err.Error(), "priority")
	assert.Contains(t, err.Error(), "channel")

	require.NoError(t, q.Enqueue(msg("a", model.High)))
	err = q.Enqueue(msg("a", model.High))
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.ErrorIs(t, err, errs.ErrDuplicate)
}

func TestEnqueue_Defaults(t *testing.T) {
	t.Parallel()

	q, _, c := newTestQueue(Config{DefaultMaxRetries: 4}, &recordingDispatcher{})
	require.NoError(t, q.Enqueue(msg("a", model.Low)))

	batch := q.GetMessagesForProcessing()
	require.Len(t, batch, 1)
	assert.Equal(t, 4, batch[0].MaxRetries)
	assert.Equal(t, c.Now(), batch[0].Metadata.CreatedAt)
	assert.NotEmpty(t, batch[0].Metadata.CorrelationID)
}

func TestEnqueue_Capacity(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(Config{MaxSize: 2}, &recordingDispatcher{})
	require.NoError(t, q.Enqueue(msg("a", model.High)))
	require.NoError(t, q.Enqueue(msg("b", model.Low)))

	err := q.Enqueue(msg("c", model.High))
	assert.ErrorIs(t, err, errs.ErrCapacity)
}

func TestProcess_WeightedPass(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	q, _, _ := newTestQueue(Config{}, d)

	// enqueue low first to show lane order wins over arrival order
	for i := 0; i < 2; i++ {
		require.NoError(t, q.Enqueue(msg(fmt.Sprintf("l%d", i), model.Low)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(msg(fmt.Sprintf("m%d", i), model.Medium)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(msg(fmt.Sprintf("h%d", i), model.High)))
	}

	res, ran := q.Process(context.Background())
	require.True(t, ran)
	assert.Equal(t, 10, res.Successful)

	require.Len(t, d.batches, 1)
	assert.Equal(t, []string{"h0", "h1", "h2", "h3", "h4", "m0", "m1", "m2", "l0", "l1"}, ids(d.batches[0]))

	st := q.GetQueueStatus()
	assert.Zero(t, st.Tracked)
	assert.Zero(t, st.Processing)
}

func TestProcess_CapsPerLaneAndPreventsStarvation(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	q, _, _ := newTestQueue(Config{}, d)

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(msg(fmt.Sprintf("h%d", i), model.High)))
	}
	require.NoError(t, q.Enqueue(msg("l0", model.Low)))

	_, ran := q.Process(context.Background())
	require.True(t, ran)
	assert.Equal(t, []string{"h0", "h1", "h2", "h3", "h4", "l0"}, ids(d.batches[0]))

	_, ran = q.Process(context.Background())
	require.True(t, ran)
	assert.Equal(t, []string{"h5", "h6", "h7"}, ids(d.batches[1]))
}

func TestProcess_FIFOWithinLane(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	q, _, _ := newTestQueue(Config{PassQuota: map[model.Priority]int{model.Medium: 2}}, d)

	var want []string
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("m%d", i)
		want = append(want, id)
		require.NoError(t, q.Enqueue(msg(id, model.Medium)))
	}

	var got []string
	for i := 0; i < 4; i++ {
		q.Process(context.Background())
	}
	for _, b := range d.batches {
		got = append(got, ids(b)...)
	}
	assert.Equal(t, want, got)
}

func TestProcess_ScheduledPromotedWhenDue(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	q, _, c := newTestQueue(Config{}, d)

	later := msg("later", model.High)
	later.ScheduledAt = c.Now().Add(10 * time.Minute)
	sooner := msg("sooner", model.High)
	sooner.ScheduledAt = c.Now().Add(5 * time.Minute)
	require.NoError(t, q.Enqueue(later))
	require.NoError(t, q.Enqueue(sooner))
	assert.Equal(t, 2, q.GetQueueStatus().Scheduled)

	q.Process(context.Background())
	assert.Empty(t, d.batches)

	c.Advance(6 * time.Minute)
	q.Process(context.Background())
	require.Len(t, d.batches, 1)
	assert.Equal(t, []string{"sooner"}, ids(d.batches[0]))

	c.Advance(5 * time.Minute)
	q.Process(context.Background())
	require.Len(t, d.batches, 2)
	assert.Equal(t, []string{"later"}, ids(d.batches[1]))
}

func TestGetMessagesForProcessing_SameScheduledAtKeepsEnqueueOrder(t *testing.T) {
	t.Parallel()

	q, _, c := newTestQueue(Config{PassQuota: map[model.Priority]int{model.High: 10}}, &recordingDispatcher{})

	at := c.Now().Add(time.Minute)
	var want []string
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("m%d", i)
		want = append(want, id)
		m := msg(id, model.High)
		m.ScheduledAt = at
		require.NoError(t, q.Enqueue(m))
	}
	require.Equal(t, 9, q.GetQueueStatus().Scheduled)

	c.Advance(2 * time.Minute)
	assert.Equal(t, want, ids(q.GetMessagesForProcessing()))
}

func TestProcess_SettlesRetriesAndDeferrals(t *testing.T) {
	t.Parallel()

	var c *clock
	d := &recordingDispatcher{}
	d.result = func(batch []model.QueuedMessage) model.BatchResult {
		res := model.BatchResult{Total: len(batch)}
		for _, m := range batch {
			switch m.ID {
			case "retry":
				m.RetryCount++
				m.ScheduledAt = c.Now().Add(time.Minute)
				res.Failed++
				res.Retried++
				res.Rescheduled = append(res.Rescheduled, m)
			case "defer-now", "defer-now-2":
				res.Defer("rate limited", m)
			case "defer-later":
				m.ScheduledAt = c.Now().Add(time.Hour)
				res.Defer("rate limited", m)
			default:
				res.Successful++
			}
		}
		return res
	}

	q, _, clk := newTestQueue(Config{}, d)
	c = clk

	for _, id := range []string{"retry", "defer-now", "defer-now-2", "defer-later", "ok"} {
		require.NoError(t, q.Enqueue(msg(id, model.High)))
	}
	require.NoError(t, q.Enqueue(msg("waiting", model.High)))

	res, ran := q.Process(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, res.Successful)

	st := q.GetQueueStatus()
	assert.Zero(t, st.Processing)
	assert.Equal(t, 2, st.Scheduled)
	assert.Equal(t, 3, st.Lanes[model.High])
	assert.Equal(t, 5, st.Tracked)

	// deferred messages return to the head of the lane in their order
	next := q.GetMessagesForProcessing()
	assert.Equal(t, []string{"defer-now", "defer-now-2", "waiting"}, ids(next))
}

func TestProcess_SingleFlight(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	q, _, _ := newTestQueue(Config{}, d)
	require.NoError(t, q.Enqueue(msg("a", model.High)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Process(context.Background())
	}()
	<-d.entered

	_, ran := q.Process(context.Background())
	assert.False(t, ran)
	assert.True(t, q.GetQueueStatus().PassRunning)

	close(d.block)
	<-done

	_, ran = q.Process(context.Background())
	assert.True(t, ran)
}

type panickingDispatcher struct{}

func (panickingDispatcher) ProcessBatch(context.Context, []model.QueuedMessage) (model.BatchResult, error) {
	panic("boom")
}

func TestProcess_RecoversFromDispatchPanic(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(Config{}, panickingDispatcher{})
	require.NoError(t, q.Enqueue(msg("a", model.High)))

	res, ran := q.Process(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, res.Deferred)

	st := q.GetQueueStatus()
	assert.Equal(t, 1, st.Lanes[model.High])
	assert.Zero(t, st.Processing)
}

type errorDispatcher struct{}

func (errorDispatcher) ProcessBatch(_ context.Context, msgs []model.QueuedMessage) (model.BatchResult, error) {
	res := model.BatchResult{Total: len(msgs)}
	res.Defer("concurrency limit", msgs...)
	return res, errs.ErrConcurrencyLimit
}

func TestProcess_ConcurrencyRejectionKeepsMessages(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(Config{}, errorDispatcher{})
	require.NoError(t, q.Enqueue(msg("a", model.Medium)))
	require.NoError(t, q.Enqueue(msg("b", model.Medium)))

	q.Process(context.Background())
	assert.Equal(t, []string{"a", "b"}, ids(q.GetMessagesForProcessing()))
}

func TestRequeueFromDeadLetter(t *testing.T) {
	t.Parallel()

	q, dlq, c := newTestQueue(Config{}, &recordingDispatcher{})

	transient := msg("transient", model.Low)
	transient.RetryCount = 3
	transient.MaxRetries = 3
	dlq.Add(transient, errs.New(errs.CodeTimeout, "slow"), nil)

	permanent := msg("permanent", model.Low)
	dlq.Add(permanent, errs.New(errs.CodeInvalidPhoneNumber, "bad"), nil)

	assert.False(t, q.RequeueFromDeadLetter("missing"))

	assert.False(t, q.RequeueFromDeadLetter("permanent"))
	_, ok := dlq.Get("permanent")
	assert.True(t, ok)
	assert.Equal(t, 2, dlq.Len())

	assert.True(t, q.RequeueFromDeadLetter("transient"))
	_, ok = dlq.Get("transient")
	assert.False(t, ok)

	batch := q.GetMessagesForProcessing()
	require.Len(t, batch, 1)
	assert.Equal(t, "transient", batch[0].ID)
	assert.Zero(t, batch[0].RetryCount)
	assert.Equal(t, c.Now(), batch[0].ScheduledAt)
}

func TestRequeueFromDeadLetter_RestoresWhenFull(t *testing.T) {
	t.Parallel()

	q, dlq, _ := newTestQueue(Config{MaxSize: 1}, &recordingDispatcher{})
	require.NoError(t, q.Enqueue(msg("filler", model.High)))

	dlq.Add(msg("dl", model.High), errs.New(errs.CodeTimeout, ""), nil)
	assert.False(t, q.RequeueFromDeadLetter("dl"))
	_, ok := dlq.Get("dl")
	assert.True(t, ok)
}

func TestAutoReprocessUsesQueue(t *testing.T) {
	t.Parallel()

	q, dlq, c := newTestQueue(Config{}, &recordingDispatcher{})
	old := c.Now().Add(-2 * time.Hour)
	dlq.Add(msg("dl", model.High), errs.New(errs.CodeTimeout, ""), []model.AttemptError{{Attempt: 1, OccurredAt: old}})

	assert.Equal(t, 1, dlq.ReprocessDue(context.Background()))
	assert.Equal(t, 1, q.GetQueueStatus().Lanes[model.High])
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	t.Run("healthy when empty", func(t *testing.T) {
		q, _, _ := newTestQueue(Config{}, &recordingDispatcher{})
		h := q.PerformHealthCheck()
		assert.Equal(t, Healthy, h.Status)
		assert.Empty(t, h.Issues)
	})

	t.Run("degraded on depth", func(t *testing.T) {
		q, _, _ := newTestQueue(Config{MaxSize: 10}, &recordingDispatcher{})
		for i := 0; i < 9; i++ {
			require.NoError(t, q.Enqueue(msg(fmt.Sprintf("m%d", i), model.Low)))
		}
		h := q.PerformHealthCheck()
		assert.Equal(t, Degraded, h.Status)
		require.Len(t, h.Issues, 1)
	})

	t.Run("unhealthy when full", func(t *testing.T) {
		q, _, _ := newTestQueue(Config{MaxSize: 1}, &recordingDispatcher{})
		require.NoError(t, q.Enqueue(msg("m", model.Low)))
		assert.Equal(t, Unhealthy, q.PerformHealthCheck().Status)
	})

	t.Run("unhealthy when stale and stalled", func(t *testing.T) {
		q, _, c := newTestQueue(Config{}, &recordingDispatcher{})
		require.NoError(t, q.Enqueue(msg("m", model.Low)))
		c.Advance(31 * time.Minute)

		h := q.PerformHealthCheck()
		assert.Equal(t, Unhealthy, h.Status)
		assert.Len(t, h.Issues, 2)
		assert.Equal(t, 31*time.Minute, h.Queue.OldestMessageAge)
	})

	t.Run("degraded on error rate", func(t *testing.T) {
		d := &recordingDispatcher{result: func(batch []model.QueuedMessage) model.BatchResult {
			return model.BatchResult{Total: len(batch), Successful: len(batch) - 1, Failed: 1, DeadLettered: 1}
		}}
		q, _, _ := newTestQueue(Config{}, d)
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(msg(fmt.Sprintf("m%d", i), model.High)))
		}
		q.Process(context.Background())

		h := q.PerformHealthCheck()
		assert.Equal(t, Degraded, h.Status)
		assert.InDelta(t, 0.2, h.Queue.Stats.ErrorRate, 1e-9)
		assert.InDelta(t, 0.8, h.Queue.Stats.SuccessRate, 1e-9)
	})
}

func TestDestroyStopsDeadLetterJobs(t *testing.T) {
	t.Parallel()

	q, dlq, _ := newTestQueue(Config{}, &recordingDispatcher{})
	require.NoError(t, dlq.Start(context.Background()))
	q.Destroy()
	q.Destroy()
}

func TestEnqueue_ConcurrentProducers(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(Config{MaxSize: 100}, &recordingDispatcher{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		capacity int
	)
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Enqueue(msg(fmt.Sprintf("m%d", i), model.Priorities[i%3]))
			if errors.Is(err, errs.ErrCapacity) {
				mu.Lock()
				capacity++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, capacity)
	assert.Equal(t, 100, q.GetQueueStatus().Tracked)
}
