package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

type fakeArchiver struct {
	mu       sync.Mutex
	archived []model.DeadLetterMessage
	reasons  []string
	err      error
}

func (f *fakeArchiver) Archive(_ context.Context, dl model.DeadLetterMessage, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, dl)
	f.reasons = append(f.reasons, reason)
	return f.err
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(cfg Config) (*Manager, *time.Time) {
	now := t0
	m := NewManager(cfg, nil)
	m.now = func() time.Time { return now }
	return m, &now
}

func history(code string, at ...time.Time) []model.AttemptError {
	out := make([]model.AttemptError, 0, len(at))
	for i, ts := range at {
		out = append(out, model.AttemptError{Attempt: i + 1, Code: code, OccurredAt: ts})
	}
	return out
}

func TestManager_AddKeepsHistoryAndReason(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(Config{})
	msg := model.QueuedMessage{ID: "m1", Channel: model.SMS, RetryCount: 2}
	h := history(errs.CodeTimeout, t0.Add(-3*time.Minute), t0.Add(-2*time.Minute), t0.Add(-time.Minute))

	dl := m.Add(msg, errs.New(errs.CodeTimeout, "gateway timed out"), h)

	assert.Equal(t, "TIMEOUT: gateway timed out", dl.FailureReason)
	assert.Equal(t, 2, dl.TotalRetries)
	assert.Len(t, dl.ErrorHistory, 3)
	assert.Equal(t, t0.Add(-3*time.Minute), dl.FirstFailedAt)
	assert.Equal(t, t0.Add(-time.Minute), dl.LastFailedAt)
	assert.True(t, dl.CanReprocess)

	got, ok := m.Get("m1")
	require.True(t, ok)
	assert.Equal(t, dl, got)
}

func TestManager_PermanentFailuresNotReprocessable(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(Config{})
	for _, code := range []string{
		errs.CodeInvalidPhoneNumber,
		errs.CodeInvalidTemplate,
		errs.CodeInvalidParameters,
		errs.CodeUnauthorized,
		errs.CodeForbidden,
	} {
		dl := m.Add(model.QueuedMessage{ID: code}, errs.New(code, ""), nil)
		assert.False(t, dl.CanReprocess, code)

		_, err := m.Take(code)
		assert.ErrorIs(t, err, ErrNotReprocessable, code)
	}
	assert.Equal(t, 5, m.Len())
}

func TestManager_TakeUnknown(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(Config{})
	_, err := m.Take("nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestManager_EvictsEarliestFirstFailure(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{}
	m, _ := newTestManager(Config{MaxSize: 2, AlertThreshold: 2})
	m.WithArchiver(arch)

	m.Add(model.QueuedMessage{ID: "newer"}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.Add(-time.Minute)))
	m.Add(model.QueuedMessage{ID: "older"}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.Add(-time.Hour)))
	m.Add(model.QueuedMessage{ID: "latest"}, errs.New(errs.CodeTimeout, ""), nil)

	assert.Equal(t, 2, m.Len())
	_, ok := m.Get("older")
	assert.False(t, ok)

	require.Len(t, arch.archived, 1)
	assert.Equal(t, "older", arch.archived[0].Message.ID)
	assert.Equal(t, "evicted", arch.reasons[0])
}

func TestManager_RestoreRespectsMaxSize(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{}
	var fired []int
	m, _ := newTestManager(Config{MaxSize: 2, AlertThreshold: 2})
	m.WithArchiver(arch).WithAlert(func(size, _ int) { fired = append(fired, size) })

	m.Add(model.QueuedMessage{ID: "a"}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.Add(-3*time.Hour)))
	m.Add(model.QueuedMessage{ID: "b"}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.Add(-2*time.Hour)))

	taken, err := m.Take("a")
	require.NoError(t, err)
	m.Add(model.QueuedMessage{ID: "c"}, errs.New(errs.CodeTimeout, ""), nil)
	m.Restore(taken)

	assert.Equal(t, 2, m.Len())
	_, ok := m.Get("a")
	assert.True(t, ok)
	_, ok = m.Get("b")
	assert.False(t, ok)

	require.Len(t, arch.archived, 1)
	assert.Equal(t, "b", arch.archived[0].Message.ID)
	assert.Equal(t, "evicted", arch.reasons[0])
	assert.Equal(t, []int{2, 2}, fired)
}

func TestManager_RestoreFiresAlert(t *testing.T) {
	t.Parallel()

	var fired []int
	m, _ := newTestManager(Config{MaxSize: 10, AlertThreshold: 2})
	m.WithAlert(func(size, _ int) { fired = append(fired, size) })

	m.Add(model.QueuedMessage{ID: "a"}, errs.New(errs.CodeTimeout, ""), nil)
	m.Add(model.QueuedMessage{ID: "b"}, errs.New(errs.CodeTimeout, ""), nil)
	require.Equal(t, []int{2}, fired)

	taken, err := m.Take("b")
	require.NoError(t, err)
	m.Restore(taken)
	assert.Equal(t, []int{2, 2}, fired)
	assert.Equal(t, 2, m.Len())
}

func TestManager_AlertFiresOncePerCrossing(t *testing.T) {
	t.Parallel()

	var fired []int
	m, _ := newTestManager(Config{MaxSize: 10, AlertThreshold: 2})
	m.WithAlert(func(size, _ int) { fired = append(fired, size) })

	m.Add(model.QueuedMessage{ID: "a"}, errs.New(errs.CodeTimeout, ""), nil)
	m.Add(model.QueuedMessage{ID: "b"}, errs.New(errs.CodeTimeout, ""), nil)
	m.Add(model.QueuedMessage{ID: "c"}, errs.New(errs.CodeTimeout, ""), nil)
	assert.Equal(t, []int{2}, fired)

	m.Remove("a")
	m.Remove("b")
	m.Add(model.QueuedMessage{ID: "d"}, errs.New(errs.CodeTimeout, ""), nil)
	assert.Equal(t, []int{2, 2}, fired)
}

func TestManager_ListOrderedByFirstFailure(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(Config{})
	m.Add(model.QueuedMessage{ID: "b"}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.Add(-time.Minute)))
	m.Add(model.QueuedMessage{ID: "a"}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.Add(-time.Hour)))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Message.ID)
	assert.Equal(t, "b", list[1].Message.ID)
}

func TestManager_ReprocessDueRespectsDwell(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(Config{MinDwell: time.Hour})

	var requeued []model.QueuedMessage
	m.SetRequeue(func(msg model.QueuedMessage) error {
		requeued = append(requeued, msg)
		return nil
	})

	m.Add(model.QueuedMessage{ID: "stale", RetryCount: 3}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.Add(-2*time.Hour)))
	m.Add(model.QueuedMessage{ID: "fresh", RetryCount: 3}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.Add(-time.Minute)))
	m.Add(model.QueuedMessage{ID: "perm"}, errs.New(errs.CodeInvalidPhoneNumber, ""), history(errs.CodeInvalidPhoneNumber, t0.Add(-2*time.Hour)))

	n := m.ReprocessDue(context.Background())

	assert.Equal(t, 1, n)
	require.Len(t, requeued, 1)
	assert.Equal(t, "stale", requeued[0].ID)
	assert.Zero(t, requeued[0].RetryCount)
	assert.Equal(t, t0, requeued[0].ScheduledAt)
	assert.Equal(t, 2, m.Len())
}

func TestManager_ReprocessDueRestoresOnFailure(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(Config{MinDwell: time.Hour})
	m.SetRequeue(func(model.QueuedMessage) error { return errs.ErrCapacity })

	m.Add(model.QueuedMessage{ID: "stale"}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.Add(-2*time.Hour)))

	assert.Zero(t, m.ReprocessDue(context.Background()))
	_, ok := m.Get("stale")
	assert.True(t, ok)
}

func TestManager_ExpireOldArchives(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{err: errors.New("db down")}
	m, _ := newTestManager(Config{RetentionDays: 7})
	m.WithArchiver(arch)

	m.Add(model.QueuedMessage{ID: "old"}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.AddDate(0, 0, -8)))
	m.Add(model.QueuedMessage{ID: "recent"}, errs.New(errs.CodeTimeout, ""), history(errs.CodeTimeout, t0.AddDate(0, 0, -1)))

	assert.Equal(t, 1, m.ExpireOld(context.Background()))
	assert.Equal(t, 1, m.Len())
	require.Len(t, arch.archived, 1)
	assert.Equal(t, "expired", arch.reasons[0])
}

func TestManager_StartStop(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(Config{AutoReprocess: true, ReprocessInterval: time.Minute})
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()
}
