package webhook

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

const secret = "shh"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	updates []model.WebhookPayload
	err     error
}

func (f *fakeStore) UpdateStatus(_ context.Context, p model.WebhookPayload) (model.DeliveryRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.DeliveryRecord{}, false, f.err
	}
	f.updates = append(f.updates, p)
	return model.DeliveryRecord{ProviderMessageID: p.MessageID, Status: p.Status}, true, nil
}

type fakeNotifier struct {
	got []model.DeliveryRecord
}

func (f *fakeNotifier) Notify(_ context.Context, rec model.DeliveryRecord) error {
	f.got = append(f.got, rec)
	return nil
}

func newTestProcessor(t *testing.T, cfg Config, store StatusStore) *Processor {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = secret
	}
	p, err := NewProcessor(cfg, store, nil)
	require.NoError(t, err)
	p.now = func() time.Time { return fixedNow }
	return p
}

func signed(body string) Request {
	h := http.Header{}
	h.Set(SignatureHeader, Sign(secret, []byte(body)))
	h.Set(TimestampHeader, strconv.FormatInt(fixedNow.Unix(), 10))
	return Request{Body: []byte(body), Headers: h, RemoteIP: "10.1.2.3:4567"}
}

func TestProcess_DeliveredAnyCasing(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	p := newTestProcessor(t, DefaultConfig(), store)

	res := p.Process(context.Background(), signed(`{"messageId":"m1","status":"DELIVERED"}`))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "m1", res.MessageID)
	assert.Equal(t, model.StatusDelivered, res.Status)
	assert.Equal(t, StageStatusUpdated, res.Stage)
	require.Len(t, store.updates, 1)
	assert.Equal(t, "DELIVERED", store.updates[0].RawStatus)
	assert.Equal(t, fixedNow, store.updates[0].Timestamp)
}

func TestProcess_TamperedSignatureRejected(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	p := newTestProcessor(t, DefaultConfig(), store)

	req := signed(`{"messageId":"m1","status":"delivered"}`)
	req.Body = []byte(`{"messageId":"m1","status":"read"}`)

	sec := p.ValidateSecurity(req)
	assert.False(t, sec.IsValid)
	assert.Equal(t, "signature mismatch", sec.Reason)

	res := p.Process(context.Background(), req)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), ErrSecurity)
	assert.Equal(t, StageReceived, res.Stage)
	assert.Empty(t, store.updates)
}

func TestValidateSecurity(t *testing.T) {
	t.Parallel()

	body := `{"messageId":"m1","status":"sent"}`

	cases := []struct {
		name   string
		cfg    Config
		mutate func(r *Request)
		reason string
	}{
		{
			name:   "missing signature header",
			cfg:    DefaultConfig(),
			mutate: func(r *Request) { r.Headers.Del(SignatureHeader) },
			reason: "missing header " + SignatureHeader,
		},
		{
			name:   "malformed signature",
			cfg:    DefaultConfig(),
			mutate: func(r *Request) { r.Headers.Set(SignatureHeader, "md5=abc") },
			reason: "malformed signature",
		},
		{
			name:   "non hex signature",
			cfg:    DefaultConfig(),
			mutate: func(r *Request) { r.Headers.Set(SignatureHeader, "sha256=zz") },
			reason: "malformed signature",
		},
		{
			name: "stale timestamp",
			cfg:  DefaultConfig(),
			mutate: func(r *Request) {
				r.Headers.Set(TimestampHeader, strconv.FormatInt(fixedNow.Add(-301*time.Second).Unix(), 10))
			},
			reason: "timestamp outside tolerance",
		},
		{
			name: "future timestamp",
			cfg:  DefaultConfig(),
			mutate: func(r *Request) {
				r.Headers.Set(TimestampHeader, strconv.FormatInt(fixedNow.Add(10*time.Minute).Unix(), 10))
			},
			reason: "timestamp outside tolerance",
		},
		{
			name:   "garbage timestamp",
			cfg:    DefaultConfig(),
			mutate: func(r *Request) { r.Headers.Set(TimestampHeader, "yesterday") },
			reason: "malformed timestamp",
		},
		{
			name: "ip not allowed",
			cfg: func() Config {
				c := DefaultConfig()
				c.AllowedIPs = []string{"192.168.0.0/16", "203.0.113.7"}
				return c
			}(),
			reason: "source ip not allowed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := newTestProcessor(t, tc.cfg, nil)
			req := signed(body)
			if tc.mutate != nil {
				tc.mutate(&req)
			}
			sec := p.ValidateSecurity(req)
			assert.False(t, sec.IsValid)
			assert.Equal(t, tc.reason, sec.Reason)
		})
	}
}

func TestValidateSecurity_AllowList(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AllowedIPs = []string{"10.0.0.0/8", "203.0.113.7"}
	p := newTestProcessor(t, cfg, nil)

	for _, ip := range []string{"10.1.2.3:4567", "203.0.113.7", "[::ffff:203.0.113.7]:80"} {
		req := signed(`{}`)
		req.RemoteIP = ip
		assert.True(t, p.ValidateSecurity(req).IsValid, ip)
	}
}

func TestValidateSecurity_ChecksDisabled(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, Config{}, nil)
	assert.True(t, p.ValidateSecurity(Request{Body: []byte(`{}`), Headers: http.Header{}}).IsValid)
}

func TestNewProcessor_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewProcessor(Config{ValidateSignature: true}, nil, nil)
	assert.Error(t, err)

	_, err = NewProcessor(Config{AllowedIPs: []string{"not-an-ip"}}, nil, nil)
	assert.Error(t, err)
}

func TestValidatePayload(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, DefaultConfig(), nil)

	t.Run("unknown status rejected", func(t *testing.T) {
		_, err := p.ValidatePayload([]byte(`{"messageId":"m1","status":"teleported"}`))
		assert.ErrorIs(t, err, ErrPayload)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := p.ValidatePayload([]byte(`{"status":"sent"}`))
		assert.ErrorIs(t, err, ErrPayload)
		_, err = p.ValidatePayload([]byte(`{"messageId":"m1"}`))
		assert.ErrorIs(t, err, ErrPayload)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := p.ValidatePayload([]byte(`status=sent`))
		assert.ErrorIs(t, err, ErrPayload)
	})

	t.Run("rejected folds to failed", func(t *testing.T) {
		got, err := p.ValidatePayload([]byte(`{"messageId":"m1","status":"Rejected","errorCode":"470","errorMessage":"window closed"}`))
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		assert.Equal(t, "470", got.ErrorCode)
	})

	t.Run("timestamps", func(t *testing.T) {
		cases := map[string]time.Time{
			`1772366400`:             time.Unix(1772366400, 0),
			`"1772366400"`:           time.Unix(1772366400, 0),
			`1772366400123`:          time.UnixMilli(1772366400123),
			`"2026-03-01T10:00:00Z"`: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			`"not a time"`:           fixedNow,
			`null`:                   fixedNow,
		}
		for ts, want := range cases {
			got, err := p.ValidatePayload([]byte(`{"messageId":"m1","status":"sent","timestamp":` + ts + `}`))
			require.NoError(t, err, ts)
			assert.True(t, want.Equal(got.Timestamp), "%s: got %v", ts, got.Timestamp)
		}
	})

	t.Run("channel heuristics", func(t *testing.T) {
		cases := map[string]model.Channel{
			`{"messageId":"m","status":"sent","channel":"SMS"}`:                  model.SMS,
			`{"messageId":"m","status":"sent","eventType":"sms-dlr"}`:            model.SMS,
			`{"messageId":"m","status":"sent","eventType":"whatsapp.message"}`:   model.WhatsApp,
			`{"messageId":"m","status":"sent","destination":"sms:+3630"}`:        model.SMS,
			`{"messageId":"m","status":"sent","destination":"whatsapp:+3630"}`:   model.WhatsApp,
			`{"messageId":"m","status":"sent"}`:                                  model.WhatsApp,
			`{"messageId":"m","status":"sent","channel":"fax","eventType":"sms"}`: model.SMS,
		}
		for body, want := range cases {
			got, err := p.ValidatePayload([]byte(body))
			require.NoError(t, err, body)
			assert.Equal(t, want, got.Channel, body)
		}
	})
}

func TestProcess_UnknownStatusLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	p := newTestProcessor(t, DefaultConfig(), store)

	res := p.Process(context.Background(), signed(`{"messageId":"m1","status":"teleported"}`))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), ErrPayload)
	assert.Equal(t, StageSecurityValidated, res.Stage)
	assert.Empty(t, store.updates)
}

func TestProcess_DuplicateSuppressed(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	p := newTestProcessor(t, DefaultConfig(), store)
	req := signed(`{"messageId":"m1","status":"read"}`)

	first := p.Process(context.Background(), req)
	second := p.Process(context.Background(), req)

	assert.True(t, first.Success)
	assert.False(t, first.Duplicate)
	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Len(t, store.updates, 1)
}

func TestProcess_StoreFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("redis down")}
	p := newTestProcessor(t, DefaultConfig(), store)
	req := signed(`{"messageId":"m1","status":"read"}`)

	res := p.Process(context.Background(), req)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), ErrUpdate)
	assert.Equal(t, StagePayloadValidated, res.Stage)

	// not marked as seen, so a provider retry gets through once the store is back
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	res = p.Process(context.Background(), req)
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
}

func TestProcess_NotifiesOnChange(t *testing.T) {
	t.Parallel()

	n := &fakeNotifier{}
	p := newTestProcessor(t, DefaultConfig(), &fakeStore{})
	p.WithNotifier(n)

	res := p.Process(context.Background(), signed(`{"messageId":"m1","status":"failed"}`))
	require.True(t, res.Success)
	assert.Equal(t, StageRealtimeEmitted, res.Stage)
	require.Len(t, n.got, 1)
	assert.Equal(t, model.StatusFailed, n.got[0].Status)
}

func TestMapStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw   string
		want  model.DeliveryStatus
		known bool
	}{
		{"sent", model.StatusSent, true},
		{"Submitted", model.StatusSent, true},
		{"QUEUED", model.StatusSent, true},
		{"delivered", model.StatusDelivered, true},
		{" Read ", model.StatusRead, true},
		{"failed", model.StatusFailed, true},
		{"rejected", model.StatusFailed, true},
		{"error", model.StatusFailed, true},
		{"undelivered", model.StatusFailed, true},
		{"enroute", model.StatusSent, false},
		{"", model.StatusSent, false},
	}
	for _, tc := range cases {
		got, known := MapStatus(tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
		assert.Equal(t, tc.known, known, tc.raw)
	}
}
