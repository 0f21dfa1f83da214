package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

const (
	SignatureHeader = "x-gupshup-signature"
	TimestampHeader = "x-gupshup-timestamp"

	signaturePrefix = "sha256="
)

type Stage string

const (
	StageReceived          Stage = "received"
	StageSecurityValidated Stage = "security_validated"
	StagePayloadValidated  Stage = "payload_validated"
	StageStatusUpdated     Stage = "status_updated"
	StageRealtimeEmitted   Stage = "realtime_emitted"
)

var (
	ErrSecurity = errors.New("webhook security validation failed")
	ErrPayload  = errors.New("webhook payload invalid")
	ErrUpdate   = errors.New("webhook status update failed")
)

type Config struct {
	Secret            string        `yaml:"secret"`
	ValidateSignature bool          `yaml:"validate_signature"`
	ValidateTimestamp bool          `yaml:"validate_timestamp"`
	Tolerance         time.Duration `yaml:"tolerance"`
	AllowedIPs        []string      `yaml:"allowed_ips"`
	RequiredHeaders   []string      `yaml:"required_headers"`
}

func DefaultConfig() Config {
	return Config{
		ValidateSignature: true,
		ValidateTimestamp: true,
		Tolerance:         300 * time.Second,
		RequiredHeaders:   []string{SignatureHeader, TimestampHeader},
	}
}

// StatusStore applies a normalized webhook to the delivery record.
type StatusStore interface {
	UpdateStatus(ctx context.Context, p model.WebhookPayload) (rec model.DeliveryRecord, changed bool, err error)
}

// Notifier pushes a changed record to realtime listeners.
type Notifier interface {
	Notify(ctx context.Context, rec model.DeliveryRecord) error
}

// Request is one inbound webhook call.
type Request struct {
	Body     []byte
	Headers  http.Header
	RemoteIP string
}

type SecurityResult struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason,omitempty"`
}

// Result is returned for every call, successful or not.
type Result struct {
	Success        bool                 `json:"success"`
	MessageID      string               `json:"messageId,omitempty"`
	Status         model.DeliveryStatus `json:"status,omitempty"`
	Stage          Stage                `json:"stage"`
	Duplicate      bool                 `json:"duplicate,omitempty"`
	ProcessingTime time.Duration        `json:"processingTime"`
	Error          string               `json:"error,omitempty"`

	err error
}

// Err is the classified failure: ErrSecurity, ErrPayload or ErrUpdate.
func (r Result) Err() error {
	return r.err
}

type Processor struct {
	cfg      Config
	allowed  []netip.Prefix
	store    StatusStore
	notifier Notifier
	seen     *gocache.Cache
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(cfg Config, store StatusStore, logger *slog.Logger) (*Processor, error) {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	if cfg.ValidateSignature && cfg.Secret == "" {
		return nil, errors.New("webhook signature validation needs a secret")
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed, err := parseAllowList(cfg.AllowedIPs)
	if err != nil {
		return nil, err
	}

	return &Processor{
		cfg:     cfg,
		allowed: allowed,
		store:   store,
		seen:    gocache.New(cfg.Tolerance, 2*cfg.Tolerance),
		logger:  logger.With("component", "webhook"),
		now:     time.Now,
	}, nil
}

func (p *Processor) WithNotifier(n Notifier) *Processor {
	p.notifier = n
	return p
}

func parseAllowList(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			pfx, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("allowed ip %q: %w", e, err)
			}
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("allowed ip %q: %w", e, err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// Process runs the stages in order. The first failing stage ends the call
// and nothing is written.
func (p *Processor) Process(ctx context.Context, req Request) Result {
	start := p.now()
	res := Result{Stage: StageReceived}
	finish := func(err error) Result {
		res.ProcessingTime = p.now().Sub(start)
		if err != nil {
			res.err = err
			res.Error = err.Error()
			p.logger.Warn("webhook rejected", "stage", res.Stage, "message_id", res.MessageID, "err", err)
			return res
		}
		res.Success = true
		return res
	}

	if sec := p.ValidateSecurity(req); !sec.IsValid {
		return finish(fmt.Errorf("%w: %s", ErrSecurity, sec.Reason))
	}
	res.Stage = StageSecurityValidated

	payload, err := p.ValidatePayload(req.Body)
	if err != nil {
		return finish(err)
	}
	res.MessageID = payload.MessageID
	res.Status = payload.Status
	res.Stage = StagePayloadValidated

	dedupeKey := payload.MessageID + "|" + string(payload.Status)
	if _, dup := p.seen.Get(dedupeKey); dup {
		res.Duplicate = true
		p.logger.Debug("duplicate webhook ignored", "message_id", payload.MessageID, "status", payload.Status)
		return finish(nil)
	}

	var (
		rec     model.DeliveryRecord
		changed bool
	)
	if p.store != nil {
		rec, changed, err = p.store.UpdateStatus(ctx, payload)
		if err != nil {
			return finish(fmt.Errorf("%w: %v", ErrUpdate, err))
		}
	}
	p.seen.SetDefault(dedupeKey, struct{}{})
	res.Stage = StageStatusUpdated

	if changed && p.notifier != nil {
		if err := p.notifier.Notify(ctx, rec); err != nil {
			p.logger.Warn("realtime notify failed", "message_id", payload.MessageID, "err", err)
		} else {
			res.Stage = StageRealtimeEmitted
		}
	}

	p.logger.Info("webhook processed",
		"message_id", payload.MessageID,
		"status", payload.Status,
		"raw_status", payload.RawStatus,
		"changed", changed,
	)
	return finish(nil)
}

// ValidateSecurity checks required headers, the source address, the
// timestamp window and the HMAC-SHA256 signature, in that order.
func (p *Processor) ValidateSecurity(req Request) SecurityResult {
	for _, h := range p.cfg.RequiredHeaders {
		if req.Headers.Get(h) == "" {
			return SecurityResult{Reason: "missing header " + h}
		}
	}

	if len(p.allowed) > 0 && !p.ipAllowed(req.RemoteIP) {
		return SecurityResult{Reason: "source ip not allowed"}
	}

	if p.cfg.ValidateTimestamp {
		raw := req.Headers.Get(TimestampHeader)
		secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return SecurityResult{Reason: "malformed timestamp"}
		}
		skew := p.now().Sub(time.Unix(secs, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > p.cfg.Tolerance {
			return SecurityResult{Reason: "timestamp outside tolerance"}
		}
	}

	if p.cfg.ValidateSignature {
		sig := strings.TrimSpace(req.Headers.Get(SignatureHeader))
		if !strings.HasPrefix(sig, signaturePrefix) {
			return SecurityResult{Reason: "malformed signature"}
		}
		got, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
		if err != nil {
			return SecurityResult{Reason: "malformed signature"}
		}
		if !hmac.Equal(got, digest(p.cfg.Secret, req.Body)) {
			return SecurityResult{Reason: "signature mismatch"}
		}
	}

	return SecurityResult{IsValid: true}
}

func (p *Processor) ipAllowed(remote string) bool {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, pfx := range p.allowed {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

func digest(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(digest(secret, body))
}

type rawPayload struct {
	MessageID    string          `json:"messageId"`
	Status       string          `json:"status"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Channel      string          `json:"channel"`
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
	Destination  string          `json:"destination"`
	EventType    string          `json:"eventType"`
	Metadata     map[string]any  `json:"metadata"`
}

// ValidatePayload decodes and normalizes a webhook body. Statuses outside
// the allow-list are rejected; a bad timestamp falls back to now.
func (p *Processor) ValidatePayload(body []byte) (model.WebhookPayload, error) {
	var raw rawPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return model.WebhookPayload{}, fmt.Errorf("%w: %v", ErrPayload, err)
	}

	raw.MessageID = strings.TrimSpace(raw.MessageID)
	if raw.MessageID == "" {
		return model.WebhookPayload{}, fmt.Errorf("%w: messageId is required", ErrPayload)
	}
	if strings.TrimSpace(raw.Status) == "" {
		return model.WebhookPayload{}, fmt.Errorf("%w: status is required", ErrPayload)
	}
	if !Accepted(raw.Status) {
		return model.WebhookPayload{}, fmt.Errorf("%w: unknown status %q", ErrPayload, raw.Status)
	}

	status, known := MapStatus(raw.Status)
	if !known {
		p.logger.Warn("unmapped webhook status, treating as sent", "status", raw.Status, "message_id", raw.MessageID)
	}

	return model.WebhookPayload{
		MessageID:    raw.MessageID,
		Status:       status,
		RawStatus:    raw.Status,
		Timestamp:    p.parseTimestamp(raw.Timestamp),
		Channel:      detectChannel(raw),
		ErrorCode:    raw.ErrorCode,
		ErrorMessage: raw.ErrorMessage,
	}, nil
}

// parseTimestamp accepts unix seconds or milliseconds, as a number or a
// string, and RFC 3339.
func (p *Processor) parseTimestamp(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return p.now()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return p.now()
}

func detectChannel(raw rawPayload) model.Channel {
	if ch := model.Channel(normalize(raw.Channel)); ch.Valid() {
		return ch
	}

	event := normalize(raw.EventType)
	switch {
	case strings.Contains(event, "whatsapp"), strings.HasPrefix(event, "wa"):
		return model.WhatsApp
	case strings.Contains(event, "sms"):
		return model.SMS
	}

	dest := normalize(raw.Destination)
	switch {
	case strings.HasPrefix(dest, "whatsapp:"):
		return model.WhatsApp
	case strings.HasPrefix(dest, "sms:"):
		return model.SMS
	}
	return model.WhatsApp
}
