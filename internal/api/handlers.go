package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/metrics"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
	"github.com/LeventeLantos/notification-pipeline/internal/queue"
	"github.com/LeventeLantos/notification-pipeline/internal/repo"
	"github.com/LeventeLantos/notification-pipeline/internal/scheduler"
	"github.com/LeventeLantos/notification-pipeline/internal/webhook"
)

const maxBodyBytes = 1 << 20

type Queue interface {
	Enqueue(msg model.QueuedMessage) error
	GetQueueStatus() queue.Status
	PerformHealthCheck() queue.Health
	RequeueFromDeadLetter(id string) bool
}

type DeadLetters interface {
	List() []model.DeadLetterMessage
	Get(id string) (model.DeadLetterMessage, bool)
}

type RateLimits interface {
	GetStatus(channel model.Channel) model.RateLimitStatus
}

type Webhooks interface {
	Process(ctx context.Context, req webhook.Request) webhook.Result
}

type Handler struct {
	queue    Queue
	dlq      DeadLetters
	limits   RateLimits
	webhooks Webhooks
	tasks    []*scheduler.Scheduler

	archive     repo.DeadLetterRepository
	metrics     *metrics.Pipeline
	ackFailures bool
	logger      *slog.Logger
}

func NewHandler(q Queue, dlq DeadLetters, limits RateLimits, wp Webhooks, tasks ...*scheduler.Scheduler) *Handler {
	return &Handler{
		queue:       q,
		dlq:         dlq,
		limits:      limits,
		webhooks:    wp,
		tasks:       tasks,
		ackFailures: true,
		logger:      slog.Default(),
	}
}

// WithArchive exposes archived dead letters. Without it the archive
// endpoint answers 404.
func (h *Handler) WithArchive(r repo.DeadLetterRepository) *Handler {
	h.archive = r
	return h
}

func (h *Handler) WithMetrics(m *metrics.Pipeline) *Handler {
	h.metrics = m
	return h
}

// WithAckFailures controls whether failed webhooks still get a 200 so the
// provider does not redeliver them.
func (h *Handler) WithAckFailures(ack bool) *Handler {
	h.ackFailures = ack
	return h
}

func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	if l != nil {
		h.logger = l
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.queue.PerformHealthCheck()
	status := http.StatusOK
	if health.Status == queue.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.GetQueueStatus())
}

func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var msg model.QueuedMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	err := h.queue.Enqueue(msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"id": msg.ID, "accepted": true})
	case errors.Is(err, errs.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrCapacity):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("enqueue failed", "message_id", msg.ID, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items := h.dlq.List()
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (h *Handler) ListArchivedDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "dead-letter archive is not configured")
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.archive.ListArchived(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dl, ok := h.dlq.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}

	if !h.queue.RequeueFromDeadLetter(id) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"requeued":      false,
			"reprocessable": dl.CanReprocess,
			"reason":        dl.FailureReason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": true, "id": id})
}

func (h *Handler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	ch := model.Channel(r.PathValue("channel"))
	if !ch.Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel: "+string(ch))
		return
	}
	writeJSON(w, http.StatusOK, h.limits.GetStatus(ch))
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	for _, t := range h.tasks {
		t.Start()
	}
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	for _, t := range h.tasks {
		t.Stop()
	}
	writeJSON(w, http.StatusOK, h.schedulerState())
}

// schedulerState reports running only when every task runs.
func (h *Handler) schedulerState() map[string]any {
	running := len(h.tasks) > 0
	tasks := make([]scheduler.Status, 0, len(h.tasks))
	for _, t := range h.tasks {
		st := t.Status()
		running = running && st.Running
		tasks = append(tasks, st)
	}
	return map[string]any{"running": running, "tasks": tasks}
}

func (h *Handler) GupshupWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	res := h.webhooks.Process(r.Context(), webhook.Request{
		Body:     body,
		Headers:  r.Header,
		RemoteIP: remoteIP(r),
	})
	h.metrics.Webhook(webhookResult(res))

	status := http.StatusOK
	if !res.Success && !h.ackFailures {
		switch {
		case errors.Is(res.Err(), webhook.ErrSecurity):
			status = http.StatusUnauthorized
		case errors.Is(res.Err(), webhook.ErrPayload):
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, res)
}

func webhookResult(res webhook.Result) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.Success:
		return "ok"
	case errors.Is(res.Err(), webhook.ErrSecurity):
		return "security"
	case errors.Is(res.Err(), webhook.ErrPayload):
		return "payload"
	default:
		return "update"
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
