package api

import "net/http"

// Router mounts the pipeline endpoints. metricsHandler may be nil.
func Router(h *Handler, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	mux.HandleFunc("GET /v1/queue/status", h.QueueStatus)
	mux.HandleFunc("POST /v1/messages", h.EnqueueMessage)

	mux.HandleFunc("GET /v1/dead-letters", h.ListDeadLetters)
	mux.HandleFunc("GET /v1/dead-letters/archived", h.ListArchivedDeadLetters)
	mux.HandleFunc("POST /v1/dead-letters/{id}/requeue", h.RequeueDeadLetter)

	mux.HandleFunc("GET /v1/rate-limits/{channel}", h.RateLimitStatus)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/webhooks/gupshup", h.GupshupWebhook)

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("notification-pipeline"))
	})

	return mux
}
