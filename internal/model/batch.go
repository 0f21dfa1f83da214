package model

import "time"

type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDeferred     Outcome = "deferred"
)

type BatchError struct {
	MessageID string  `json:"messageId"`
	Channel   Channel `json:"channel"`
	Code      string  `json:"code"`
	Category  string  `json:"category"`
	Message   string  `json:"message"`
	Outcome   Outcome `json:"outcome"`
}

// BatchResult summarizes one processing pass. Deferred messages were not
// attempted (quota, timeout, overflow) and carry no attempt. Rescheduled
// holds retried messages with their next ScheduledAt, Unprocessed the
// deferred ones; the caller decides where they go next.
type BatchResult struct {
	Total        int             `json:"total"`
	Successful   int             `json:"successful"`
	Failed       int             `json:"failed"`
	Retried      int             `json:"retried"`
	DeadLettered int             `json:"deadLettered"`
	Deferred     int             `json:"deferred"`
	Errors       []BatchError    `json:"errors,omitempty"`
	Duration     time.Duration   `json:"duration"`
	Throughput   float64         `json:"throughput"`
	Rescheduled  []QueuedMessage `json:"-"`
	Unprocessed  []QueuedMessage `json:"-"`
}

// Attempted is the number of messages that reached the gateway.
func (r BatchResult) Attempted() int {
	return r.Successful + r.Failed
}

// Defer records msgs as not attempted.
func (r *BatchResult) Defer(reason string, msgs ...QueuedMessage) {
	for _, m := range msgs {
		r.Deferred++
		r.Unprocessed = append(r.Unprocessed, m)
		r.Errors = append(r.Errors, BatchError{
			MessageID: m.ID,
			Channel:   m.Channel,
			Message:   reason,
			Outcome:   OutcomeDeferred,
		})
	}
}

func (r *BatchResult) Merge(o BatchResult) {
	r.Total += o.Total
	r.Successful += o.Successful
	r.Failed += o.Failed
	r.Retried += o.Retried
	r.DeadLettered += o.DeadLettered
	r.Deferred += o.Deferred
	r.Errors = append(r.Errors, o.Errors...)
	r.Rescheduled = append(r.Rescheduled, o.Rescheduled...)
	r.Unprocessed = append(r.Unprocessed, o.Unprocessed...)
}

func (r *BatchResult) Finish(d time.Duration) {
	r.Duration = d
	if d > 0 {
		r.Throughput = float64(r.Attempted()) / d.Seconds()
	}
}
