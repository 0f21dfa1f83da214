package model

import (
	"time"
)

type Channel string

const (
	WhatsApp Channel = "whatsapp"
	SMS      Channel = "sms"
)

var Channels = []Channel{WhatsApp, SMS}

func (c Channel) Valid() bool {
	return c == WhatsApp || c == SMS
}

type Priority string

const (
	High   Priority = "high"
	Medium Priority = "medium"
	Low    Priority = "low"
)

// Priorities lists the lanes in service order.
var Priorities = []Priority{High, Medium, Low}

func (p Priority) Valid() bool {
	return p == High || p == Medium || p == Low
}

// Payload carries the channel specific content. WhatsApp messages are
// template based, SMS messages carry a plain body.
type Payload struct {
	Destination    string            `json:"destination"`
	TemplateName   string            `json:"templateName,omitempty"`
	TemplateParams map[string]string `json:"templateParams,omitempty"`
	Body           string            `json:"body,omitempty"`
}

type Metadata struct {
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Tags          map[string]string `json:"tags,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

type QueuedMessage struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Channel     Channel   `json:"channel"`
	Priority    Priority  `json:"priority"`
	ScheduledAt time.Time `json:"scheduledAt"`
	RetryCount  int       `json:"retryCount"`
	MaxRetries  int       `json:"maxRetries"`
	Payload     Payload   `json:"payload"`
	Metadata    Metadata  `json:"metadata"`
}

// Due reports whether the message may be sent at now.
func (m QueuedMessage) Due(now time.Time) bool {
	return !m.ScheduledAt.After(now)
}

// RetryAttempt is one entry of a message's append-only attempt log.
type RetryAttempt struct {
	Attempt     int        `json:"attempt"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	ExecutedAt  *time.Time `json:"executedAt,omitempty"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
}

type AttemptError struct {
	Attempt    int       `json:"attempt"`
	Code       string    `json:"code"`
	Category   string    `json:"category"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

type DeadLetterMessage struct {
	Message       QueuedMessage  `json:"message"`
	FailureReason string         `json:"failureReason"`
	TotalRetries  int            `json:"totalRetries"`
	FirstFailedAt time.Time      `json:"firstFailedAt"`
	LastFailedAt  time.Time      `json:"lastFailedAt"`
	ErrorHistory  []AttemptError `json:"errorHistory"`
	CanReprocess  bool           `json:"canReprocess"`
}
