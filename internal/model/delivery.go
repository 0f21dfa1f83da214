package model

import "time"

// DeliveryStatus is the canonical delivery state reported by the provider.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Rank orders statuses so that late or replayed callbacks never move a
// record backwards. Failed is terminal.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	default:
		return 0
	}
}

type WebhookPayload struct {
	MessageID    string         `json:"messageId"`
	Status       DeliveryStatus `json:"status"`
	RawStatus    string         `json:"rawStatus"`
	Timestamp    time.Time      `json:"timestamp"`
	Channel      Channel        `json:"channel"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

type DeliveryRecord struct {
	ProviderMessageID string                       `json:"providerMessageId"`
	MessageID         string                       `json:"messageId,omitempty"`
	UserID            string                       `json:"userId,omitempty"`
	Channel           Channel                      `json:"channel"`
	Status            DeliveryStatus               `json:"status"`
	Timeline          map[DeliveryStatus]time.Time `json:"timeline"`
	ErrorCode         string                       `json:"errorCode,omitempty"`
	ErrorMessage      string                       `json:"errorMessage,omitempty"`
	UpdatedAt         time.Time                    `json:"updatedAt"`
}
