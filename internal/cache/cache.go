package cache

import (
	"context"
	"time"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// DeliveryStore keeps per-message delivery records keyed by the provider's
// message id.
type DeliveryStore interface {
	StoreSent(ctx context.Context, msg model.QueuedMessage, providerMessageID string, sentAt time.Time) error
	UpdateStatus(ctx context.Context, p model.WebhookPayload) (rec model.DeliveryRecord, changed bool, err error)
	Get(ctx context.Context, providerMessageID string) (model.DeliveryRecord, error)
}
