package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// ArchivedDeadLetter is a dead letter that left the in-memory lane by
// eviction or expiry.
type ArchivedDeadLetter struct {
	model.DeadLetterMessage
	ArchiveReason string    `json:"archiveReason"`
	ArchivedAt    time.Time `json:"archivedAt"`
}

type DeadLetterRepository interface {
	Archive(ctx context.Context, dl model.DeadLetterMessage, reason string) error
	ListArchived(ctx context.Context, limit, offset int) ([]ArchivedDeadLetter, error)
}
