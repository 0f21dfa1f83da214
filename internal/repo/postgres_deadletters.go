package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	message_id      TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	channel         TEXT NOT NULL,
	message         JSONB NOT NULL,
	failure_reason  TEXT NOT NULL,
	total_retries   INTEGER NOT NULL,
	first_failed_at TIMESTAMPTZ NOT NULL,
	last_failed_at  TIMESTAMPTZ NOT NULL,
	error_history   JSONB NOT NULL,
	can_reprocess   BOOLEAN NOT NULL,
	archive_reason  TEXT NOT NULL,
	archived_at     TIMESTAMPTZ NOT NULL
)`

type PostgresDeadLetterRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresDeadLetterRepo(db *sql.DB) *PostgresDeadLetterRepo {
	return &PostgresDeadLetterRepo{db: db, now: time.Now}
}

func (r *PostgresDeadLetterRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create dead_letters: %w", err)
	}
	return nil
}

// Archive upserts by message id, so a message that dead-letters again
// after reprocessing replaces its older row.
func (r *PostgresDeadLetterRepo) Archive(ctx context.Context, dl model.DeadLetterMessage, reason string) error {
	msg, err := json.Marshal(dl.Message)
	if err != nil {
		return err
	}
	history, err := json.Marshal(dl.ErrorHistory)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (
			message_id, user_id, channel, message, failure_reason, total_retries,
			first_failed_at, last_failed_at, error_history, can_reprocess,
			archive_reason, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (message_id) DO UPDATE SET
			message = EXCLUDED.message,
			failure_reason = EXCLUDED.failure_reason,
			total_retries = EXCLUDED.total_retries,
			first_failed_at = EXCLUDED.first_failed_at,
			last_failed_at = EXCLUDED.last_failed_at,
			error_history = EXCLUDED.error_history,
			can_reprocess = EXCLUDED.can_reprocess,
			archive_reason = EXCLUDED.archive_reason,
			archived_at = EXCLUDED.archived_at
	`,
		dl.Message.ID,
		dl.Message.UserID,
		string(dl.Message.Channel),
		msg,
		dl.FailureReason,
		dl.TotalRetries,
		dl.FirstFailedAt.UTC(),
		dl.LastFailedAt.UTC(),
		history,
		dl.CanReprocess,
		reason,
		r.now().UTC(),
	)
	return err
}

func (r *PostgresDeadLetterRepo) ListArchived(ctx context.Context, limit, offset int) ([]ArchivedDeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT message, failure_reason, total_retries, first_failed_at,
		       last_failed_at, error_history, can_reprocess, archive_reason, archived_at
		FROM dead_letters
		ORDER BY archived_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedDeadLetter
	for rows.Next() {
		var (
			a       ArchivedDeadLetter
			msg     []byte
			history []byte
		)
		if err := rows.Scan(
			&msg,
			&a.FailureReason,
			&a.TotalRetries,
			&a.FirstFailedAt,
			&a.LastFailedAt,
			&history,
			&a.CanReprocess,
			&a.ArchiveReason,
			&a.ArchivedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(msg, &a.Message); err != nil {
			return nil, fmt.Errorf("decode archived message: %w", err)
		}
		if err := json.Unmarshal(history, &a.ErrorHistory); err != nil {
			return nil, fmt.Errorf("decode error history: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
