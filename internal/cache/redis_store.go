package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

const maxTxRetries = 3

type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func deliveryKey(providerMessageID string) string {
	return fmt.Sprintf("delivery:%s", providerMessageID)
}

func (s *RedisStore) StoreSent(ctx context.Context, msg model.QueuedMessage, providerMessageID string, sentAt time.Time) error {
	sentAt = sentAt.UTC()
	rec := model.DeliveryRecord{
		ProviderMessageID: providerMessageID,
		MessageID:         msg.ID,
		UserID:            msg.UserID,
		Channel:           msg.Channel,
		Status:            model.StatusSent,
		Timeline:          map[model.DeliveryStatus]time.Time{model.StatusSent: sentAt},
		UpdatedAt:         sentAt,
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	// a webhook may have raced ahead of us; never overwrite it
	return s.rdb.SetNX(ctx, deliveryKey(providerMessageID), b, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, providerMessageID string) (model.DeliveryRecord, error) {
	raw, err := s.rdb.Get(ctx, deliveryKey(providerMessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.DeliveryRecord{}, errs.ErrNotFound
	}
	if err != nil {
		return model.DeliveryRecord{}, err
	}

	var rec model.DeliveryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.DeliveryRecord{}, fmt.Errorf("decode delivery record: %w", err)
	}
	return rec, nil
}

// UpdateStatus applies a webhook to the record under WATCH so concurrent
// callbacks for one message serialize. A status that ranks at or below the
// stored one is ignored.
func (s *RedisStore) UpdateStatus(ctx context.Context, p model.WebhookPayload) (model.DeliveryRecord, bool, error) {
	key := deliveryKey(p.MessageID)

	var (
		rec     model.DeliveryRecord
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			rec = model.DeliveryRecord{
				ProviderMessageID: p.MessageID,
				Channel:           p.Channel,
				Timeline:          map[model.DeliveryStatus]time.Time{},
			}
		case err != nil:
			return err
		default:
			rec = model.DeliveryRecord{}
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode delivery record: %w", err)
			}
			if rec.Timeline == nil {
				rec.Timeline = map[model.DeliveryStatus]time.Time{}
			}
		}

		changed = apply(&rec, p)
		if !changed {
			return nil
		}

		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return model.DeliveryRecord{}, false, err
		}
		return rec, changed, nil
	}
	return model.DeliveryRecord{}, false, fmt.Errorf("update delivery %s: too much contention", p.MessageID)
}

func apply(rec *model.DeliveryRecord, p model.WebhookPayload) bool {
	if p.Status.Rank() <= rec.Status.Rank() {
		return false
	}

	ts := p.Timestamp.UTC()
	rec.Status = p.Status
	rec.Timeline[p.Status] = ts
	rec.UpdatedAt = ts
	if rec.Channel == "" {
		rec.Channel = p.Channel
	}
	if p.Status == model.StatusFailed {
		rec.ErrorCode = p.ErrorCode
		rec.ErrorMessage = p.ErrorMessage
	}
	return true
}
