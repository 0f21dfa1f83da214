package cache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// DefaultStatusChannel is the pub/sub channel status changes are published on.
const DefaultStatusChannel = "delivery-status"

// RedisNotifier publishes changed delivery records for realtime listeners.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultStatusChannel
	}
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, rec model.DeliveryRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.channel, b).Err()
}
