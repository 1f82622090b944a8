package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const notifyChannelPrefix = "vv:notify:"

// RedisNotifier carries events over Redis pub/sub, one channel per user.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Publish(ctx context.Context, userID uuid.UUID, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, notifyChannelPrefix+userID.String(), payload).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, userID uuid.UUID) (<-chan Event, func(), error) {
	sub := n.rdb.Subscribe(ctx, notifyChannelPrefix+userID.String())
	// Force the subscription to be established before we report success.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("realtime: dropping malformed event", "error", err)
				continue
			}
			select {
			case out <- ev:
			default:
				// Slow consumer; the poll path will catch it up.
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

var _ Notifier = (*RedisNotifier)(nil)
