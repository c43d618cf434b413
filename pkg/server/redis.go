package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/stock-sync/pkg/channel"
)

// Fanout relays accepted changes to other server instances.
type Fanout interface {
	Publish(ctx context.Context, msg channel.SyncFromServer) error
	Subscribe(ctx context.Context, fn func(channel.SyncFromServer))
}

type announcement struct {
	Instance string `json:"instance"`
	channel.SyncFromServer
}

// RedisFanout publishes changes on a redis pub/sub channel and ignores its own messages when they come back.
type RedisFanout struct {
	client   *redis.Client
	channel  string
	instance string
}

func NewRedisFanout(ctx context.Context, addr, channelName, instance string) (*RedisFanout, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisFanout{client: client, channel: channelName, instance: instance}, nil
}

func (r *RedisFanout) Publish(ctx context.Context, msg channel.SyncFromServer) error {
	raw, err := json.Marshal(announcement{Instance: r.instance, SyncFromServer: msg})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Subscribe calls fn for each change announced by another instance until ctx is done.
func (r *RedisFanout) Subscribe(ctx context.Context, fn func(channel.SyncFromServer)) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-messages:
			if !ok {
				return
			}
			var a announcement
			if err := json.Unmarshal([]byte(m.Payload), &a); err != nil {
				slog.Warn("dropping malformed announcement", "err", err)
				continue
			}
			if a.Instance == r.instance {
				continue
			}
			fn(a.SyncFromServer)
		}
	}
}

func (r *RedisFanout) Close() error {
	return r.client.Close()
}
