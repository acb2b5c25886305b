package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bridgeChannel = "stream:broadcast"

// bridgeEnvelope wraps a broadcast with the publishing instance's identity
// so an instance never re-processes its own messages.
type bridgeEnvelope struct {
	Instance string            `json:"instance"`
	Message  *BroadcastMessage `json:"message"`
}

// RedisBridge fans broadcasts out across instances over Redis Pub/Sub.
// It implements Bridge.
type RedisBridge struct {
	client   *redis.Client
	instance string
	logger   *slog.Logger
}

// NewRedisBridge wraps an existing Redis client. The client is borrowed;
// the caller owns its lifecycle.
func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{
		client:   client,
		instance: uuid.New().String(),
		logger:   slog.Default().With("component", "redis-bridge"),
	}
}

// Publish sends one broadcast to the shared Pub/Sub channel.
func (b *RedisBridge) Publish(ctx context.Context, msg *BroadcastMessage) error {
	payload, err := json.Marshal(bridgeEnvelope{Instance: b.instance, Message: msg})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, bridgeChannel, payload).Err()
}

// Run consumes the shared channel and re-enqueues broadcasts published by
// other instances until the context is cancelled.
func (b *RedisBridge) Run(ctx context.Context, enqueue func(*BroadcastMessage)) {
	pubsub := b.client.Subscribe(ctx, bridgeChannel)
	defer pubsub.Close()

	b.logger.Info("bridge subscribed", "channel", bridgeChannel)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("bad bridge payload", "error", err)
				continue
			}
			if env.Instance == b.instance || env.Message == nil {
				continue
			}
			enqueue(env.Message)

		case <-ctx.Done():
			return
		}
	}
}
