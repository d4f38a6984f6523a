package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBridge fans events out across server instances. Publish sends to a
// Redis Pub/Sub channel; Run delivers everything on that channel, including
// this instance's own events, to the local hub.
type RedisBridge struct {
	client    *redis.Client
	channel   string
	hub       *Hub
	logger    zerolog.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisBridge(client *redis.Client, channel string, hub *Hub, logger zerolog.Logger) *RedisBridge {
	return &RedisBridge{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger.With().Str("component", "redis-bridge").Str("channel", channel).Logger(),
		ready:   make(chan struct{}),
	}
}

func (b *RedisBridge) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed by Redis.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Run subscribes and relays until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info().Msg("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn().Err(err).Msg("discarding malformed event")
				continue
			}
			b.hub.Deliver(event)
		}
	}
}
