package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Bus fans emits out across instances over Redis Pub/Sub. Every instance,
// including the publisher, delivers received frames to its local connections.
type Bus struct {
	client  *redis.Client
	channel string
	hub     *Hub
	ready   chan struct{}
}

func NewBus(client *redis.Client, channel string, hub *Hub) (*Bus, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if hub == nil {
		return nil, errors.New("hub required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "motochat:realtime"
	}
	return &Bus{client: client, channel: channel, hub: hub, ready: make(chan struct{})}, nil
}

func (b *Bus) Publish(ctx context.Context, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Ready is closed once the subscription is confirmed.
func (b *Bus) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes and delivers until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)
	slog.Info("realtime_bus_subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("realtime bus subscription closed")
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				slog.Warn("realtime_bus_decode_failed", "err", err)
				continue
			}
			b.hub.Deliver(d)
		}
	}
}
