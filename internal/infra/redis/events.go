package redis

import (
	"context"
	"log/slog"

	"github.com/vietddude/collector/internal/collector/events"
)

const defaultChannel = "collector:events"

// EventBridge forwards local domain events to a Redis channel and re-emits
// events published by other instances into the local bus.
type EventBridge struct {
	client  *Client
	bus     *events.Bus
	channel string
	origin  string
	logger  *slog.Logger
}

// NewEventBridge creates a bridge. origin identifies this instance so its own
// messages are not re-emitted.
func NewEventBridge(client *Client, bus *events.Bus, channel, origin string) *EventBridge {
	if channel == "" {
		channel = defaultChannel
	}
	return &EventBridge{
		client:  client,
		bus:     bus,
		channel: channel,
		origin:  origin,
		logger:  slog.Default().With("component", "event_bridge", "channel", channel),
	}
}

// Start runs both directions until ctx is done.
// The local subscription exists before the Redis one is confirmed, so once
// this instance counts as a channel subscriber it also forwards.
func (b *EventBridge) Start(ctx context.Context) error {
	local, unsubscribe := b.bus.SubscribeLocalOnly("redis_bridge")
	defer unsubscribe()

	pubsub := b.client.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	remote := pubsub.Channel()
	b.logger.Info("Event bridge started", "origin", b.origin)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-local:
			if !ok {
				return nil
			}
			data, err := events.Encode(b.origin, e)
			if err != nil {
				b.logger.Error("Failed to encode event", "error", err)
				continue
			}
			if err := b.client.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
				b.logger.Warn("Failed to forward event", "type", e.EventType(), "error", err)
			}
		case msg, ok := <-remote:
			if !ok {
				return nil
			}
			origin, e, err := events.Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("Ignoring malformed event", "error", err)
				continue
			}
			if origin == b.origin {
				continue
			}
			b.bus.PublishRemote(e)
		}
	}
}
