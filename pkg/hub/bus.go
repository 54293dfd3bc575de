package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel widget payloads travel on.
const DefaultChannel = "relay:widget-av"

// Bus carries widget payloads between relay instances over Redis pub/sub,
// so a tool call handled by one instance reaches widgets connected to any.
//
// Publish only writes to Redis; local delivery happens in Run, like every
// other subscriber.
type Bus struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewBus creates a bus that delivers into hub.
func NewBus(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger,
	}
}

// Publish sends p to every relay instance. Returns the number of
// subscribers Redis delivered it to.
func (b *Bus) Publish(ctx context.Context, p Payload) (int64, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encoding widget payload: %w", err)
	}
	n, err := b.client.Publish(ctx, b.channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing to %s: %w", b.channel, err)
	}
	return n, nil
}

// Subscribe attaches to the channel and waits for Redis to confirm. The
// returned subscription is handed to Run.
func (b *Bus) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", b.channel, err)
	}
	return sub, nil
}

// Run forwards payloads from sub to the local hub until ctx is cancelled.
// Messages that do not decode as a Payload are dropped.
func (b *Bus) Run(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.logger.Warn("widget bus subscription closed")
				return
			}
			var p Payload
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				b.logger.Warn("dropping malformed widget payload", "error", err)
				continue
			}
			sent, err := b.hub.Broadcast(p)
			if err != nil {
				b.logger.Warn("broadcasting widget payload", "error", err)
				continue
			}
			b.logger.Debug("widget payload delivered", "state", p.State, "clients", sent)
		}
	}
}
