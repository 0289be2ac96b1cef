package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Bridge relays events through a Redis channel so every API instance's hub
// sees events produced by any of them. Loss is acceptable: the store can
// always be polled.
type Bridge struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     zerolog.Logger
}

// NewBridge wires a hub to a Redis pub/sub channel.
func NewBridge(client *redis.Client, channel string, hub *Hub, log zerolog.Logger) *Bridge {
	return &Bridge{client: client, channel: channel, hub: hub, log: log}
}

// Publish sends ev to the Redis channel. On publish failure the event is
// still delivered to the local hub; remote instances miss it.
func (b *Bridge) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Msg("marshal event")
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn().Err(err).Msg("publish event to redis, delivering locally only")
		b.hub.Publish(ctx, ev)
	}
}

// Run consumes the Redis channel and feeds events into the local hub until
// ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn().Err(err).Msg("drop malformed event")
				continue
			}
			b.hub.Publish(ctx, ev)
		}
	}
}
