package events

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBridge publishes events to a Redis channel and relays the channel to
// a local publisher (normally the Hub), so every replica's websocket clients
// see every replica's state changes.
type RedisBridge struct {
	client  *goredis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisBridge(client *goredis.Client, channel string, logger zerolog.Logger) *RedisBridge {
	return &RedisBridge{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "events.redis").Logger(),
	}
}

func (b *RedisBridge) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run relays channel messages to local until ctx is cancelled. ready, if
// non-nil, is closed once the subscription is confirmed.
func (b *RedisBridge) Run(ctx context.Context, local Publisher, ready chan<- struct{}) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn().Err(err).Msg("discarding malformed event")
				continue
			}
			if err := local.Publish(ctx, ev); err != nil {
				b.logger.Warn().Err(err).Str("type", ev.Type).Msg("local delivery failed")
			}
		}
	}
}
