package relay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/models"
)

// EventBus carries events between instances.
type EventBus interface {
	PublishEvent(ctx context.Context, evt models.RealtimeEvent) error
	SubscribeEvents(ctx context.Context) *redis.PubSub
}

// Bridge publishes events through the bus so every instance's hub sees
// them, and feeds bus traffic into the local hub.
type Bridge struct {
	bus    EventBus
	local  *Hub
	decode func(*redis.Message) (models.RealtimeEvent, error)
	logger zerolog.Logger
}

var _ Publisher = (*Bridge)(nil)

// NewBridge creates a bridge. decode parses bus messages.
func NewBridge(bus EventBus, local *Hub, decode func(*redis.Message) (models.RealtimeEvent, error), logger zerolog.Logger) *Bridge {
	return &Bridge{
		bus:    bus,
		local:  local,
		decode: decode,
		logger: logger.With().Str("component", "relay_bridge").Logger(),
	}
}

// Publish sends evt to the bus. If the bus is down the event is still
// delivered to local subscribers.
func (b *Bridge) Publish(ctx context.Context, evt models.RealtimeEvent) error {
	if err := b.bus.PublishEvent(ctx, evt); err != nil {
		b.logger.Warn().Err(err).Str("session_id", evt.SessionID).Msg("bus publish failed, delivering locally")
		return b.local.Publish(ctx, evt)
	}
	return nil
}

// Run consumes the bus until ctx is cancelled, resubscribing after errors.
func (b *Bridge) Run(ctx context.Context) {
	for {
		if err := b.consume(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn().Err(err).Msg("bus subscription lost, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *Bridge) consume(ctx context.Context) error {
	pubsub := b.bus.SubscribeEvents(ctx)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			evt, err := b.decode(msg)
			if err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable event")
				continue
			}
			if err := b.local.Publish(ctx, evt); err != nil {
				return err
			}
		}
	}
}
