package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/memohai/omnibox/internal/message"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "omnibox:events"

// relayPayload is the wire shape published to Redis.
type relayPayload struct {
	Event   string          `json:"event"`
	OwnerID string          `json:"ownerId,omitempty"`
	Data    message.Message `json:"data"`
}

// RedisRelay republishes hub events to a Redis channel so other processes
// serving viewers can fan them out too.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	hub     *Hub
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisRelay creates a relay that forwards events from hub to client.
func NewRedisRelay(log *slog.Logger, client redis.UniversalClient, hub *Hub, channel string) *RedisRelay {
	if log == nil {
		log = slog.Default()
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  log.With(slog.String("component", "redis_relay")),
	}
}

// Start subscribes to the hub and forwards until Stop or ctx is done.
func (r *RedisRelay) Start(ctx context.Context) {
	if r.client == nil || r.hub == nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	_, stream, unsubscribe := r.hub.Subscribe(DefaultBuffer * 4)
	go func() {
		defer close(r.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-stream:
				if !ok {
					return
				}
				r.forward(ctx, evt)
			}
		}
	}()
	r.logger.Info("relay started", slog.String("channel", r.channel))
}

func (r *RedisRelay) forward(ctx context.Context, evt Event) {
	payload, err := encodeRelayPayload(evt)
	if err != nil {
		r.logger.Warn("marshal relay event failed", slog.Any("error", err))
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("redis publish failed", slog.String("message_id", evt.Message.ID), slog.Any("error", err))
	}
}

// Stop halts forwarding and waits for the loop to exit.
func (r *RedisRelay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func encodeRelayPayload(evt Event) ([]byte, error) {
	return json.Marshal(relayPayload{Event: evt.Type, OwnerID: evt.OwnerID, Data: evt.Message})
}
