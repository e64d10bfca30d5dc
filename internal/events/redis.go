package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-relay/internal/domain"
)

const (
	DefaultChannel = "chat-relay:conversations"
	publishTimeout = 2 * time.Second
)

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher broadcasts events as JSON on a Redis pub/sub channel so
// other instances can refresh their conversation lists. Publish failures are
// logged and dropped.
type RedisPublisher struct {
	client  publisher
	channel string
	logger  *slog.Logger
}

func NewRedisPublisher(client publisher, channel string, logger *slog.Logger) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("events: redis client must not be nil")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "redis_publisher"),
	}, nil
}

func (p *RedisPublisher) ConversationUpdated(ctx context.Context, ev domain.ConversationEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.WarnContext(ctx, "event marshal failed", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.WarnContext(ctx, "event publish failed", "channel", p.channel, "conversation_id", ev.ConversationID, "err", err)
	}
}
