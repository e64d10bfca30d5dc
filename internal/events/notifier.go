// Package events delivers conversation change notifications to observers.
package events

import (
	"context"
	"log/slog"

	"chat-relay/internal/domain"
)

// Notifier receives conversation change events.
type Notifier interface {
	ConversationUpdated(ctx context.Context, ev domain.ConversationEvent)
}

// LogNotifier records every event as a structured log line.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) ConversationUpdated(ctx context.Context, ev domain.ConversationEvent) {
	n.logger.InfoContext(ctx, "conversation updated",
		"kind", ev.Kind,
		"conversation_id", ev.ConversationID,
		"updated_at", ev.UpdatedAt)
}

// Fanout forwards each event to every notifier in order.
type Fanout []Notifier

func (f Fanout) ConversationUpdated(ctx context.Context, ev domain.ConversationEvent) {
	for _, n := range f {
		if n != nil {
			n.ConversationUpdated(ctx, ev)
		}
	}
}
