package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chat-relay/internal/domain"
)

const (
	logKeyPrefix = "conversation/"
	indexKey     = "conversations/index"
)

// expires reports whether a TTL applies to key. Only logs expire; the index
// is rewritten on every turn and would otherwise outlive the logs it lists.
func expires(key string) bool {
	return strings.HasPrefix(key, logKeyPrefix)
}

// LogKey returns the blob key holding the log of a conversation.
func LogKey(conversationID string) string {
	return logKeyPrefix + conversationID
}

// Conversations maps conversation ids to their logs and keeps the metadata
// index, both on top of a BlobStore. Unreadable data is treated as absent.
type Conversations struct {
	blobs          BlobStore
	logger         *slog.Logger
	supportsDelete bool
}

func NewConversations(blobs BlobStore, logger *slog.Logger) (*Conversations, error) {
	if blobs == nil {
		return nil, errors.New("repository: blob store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversations{
		blobs:          blobs,
		logger:         logger.With("component", "conversation_store"),
		supportsDelete: blobs.SupportsDelete(),
	}, nil
}

// Get returns the log for conversationID. Missing or corrupt data yields an
// empty log.
func (c *Conversations) Get(ctx context.Context, conversationID string) (domain.Log, error) {
	var log domain.Log
	if err := c.readJSON(ctx, LogKey(conversationID), &log); err != nil {
		return nil, fmt.Errorf("repository: Get %s: %w", conversationID, err)
	}
	if log == nil {
		log = domain.Log{}
	}
	return log, nil
}

// Put replaces the whole log for conversationID. The last writer wins.
func (c *Conversations) Put(ctx context.Context, conversationID string, log domain.Log) error {
	if log == nil {
		log = domain.Log{}
	}
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("repository: Put marshal: %w", err)
	}
	if err := c.blobs.PutBlob(ctx, LogKey(conversationID), data); err != nil {
		return fmt.Errorf("repository: Put %s: %w", conversationID, err)
	}
	return nil
}

// Remove deletes the log when the backend can delete, and is a no-op
// otherwise.
func (c *Conversations) Remove(ctx context.Context, conversationID string) error {
	if !c.supportsDelete {
		c.logger.Debug("log delete skipped, backend has no delete", "conversation_id", conversationID)
		return nil
	}
	if err := c.blobs.DeleteBlob(ctx, LogKey(conversationID)); err != nil {
		return fmt.Errorf("repository: Remove %s: %w", conversationID, err)
	}
	return nil
}

func (c *Conversations) SupportsDelete() bool { return c.supportsDelete }

// MaxLogBytes is the largest encoded log the backend can hold. Zero means no
// limit.
func (c *Conversations) MaxLogBytes() int { return c.blobs.MaxBlobSize() }

// LogBytes returns the size log occupies once encoded for storage.
func (c *Conversations) LogBytes(log domain.Log) (int, error) {
	if log == nil {
		log = domain.Log{}
	}
	data, err := json.Marshal(log)
	if err != nil {
		return 0, fmt.Errorf("repository: LogBytes marshal: %w", err)
	}
	return len(data), nil
}

// LoadIndex returns the stored metadata list in stored order.
func (c *Conversations) LoadIndex(ctx context.Context) ([]domain.ConversationMeta, error) {
	var metas []domain.ConversationMeta
	if err := c.readJSON(ctx, indexKey, &metas); err != nil {
		return nil, fmt.Errorf("repository: LoadIndex: %w", err)
	}
	return metas, nil
}

// SaveIndex replaces the whole metadata list.
func (c *Conversations) SaveIndex(ctx context.Context, metas []domain.ConversationMeta) error {
	if metas == nil {
		metas = []domain.ConversationMeta{}
	}
	data, err := json.Marshal(metas)
	if err != nil {
		return fmt.Errorf("repository: SaveIndex marshal: %w", err)
	}
	if err := c.blobs.PutBlob(ctx, indexKey, data); err != nil {
		return fmt.Errorf("repository: SaveIndex: %w", err)
	}
	return nil
}

// readJSON decodes the blob at key into v. Absent keys leave v untouched;
// corrupt blobs are logged and also leave v at its zero value.
func (c *Conversations) readJSON(ctx context.Context, key string, v any) error {
	data, ok, err := c.blobs.GetBlob(ctx, key)
	if errors.Is(err, ErrCorruptBlob) {
		c.logger.Warn("stored blob unreadable, using empty value", "key", key, "err", err)
		return nil
	}
	if err != nil {
		return err
	}
	if !ok || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn("stored blob is not valid JSON, using empty value", "key", key, "err", err)
		return resetJSON(v)
	}
	return nil
}

// resetJSON clears a partially decoded target.
func resetJSON(v any) error {
	switch t := v.(type) {
	case *domain.Log:
		*t = nil
	case *[]domain.ConversationMeta:
		*t = nil
	default:
		return fmt.Errorf("repository: unsupported decode target %T", v)
	}
	return nil
}
