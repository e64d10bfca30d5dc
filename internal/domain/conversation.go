package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle is assigned to conversations until a title is inferred or set.
const DefaultTitle = "New chat"

// Message is a single entry of a conversation log. Messages are never edited
// once appended.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Log is the ordered message history of one conversation. It is always
// persisted and replaced as a whole.
type Log []Message

// ChatMessages projects the log to role/content pairs for the upstream call.
func (l Log) ChatMessages() []ChatMessage {
	out := make([]ChatMessage, 0, len(l))
	for _, m := range l {
		out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// Append returns a new log with m added; the receiver is left untouched.
func (l Log) Append(m Message) Log {
	out := make(Log, len(l), len(l)+1)
	copy(out, l)
	return append(out, m)
}

// ConversationMeta is one entry of the conversation index.
type ConversationMeta struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Model     string `json:"model"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Kinds of ConversationEvent.
const (
	EventCreated       = "created"
	EventUpdated       = "updated"
	EventDeleted       = "deleted"
	EventTurnCommitted = "turn_committed"
)

// ConversationEvent tells observers that a conversation or its index entry
// changed.
type ConversationEvent struct {
	Kind           string `json:"kind"`
	ConversationID string `json:"conversationId"`
	Title          string `json:"title,omitempty"`
	UpdatedAt      int64  `json:"updatedAt"`
}
