package chat

import (
	"context"
	"time"
)

// ============================================================================
// Collaborator contracts
// ============================================================================

// Store is the durable source of truth the engine reads from and writes
// through. Implementations must make deletes idempotent and InsertMessage
// idempotent on a non-empty Message.ClientID.
type Store interface {
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	// ListMessages returns up to limit messages strictly older than before
	// (all messages when before is nil), newest first.
	ListMessages(ctx context.Context, conversationID string, before *Cursor, limit int) ([]Message, error)
	UpdateMessage(ctx context.Context, msg Message) error
	DeleteMessage(ctx context.Context, messageID string) error

	ListReactions(ctx context.Context, conversationID string) ([]Reaction, error)
	UpsertReaction(ctx context.Context, r Reaction) error
	DeleteReaction(ctx context.Context, messageID, userID string) error

	UpsertTyping(ctx context.Context, s TypingState) error

	// UpsertReadCursor never moves a stored cursor backwards.
	UpsertReadCursor(ctx context.Context, c ReadCursor) error
	GetReadCursor(ctx context.Context, conversationID, userID string) (ReadCursor, error)

	ListAttachmentsOlderThan(ctx context.Context, ts time.Time) ([]Message, error)
	GetEvent(ctx context.Context, eventID string) (EventInfo, error)
}

// AssetStore holds uploaded attachment bytes. DeleteObject of a missing path
// is not an error.
type AssetStore interface {
	PutObject(ctx context.Context, data []byte, path string) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Identity resolves the signed-in user.
type Identity interface {
	CurrentUserID() (string, bool)
}

// Publisher receives every change a Store commits so that it can be fanned
// out to realtime subscribers.
type Publisher interface {
	Publish(ctx context.Context, topic string, c Change) error
}

// Topic names the realtime channel carrying table changes for one
// conversation, or for one event when table is TableEvents.
func Topic(table, key string) string {
	return table + ":" + key
}

// MessageReader looks up a single message. Stores that implement it let the
// engine check ownership of messages outside the loaded view.
type MessageReader interface {
	GetMessage(ctx context.Context, messageID string) (Message, error)
}

// EventWriter creates or replaces parent event rows.
type EventWriter interface {
	PutEvent(ctx context.Context, ev EventInfo) error
}
