package chat

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the chat REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind distinguishes user-authored messages from system notices.
type MessageKind string

const (
	KindUser   MessageKind = "user"
	KindSystem MessageKind = "system"
)

// MessageStatus is the client-local delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Message is one entry of a conversation. Rows read from the durable store
// or the realtime stream are always confirmed; pending and failed only exist
// locally.
type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"client_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Body           string      `json:"body,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	ReplyToID      string      `json:"reply_to_id,omitempty"`
	Attachment     *MediaRef   `json:"attachment,omitempty"`
	Kind           MessageKind `json:"kind"`

	Status MessageStatus `json:"-"`
	Err    error         `json:"-"`
}

// Cursor returns the pagination boundary for m.
func (m Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// IsPending reports whether m has not been confirmed by the server yet.
func (m Message) IsPending() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// Draft is the user's intent to send a message.
type Draft struct {
	SenderID   string
	Body       string
	ReplyToID  string
	Attachment *MediaRef
	Kind       MessageKind
}

// Cursor is a (createdAt, id) pagination boundary.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// Before reports whether c sorts strictly before o in conversation order.
func (c Cursor) Before(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

// ============================================================================
// Media
// ============================================================================

// MediaStatus is the lifecycle state of an attachment.
type MediaStatus string

const (
	MediaLocal     MediaStatus = "local"
	MediaUploading MediaStatus = "uploading"
	MediaRemote    MediaStatus = "remote"
	MediaFailed    MediaStatus = "failed"
)

// MediaRef points at an attachment. ObjectKey is the storage path assigned at
// upload time and is what retention deletes.
type MediaRef struct {
	LocalURI  string      `json:"local_uri,omitempty"`
	RemoteURL string      `json:"remote_url,omitempty"`
	ObjectKey string      `json:"object_key,omitempty"`
	MimeType  string      `json:"mime_type,omitempty"`
	Size      int64       `json:"size,omitempty"`
	Status    MediaStatus `json:"status"`
}

// RenderURI returns the URI a client should display for the attachment.
func (r MediaRef) RenderURI() string {
	if r.Status == MediaRemote {
		return r.RemoteURL
	}
	return r.LocalURI
}

// ============================================================================
// Reactions, typing, read state
// ============================================================================

// Reaction is a user's single emoji on a message.
type Reaction struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Emoji          string    `json:"emoji"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ReactionGroup summarizes the reactions on a message by emoji.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// TypingState is an ephemeral typing signal.
type TypingState struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ReadCursor marks the newest message a user has seen in a conversation.
type ReadCursor struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// ============================================================================
// Conversations and their parent events
// ============================================================================

// ConversationKind distinguishes event group rooms from 1:1 chats.
type ConversationKind string

const (
	ConversationGroup   ConversationKind = "group"
	ConversationPrivate ConversationKind = "private"
)

// ConversationRef identifies a conversation and, for group rooms, the event
// that owns it.
type ConversationRef struct {
	ID      string           `json:"id"`
	Kind    ConversationKind `json:"kind"`
	EventID string           `json:"event_id,omitempty"`
}

// EventInfo is the subset of a parent event row the chat engine depends on.
type EventInfo struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Timezone string `json:"timezone"`
	Title    string `json:"title,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
	Attendee int    `json:"attendee_count,omitempty"`
	Hidden   bool   `json:"hidden,omitempty"`
}

// ============================================================================
// Realtime changes
// ============================================================================

// ChangeOp is the kind of row change carried by a realtime event.
type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// Tables whose changes are streamed to conversations.
const (
	TableMessages  = "messages"
	TableReactions = "reactions"
	TableTyping    = "typing"
	TableEvents    = "events"
)

// Change is the realtime payload {type, table, new?, old?}.
type Change struct {
	Type  ChangeOp        `json:"type"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// NewChange builds a Change with the given rows marshaled to JSON. Either row
// may be nil.
func NewChange(op ChangeOp, table string, newRow, oldRow any) (Change, error) {
	c := Change{Type: op, Table: table}
	if newRow != nil {
		b, err := json.Marshal(newRow)
		if err != nil {
			return c, err
		}
		c.New = b
	}
	if oldRow != nil {
		b, err := json.Marshal(oldRow)
		if err != nil {
			return c, err
		}
		c.Old = b
	}
	return c, nil
}

// Row decodes the new row of c, falling back to the old row for deletes.
func (c Change) Row(v any) error {
	raw := c.New
	if len(raw) == 0 || string(raw) == "null" {
		raw = c.Old
	}
	if len(raw) == 0 {
		return ErrEmptyChange
	}
	return json.Unmarshal(raw, v)
}
