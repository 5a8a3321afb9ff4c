package sqlstore

import (
	"time"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

// Timestamps are stored as unix nanoseconds so that (created_at, id)
// compares identically on sqlite and postgres.

// Message defines the SQL representation of a single chat.Message.
type Message struct {
	ID             string  `gorm:"primaryKey;not null"`
	ConversationID string  `gorm:"not null;index:idx_messages_page,priority:1;uniqueIndex:idx_messages_client,priority:1"`
	ClientID       *string `gorm:"uniqueIndex:idx_messages_client,priority:2"`
	SenderID       string  `gorm:"not null"`
	Body           string  `gorm:"type:text;not null"`
	Created        int64   `gorm:"column:created_at;not null;index:idx_messages_page,priority:2"`
	Edited         *int64  `gorm:"column:edited_at"`
	ReplyToID      string  `gorm:"index"`
	Kind           string  `gorm:"not null"`

	HasAttachment  bool `gorm:"not null;index"`
	AttachmentURL  string
	AttachmentKey  string
	AttachmentMime string
	AttachmentSize int64
}

// Reaction defines the SQL representation of a chat.Reaction. A user holds
// at most one reaction per message.
type Reaction struct {
	MessageID      string `gorm:"primaryKey;not null"`
	UserID         string `gorm:"primaryKey;not null"`
	ConversationID string `gorm:"not null;index"`
	Emoji          string `gorm:"not null"`
	Updated        int64  `gorm:"column:updated_at;not null"`
}

// Typing defines the SQL representation of a chat.TypingState.
type Typing struct {
	ConversationID string `gorm:"primaryKey;not null"`
	UserID         string `gorm:"primaryKey;not null"`
	IsTyping       bool   `gorm:"not null"`
	Expires        int64  `gorm:"column:expires_at;not null"`
}

// ReadCursor defines the SQL representation of a chat.ReadCursor.
type ReadCursor struct {
	ConversationID string `gorm:"primaryKey;not null"`
	UserID         string `gorm:"primaryKey;not null"`
	LastSeen       int64  `gorm:"column:last_seen_at;not null"`
}

// Event defines the SQL representation of a chat.EventInfo.
type Event struct {
	ID            string `gorm:"primaryKey;not null"`
	Date          string `gorm:"not null"`
	Timezone      string
	Title         string
	Capacity      int
	AttendeeCount int
	Hidden        bool
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func messageFromChat(m chat.Message) Message {
	row := Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Created:        toNanos(m.CreatedAt),
		ReplyToID:      m.ReplyToID,
		Kind:           string(m.Kind),
	}
	if m.ClientID != "" {
		id := m.ClientID
		row.ClientID = &id
	}
	if m.EditedAt != nil {
		ns := toNanos(*m.EditedAt)
		row.Edited = &ns
	}
	if a := m.Attachment; a != nil {
		row.HasAttachment = true
		row.AttachmentURL = a.RemoteURL
		row.AttachmentKey = a.ObjectKey
		row.AttachmentMime = a.MimeType
		row.AttachmentSize = a.Size
	}
	return row
}

func (row Message) toChat() chat.Message {
	m := chat.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Body:           row.Body,
		CreatedAt:      fromNanos(row.Created),
		ReplyToID:      row.ReplyToID,
		Kind:           chat.MessageKind(row.Kind),
		Status:         chat.StatusConfirmed,
	}
	if row.ClientID != nil {
		m.ClientID = *row.ClientID
	}
	if row.Edited != nil {
		t := fromNanos(*row.Edited)
		m.EditedAt = &t
	}
	if row.HasAttachment {
		m.Attachment = &chat.MediaRef{
			RemoteURL: row.AttachmentURL,
			ObjectKey: row.AttachmentKey,
			MimeType:  row.AttachmentMime,
			Size:      row.AttachmentSize,
			Status:    chat.MediaRemote,
		}
	}
	return m
}

func (row Reaction) toChat() chat.Reaction {
	return chat.Reaction{
		MessageID:      row.MessageID,
		ConversationID: row.ConversationID,
		UserID:         row.UserID,
		Emoji:          row.Emoji,
		UpdatedAt:      fromNanos(row.Updated),
	}
}

func (row Typing) toChat() chat.TypingState {
	return chat.TypingState{
		ConversationID: row.ConversationID,
		UserID:         row.UserID,
		IsTyping:       row.IsTyping,
		ExpiresAt:      fromNanos(row.Expires),
	}
}

func (row Event) toChat() chat.EventInfo {
	return chat.EventInfo{
		ID:       row.ID,
		Date:     row.Date,
		Timezone: row.Timezone,
		Title:    row.Title,
		Capacity: row.Capacity,
		Attendee: row.AttendeeCount,
		Hidden:   row.Hidden,
	}
}

func eventFromChat(ev chat.EventInfo) Event {
	return Event{
		ID:            ev.ID,
		Date:          ev.Date,
		Timezone:      ev.Timezone,
		Title:         ev.Title,
		Capacity:      ev.Capacity,
		AttendeeCount: ev.Attendee,
		Hidden:        ev.Hidden,
	}
}
