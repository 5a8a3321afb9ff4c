package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// MemoryStore is a goroutine-safe in-memory Store. Every committed write is
// published as a Change when a Publisher is set.
type MemoryStore struct {
	pub Publisher
	now func() time.Time

	mu        sync.RWMutex
	messages  map[string]*Message
	byClient  map[string]string
	reactions map[reactionKey]Reaction
	typing    map[cursorKey]TypingState
	cursors   map[cursorKey]ReadCursor
	events    map[string]EventInfo
}

// NewMemoryStore creates an empty store publishing to pub, which may be nil.
func NewMemoryStore(pub Publisher) *MemoryStore {
	return &MemoryStore{
		pub:       pub,
		now:       time.Now,
		messages:  make(map[string]*Message),
		byClient:  make(map[string]string),
		reactions: make(map[reactionKey]Reaction),
		typing:    make(map[cursorKey]TypingState),
		cursors:   make(map[cursorKey]ReadCursor),
		events:    make(map[string]EventInfo),
	}
}

// SetClock replaces the clock used for server-assigned timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) publish(topic string, op ChangeOp, table string, newRow, oldRow any) {
	if s.pub == nil {
		return
	}
	c, err := NewChange(op, table, newRow, oldRow)
	if err != nil {
		jww.ERROR.Printf("[chat] encode %s change: %v", table, err)
		return
	}
	if err := s.pub.Publish(context.Background(), topic, c); err != nil {
		jww.WARN.Printf("[chat] publish %s %s: %v", op, topic, err)
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if msg.ConversationID == "" {
		return Message{}, errors.New("message has no conversation id")
	}

	s.mu.Lock()
	if msg.ClientID != "" {
		if id, ok := s.byClient[msg.ConversationID+"/"+msg.ClientID]; ok {
			existing := *s.messages[id]
			s.mu.Unlock()
			return existing, nil
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, ok := s.messages[msg.ID]; ok {
		s.mu.Unlock()
		return Message{}, errors.Errorf("message %s already exists", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = KindUser
	}
	msg.Status = StatusConfirmed
	msg.Err = nil
	stored := msg
	s.messages[msg.ID] = &stored
	if msg.ClientID != "" {
		s.byClient[msg.ConversationID+"/"+msg.ClientID] = msg.ID
	}
	s.mu.Unlock()

	s.publish(Topic(TableMessages, msg.ConversationID), OpInsert, TableMessages, msg, nil)
	return msg, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, before *Cursor, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var result []Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if before != nil && !m.Cursor().Before(*before) {
			continue
		}
		result = append(result, *m)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[j].Cursor().Before(result[i].Cursor()) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetMessage returns one message by id.
func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	return *m, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cur, ok := s.messages[msg.ID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "message %s", msg.ID)
	}
	old := *cur
	cur.Body = msg.Body
	cur.EditedAt = msg.EditedAt
	if cur.EditedAt == nil {
		t := s.now().UTC()
		cur.EditedAt = &t
	}
	cur.Attachment = msg.Attachment
	updated := *cur
	s.mu.Unlock()

	s.publish(Topic(TableMessages, updated.ConversationID), OpUpdate, TableMessages, updated, old)
	return nil
}

// DeleteMessage removes a message and its reactions. Deleting a missing
// message succeeds.
func (s *MemoryStore) DeleteMessage(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cur, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	old := *cur
	delete(s.messages, messageID)
	if old.ClientID != "" {
		delete(s.byClient, old.ConversationID+"/"+old.ClientID)
	}
	for key := range s.reactions {
		if key.messageID == messageID {
			delete(s.reactions, key)
		}
	}
	s.mu.Unlock()

	s.publish(Topic(TableMessages, old.ConversationID), OpDelete, TableMessages, nil, old)
	return nil
}

// Count returns the number of stored messages in a conversation.
func (s *MemoryStore) Count(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n
}

// ListAttachmentsOlderThan returns messages with an attachment created before
// ts, oldest first.
func (s *MemoryStore) ListAttachmentsOlderThan(ctx context.Context, ts time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var result []Message
	for _, m := range s.messages {
		if m.Attachment != nil && m.CreatedAt.Before(ts) {
			result = append(result, *m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Cursor().Before(result[j].Cursor()) })
	return result, nil
}

// ── Reactions ────────────────────────────────────────────

func (s *MemoryStore) ListReactions(ctx context.Context, conversationID string) ([]Reaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var result []Reaction
	for _, r := range s.reactions {
		if r.ConversationID == conversationID {
			result = append(result, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return result, nil
}

func (s *MemoryStore) UpsertReaction(ctx context.Context, r Reaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateReaction(r.Emoji); err != nil {
		return err
	}
	s.mu.Lock()
	msg, ok := s.messages[r.MessageID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "message %s", r.MessageID)
	}
	r.ConversationID = msg.ConversationID
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now().UTC()
	}
	key := reactionKey{r.MessageID, r.UserID}
	old, existed := s.reactions[key]
	s.reactions[key] = r
	s.mu.Unlock()

	topic := Topic(TableReactions, r.ConversationID)
	if existed {
		s.publish(topic, OpUpdate, TableReactions, r, old)
	} else {
		s.publish(topic, OpInsert, TableReactions, r, nil)
	}
	return nil
}

func (s *MemoryStore) DeleteReaction(ctx context.Context, messageID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := reactionKey{messageID, userID}
	s.mu.Lock()
	old, ok := s.reactions[key]
	delete(s.reactions, key)
	s.mu.Unlock()
	if ok {
		s.publish(Topic(TableReactions, old.ConversationID), OpDelete, TableReactions, nil, old)
	}
	return nil
}

// ── Typing and read cursors ──────────────────────────────

func (s *MemoryStore) UpsertTyping(ctx context.Context, st TypingState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := cursorKey{st.ConversationID, st.UserID}
	s.mu.Lock()
	_, existed := s.typing[key]
	s.typing[key] = st
	s.mu.Unlock()

	op := OpInsert
	if existed {
		op = OpUpdate
	}
	s.publish(Topic(TableTyping, st.ConversationID), op, TableTyping, st, nil)
	return nil
}

func (s *MemoryStore) UpsertReadCursor(ctx context.Context, c ReadCursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := cursorKey{c.ConversationID, c.UserID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors[key]; ok && !c.LastSeenAt.After(cur.LastSeenAt) {
		return nil
	}
	s.cursors[key] = c
	return nil
}

func (s *MemoryStore) GetReadCursor(ctx context.Context, conversationID, userID string) (ReadCursor, error) {
	if err := ctx.Err(); err != nil {
		return ReadCursor{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[cursorKey{conversationID, userID}]
	if !ok {
		return ReadCursor{}, errors.Wrapf(ErrNotFound, "read cursor of %s in %s", userID, conversationID)
	}
	return c, nil
}

// ── Events ───────────────────────────────────────────────

func (s *MemoryStore) GetEvent(ctx context.Context, eventID string) (EventInfo, error) {
	if err := ctx.Err(); err != nil {
		return EventInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return EventInfo{}, errors.Wrapf(ErrNotFound, "event %s", eventID)
	}
	return ev, nil
}

// PutEvent creates or replaces an event row.
func (s *MemoryStore) PutEvent(ctx context.Context, ev EventInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.ID == "" {
		return errors.New("event has no id")
	}
	s.mu.Lock()
	old, existed := s.events[ev.ID]
	s.events[ev.ID] = ev
	s.mu.Unlock()

	if existed {
		s.publish(Topic(TableEvents, ev.ID), OpUpdate, TableEvents, ev, old)
	} else {
		s.publish(Topic(TableEvents, ev.ID), OpInsert, TableEvents, ev, nil)
	}
	return nil
}
