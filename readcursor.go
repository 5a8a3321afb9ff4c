package chat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MessageSource exposes the loaded messages of one conversation.
type MessageSource interface {
	Ordered() []Message
}

type cursorKey struct {
	conversationID string
	userID         string
}

// ReadCursorTracker keeps each user's last-seen time per conversation and
// derives unread counts from it. Counts are recomputed from the message set
// on every call.
type ReadCursorTracker struct {
	durable Store

	mu      sync.Mutex
	cursors map[cursorKey]time.Time
	sources map[string]MessageSource
}

// NewReadCursorTracker creates a tracker persisting through durable. durable
// may be nil for a purely local tracker.
func NewReadCursorTracker(durable Store) *ReadCursorTracker {
	return &ReadCursorTracker{
		durable: durable,
		cursors: make(map[cursorKey]time.Time),
		sources: make(map[string]MessageSource),
	}
}

// Track registers the message set used to count unread messages of
// conversationID.
func (t *ReadCursorTracker) Track(conversationID string, src MessageSource) {
	t.mu.Lock()
	t.sources[conversationID] = src
	t.mu.Unlock()
}

// Untrack forgets the message set of conversationID.
func (t *ReadCursorTracker) Untrack(conversationID string) {
	t.mu.Lock()
	delete(t.sources, conversationID)
	t.mu.Unlock()
}

// Load fetches the stored cursor, keeping whichever of the local and stored
// values is newer.
func (t *ReadCursorTracker) Load(ctx context.Context, conversationID, userID string) error {
	if t.durable == nil {
		return nil
	}
	rc, err := t.durable.GetReadCursor(ctx, conversationID, userID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.WithMessagef(err, "load read cursor of %s", conversationID)
	}
	t.advance(cursorKey{conversationID, userID}, rc.LastSeenAt)
	return nil
}

// LastSeen returns the user's cursor, the zero time if none exists.
func (t *ReadCursorTracker) LastSeen(conversationID, userID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[cursorKey{conversationID, userID}]
}

// MarkSeen moves the cursor forward to at. Earlier values are ignored.
func (t *ReadCursorTracker) MarkSeen(ctx context.Context, conversationID, userID string, at time.Time) error {
	key := cursorKey{conversationID, userID}
	prev, moved := t.advance(key, at)
	if !moved || t.durable == nil {
		return nil
	}

	err := t.durable.UpsertReadCursor(ctx, ReadCursor{
		ConversationID: conversationID,
		UserID:         userID,
		LastSeenAt:     at.UTC(),
	})
	if err != nil {
		t.mu.Lock()
		if t.cursors[key].Equal(at) {
			t.cursors[key] = prev
		}
		t.mu.Unlock()
		return errors.WithMessagef(err, "store read cursor of %s", conversationID)
	}
	return nil
}

func (t *ReadCursorTracker) advance(key cursorKey, at time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.cursors[key]
	if !at.After(prev) {
		return prev, false
	}
	t.cursors[key] = at
	return prev, true
}

// ComputeUnread counts confirmed messages newer than the user's cursor.
func (t *ReadCursorTracker) ComputeUnread(conversationID, userID string) int {
	t.mu.Lock()
	src := t.sources[conversationID]
	seen := t.cursors[cursorKey{conversationID, userID}]
	t.mu.Unlock()
	if src == nil {
		return 0
	}
	return countUnread(src.Ordered(), seen)
}

func countUnread(msgs []Message, seen time.Time) int {
	n := 0
	for _, m := range msgs {
		if m.IsPending() {
			continue
		}
		if m.CreatedAt.After(seen) {
			n++
		}
	}
	return n
}
