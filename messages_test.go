package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 6, 5, 21, 0, 0, 0, time.UTC)

func seedMessages(t *testing.T, s *MemoryStore, conv string, n int) []Message {
	t.Helper()
	var out []Message
	for i := 0; i < n; i++ {
		m, err := s.InsertMessage(context.Background(), Message{
			ID:             fmt.Sprintf("m%03d", i),
			ConversationID: conv,
			SenderID:       "bob",
			Body:           fmt.Sprintf("message %d", i),
			CreatedAt:      t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func insertChange(t *testing.T, m Message) Change {
	t.Helper()
	c, err := NewChange(OpInsert, TableMessages, m, nil)
	require.NoError(t, err)
	return c
}

func assertOrdered(t *testing.T, view []Message) {
	t.Helper()
	var prev *Cursor
	seenPending := false
	for _, m := range view {
		if m.IsPending() {
			seenPending = true
			continue
		}
		assert.False(t, seenPending, "confirmed message %s after a pending one", m.ID)
		c := m.Cursor()
		if prev != nil {
			assert.True(t, prev.Before(c), "%s out of order", m.ID)
		}
		prev = &c
	}
}

// ============================================================================
// History
// ============================================================================

func TestLoadOlderPage(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryStore(nil)
	seedMessages(t, durable, "c1", 5)

	s := NewMessageStore("c1", durable, &MessageStoreConfig{PageSize: 2})

	page, err := s.LoadOlderPage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m003", "m004"}, ids(page))
	assert.True(t, s.HasMore())

	t.Run("same cursor twice is idempotent", func(t *testing.T) {
		cur := s.OldestCursor()
		require.NotNil(t, cur)
		_, err := s.LoadOlderPage(ctx, cur)
		require.NoError(t, err)
		before := ids(s.Ordered())
		_, err = s.LoadOlderPage(ctx, cur)
		require.NoError(t, err)
		assert.Equal(t, before, ids(s.Ordered()))
	})

	t.Run("reaches the start", func(t *testing.T) {
		for s.HasMore() {
			_, err := s.LoadOlderPage(ctx, s.OldestCursor())
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"m000", "m001", "m002", "m003", "m004"}, ids(s.Ordered()))
		assertOrdered(t, s.Ordered())
	})
}

func TestRemoteEventsKeepOrder(t *testing.T) {
	s := NewMessageStore("c1", NewMemoryStore(nil), nil)

	for _, i := range []int{3, 1, 4, 0, 2} {
		m := Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: "c1",
			CreatedAt:      t0.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.ApplyRemoteEvent(insertChange(t, m)))
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, ids(s.Ordered()))

	t.Run("duplicate insert", func(t *testing.T) {
		require.NoError(t, s.ApplyRemoteEvent(insertChange(t, Message{ID: "m2", ConversationID: "c1", CreatedAt: t0.Add(2 * time.Second)})))
		assert.Equal(t, 5, s.Len())
	})

	t.Run("ties broken by id", func(t *testing.T) {
		require.NoError(t, s.ApplyRemoteEvent(insertChange(t, Message{ID: "m1b", ConversationID: "c1", CreatedAt: t0.Add(time.Second)})))
		assert.Equal(t, []string{"m0", "m1", "m1b", "m2", "m3", "m4"}, ids(s.Ordered()))
	})

	t.Run("other conversation rejected", func(t *testing.T) {
		err := s.ApplyRemoteEvent(insertChange(t, Message{ID: "x", ConversationID: "c2", CreatedAt: t0}))
		assert.Error(t, err)
	})

	t.Run("update and delete", func(t *testing.T) {
		upd, err := NewChange(OpUpdate, TableMessages, Message{ID: "m3", ConversationID: "c1", Body: "edited", CreatedAt: t0.Add(3 * time.Second)}, nil)
		require.NoError(t, err)
		require.NoError(t, s.ApplyRemoteEvent(upd))
		m, ok := s.Get("m3")
		require.True(t, ok)
		assert.Equal(t, "edited", m.Body)

		del, err := NewChange(OpDelete, TableMessages, nil, Message{ID: "m3", ConversationID: "c1"})
		require.NoError(t, err)
		require.NoError(t, s.ApplyRemoteEvent(del))
		_, ok = s.Get("m3")
		assert.False(t, ok)
	})
}

// ============================================================================
// Optimistic sends
// ============================================================================

func TestLocalSendReconciliation(t *testing.T) {
	ctx := context.Background()

	t.Run("realtime insert replaces the slot", func(t *testing.T) {
		durable := NewMemoryStore(nil)
		s := NewMessageStore("c1", durable, nil)
		defer s.Close()

		p := s.ApplyLocalSend(Draft{SenderID: "alice", Body: "hi"})
		assert.Equal(t, StatusPending, p.Status())

		row, err := durable.InsertMessage(ctx, Message{ConversationID: "c1", ClientID: p.TempID, SenderID: "alice", Body: "hi"})
		require.NoError(t, err)
		require.NoError(t, s.ApplyRemoteEvent(insertChange(t, row)))

		assert.Equal(t, 1, s.Len())
		assert.Equal(t, StatusConfirmed, p.Status())
		m, ok := p.Message()
		require.True(t, ok)
		assert.Equal(t, row.ID, m.ID)
	})

	t.Run("ack after event does not duplicate", func(t *testing.T) {
		durable := NewMemoryStore(nil)
		s := NewMessageStore("c1", durable, nil)
		defer s.Close()

		p := s.ApplyLocalSend(Draft{SenderID: "alice", Body: "hi"})
		row, err := durable.InsertMessage(ctx, Message{ConversationID: "c1", SenderID: "alice", Body: "hi"})
		require.NoError(t, err)

		// The stream row carries no client id, so it lands as a new message
		// until the ack links the two.
		require.NoError(t, s.ApplyRemoteEvent(insertChange(t, row)))
		s.Acknowledge(p.TempID, row)

		assert.Equal(t, []string{row.ID}, ids(s.Ordered()))
		assert.Equal(t, StatusConfirmed, p.Status())
	})

	t.Run("event after ack confirms", func(t *testing.T) {
		durable := NewMemoryStore(nil)
		s := NewMessageStore("c1", durable, nil)
		defer s.Close()

		p := s.ApplyLocalSend(Draft{SenderID: "alice", Body: "hi"})
		row, err := durable.InsertMessage(ctx, Message{ConversationID: "c1", SenderID: "alice", Body: "hi"})
		require.NoError(t, err)
		s.Acknowledge(p.TempID, row)
		assert.Equal(t, StatusPending, p.Status())

		require.NoError(t, s.ApplyRemoteEvent(insertChange(t, row)))
		assert.Equal(t, []string{row.ID}, ids(s.Ordered()))
		assert.Equal(t, StatusConfirmed, p.Status())
	})

	t.Run("pending stays at the tail", func(t *testing.T) {
		s := NewMessageStore("c1", NewMemoryStore(nil), &MessageStoreConfig{Now: func() time.Time { return t0 }})
		defer s.Close()

		p := s.ApplyLocalSend(Draft{SenderID: "alice", Body: "late"})
		require.NoError(t, s.ApplyRemoteEvent(insertChange(t, Message{ID: "later", ConversationID: "c1", CreatedAt: t0.Add(time.Hour)})))

		view := s.Ordered()
		require.Len(t, view, 2)
		assert.Equal(t, "later", view[0].ID)
		assert.Equal(t, p.TempID, view[1].ID)
		assertOrdered(t, view)
	})
}

func TestConfirmTimeout(t *testing.T) {
	s := NewMessageStore("c1", NewMemoryStore(nil), &MessageStoreConfig{ConfirmTimeout: 20 * time.Millisecond})
	defer s.Close()

	p := s.ApplyLocalSend(Draft{SenderID: "alice", Body: "hi"})
	s.Acknowledge(p.TempID, Message{ID: "srv-1", ConversationID: "c1"})

	require.Eventually(t, func() bool { return p.Status() == StatusFailed }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p.Err(), ErrConfirmTimeout)

	t.Run("retry and discard", func(t *testing.T) {
		require.NoError(t, s.MarkRetrying(p.TempID))
		assert.Equal(t, StatusPending, p.Status())
		assert.ErrorIs(t, s.MarkRetrying(p.TempID), ErrNotRetryable)

		require.NoError(t, s.Discard(p.TempID))
		assert.Equal(t, MessageStatus(""), p.Status())
		assert.Zero(t, s.Len())
		assert.ErrorIs(t, s.Discard(p.TempID), ErrNotFound)
	})
}

func TestMarkFailedKeepsSlot(t *testing.T) {
	s := NewMessageStore("c1", NewMemoryStore(nil), nil)
	defer s.Close()

	first := s.ApplyLocalSend(Draft{SenderID: "alice", Body: "one"})
	second := s.ApplyLocalSend(Draft{SenderID: "alice", Body: "two"})
	s.MarkFailed(first.TempID, ErrConversationLocked)

	view := s.Ordered()
	require.Len(t, view, 2)
	assert.Equal(t, first.TempID, view[0].ID)
	assert.Equal(t, StatusFailed, view[0].Status)
	assert.Equal(t, second.TempID, view[1].ID)
}

// ============================================================================
// Resync
// ============================================================================

func TestResync(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryStore(nil)
	seeded := seedMessages(t, durable, "c1", 4)

	s := NewMessageStore("c1", durable, nil)
	defer s.Close()
	_, err := s.LoadOlderPage(ctx, nil)
	require.NoError(t, err)
	p := s.ApplyLocalSend(Draft{SenderID: "alice", Body: "offline"})

	// Changes missed while disconnected.
	require.NoError(t, durable.DeleteMessage(ctx, seeded[1].ID))
	_, err = durable.InsertMessage(ctx, Message{ID: "m100", ConversationID: "c1", SenderID: "bob", Body: "new", CreatedAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	removed, err := s.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{seeded[1].ID}, removed)

	view := s.Ordered()
	assert.Equal(t, []string{"m000", "m002", "m003", "m100", p.TempID}, ids(view))
	assertOrdered(t, view)
	assert.False(t, s.HasMore())
}

// pausedList holds every ListMessages result until the test lets it go.
type pausedList struct {
	*MemoryStore
	fetched chan struct{}
	release chan struct{}
}

func (s *pausedList) ListMessages(ctx context.Context, conversationID string, before *Cursor, limit int) ([]Message, error) {
	rows, err := s.MemoryStore.ListMessages(ctx, conversationID, before, limit)
	s.fetched <- struct{}{}
	<-s.release
	return rows, err
}

func TestDeleteDuringFetch(t *testing.T) {
	ctx := context.Background()
	durable := &pausedList{MemoryStore: NewMemoryStore(nil), fetched: make(chan struct{}), release: make(chan struct{})}
	seedMessages(t, durable.MemoryStore, "c1", 5)
	s := NewMessageStore("c1", durable, nil)
	defer s.Close()

	deleteRow := func(id string) {
		t.Helper()
		require.NoError(t, durable.DeleteMessage(ctx, id))
		del, err := NewChange(OpDelete, TableMessages, nil, Message{ID: id, ConversationID: "c1"})
		require.NoError(t, err)
		require.NoError(t, s.ApplyRemoteEvent(del))
	}

	t.Run("page merge", func(t *testing.T) {
		done := make(chan []Message, 1)
		go func() {
			page, err := s.LoadOlderPage(ctx, nil)
			assert.NoError(t, err)
			done <- page
		}()

		<-durable.fetched
		deleteRow("m002")
		durable.release <- struct{}{}

		page := <-done
		assert.Equal(t, []string{"m000", "m001", "m003", "m004"}, ids(page))
		assert.Equal(t, []string{"m000", "m001", "m003", "m004"}, ids(s.Ordered()))
	})

	t.Run("redelivered insert", func(t *testing.T) {
		require.NoError(t, s.ApplyRemoteEvent(insertChange(t, Message{ID: "m002", ConversationID: "c1", CreatedAt: t0.Add(2 * time.Minute)})))
		_, ok := s.Get("m002")
		assert.False(t, ok)
	})

	t.Run("resync merge", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := s.Resync(ctx)
			done <- err
		}()

		<-durable.fetched
		deleteRow("m003")
		durable.release <- struct{}{}

		require.NoError(t, <-done)
		assert.Equal(t, []string{"m000", "m001", "m004"}, ids(s.Ordered()))
	})
}

func TestThread(t *testing.T) {
	s := NewMessageStore("c1", NewMemoryStore(nil), nil)
	for i, m := range []Message{
		{ID: "root", CreatedAt: t0},
		{ID: "r2", ReplyToID: "root", CreatedAt: t0.Add(2 * time.Second)},
		{ID: "r1", ReplyToID: "root", CreatedAt: t0.Add(time.Second)},
		{ID: "other", CreatedAt: t0.Add(3 * time.Second)},
	} {
		m.ConversationID = "c1"
		require.NoError(t, s.ApplyRemoteEvent(insertChange(t, m)), "row %d", i)
	}
	assert.Equal(t, []string{"r1", "r2"}, ids(s.Thread("root")))
	assert.Empty(t, s.Thread("other"))
}
