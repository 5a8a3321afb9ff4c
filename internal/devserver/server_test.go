package devserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// ============================================================================
// Test Helpers
// ============================================================================

type fixture struct {
	srv    *Server
	http   *httptest.Server
	store  *chat.MemoryStore
	hub    *chat.MemoryHub
	assets *chat.MemoryAssets
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	hub := chat.NewMemoryHub()
	store := chat.NewMemoryStore(hub)
	assets := chat.NewMemoryAssets("http://assets.test")

	srv, err := New(store, assets, hub, cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{srv: srv, http: ts, store: store, hub: hub, assets: assets}
}

func (f *fixture) client(token string) *chat.Client {
	return chat.NewClient(token, chat.WithBaseURL(f.http.URL), chat.WithTimeout(5*time.Second))
}

// ============================================================================
// REST
// ============================================================================

func TestNew(t *testing.T) {
	_, err := New(nil, chat.NewMemoryAssets(""), chat.NewMemoryHub(), nil)
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.client("").Health(context.Background()))

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "drynks_chat_open_conversations")
}

func TestMessagesOverREST(t *testing.T) {
	f := newFixture(t, nil)
	c := f.client("")
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := c.InsertMessage(ctx, chat.Message{
			ConversationID: "c1",
			SenderID:       "alice",
			Body:           "hi",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	t.Run("idempotent insert", func(t *testing.T) {
		draft := chat.Message{ConversationID: "c2", ClientID: "tmp-1", SenderID: "alice", Body: "once"}
		a, err := c.InsertMessage(ctx, draft)
		require.NoError(t, err)
		b, err := c.InsertMessage(ctx, draft)
		require.NoError(t, err)
		assert.Equal(t, a.ID, b.ID)
		assert.Equal(t, 1, f.store.Count("c2"))
	})

	t.Run("empty message rejected", func(t *testing.T) {
		_, err := c.InsertMessage(ctx, chat.Message{ConversationID: "c1", SenderID: "alice"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "INVALID")
	})

	t.Run("paging", func(t *testing.T) {
		first, err := c.ListMessages(ctx, "c1", nil, 3)
		require.NoError(t, err)
		require.Len(t, first, 3)
		assert.Equal(t, ids[4], first[0].ID)

		cur := first[2].Cursor()
		rest, err := c.ListMessages(ctx, "c1", &cur, 3)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, ids[1], rest[0].ID)
		assert.Equal(t, ids[0], rest[1].ID)
	})

	t.Run("update and delete", func(t *testing.T) {
		err := c.UpdateMessage(ctx, chat.Message{ID: "missing", Body: "x"})
		assert.True(t, chat.IsNotFound(err))

		require.NoError(t, c.UpdateMessage(ctx, chat.Message{ID: ids[0], SenderID: "alice", Body: "edited"}))
		require.NoError(t, c.DeleteMessage(ctx, ids[1]))
		require.NoError(t, c.DeleteMessage(ctx, ids[1]))
		assert.Equal(t, 4, f.store.Count("c1"))
	})
}

func TestReactionsCursorsEventsOverREST(t *testing.T) {
	f := newFixture(t, nil)
	c := f.client("")
	ctx := context.Background()

	m, err := c.InsertMessage(ctx, chat.Message{ConversationID: "c1", SenderID: "alice", Body: "hi"})
	require.NoError(t, err)

	t.Run("reactions", func(t *testing.T) {
		err := c.UpsertReaction(ctx, chat.Reaction{MessageID: m.ID, UserID: "bob", Emoji: "not an emoji"})
		require.Error(t, err)

		require.NoError(t, c.UpsertReaction(ctx, chat.Reaction{MessageID: m.ID, UserID: "bob", Emoji: "🍸"}))
		rs, err := c.ListReactions(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, rs, 1)
		assert.Equal(t, "🍸", rs[0].Emoji)

		require.NoError(t, c.DeleteReaction(ctx, m.ID, "bob"))
		require.NoError(t, c.DeleteReaction(ctx, m.ID, "bob"))
	})

	t.Run("read cursors", func(t *testing.T) {
		_, err := c.GetReadCursor(ctx, "c1", "bob")
		assert.True(t, chat.IsNotFound(err))

		seen := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
		require.NoError(t, c.UpsertReadCursor(ctx, chat.ReadCursor{ConversationID: "c1", UserID: "bob", LastSeenAt: seen}))
		require.NoError(t, c.UpsertReadCursor(ctx, chat.ReadCursor{ConversationID: "c1", UserID: "bob", LastSeenAt: seen.Add(-time.Hour)}))
		rc, err := c.GetReadCursor(ctx, "c1", "bob")
		require.NoError(t, err)
		assert.True(t, rc.LastSeenAt.Equal(seen))
	})

	t.Run("events", func(t *testing.T) {
		_, err := c.GetEvent(ctx, "ev1")
		assert.True(t, chat.IsNotFound(err))

		ev := chat.EventInfo{ID: "ev1", Date: "2026-05-01", Timezone: "Europe/Berlin", Title: "Rooftop"}
		require.NoError(t, c.PutEvent(ctx, ev))
		got, err := c.GetEvent(ctx, "ev1")
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	})

	t.Run("attachments query", func(t *testing.T) {
		_, err := c.InsertMessage(ctx, chat.Message{
			ConversationID: "c1",
			SenderID:       "alice",
			CreatedAt:      time.Now().Add(-72 * time.Hour),
			Attachment:     &chat.MediaRef{RemoteURL: "http://assets.test/k", ObjectKey: "k", Status: chat.MediaRemote},
		})
		require.NoError(t, err)
		rows, err := c.ListAttachmentsOlderThan(ctx, time.Now().Add(-48*time.Hour))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "k", rows[0].Attachment.ObjectKey)
	})
}

func TestAssetsOverREST(t *testing.T) {
	f := newFixture(t, &Config{MaxUploadSize: 1024})
	c := f.client("")
	ctx := context.Background()

	url, err := c.PutObject(ctx, []byte("fake jpeg bytes"), "conversations/c1/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "http://assets.test/conversations/c1/photo.jpg", url)

	data, ok := f.assets.Get("conversations/c1/photo.jpg")
	require.True(t, ok)
	assert.Equal(t, "fake jpeg bytes", string(data))

	resp, err := http.Get(f.http.URL + "/assets/conversations/c1/photo.jpg")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "fake jpeg bytes", string(body))

	t.Run("too large", func(t *testing.T) {
		_, err := c.PutObject(ctx, make([]byte, 2048), "conversations/c1/big.jpg")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TOO_LARGE")
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, c.DeleteObject(ctx, "conversations/c1/photo.jpg"))
		require.NoError(t, c.DeleteObject(ctx, "conversations/c1/photo.jpg"))
		assert.Zero(t, f.assets.Len())
	})
}

func TestAuthentication(t *testing.T) {
	key := []byte("dev-signing-key")
	f := newFixture(t, &Config{TokenKey: key})
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		_, err := f.client("").ListMessages(ctx, "c1", nil, 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "UNAUTHORIZED")
	})

	t.Run("forged token", func(t *testing.T) {
		forged, err := chat.IssueToken("alice", []byte("other-key"), time.Hour)
		require.NoError(t, err)
		_, err = f.client(forged).ListMessages(ctx, "c1", nil, 10)
		assert.Error(t, err)
	})

	token, err := chat.IssueToken("alice", key, time.Hour)
	require.NoError(t, err)
	c := f.client(token)

	t.Run("sender defaults to caller", func(t *testing.T) {
		m, err := c.InsertMessage(ctx, chat.Message{ConversationID: "c1", Body: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "alice", m.SenderID)
	})

	t.Run("cannot act as someone else", func(t *testing.T) {
		_, err := c.InsertMessage(ctx, chat.Message{ConversationID: "c1", SenderID: "bob", Body: "hi"})
		require.Error(t, err)
		assert.ErrorIs(t, err, chat.ErrForbidden)

		err = c.UpsertTyping(ctx, chat.TypingState{ConversationID: "c1", UserID: "bob", IsTyping: true})
		assert.Error(t, err)
	})

	t.Run("only the sender edits or deletes", func(t *testing.T) {
		m, err := c.InsertMessage(ctx, chat.Message{ConversationID: "c9", Body: "mine"})
		require.NoError(t, err)

		bobToken, err := chat.IssueToken("bob", key, time.Hour)
		require.NoError(t, err)
		bob := f.client(bobToken)

		err = bob.DeleteMessage(ctx, m.ID)
		assert.ErrorIs(t, err, chat.ErrForbidden)
		err = bob.UpdateMessage(ctx, chat.Message{ID: m.ID, Body: "hijacked"})
		assert.ErrorIs(t, err, chat.ErrForbidden)
		err = bob.UpdateMessage(ctx, chat.Message{ID: m.ID, SenderID: "bob", Body: "hijacked"})
		assert.ErrorIs(t, err, chat.ErrForbidden)

		got, err := f.store.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "mine", got.Body)
		assert.Equal(t, "alice", got.SenderID)

		require.NoError(t, c.UpdateMessage(ctx, chat.Message{ID: m.ID, Body: "still mine"}))
		require.NoError(t, c.DeleteMessage(ctx, m.ID))
		assert.Equal(t, 0, f.store.Count("c9"))
	})
}

// ============================================================================
// Realtime
// ============================================================================

func TestRealtimeBridge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	transport := chat.NewWSTransport(f.http.URL, &chat.RealtimeConfig{HeartbeatInterval: time.Hour})

	sub, err := transport.Subscribe(ctx, chat.Topic(chat.TableMessages, "c1"), chat.TableMessages)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		return f.hub.Subscribers(chat.Topic(chat.TableMessages, "c1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.client("").InsertMessage(ctx, chat.Message{ConversationID: "c1", SenderID: "alice", Body: "live"})
	require.NoError(t, err)

	select {
	case c := <-sub.Changes():
		assert.Equal(t, chat.OpInsert, c.Type)
		var m chat.Message
		require.NoError(t, c.Row(&m))
		assert.Equal(t, "live", m.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("change was not relayed")
	}

	f.hub.Disconnect(errors.New("hub restarted"))
	select {
	case _, ok := <-sub.Changes():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.True(t, chat.IsTransient(sub.Err()))
}

func TestRealtimeRequiresToken(t *testing.T) {
	f := newFixture(t, &Config{TokenKey: []byte("k")})
	transport := chat.NewWSTransport(f.http.URL, nil)
	_, err := transport.Subscribe(context.Background(), chat.Topic(chat.TableMessages, "c1"))
	assert.Error(t, err)
}

func TestEngineAgainstServer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	client := f.client("")
	transport := chat.NewWSTransport(f.http.URL, &chat.RealtimeConfig{HeartbeatInterval: time.Hour})

	engine := chat.NewEngine(client, client, transport, chat.StaticIdentity("alice"), nil)
	defer engine.Close()

	conv, err := engine.Open(ctx, chat.ConversationRef{ID: "c1", Kind: chat.ConversationPrivate})
	require.NoError(t, err)

	p, err := conv.Send(ctx, chat.SendOptions{Text: "see you at 9"})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.Eventually(t, func() bool {
		msgs := conv.Ordered()
		return len(msgs) == 1 && msgs[0].Status == chat.StatusConfirmed
	}, 3*time.Second, 20*time.Millisecond)

	// A second participant writes directly to the server.
	_, err = client.InsertMessage(ctx, chat.Message{ConversationID: "c1", SenderID: "bob", Body: "on my way"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conv.Ordered()) == 2 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, f.store.Count("c1"))
}
