package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyTransport is a MemoryHub whose Subscribe can be made to fail.
type flakyTransport struct {
	*MemoryHub
	fail  atomic.Bool
	calls atomic.Int32
}

func (t *flakyTransport) Subscribe(ctx context.Context, topic string, tables ...string) (Subscription, error) {
	t.calls.Add(1)
	if t.fail.Load() {
		return nil, errStoreDown
	}
	return t.MemoryHub.Subscribe(ctx, topic, tables...)
}

// recordingHandler collects every change routed to it.
type recordingHandler struct {
	mu      sync.Mutex
	tables  []string
	resyncs int
	panicOn string
}

func (h *recordingHandler) record(c Change) error {
	if c.Table == h.panicOn {
		panic("boom")
	}
	h.mu.Lock()
	h.tables = append(h.tables, c.Table)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) ApplyMessageChange(c Change) error  { return h.record(c) }
func (h *recordingHandler) ApplyReactionChange(c Change) error { return h.record(c) }
func (h *recordingHandler) ApplyTypingChange(c Change) error   { return h.record(c) }
func (h *recordingHandler) ApplyEventChange(_ context.Context, c Change) error {
	return h.record(c)
}

func (h *recordingHandler) Resync(context.Context) error {
	h.mu.Lock()
	h.resyncs++
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tables...)
}

func (h *recordingHandler) resyncCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resyncs
}

func publish(t *testing.T, hub *MemoryHub, table, key string) {
	t.Helper()
	c, err := NewChange(OpInsert, table, map[string]string{"id": "x"}, nil)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), Topic(table, key), c))
}

var fastRealtime = &RealtimeConfig{
	ReconnectBaseDelay:   time.Millisecond,
	ReconnectMaxDelay:    5 * time.Millisecond,
	MaxReconnectAttempts: 3,
}

// ============================================================================
// Routing
// ============================================================================

func TestCoordinatorRoutesByTable(t *testing.T) {
	hub := NewMemoryHub()
	coord := NewCoordinator(hub, fastRealtime)
	ref := ConversationRef{ID: "c1", Kind: ConversationGroup, EventID: "e1"}
	h := &recordingHandler{}

	sub, err := coord.Subscribe(context.Background(), ref, h)
	require.NoError(t, err)
	assert.Equal(t, StateSubscribed, sub.State())
	assert.Equal(t, 1, coord.Active())
	for _, table := range []string{TableMessages, TableReactions, TableTyping} {
		assert.Equal(t, 1, hub.Subscribers(Topic(table, "c1")))
	}
	assert.Equal(t, 1, hub.Subscribers(Topic(TableEvents, "e1")))

	publish(t, hub, TableMessages, "c1")
	publish(t, hub, TableReactions, "c1")
	publish(t, hub, TableTyping, "c1")
	publish(t, hub, TableEvents, "e1")
	publish(t, hub, TableMessages, "c2")

	require.Eventually(t, func() bool { return len(h.seen()) == 4 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{TableMessages, TableReactions, TableTyping, TableEvents}, h.seen())

	t.Run("second subscribe is rejected", func(t *testing.T) {
		_, err := coord.Subscribe(context.Background(), ref, h)
		assert.ErrorIs(t, err, ErrAlreadySubscribed)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		sub.Unsubscribe()
		assert.Equal(t, StateUnsubscribed, sub.State())
		assert.Zero(t, coord.Active())
		assert.Zero(t, hub.Subscribers(Topic(TableMessages, "c1")))

		publish(t, hub, TableMessages, "c1")
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, h.seen(), 4)
	})
}

func TestCoordinatorSurvivesHandlerPanic(t *testing.T) {
	hub := NewMemoryHub()
	coord := NewCoordinator(hub, fastRealtime)
	h := &recordingHandler{panicOn: TableTyping}

	sub, err := coord.Subscribe(context.Background(), ConversationRef{ID: "c1"}, h)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	publish(t, hub, TableTyping, "c1")
	publish(t, hub, TableMessages, "c1")
	require.Eventually(t, func() bool { return len(h.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateSubscribed, sub.State())
}

// ============================================================================
// Recovery
// ============================================================================

func TestCoordinatorReconnects(t *testing.T) {
	hub := NewMemoryHub()
	coord := NewCoordinator(hub, fastRealtime)
	h := &recordingHandler{}

	sub, err := coord.Subscribe(context.Background(), ConversationRef{ID: "c1"}, h)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var mu sync.Mutex
	var states []SubscriptionState
	sub.OnStateChange(func(s SubscriptionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	hub.Disconnect(errStoreDown)
	require.Eventually(t, func() bool { return h.resyncCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateSubscribed, sub.State())
	mu.Lock()
	assert.Equal(t, []SubscriptionState{StateReconnecting, StateSubscribed}, states)
	mu.Unlock()

	publish(t, hub, TableMessages, "c1")
	require.Eventually(t, func() bool { return len(h.seen()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCoordinatorGivesUp(t *testing.T) {
	tr := &flakyTransport{MemoryHub: NewMemoryHub()}
	coord := NewCoordinator(tr, fastRealtime)
	h := &recordingHandler{}

	sub, err := coord.Subscribe(context.Background(), ConversationRef{ID: "c1"}, h)
	require.NoError(t, err)

	tr.fail.Store(true)
	tr.Disconnect(errStoreDown)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not give up")
	}
	assert.Equal(t, StateUnsubscribed, sub.State())
	assert.True(t, IsTransient(sub.Err()))
	assert.Zero(t, coord.Active())
	assert.Zero(t, h.resyncCount())
	// One initial subscribe per topic plus one failed attempt per retry.
	assert.Equal(t, int32(3+3), tr.calls.Load())

	t.Run("failed initial subscribe is returned", func(t *testing.T) {
		_, err := coord.Subscribe(context.Background(), ConversationRef{ID: "c2"}, h)
		assert.ErrorIs(t, err, errStoreDown)
		assert.True(t, IsTransient(err))
		assert.Zero(t, coord.Active())
	})

	t.Run("a released conversation can subscribe again", func(t *testing.T) {
		tr.fail.Store(false)
		sub, err := coord.Subscribe(context.Background(), ConversationRef{ID: "c1"}, h)
		require.NoError(t, err)
		sub.Unsubscribe()
	})
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})
	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		require.True(t, r.shouldReconnect())
		d := r.nextDelay()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}
	r.nextDelay()
	assert.False(t, r.shouldReconnect())

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1})
	unlimited.attempt = 1000
	assert.True(t, unlimited.shouldReconnect())
}
