package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyAssets fails DeleteObject for the listed paths.
type flakyAssets struct {
	*MemoryAssets
	fail map[string]bool

	mu      sync.Mutex
	deleted []string
}

func (a *flakyAssets) DeleteObject(ctx context.Context, path string) error {
	if a.fail[path] {
		return errStoreDown
	}
	a.mu.Lock()
	a.deleted = append(a.deleted, path)
	a.mu.Unlock()
	return a.MemoryAssets.DeleteObject(ctx, path)
}

func seedAttachments(t *testing.T, s *MemoryStore, a AssetStore) {
	t.Helper()
	ctx := context.Background()
	for _, m := range []struct {
		id  string
		age time.Duration
	}{
		{"old-1", 72 * time.Hour},
		{"old-2", 49 * time.Hour},
		{"fresh", time.Hour},
	} {
		key := "conversations/c1/" + m.id + ".jpg"
		_, err := a.PutObject(ctx, []byte("jpeg"), key)
		require.NoError(t, err)
		_, err = s.InsertMessage(ctx, Message{
			ID:             m.id,
			ConversationID: "c1",
			SenderID:       "bob",
			CreatedAt:      t0.Add(-m.age),
			Attachment:     &MediaRef{ObjectKey: key, Size: 4, Status: MediaRemote},
		})
		require.NoError(t, err)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	assets := NewMemoryAssets("http://assets.test")
	seedAttachments(t, store, assets)

	sw := NewSweeper(store, assets, &RetentionConfig{DeleteRate: 1000, Burst: 10})
	var swept []string
	sw.OnMessageDeleted(func(m Message) { swept = append(swept, m.ID) })

	t.Run("plan does not delete", func(t *testing.T) {
		plan, err := sw.Plan(ctx, t0)
		require.NoError(t, err)
		assert.Equal(t, []string{"old-1", "old-2"}, ids(plan))
		assert.Equal(t, 3, store.Count("c1"))
		assert.Equal(t, 3, assets.Len())
	})

	report, err := sw.Sweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-48*time.Hour), report.Cutoff)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.AssetsDeleted)
	assert.Equal(t, 2, report.RowsDeleted)
	assert.Equal(t, int64(8), report.Bytes)
	assert.Equal(t, []string{"old-1", "old-2"}, swept)

	assert.Equal(t, 1, store.Count("c1"))
	assert.Equal(t, 1, assets.Len())

	t.Run("second pass is a no-op", func(t *testing.T) {
		report, err := sw.Sweep(ctx, t0)
		require.NoError(t, err)
		assert.Zero(t, report.Scanned)
	})
}

func TestSweepPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	assets := &flakyAssets{
		MemoryAssets: NewMemoryAssets("http://assets.test"),
		fail:         map[string]bool{"conversations/c1/old-1.jpg": true},
	}
	seedAttachments(t, store, assets)

	sw := NewSweeper(store, assets, &RetentionConfig{DeleteRate: 1000, Burst: 10})
	report, err := sw.Sweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AssetFailures)
	assert.Equal(t, 1, report.AssetsDeleted)
	assert.Equal(t, 2, report.RowsDeleted)
	assert.Equal(t, []string{"conversations/c1/old-2.jpg"}, assets.deleted)
	assert.Equal(t, 1, store.Count("c1"))
}

// blockingStore holds ListAttachmentsOlderThan until release is closed.
type blockingStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) ListAttachmentsOlderThan(ctx context.Context, ts time.Time) ([]Message, error) {
	close(s.entered)
	<-s.release
	return s.MemoryStore.ListAttachmentsOlderThan(ctx, ts)
}

func TestSweepRunningGuard(t *testing.T) {
	store := &blockingStore{
		MemoryStore: NewMemoryStore(nil),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	sw := NewSweeper(store, NewMemoryAssets(""), nil)

	done := make(chan error, 1)
	go func() {
		_, err := sw.Sweep(context.Background(), t0)
		done <- err
	}()
	<-store.entered

	_, err := sw.Sweep(context.Background(), t0)
	assert.ErrorIs(t, err, ErrSweepRunning)

	close(store.release)
	require.NoError(t, <-done)
}

func TestSweeperRun(t *testing.T) {
	t.Run("invalid schedule", func(t *testing.T) {
		sw := NewSweeper(NewMemoryStore(nil), NewMemoryAssets(""), &RetentionConfig{Schedule: "every tuesday"})
		assert.Error(t, sw.Run(context.Background()))
	})

	t.Run("sweeps at start and stops with ctx", func(t *testing.T) {
		store := NewMemoryStore(nil)
		assets := NewMemoryAssets("")
		seedAttachments(t, store, assets)
		sw := NewSweeper(store, assets, &RetentionConfig{
			DeleteRate: 1000,
			Burst:      10,
			Now:        func() time.Time { return t0 },
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- sw.Run(ctx) }()

		require.Eventually(t, func() bool { return store.Count("c1") == 1 }, time.Second, 5*time.Millisecond)
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})
}
