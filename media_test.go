package chat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedAssets blocks PutObject until a value is sent on gate.
type gatedAssets struct {
	*MemoryAssets
	gate chan error

	mu   sync.Mutex
	puts int
}

func newGatedAssets() *gatedAssets {
	return &gatedAssets{MemoryAssets: NewMemoryAssets("http://assets.test"), gate: make(chan error)}
}

func (a *gatedAssets) PutObject(ctx context.Context, data []byte, path string) (string, error) {
	a.mu.Lock()
	a.puts++
	a.mu.Unlock()
	select {
	case err := <-a.gate:
		if err != nil {
			return "", err
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return a.MemoryAssets.PutObject(ctx, data, path)
}

func (a *gatedAssets) putCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.puts
}

func fakeFiles(files map[string]string) func(string) ([]byte, error) {
	return func(uri string) ([]byte, error) {
		body, ok := files[uri]
		if !ok {
			return nil, os.ErrNotExist
		}
		return []byte(body), nil
	}
}

type statusLog struct {
	mu       sync.Mutex
	statuses []MediaStatus
}

func (l *statusLog) observe(r MediaRef) {
	l.mu.Lock()
	l.statuses = append(l.statuses, r.Status)
	l.mu.Unlock()
}

func (l *statusLog) get() []MediaStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MediaStatus(nil), l.statuses...)
}

// ============================================================================
// Transitions
// ============================================================================

func TestMediaTransitions(t *testing.T) {
	assert.True(t, canTransition(MediaLocal, MediaUploading))
	assert.True(t, canTransition(MediaUploading, MediaRemote))
	assert.True(t, canTransition(MediaUploading, MediaFailed))
	assert.True(t, canTransition(MediaFailed, MediaUploading))

	assert.False(t, canTransition(MediaLocal, MediaRemote))
	assert.False(t, canTransition(MediaRemote, MediaUploading))
	assert.False(t, canTransition(MediaFailed, MediaRemote))
}

func TestGuessMimeType(t *testing.T) {
	assert.Equal(t, "image/jpeg", guessMimeType("photo.JPG"))
	assert.Equal(t, "image/heic", guessMimeType("IMG_0001.heic"))
	assert.Equal(t, "video/quicktime", guessMimeType("clip.mov"))
	assert.Equal(t, "application/octet-stream", guessMimeType("noext"))
}

// ============================================================================
// MediaUploader
// ============================================================================

func TestUploadSucceeds(t *testing.T) {
	ctx := context.Background()
	assets := newGatedAssets()
	m := NewMediaUploader(assets, &UploadConfig{ReadFile: fakeFiles(map[string]string{"file:///tmp/a.jpg": "jpeg"})})

	var log statusLog
	u := m.Upload(ctx, "file:///tmp/a.jpg", "c1", log.observe)
	assert.Equal(t, MediaUploading, u.Ref().Status)
	assert.Equal(t, "file:///tmp/a.jpg", u.Ref().RenderURI())
	assert.True(t, strings.HasPrefix(u.Ref().ObjectKey, "conversations/c1/"))
	assert.True(t, strings.HasSuffix(u.Ref().ObjectKey, ".jpg"))
	assert.Equal(t, "image/jpeg", u.Ref().MimeType)

	t.Run("same file is not uploaded twice", func(t *testing.T) {
		again := m.Upload(ctx, "file:///tmp/a.jpg", "c1")
		assert.Same(t, u, again)
		other := m.Upload(ctx, "file:///tmp/a.jpg", "c2")
		assert.NotSame(t, u, other)
		assets.gate <- nil
	})

	assets.gate <- nil
	ref, err := u.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, MediaRemote, ref.Status)
	assert.Equal(t, "http://assets.test/"+ref.ObjectKey, ref.RemoteURL)
	assert.Equal(t, ref.RemoteURL, ref.RenderURI())
	assert.Equal(t, int64(4), ref.Size)
	assert.Equal(t, []MediaStatus{MediaLocal, MediaUploading, MediaRemote}, log.get())

	m.Wait()
	assert.Equal(t, 2, assets.putCount())

	found, ok := m.Lookup("c1", "file:///tmp/a.jpg")
	require.True(t, ok)
	assert.Same(t, u, found)
	m.Forget("c1", "file:///tmp/a.jpg")
	_, ok = m.Lookup("c1", "file:///tmp/a.jpg")
	assert.False(t, ok)
}

func TestUploadFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	assets := newGatedAssets()
	m := NewMediaUploader(assets, &UploadConfig{ReadFile: fakeFiles(map[string]string{"file:///tmp/b.png": "png"})})

	var log statusLog
	u := m.Upload(ctx, "file:///tmp/b.png", "c1", log.observe)

	t.Run("retry while uploading is rejected", func(t *testing.T) {
		assert.ErrorIs(t, m.Retry(ctx, u), ErrInvalidTransition)
	})

	assets.gate <- errStoreDown
	ref, err := u.Wait(ctx)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, MediaFailed, ref.Status)
	assert.Equal(t, "file:///tmp/b.png", ref.RenderURI())

	require.NoError(t, m.Retry(ctx, u))
	assets.gate <- nil
	ref, err = u.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, MediaRemote, ref.Status)
	assert.NoError(t, u.Err())
	assert.Equal(t, []MediaStatus{MediaLocal, MediaUploading, MediaFailed, MediaUploading, MediaRemote}, log.get())
}

func TestWaitBeforeStart(t *testing.T) {
	ctx := context.Background()
	assets := newGatedAssets()
	m := NewMediaUploader(assets, &UploadConfig{ReadFile: fakeFiles(map[string]string{"file:///d.jpg": "jpeg"})})

	u := newUpload("c1", MediaRef{LocalURI: "file:///d.jpg", ObjectKey: "conversations/c1/d.jpg", Status: MediaLocal}, nil)

	type result struct {
		ref MediaRef
		err error
	}
	waited := make(chan result, 1)
	go func() {
		ref, err := u.Wait(ctx)
		waited <- result{ref, err}
	}()

	select {
	case <-waited:
		t.Fatal("wait returned before the upload started")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, m.start(ctx, u))
	assets.gate <- nil

	select {
	case r := <-waited:
		require.NoError(t, r.err)
		assert.Equal(t, MediaRemote, r.ref.Status)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake up when the upload settled")
	}

	t.Run("bounded by context", func(t *testing.T) {
		idle := newUpload("c1", MediaRef{LocalURI: "file:///e.jpg", Status: MediaLocal}, nil)
		wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		ref, err := idle.Wait(wctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, MediaLocal, ref.Status)
	})
}

func TestUploadRejectsLargeOrMissingFiles(t *testing.T) {
	ctx := context.Background()
	assets := NewMemoryAssets("http://assets.test")
	m := NewMediaUploader(assets, &UploadConfig{
		MaxSize:  3,
		ReadFile: fakeFiles(map[string]string{"file:///big.mov": "too big"}),
	})

	u := m.Upload(ctx, "file:///big.mov", "c1")
	_, err := u.Wait(ctx)
	assert.Error(t, err)
	assert.Zero(t, assets.Len())

	u = m.Upload(ctx, "file:///missing.jpg", "c1")
	_, err = u.Wait(ctx)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUploadOutlivesCaller(t *testing.T) {
	assets := newGatedAssets()
	m := NewMediaUploader(assets, &UploadConfig{ReadFile: fakeFiles(map[string]string{"file:///c.jpg": "x"})})

	ctx, cancel := context.WithCancel(context.Background())
	u := m.Upload(ctx, "file:///c.jpg", "c1")
	cancel()

	select {
	case assets.gate <- nil:
	case <-time.After(time.Second):
		t.Fatal("upload was cancelled with its caller")
	}
	ref, err := u.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MediaRemote, ref.Status)
}

func TestReadLocalURI(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("hi"), 0o644))

	data, err := readLocalURI("file://" + p)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	_, err = readLocalURI("file://" + p + ".missing")
	assert.Error(t, err)
}
