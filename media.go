package chat

import (
	"context"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Configuration
// ============================================================================

// UploadConfig tunes a MediaUploader.
type UploadConfig struct {
	// Timeout bounds a single upload attempt.
	Timeout time.Duration
	// KeyPrefix is the first segment of generated object keys.
	KeyPrefix string
	// ReadFile loads the bytes behind a local URI.
	ReadFile func(localURI string) ([]byte, error)
	// MaxSize rejects larger attachments before any transfer starts.
	MaxSize int64
}

func (c *UploadConfig) defaults() {
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "conversations"
	}
	if c.ReadFile == nil {
		c.ReadFile = readLocalURI
	}
	if c.MaxSize == 0 {
		c.MaxSize = 50 * 1024 * 1024
	}
}

func readLocalURI(localURI string) ([]byte, error) {
	p := strings.TrimPrefix(localURI, "file://")
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "read attachment %s", localURI)
	}
	return data, nil
}

// ============================================================================
// Upload
// ============================================================================

var mediaTransitions = map[MediaStatus][]MediaStatus{
	MediaLocal:     {MediaUploading},
	MediaUploading: {MediaRemote, MediaFailed},
	MediaFailed:    {MediaUploading},
}

func canTransition(from, to MediaStatus) bool {
	for _, s := range mediaTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Upload is one attachment moving from a local file to remote storage.
type Upload struct {
	ConversationID string

	mu        sync.Mutex
	ref       MediaRef
	err       error
	done      chan struct{}
	observers []func(MediaRef)
}

func newUpload(conversationID string, ref MediaRef, observers []func(MediaRef)) *Upload {
	return &Upload{
		ConversationID: conversationID,
		ref:            ref,
		done:           make(chan struct{}),
		observers:      append([]func(MediaRef){}, observers...),
	}
}

// Ref returns the current attachment reference.
func (u *Upload) Ref() MediaRef {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ref
}

// Err returns the failure of the last attempt, if any.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// OnStatus registers fn to observe every later transition.
func (u *Upload) OnStatus(fn func(MediaRef)) {
	u.mu.Lock()
	u.observers = append(u.observers, fn)
	u.mu.Unlock()
}

// Wait blocks until the current attempt settles, or the first one when the
// upload has not started yet. It returns the remote reference, or the upload
// error if the attempt failed.
func (u *Upload) Wait(ctx context.Context) (MediaRef, error) {
	for {
		u.mu.Lock()
		ref, err, done := u.ref, u.err, u.done
		u.mu.Unlock()

		switch ref.Status {
		case MediaRemote:
			return ref, nil
		case MediaFailed:
			return ref, err
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ref, ctx.Err()
		}
	}
}

func (u *Upload) transition(to MediaStatus, mutate func(*MediaRef)) error {
	u.mu.Lock()
	from := u.ref.Status
	if !canTransition(from, to) {
		u.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	u.ref.Status = to
	if mutate != nil {
		mutate(&u.ref)
	}
	ref := u.ref
	observers := append([]func(MediaRef){}, u.observers...)
	switch to {
	case MediaUploading:
		u.err = nil
	case MediaRemote, MediaFailed:
		// Waiters of this attempt wake up; a retry gets a fresh channel.
		close(u.done)
		u.done = make(chan struct{})
	}
	u.mu.Unlock()

	for _, fn := range observers {
		fn(ref)
	}
	return nil
}

// ============================================================================
// MediaUploader
// ============================================================================

// MediaUploader moves attachments to an AssetStore. Attempts are never
// retried automatically and keep running when the conversation that started
// them closes; finished uploads stay available through Lookup.
type MediaUploader struct {
	assets AssetStore
	cfg    UploadConfig

	mu      sync.Mutex
	uploads map[string]*Upload
	wg      sync.WaitGroup
}

// NewMediaUploader creates an uploader writing to assets.
func NewMediaUploader(assets AssetStore, config *UploadConfig) *MediaUploader {
	cfg := UploadConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &MediaUploader{
		assets:  assets,
		cfg:     cfg,
		uploads: make(map[string]*Upload),
	}
}

func uploadKey(conversationID, localURI string) string {
	return conversationID + "\x00" + localURI
}

// Upload starts uploading localURI for conversationID and returns at once.
// observers see every transition starting with local. If the same file
// already has an upload in this conversation that upload is returned.
func (m *MediaUploader) Upload(ctx context.Context, localURI, conversationID string, observers ...func(MediaRef)) *Upload {
	key := uploadKey(conversationID, localURI)

	m.mu.Lock()
	if u, ok := m.uploads[key]; ok {
		m.mu.Unlock()
		for _, fn := range observers {
			u.OnStatus(fn)
		}
		return u
	}
	u := newUpload(conversationID, MediaRef{
		LocalURI:  localURI,
		ObjectKey: m.objectKey(conversationID, localURI),
		MimeType:  guessMimeType(localURI),
		Status:    MediaLocal,
	}, observers)
	m.uploads[key] = u
	m.mu.Unlock()

	ref := u.Ref()
	for _, fn := range observers {
		fn(ref)
	}
	if err := m.start(ctx, u); err != nil {
		jww.ERROR.Printf("[upload] %+v", err)
	}
	return u
}

// Retry starts a new attempt for a failed upload.
func (m *MediaUploader) Retry(ctx context.Context, u *Upload) error {
	if st := u.Ref().Status; st != MediaFailed {
		return errors.Wrapf(ErrInvalidTransition, "retry from %s", st)
	}
	return m.start(ctx, u)
}

// Lookup returns the upload of localURI in conversationID, finished or not.
func (m *MediaUploader) Lookup(conversationID, localURI string) (*Upload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[uploadKey(conversationID, localURI)]
	return u, ok
}

// Forget drops a settled upload once its message is confirmed.
func (m *MediaUploader) Forget(conversationID, localURI string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := uploadKey(conversationID, localURI)
	if u, ok := m.uploads[key]; ok && u.Ref().Status != MediaUploading {
		delete(m.uploads, key)
	}
}

// Wait blocks until every in-flight attempt has settled.
func (m *MediaUploader) Wait() {
	m.wg.Wait()
}

func (m *MediaUploader) objectKey(conversationID, localURI string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimPrefix(localURI, "file://")))
	return path.Join(m.cfg.KeyPrefix, conversationID, uuid.NewString()+ext)
}

func (m *MediaUploader) start(ctx context.Context, u *Upload) error {
	if err := u.transition(MediaUploading, nil); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// Not tied to the caller's lifetime.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Timeout)
		defer cancel()

		ref := u.Ref()
		url, size, err := m.put(actx, ref)
		if err != nil {
			uploadsTotal.WithLabelValues("failed").Inc()
			jww.WARN.Printf("[upload] %s for %s failed: %v", ref.ObjectKey, u.ConversationID, err)
			u.mu.Lock()
			u.err = err
			u.mu.Unlock()
			_ = u.transition(MediaFailed, nil)
			return
		}

		uploadsTotal.WithLabelValues("remote").Inc()
		jww.DEBUG.Printf("[upload] %s for %s stored at %s", ref.ObjectKey, u.ConversationID, url)
		_ = u.transition(MediaRemote, func(r *MediaRef) {
			r.RemoteURL = url
			r.Size = size
		})
	}()
	return nil
}

func (m *MediaUploader) put(ctx context.Context, ref MediaRef) (string, int64, error) {
	data, err := m.cfg.ReadFile(ref.LocalURI)
	if err != nil {
		return "", 0, err
	}
	size := int64(len(data))
	if size > m.cfg.MaxSize {
		return "", size, errors.Errorf("attachment is %d bytes, limit is %d", size, m.cfg.MaxSize)
	}
	url, err := m.assets.PutObject(ctx, data, ref.ObjectKey)
	if err != nil {
		return "", size, errors.WithMessagef(err, "put %s", ref.ObjectKey)
	}
	return url, size, nil
}

// guessMimeType returns the MIME type for a file name's extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".heic": "image/heic", ".webp": "image/webp", ".webm": "video/webm",
		".mov": "video/quicktime", ".m4a": "audio/mp4",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
