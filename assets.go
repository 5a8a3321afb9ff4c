package chat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemoryAssets is a goroutine-safe in-memory AssetStore.
type MemoryAssets struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryAssets creates an empty store whose URLs start with baseURL.
func NewMemoryAssets(baseURL string) *MemoryAssets {
	return &MemoryAssets{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string][]byte),
	}
}

func (a *MemoryAssets) PutObject(ctx context.Context, data []byte, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.objects[path] = append([]byte(nil), data...)
	a.mu.Unlock()
	return a.baseURL + "/" + path, nil
}

func (a *MemoryAssets) DeleteObject(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.objects, path)
	a.mu.Unlock()
	return nil
}

// Get returns the bytes stored under path.
func (a *MemoryAssets) Get(path string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.objects[path]
	return b, ok
}

// Len returns the number of stored objects.
func (a *MemoryAssets) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}

// DirAssets stores objects as files below a root directory.
type DirAssets struct {
	root    string
	baseURL string
}

// NewDirAssets creates a store rooted at dir serving URLs under baseURL.
func NewDirAssets(dir, baseURL string) *DirAssets {
	return &DirAssets{root: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Root returns the directory objects are written to.
func (a *DirAssets) Root() string { return a.root }

func (a *DirAssets) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", errors.Errorf("invalid object path %q", path)
	}
	return filepath.Join(a.root, filepath.FromSlash(clean)), nil
}

func (a *DirAssets) PutObject(ctx context.Context, data []byte, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := a.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", errors.Wrap(err, "create asset directory")
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "write asset %s", path)
	}
	return a.baseURL + "/" + strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+path)), "/"), nil
}

func (a *DirAssets) DeleteObject(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := a.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete asset %s", path)
	}
	return nil
}

// Get returns the bytes stored under path.
func (a *DirAssets) Get(path string) ([]byte, bool) {
	p, err := a.resolve(path)
	if err != nil {
		return nil, false
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	return b, true
}
