// Package media stores generated assets. Workflow results hold object refs;
// refs are turned into fetchable URLs only when a result is read.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("media object not found")

type Store interface {
	// Put stores data under key and returns its ref.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, string, error)
	// SignedURL returns a URL that serves ref for ttl. External refs are
	// returned unchanged.
	SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// IsExternal reports whether ref is an http(s) URL rather than a stored key.
func IsExternal(ref string) bool {
	return strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://")
}

// AssetKey is the object key of one step's output.
func AssetKey(workflowID, step, contentType string) string {
	return fmt.Sprintf("workflows/%s/%s%s", workflowID, step, extension(contentType))
}

func extension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	}
	return ""
}

type object struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process memory. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]object)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		return "", errors.New("media key is required")
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{data: cp, contentType: contentType}
	return key, nil
}

func (m *MemoryStore) Get(_ context.Context, ref string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[ref]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.contentType, nil
}

func (m *MemoryStore) SignedURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	if IsExternal(ref) {
		return ref, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[ref]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return "memory://" + ref, nil
}

var _ Store = (*MemoryStore)(nil)
