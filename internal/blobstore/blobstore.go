// Package blobstore persists documents and images and hands back retrievable URLs.
package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
)

var (
	// ErrBlobNotFound marks a URL that does not name a stored blob.
	ErrBlobNotFound = fmt.Errorf("%w: blob not found", apperr.ErrNotFound)
	// ErrInvalidKey marks an empty blob key.
	ErrInvalidKey = fmt.Errorf("%w: blob key required", apperr.ErrValidation)
)

// Store is the blob collaborator: put bytes, get a URL; get bytes back by URL.
// Key maps a URL back to the object key it names, failing with ErrBlobNotFound when the URL
// is not one this store hands out.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Get(ctx context.Context, rawURL string) ([]byte, error)
	Key(rawURL string) (string, error)
}

const (
	memoryScheme     = "mem://"
	memorySchemeName = "mem"
)

// cleanKey accepts only canonical relative keys, so ".." and "." segments cannot move a key
// out of the prefix it appears to have.
func cleanKey(rawURL, key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return "", fmt.Errorf("%w: %s", ErrBlobNotFound, rawURL)
	}
	return key, nil
}

// MemoryStore keeps blobs in process memory. Used for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data under key and returns a mem:// URL.
func (m *MemoryStore) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return memoryScheme + key, nil
}

// Key parses a mem:// URL. Query strings and fragments are never part of a key.
func (m *MemoryStore) Key(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme != memorySchemeName || parsed.Opaque != "" ||
		parsed.User != nil || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("%w: %s", ErrBlobNotFound, rawURL)
	}
	return cleanKey(rawURL, parsed.Host+parsed.Path)
}

// Get returns a copy of the blob behind rawURL.
func (m *MemoryStore) Get(_ context.Context, rawURL string) ([]byte, error) {
	key, err := m.Key(rawURL)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, exists := m.blobs[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, rawURL)
	}
	return append([]byte(nil), data...), nil
}
