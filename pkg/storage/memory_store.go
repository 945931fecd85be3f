package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in-process. Used by tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	puts    int

	// FailPut, when set, is returned by every Put.
	FailPut error
}

// NewMemoryStore initializes an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	m.objects[key] = memoryObject{data: buf.Bytes(), contentType: contentType}
	m.puts++
	return nil
}

func (m *MemoryStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrObjectNotFound
	}
	expires := time.Now().Add(expiry).Unix()
	return fmt.Sprintf("memory://objects/%s?expires=%d", url.PathEscape(key), expires), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Get returns a stored object's bytes.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.data, ok
}

// Keys lists stored keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutCount returns how many successful writes happened.
func (m *MemoryStore) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
