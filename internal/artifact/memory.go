package artifact

import (
	"context"
	"sync"
)

// Memory is an in-memory Store used by tests and the metrics-only upload
// path, where nothing is ever persisted.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	puts  int
}

// NewMemory creates an empty in-memory artifact store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, _ string) (Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; ok {
		return Ref(key), nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[key] = cp
	m.puts++
	return Ref(key), nil
}

func (m *Memory) Get(_ context.Context, ref Ref) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[string(ref)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

// WriteCount returns the number of distinct blobs actually written, so tests
// can assert that replays do not duplicate side effects.
func (m *Memory) WriteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
