package metastore

import (
	"context"
	"sync"
	"time"
)

// Memory keeps hints for the lifetime of the process.
type Memory struct {
	mu       sync.RWMutex
	priority map[string]string
	backoff  map[string]time.Duration
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		priority: make(map[string]string),
		backoff:  make(map[string]time.Duration),
	}
}

func (m *Memory) GetPriorityEndpoint(_ context.Context, chainID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url, ok := m.priority[chainID]
	return url, ok, nil
}

func (m *Memory) PutPriorityEndpoint(_ context.Context, chainID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority[chainID] = url
	return nil
}

func (m *Memory) GetBackoffInterval(_ context.Context, chainID string) (time.Duration, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.backoff[chainID]
	return d, ok, nil
}

func (m *Memory) PutBackoffInterval(_ context.Context, chainID string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoff[chainID] = interval.Truncate(time.Millisecond)
	return nil
}

func (m *Memory) DeleteBackoffInterval(_ context.Context, chainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backoff, chainID)
	return nil
}

func (m *Memory) Close() error { return nil }
