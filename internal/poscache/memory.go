package poscache

import (
	"encoding/json"
	"sync"
)

// MemoryBackend is an in-process, non-persistent Backend — one map per
// namespace, guarded by a single mutex since cache traffic is low
// relative to pipeline throughput.
type MemoryBackend struct {
	mu      sync.Mutex
	buckets map[Namespace]map[string]Entry
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: make(map[Namespace]map[string]Entry)}
}

func (m *MemoryBackend) Get(namespace Namespace, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.buckets[namespace]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := bucket[key]
	return entry, ok, nil
}

func (m *MemoryBackend) Set(namespace Namespace, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.buckets[namespace]
	if !ok {
		bucket = make(map[string]Entry)
		m.buckets[namespace] = bucket
	}
	bucket[key] = entry
	return nil
}

func (m *MemoryBackend) Delete(namespace Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.buckets[namespace]
	if !ok {
		return nil
	}
	delete(bucket, key)
	return nil
}

func (m *MemoryBackend) Stats(namespace Namespace) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.buckets[namespace]
	var bytes int64
	for key, entry := range bucket {
		bytes += int64(len(key))
		if data, err := json.Marshal(entry); err == nil {
			bytes += int64(len(data))
		}
	}
	return len(bucket), bytes, nil
}

func (m *MemoryBackend) Clear(namespace Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, namespace)
	return nil
}
