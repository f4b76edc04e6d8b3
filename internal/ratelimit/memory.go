package ratelimit

import (
	"context"
	"sync"
	"time"
)

const staleThreshold = 30 * time.Minute

type memoryEntry struct {
	rec        Record
	lastAccess time.Time
}

// MemoryStore keeps records in process. A background goroutine evicts keys
// that have not been touched for a while; call Close to stop it.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryEntry
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryStore creates a MemoryStore and starts its eviction loop.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		records: make(map[string]*memoryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Update implements RecordStore.
func (m *MemoryStore) Update(_ context.Context, key string, fn func(*Record)) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[key]
	if !ok {
		e = &memoryEntry{rec: Record{Key: key}}
		m.records[key] = e
	}
	fn(&e.rec)
	e.lastAccess = m.now()
	return e.rec, nil
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale drops idle keys unless they are still banned.
func (m *MemoryStore) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-staleThreshold)
	for key, e := range m.records {
		if e.lastAccess.Before(cutoff) && !e.rec.BannedUntil.After(now) {
			delete(m.records, key)
		}
	}
}
