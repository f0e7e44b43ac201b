package miner

import (
	"context"
	"sync"
	"time"
)

// DedupStore remembers which job is mining a template hash.
type DedupStore interface {
	// Claim records jobID under key unless a live claim exists. It returns
	// the job holding the key and whether this call claimed it.
	Claim(ctx context.Context, key, jobID string, ttl time.Duration) (holder string, claimed bool, err error)
	Release(ctx context.Context, key string) error
}

// MemoryDedup is a process-local DedupStore.
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	now     func() time.Time
}

type dedupEntry struct {
	jobID   string
	expires time.Time
}

// NewMemoryDedup creates an empty store.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{
		entries: make(map[string]dedupEntry),
		now:     time.Now,
	}
}

// Claim implements DedupStore.
func (m *MemoryDedup) Claim(_ context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}

	if e, ok := m.entries[key]; ok {
		return e.jobID, false, nil
	}
	m.entries[key] = dedupEntry{jobID: jobID, expires: now.Add(ttl)}
	return jobID, true, nil
}

// Release implements DedupStore.
func (m *MemoryDedup) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of live and not yet pruned claims.
func (m *MemoryDedup) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
