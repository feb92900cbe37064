package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Suitable for single-node
// deployments and tests; sessions do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Record

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryStore creates an in-memory store with a background janitor
// that evicts expired records.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	ms := &MemoryStore{
		sessions: make(map[string]*Record),
		stopCh:   make(chan struct{}),
	}
	go ms.janitor(cleanupInterval)
	return ms
}

func (ms *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			ms.mu.Lock()
			for id, rec := range ms.sessions {
				if rec.Expired(now) {
					delete(ms.sessions, id)
				}
			}
			ms.mu.Unlock()
		case <-ms.stopCh:
			return
		}
	}
}

// Put stores a copy of the record. The TTL sets ExpiresAt when the record
// does not carry one.
func (ms *MemoryStore) Put(_ context.Context, rec *Record, ttl time.Duration) error {
	cp := *rec
	if cp.ExpiresAt.IsZero() && ttl > 0 {
		cp.ExpiresAt = time.Now().Add(ttl)
	}

	ms.mu.Lock()
	ms.sessions[cp.ID] = &cp
	ms.mu.Unlock()
	return nil
}

// Get returns the record or ErrNotFound. Expired records are treated as
// missing even before the janitor removes them.
func (ms *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	ms.mu.RLock()
	rec, ok := ms.sessions[id]
	ms.mu.RUnlock()

	if !ok || rec.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Delete removes a session.
func (ms *MemoryStore) Delete(_ context.Context, id string) error {
	ms.mu.Lock()
	delete(ms.sessions, id)
	ms.mu.Unlock()
	return nil
}

// RevokeUser removes all sessions for a username.
func (ms *MemoryStore) RevokeUser(_ context.Context, username string) error {
	ms.mu.Lock()
	for id, rec := range ms.sessions {
		if rec.Username == username {
			delete(ms.sessions, id)
		}
	}
	ms.mu.Unlock()
	return nil
}

// Close stops the janitor.
func (ms *MemoryStore) Close() error {
	ms.stopOnce.Do(func() { close(ms.stopCh) })
	return nil
}
