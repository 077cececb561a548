package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory idempotency store for demo/development mode.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Reserve(ctx context.Context, operation, key string, abandonAfter time.Duration) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := operation + "\x00" + key
	now := time.Now()

	if rec, ok := m.records[k]; ok {
		if rec.Status == StatusCompleted {
			cp := *rec
			return &cp, false, nil
		}
		if now.Sub(rec.CreatedAt) < abandonAfter {
			cp := *rec
			return &cp, false, nil
		}
		// Abandoned reservation, take it over.
		rec.CreatedAt = now
		cp := *rec
		return &cp, true, nil
	}

	rec := &Record{
		Operation: operation,
		Key:       key,
		Status:    StatusReserved,
		CreatedAt: now,
	}
	m.records[k] = rec
	return nil, true, nil
}

func (m *MemoryStore) Complete(ctx context.Context, operation, key string, statusCode int, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := operation + "\x00" + key
	rec, ok := m.records[k]
	if !ok {
		rec = &Record{Operation: operation, Key: key, CreatedAt: time.Now()}
		m.records[k] = rec
	}
	rec.Status = StatusCompleted
	rec.StatusCode = statusCode
	rec.Response = response
	rec.CompletedAt = time.Now()
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, operation, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := operation + "\x00" + key
	if rec, ok := m.records[k]; ok && rec.Status == StatusReserved {
		delete(m.records, k)
	}
	return nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, rec := range m.records {
		if rec.Status == StatusCompleted && rec.CompletedAt.Before(cutoff) {
			delete(m.records, k)
			removed++
		}
	}
	return removed, nil
}
