package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Entries carry their own expiry and are
// dropped when read after it; there is no background sweep. Each key is replaced
// atomically on write, so no store-wide lock is taken.
type MemoryStore struct {
	entries sync.Map
	now     func() time.Time
}

// NewMemoryStore returns a MemoryStore using now as its clock (time.Now when nil).
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.entries.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	e := v.(*memEntry)
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.entries.CompareAndDelete(key, e)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := &memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries.Store(key, e)
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.entries.Delete(k)
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
