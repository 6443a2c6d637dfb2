package kv

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is the single-process EphemeralStore used when no Redis is
// configured. State is lost on restart.
type MemoryStore struct {
	values *gocache.Cache

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: gocache.New(gocache.NoExpiration, time.Minute),
		locks:  make(map[string]*keyLock),
	}
}

func (m *MemoryStore) SetInt(_ context.Context, key string, value int64, ttl time.Duration) error {
	m.values.Set(key, value, ttl)
	return nil
}

func (m *MemoryStore) GetInt(_ context.Context, key string) (int64, bool, error) {
	raw, ok := m.values.Get(key)
	if !ok {
		return 0, false, nil
	}
	v, ok := raw.(int64)
	return v, ok, nil
}

func (m *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails while an unexpired item exists.
	return m.values.Add(key, int64(1), ttl) == nil, nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.values.Delete(key)
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.unref(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key, l)
		return nil, ctx.Err()
	}
}

func (m *MemoryStore) unref(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *MemoryStore) Close() error {
	m.values.Flush()
	return nil
}
