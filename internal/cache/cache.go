package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TTLCache is an in-process read cache with explicit invalidation.
// Entries expire after the configured TTL. Writers invalidate the keys
// they touch.
type TTLCache[V any] struct {
	c *gocache.Cache
}

func New[V any](ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{c: gocache.New(ttl, 2*ttl)}
}

func (t *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := t.c.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

func (t *TTLCache[V]) Set(key string, value V) {
	t.c.SetDefault(key, value)
}

func (t *TTLCache[V]) Invalidate(key string) {
	t.c.Delete(key)
}

// InvalidatePrefix drops every entry whose key starts with prefix.
func (t *TTLCache[V]) InvalidatePrefix(prefix string) int {
	n := 0
	for key := range t.c.Items() {
		if strings.HasPrefix(key, prefix) {
			t.c.Delete(key)
			n++
		}
	}
	return n
}

func (t *TTLCache[V]) Len() int {
	return t.c.ItemCount()
}
