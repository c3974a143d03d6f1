package cache

import (
	"fmt"
	"sync"
)

// Registry owns the per-bot named caches. It replaces process-wide cache
// maps: one Registry is built at startup and handed to every consumer.
type Registry[V any] struct {
	mu      sync.Mutex
	caches  map[string]*LRU[V]
	maxSize int64
	sizeOf  SizeFunc[V]
}

func NewRegistry[V any](maxSize int64, sizeOf SizeFunc[V]) *Registry[V] {
	return &Registry[V]{
		caches:  make(map[string]*LRU[V]),
		maxSize: maxSize,
		sizeOf:  sizeOf,
	}
}

func registryKey(name, botID string) string {
	return fmt.Sprintf("%s.%s", botID, name)
}

// GetOrCreate returns the cache for name, creating it when missing.
func (r *Registry[V]) GetOrCreate(name, botID string) *LRU[V] {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(name, botID)
	c, ok := r.caches[key]
	if !ok {
		c = NewLRU(r.maxSize, r.sizeOf)
		r.caches[key] = c
	}
	return c
}

// LoadFromData restores a dump into the named cache, unless it already
// holds entries.
func (r *Registry[V]) LoadFromData(name, botID string, dump []Entry[V]) *LRU[V] {
	c := r.GetOrCreate(name, botID)
	if c.Len() == 0 {
		c.Load(dump)
	}
	return c
}

func (r *Registry[V]) Delete(name, botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caches, registryKey(name, botID))
}

// Copy clones the content of one named cache into another.
func (r *Registry[V]) Copy(from, to, botID string) {
	src := r.GetOrCreate(from, botID)
	dst := r.GetOrCreate(to, botID)
	dst.Load(src.Dump())
}
