package cache

import (
	"container/list"
	"sync"
)

// Entry is the dump format of one cached pair.
type Entry[V any] struct {
	Key   string `json:"key"`
	Value V      `json:"value"`
}

// SizeFunc returns the approximate size of an entry in bytes.
type SizeFunc[V any] func(key string, value V) int64

// LRU is a least-recently-used cache bounded by the summed size of its
// entries. Without a SizeFunc every entry weighs 1, so the bound is an
// entry count. It is safe for concurrent use.
type LRU[V any] struct {
	mu       sync.Mutex
	maxSize  int64
	size     int64
	sizeOf   SizeFunc[V]
	ll       *list.List
	items    map[string]*list.Element
	onChange func()
}

type lruItem[V any] struct {
	key   string
	value V
	size  int64
}

// NewLRU creates a cache holding at most maxSize worth of entries.
func NewLRU[V any](maxSize int64, sizeOf SizeFunc[V]) *LRU[V] {
	if sizeOf == nil {
		sizeOf = func(string, V) int64 { return 1 }
	}
	return &LRU[V]{
		maxSize: maxSize,
		sizeOf:  sizeOf,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

// OnChange registers a callback fired after every write.
func (c *LRU[V]) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruItem[V]).value, true
}

// Has reports presence without touching recency.
func (c *LRU[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Set inserts or replaces key. Entries larger than the whole budget are
// dropped.
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	c.set(key, value)
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (c *LRU[V]) set(key string, value V) {
	size := c.sizeOf(key, value)
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if size > c.maxSize {
		return
	}

	el := c.ll.PushFront(&lruItem[V]{key: key, value: value, size: size})
	c.items[key] = el
	c.size += size

	for c.size > c.maxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}
}

func (c *LRU[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

func (c *LRU[V]) removeElement(el *list.Element) {
	item := c.ll.Remove(el).(*lruItem[V])
	delete(c.items, item.key)
	c.size -= item.size
}

func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Size returns the summed size of the entries.
func (c *LRU[V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *LRU[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
}

// Dump returns the entries, most recently used first.
func (c *LRU[V]) Dump() []Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry[V], 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		item := el.Value.(*lruItem[V])
		out = append(out, Entry[V]{Key: item.key, Value: item.value})
	}
	return out
}

// Load inserts dumped entries, keeping their recency order.
func (c *LRU[V]) Load(entries []Entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(entries) - 1; i >= 0; i-- {
		c.set(entries[i].Key, entries[i].Value)
	}
}
