package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity bounds the local tier when no capacity is configured.
const DefaultCapacity = 10000

// Options passed to NewLocal
//
// TTL: Time to live for each entry. Set to 0 to disable expiration
// Capacity: Maximum number of entries. Defaults to DefaultCapacity
type LocalOptions[K comparable] struct {
	TTL      time.Duration
	Capacity int
	Key      Key[K]
}

// Local is the bounded in-memory LRU tier. Both Get and Set refresh the
// recency of an entry; when an insert exceeds capacity the least-recently-used
// entry is dropped first.
type Local[K comparable, V any] struct {
	Options   *LocalOptions[K]
	lru       *expirable.LRU[string, *Entry[K, V]]
	mu        sync.Mutex // RemovePrefix atomicity
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func NewLocal[K comparable, V any](options *LocalOptions[K]) *Local[K, V] {
	if options.Key == nil {
		panic("Key must be provided")
	}
	if options.Capacity <= 0 {
		options.Capacity = DefaultCapacity
	}
	c := &Local[K, V]{
		Options: options,
	}
	c.lru = expirable.NewLRU[string, *Entry[K, V]](options.Capacity, func(key string, value *Entry[K, V]) {
		c.evictions.Add(1)
	}, options.TTL)
	return c
}

func (c *Local[K, V]) Get(key K) (*V, bool) {
	entry, ok := c.lru.Get(c.Options.Key.Marshal(key))
	if !ok || entry == nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.Value, true
}

func (c *Local[K, V]) Set(key K, value V) bool {
	return c.lru.Add(c.Options.Key.Marshal(key), &Entry[K, V]{
		Key:   key,
		Value: &value,
	})
}

func (c *Local[K, V]) Remove(key K) bool {
	return c.lru.Remove(c.Options.Key.Marshal(key))
}

func (c *Local[K, V]) Contains(key K) bool {
	return c.lru.Contains(c.Options.Key.Marshal(key))
}

// RemovePrefix drops every entry whose storage key starts with prefix.
func (c *Local[K, V]) RemovePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

func (c *Local[K, V]) Purge() {
	c.lru.Purge()
}

func (c *Local[K, V]) Len() int {
	return c.lru.Len()
}

// Entries returns a snapshot of the tier without touching recency order.
func (c *Local[K, V]) Entries() []Entry[K, V] {
	values := c.lru.Values()
	entries := make([]Entry[K, V], 0, len(values))
	for _, entry := range values {
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries
}

func (c *Local[K, V]) Stats() Stats {
	return Stats{
		Size:      c.lru.Len(),
		Capacity:  c.Options.Capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
