package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const lockStripes = 64

// keyLocks serializes same-key writes without a cache-wide lock. Backend I/O
// for different keys proceeds in parallel.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu
}

type WriteThroughOptions[K comparable, V any] struct {
	LocalTTL      time.Duration
	LocalCapacity int
	Key           Key[K]
	Backend       StorageBackend[K, V]
	Preload       bool
}

// WriteThrough composes the bounded local LRU tier with the authoritative
// storage backend. Writes go to the backend first and reach the local tier
// only after the backend accepted them; reads fall through to the backend on
// a local miss and fill the tier on the way back. Backend misses are not
// cached. When the backend publishes events, remote mutations are applied to
// the local tier as well.
type WriteThrough[K comparable, V any] struct {
	local   *Local[K, V]
	backend StorageBackend[K, V]
	key     Key[K]
	group   singleflight.Group
	locks   keyLocks
}

func NewWriteThrough[K comparable, V any](options *WriteThroughOptions[K, V]) (*WriteThrough[K, V], error) {
	if options.Key == nil {
		return nil, errors.New("Key is required")
	}
	if options.Backend == nil {
		return nil, errors.New("Backend is required")
	}

	c := &WriteThrough[K, V]{
		local: NewLocal[K, V](&LocalOptions[K]{
			TTL:      options.LocalTTL,
			Capacity: options.LocalCapacity,
			Key:      options.Key,
		}),
		backend: options.Backend,
		key:     options.Key,
	}

	c.backend.AddCallback(c.applyEvent)

	if options.Preload {
		entries, err := c.backend.Load(context.Background())
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Value != nil {
				c.local.Set(entry.Key, *entry.Value)
			}
		}
	}

	return c, nil
}

// applyEvent folds a remote mutation into the local tier.
func (c *WriteThrough[K, V]) applyEvent(event Event[K, V]) {
	switch event.Type {
	case EventSet:
		if event.Entry != nil && event.Entry.Value != nil {
			c.local.Set(event.Entry.Key, *event.Entry.Value)
		}
	case EventRemove:
		if event.Entry != nil {
			c.local.Remove(event.Entry.Key)
		}
	case EventRemovePrefix:
		c.local.RemovePrefix(event.KeyPrefix)
	}
}

// Get returns the value for key, consulting the local tier first. Concurrent
// misses for the same key are coalesced into a single backend fetch. A miss
// in both tiers returns ErrNotFound; backend errors propagate unchanged.
func (c *WriteThrough[K, V]) Get(ctx context.Context, key K) (*V, error) {
	if value, ok := c.local.Get(key); ok {
		return value, nil
	}

	storageKey := c.key.Marshal(key)
	result, err, _ := c.group.Do(storageKey, func() (interface{}, error) {
		value, err := c.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		// Fill add-if-absent under the key lock so a concurrent Set cannot
		// be clobbered by a stale read-through value.
		mu := c.locks.lock(storageKey)
		if !c.local.Contains(key) {
			c.local.Set(key, *value)
		}
		mu.Unlock()

		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*V), nil
}

// Set writes through to the backend, then updates the local tier. The local
// tier is left untouched when the backend rejects the write.
func (c *WriteThrough[K, V]) Set(ctx context.Context, key K, value V) error {
	mu := c.locks.lock(c.key.Marshal(key))
	defer mu.Unlock()

	if err := c.backend.Set(ctx, key, value); err != nil {
		return err
	}
	c.local.Set(key, value)
	return nil
}

// Remove deletes the key from the backend and the local tier. Returns
// ErrNotFound when the backend had no such key; the local tier is cleared
// either way.
func (c *WriteThrough[K, V]) Remove(ctx context.Context, key K) error {
	mu := c.locks.lock(c.key.Marshal(key))
	defer mu.Unlock()

	err := c.backend.Remove(ctx, key)
	c.local.Remove(key)
	return err
}

// Invalidate drops the key from the local tier only. The backend keeps its
// own state.
func (c *WriteThrough[K, V]) Invalidate(key K) {
	c.local.Remove(key)
}

func (c *WriteThrough[K, V]) RemovePrefix(ctx context.Context, prefix string) error {
	if err := c.backend.RemovePrefix(ctx, prefix); err != nil {
		return err
	}
	c.local.RemovePrefix(prefix)
	return nil
}

// Purge clears the local tier.
func (c *WriteThrough[K, V]) Purge() {
	c.local.Purge()
}

func (c *WriteThrough[K, V]) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

func (c *WriteThrough[K, V]) Stats() Stats {
	return c.local.Stats()
}

// Entries returns a snapshot of the local tier, oldest first.
func (c *WriteThrough[K, V]) Entries() []Entry[K, V] {
	return c.local.Entries()
}

func (c *WriteThrough[K, V]) Close() error {
	return c.backend.Close()
}
