package cache

import (
	"context"
	"errors"
)

// ErrNotFound signals that a key is absent from a tier. A miss is a normal
// outcome, not a failure, and is never cached.
var ErrNotFound = errors.New("cache: key not found")

type Entry[K comparable, V any] struct {
	Key   K
	Value *V
}

type EventType int

const (
	EventSet EventType = iota
	EventRemove
	EventRemovePrefix
)

// Event describes a mutation of the authoritative store. Backends that
// support it fan events out to all instances so their local tiers stay
// coherent.
type Event[K comparable, V any] struct {
	Entry     *Entry[K, V]
	Type      EventType
	KeyPrefix string
}

// StorageBackend is the authoritative key-value store behind the local tier.
// Implementations connect lazily and retry transient transport failures once;
// logical errors (ErrNotFound, codec errors, cancelled contexts) are returned
// as-is.
type StorageBackend[K comparable, V any] interface {
	Get(ctx context.Context, key K) (*V, error)
	Set(ctx context.Context, key K, value V) error
	Remove(ctx context.Context, key K) error
	RemovePrefix(ctx context.Context, prefix string) error
	Contains(ctx context.Context, key K) (bool, error)
	Load(ctx context.Context) ([]Entry[K, V], error)
	Ping(ctx context.Context) error
	AddCallback(func(Event[K, V]))
	Close() error
}

type Stats struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}
