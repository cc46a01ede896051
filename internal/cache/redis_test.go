package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/vmihailenco/msgpack/v5"
)

func unmarshalTestData[K any](t *testing.T, data string) K {
	var value K
	err := msgpack.Unmarshal([]byte(data), &value)
	assert.Nil(t, err)
	return value
}

func marshalTestData(t *testing.T, item any) []byte {
	data, err := msgpack.Marshal(item)
	assert.Nil(t, err)
	return data
}

func newTestBackend(t *testing.T, s *miniredis.Miniredis) *RedisBackend[string, string] {
	backend, err := NewRedisBackend[string, string](&RedisBackendOptions[string]{
		RedisOptions: &redis.Options{
			Addr: s.Addr(),
		},
		KeyPrefix: "test",
		TTL:       0,
		Key:       &StringKey{},
	})
	assert.Nil(t, err)
	return backend
}

func TestRedisBackend(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	backend := newTestBackend(t, s)
	defer backend.Close()

	ctx := context.Background()

	err := backend.Set(ctx, "foo", "bar")
	assert.Nil(t, err)

	ok, err := backend.Contains(ctx, "foo")
	assert.Nil(t, err)
	assert.True(t, ok)

	value, err := backend.Get(ctx, "foo")
	assert.Nil(t, err)
	assert.Equal(t, "bar", *value)

	redisValue, err := s.Get("test:foo")
	assert.Nil(t, err)
	assert.Equal(t, "bar", unmarshalTestData[string](t, redisValue))
}

func TestRedisBackendMiss(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	backend := newTestBackend(t, s)
	defer backend.Close()

	ctx := context.Background()

	value, err := backend.Get(ctx, "missing")
	assert.Nil(t, value)
	assert.True(t, errors.Is(err, ErrNotFound))

	ok, err := backend.Contains(ctx, "missing")
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestRedisBackendRemove(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	backend := newTestBackend(t, s)
	defer backend.Close()

	ctx := context.Background()

	err := backend.Set(ctx, "foo", "bar")
	assert.Nil(t, err)

	err = backend.Remove(ctx, "foo")
	assert.Nil(t, err)
	assert.False(t, s.Exists("test:foo"))

	err = backend.Remove(ctx, "foo")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRedisBackendUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	backend, err := NewRedisBackend[string, string](&RedisBackendOptions[string]{
		RedisOptions: &redis.Options{
			Addr: addr,
		},
		Key:          &StringKey{},
		RetryBackoff: time.Millisecond,
	})
	assert.Nil(t, err)
	defer backend.Close()

	ctx := context.Background()

	// The failure must surface as an error, not as a miss
	value, err := backend.Get(ctx, "foo")
	assert.Nil(t, value)
	assert.NotNil(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	err = backend.Set(ctx, "foo", "bar")
	assert.NotNil(t, err)

	err = backend.Ping(ctx)
	assert.NotNil(t, err)

	err = backend.RemovePrefix(ctx, "foo")
	assert.NotNil(t, err)

	_, err = backend.Load(ctx)
	assert.NotNil(t, err)

	_, err = backend.Contains(ctx, "foo")
	assert.NotNil(t, err)
}

// newOfflineBackend builds a backend whose client never dials, for exercising
// the retry wrapper in isolation.
func newOfflineBackend(t *testing.T) *RedisBackend[string, string] {
	backend, err := NewRedisBackend[string, string](&RedisBackendOptions[string]{
		RedisOptions: &redis.Options{
			Addr: "localhost:6379",
		},
		Key:          &StringKey{},
		RetryBackoff: time.Millisecond,
	})
	assert.Nil(t, err)
	return backend
}

func TestRetryTransientThenSuccess(t *testing.T) {
	backend := newOfflineBackend(t)
	defer backend.Close()

	attempts := 0
	err := backend.retry(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return syscall.ECONNREFUSED
		}
		return nil
	})

	// A connection refused on the first attempt is absorbed by the single retry
	assert.Nil(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryNotFoundNotRetried(t *testing.T) {
	backend := newOfflineBackend(t)
	defer backend.Close()

	attempts := 0
	err := backend.retry(context.Background(), func() error {
		attempts++
		return redis.Nil
	})

	assert.True(t, errors.Is(err, redis.Nil))
	assert.Equal(t, 1, attempts)
}

func TestRetryGivesUpAfterOneRetry(t *testing.T) {
	backend := newOfflineBackend(t)
	defer backend.Close()

	attempts := 0
	err := backend.retry(context.Background(), func() error {
		attempts++
		return syscall.ECONNREFUSED
	})

	assert.True(t, errors.Is(err, syscall.ECONNREFUSED))
	assert.Equal(t, 2, attempts)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(redis.Nil))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(context.DeadlineExceeded))
	assert.True(t, isTransient(syscall.ECONNREFUSED))
	assert.True(t, isTransient(syscall.ECONNRESET))
	assert.True(t, isTransient(io.EOF))
	assert.False(t, isTransient(errors.New("WRONGTYPE Operation against a key")))
}

func TestRedisBackendPing(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	backend := newTestBackend(t, s)
	defer backend.Close()

	assert.Nil(t, backend.Ping(context.Background()))
}

func TestRedisBackendLoad(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	s.Set("test:foo", string(marshalTestData(t, "bar")))
	s.Set("test:fizz", string(marshalTestData(t, "buzz")))

	backend := newTestBackend(t, s)
	defer backend.Close()

	entries, err := backend.Load(context.Background())
	assert.Nil(t, err)
	assert.Len(t, entries, 2)

	loaded := make(map[string]string)
	for _, entry := range entries {
		loaded[entry.Key] = *entry.Value
	}
	assert.Equal(t, map[string]string{"foo": "bar", "fizz": "buzz"}, loaded)
}

func TestRedisBackendPubSub(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	ctx := context.Background()

	lock := &sync.Mutex{}

	addCallback := func(b *RedisBackend[string, string], items map[string]string) {
		b.AddCallback(func(event Event[string, string]) {
			lock.Lock()
			if event.Type == EventSet {
				items[event.Entry.Key] = *event.Entry.Value
			} else if event.Type == EventRemove {
				delete(items, event.Entry.Key)
			}
			lock.Unlock()
		})
	}

	newPubSubBackend := func() *RedisBackend[string, string] {
		backend, err := NewRedisBackend[string, string](&RedisBackendOptions[string]{
			RedisOptions: &redis.Options{
				Addr: s.Addr(),
			},
			KeyPrefix:         "test",
			PubSub:            true,
			PubSubChannelName: "pubsub",
			TTL:               0,
			Key:               &StringKey{},
		})
		assert.Nil(t, err)
		return backend
	}

	localItemsOne := make(map[string]string)
	localItemsTwo := make(map[string]string)

	backendOne := newPubSubBackend()
	defer backendOne.Close()
	addCallback(backendOne, localItemsOne)

	backendTwo := newPubSubBackend()
	defer backendTwo.Close()
	addCallback(backendTwo, localItemsTwo)

	err := backendOne.Set(ctx, "foo", "bar")
	assert.Nil(t, err)

	time.Sleep(10 * time.Millisecond)

	lock.Lock()
	localItemsTwoValue, ok := localItemsTwo["foo"]
	lock.Unlock()
	assert.True(t, ok)
	assert.Equal(t, "bar", localItemsTwoValue)

	err = backendTwo.Set(ctx, "fizz", "buzz")
	assert.Nil(t, err)

	time.Sleep(10 * time.Millisecond)

	lock.Lock()
	localItemsOneValue, ok := localItemsOne["fizz"]
	lock.Unlock()
	assert.True(t, ok)
	assert.Equal(t, "buzz", localItemsOneValue)
}

func TestRedisBackendRemovePrefix(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	backend := newTestBackend(t, s)
	defer backend.Close()

	ctx := context.Background()

	err := backend.Set(ctx, "foo:fizz", "bar")
	assert.Nil(t, err)
	err = backend.Set(ctx, "foo:buzz", "fizz")
	assert.Nil(t, err)
	err = backend.Set(ctx, "bar:fizz", "buzz")
	assert.Nil(t, err)
	err = backend.Set(ctx, "bar:buzz", "foo")
	assert.Nil(t, err)
	assert.Equal(t, 4, len(s.Keys()))

	err = backend.RemovePrefix(ctx, "foo")
	assert.Nil(t, err)
	assert.Equal(t, 2, len(s.Keys()))
	assert.False(t, s.Exists("test:foo:fizz"))
	assert.False(t, s.Exists("test:foo:buzz"))

	err = backend.RemovePrefix(ctx, "bar")
	assert.Nil(t, err)
	assert.Equal(t, 0, len(s.Keys()))
}

func TestRedisBackendNoPrefix(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	backend, err := NewRedisBackend[string, string](&RedisBackendOptions[string]{
		RedisOptions: &redis.Options{
			Addr: s.Addr(),
		},
		Key: &StringKey{},
	})
	assert.Nil(t, err)
	defer backend.Close()

	ctx := context.Background()

	err = backend.Set(ctx, "foo", "bar")
	assert.Nil(t, err)

	// Keys land in Redis unprefixed
	redisValue, err := s.Get("foo")
	assert.Nil(t, err)
	assert.Equal(t, "bar", unmarshalTestData[string](t, redisValue))

	entries, err := backend.Load(ctx)
	assert.Nil(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "foo", entries[0].Key)
}
