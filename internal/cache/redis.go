package cache

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/dubebox/dubebox/internal/logging"
)

const defaultRetryBackoff = 50 * time.Millisecond

type RedisBackendOptions[K comparable] struct {
	RedisOptions      *redis.Options
	TTL               time.Duration
	Key               Key[K]
	KeyPrefix         string
	PubSub            bool
	PubSubChannelName string
	RetryBackoff      time.Duration
	ScanCount         int64
}

// RedisBackend is the authoritative store. The client dials lazily on the
// first command; transient transport failures are retried exactly once after
// a short constant backoff.
type RedisBackend[K comparable, V any] struct {
	Options      *RedisBackendOptions[K]
	Client       *redis.Client
	callbacks    []func(Event[K, V])
	callbacksMu  sync.RWMutex
	cancelPubSub context.CancelFunc
	pubSubWg     sync.WaitGroup
}

func NewRedisBackend[K comparable, V any](options *RedisBackendOptions[K]) (*RedisBackend[K, V], error) {
	if options.Key == nil {
		return nil, errors.New("Key is required")
	}

	client := redis.NewClient(options.RedisOptions)

	if err := redisotel.InstrumentTracing(client); err != nil {
		client.Close()
		return nil, err
	}

	if err := redisotel.InstrumentMetrics(client); err != nil {
		client.Close()
		return nil, err
	}

	if options.PubSub && options.PubSubChannelName == "" {
		client.Close()
		return nil, errors.New("PubSubChannelName is required when PubSub is enabled")
	}

	b := &RedisBackend[K, V]{
		Options: options,
		Client:  client,
	}

	if b.Options.PubSub {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancelPubSub = cancel

		b.pubSubWg.Add(1)
		go b.receiveEvents(ctx)
	}

	return b, nil
}

func (b *RedisBackend[K, V]) storageKey(key K) string {
	if b.Options.KeyPrefix == "" {
		return b.Options.Key.Marshal(key)
	}
	return b.Options.KeyPrefix + ":" + b.Options.Key.Marshal(key)
}

// retry runs op, retrying once on transient transport errors. Logical errors
// (missing keys, cancelled contexts) are surfaced immediately.
func (b *RedisBackend[K, V]) retry(ctx context.Context, op func() error) error {
	wait := b.Options.RetryBackoff
	if wait <= 0 {
		wait = defaultRetryBackoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), 1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF)
}

func (b *RedisBackend[K, V]) Get(ctx context.Context, key K) (*V, error) {
	var data []byte
	err := b.retry(ctx, func() error {
		var err error
		data, err = b.Client.Get(ctx, b.storageKey(key)).Bytes()
		return err
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var value V
	if err := msgpack.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	return &value, nil
}

func (b *RedisBackend[K, V]) TTL(ctx context.Context, key K) (time.Duration, error) {
	var ttl time.Duration
	err := b.retry(ctx, func() error {
		var err error
		ttl, err = b.Client.TTL(ctx, b.storageKey(key)).Result()
		return err
	})
	return ttl, err
}

func (b *RedisBackend[K, V]) Set(ctx context.Context, key K, value V) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}

	err = b.retry(ctx, func() error {
		return b.Client.Set(ctx, b.storageKey(key), data, b.Options.TTL).Err()
	})
	if err != nil {
		return err
	}

	if b.Options.PubSub {
		return b.PublishEvent(ctx, &Event[K, V]{
			Entry: &Entry[K, V]{
				Key:   key,
				Value: &value,
			},
			Type: EventSet,
		})
	}

	return nil
}

func (b *RedisBackend[K, V]) Remove(ctx context.Context, key K) error {
	var removed int64
	err := b.retry(ctx, func() error {
		var err error
		removed, err = b.Client.Del(ctx, b.storageKey(key)).Result()
		return err
	})
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}

	if b.Options.PubSub {
		return b.PublishEvent(ctx, &Event[K, V]{
			Entry: &Entry[K, V]{
				Key: key,
			},
			Type: EventRemove,
		})
	}

	return nil
}

func (b *RedisBackend[K, V]) RemovePrefix(ctx context.Context, keyPrefix string) error {
	keys, err := b.fetchKeysWithPrefix(ctx, keyPrefix)
	if err != nil {
		return err
	}

	var errs []error
	for i := 0; i < len(keys); i += 1000 {
		end := i + 1000
		if end > len(keys) {
			end = len(keys)
		}

		batchKeys := make([]string, end-i)
		for j, key := range keys[i:end] {
			batchKeys[j] = b.storageKey(key)
		}

		err := b.retry(ctx, func() error {
			return b.Client.Del(ctx, batchKeys...).Err()
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	if b.Options.PubSub {
		return b.PublishEvent(ctx, &Event[K, V]{
			Type:      EventRemovePrefix,
			KeyPrefix: keyPrefix,
		})
	}

	return nil
}

func (b *RedisBackend[K, V]) Contains(ctx context.Context, key K) (bool, error) {
	var count int64
	err := b.retry(ctx, func() error {
		var err error
		count, err = b.Client.Exists(ctx, b.storageKey(key)).Result()
		return err
	})
	return count == 1, err
}

func (b *RedisBackend[K, V]) Load(ctx context.Context) ([]Entry[K, V], error) {
	data, err := b.fetchEntriesWithPrefix(ctx, "", 100)
	if err != nil {
		return nil, err
	}

	var entries []Entry[K, V]
	for key, value := range data {
		value := value
		entries = append(entries, Entry[K, V]{
			Key:   key,
			Value: &value,
		})
	}

	return entries, nil
}

func (b *RedisBackend[K, V]) Ping(ctx context.Context) error {
	return b.retry(ctx, func() error {
		return b.Client.Ping(ctx).Err()
	})
}

func (b *RedisBackend[K, V]) AddCallback(callback func(Event[K, V])) {
	b.callbacksMu.Lock()
	defer b.callbacksMu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

func (b *RedisBackend[K, V]) PublishEvent(ctx context.Context, event *Event[K, V]) error {
	data, err := msgpack.Marshal(event)
	if err != nil {
		return err
	}

	return b.retry(ctx, func() error {
		return b.Client.Publish(ctx, b.Options.PubSubChannelName, data).Err()
	})
}

// receiveEvents subscribes to the event channel and dispatches incoming
// events to registered callbacks, reconnecting with exponential backoff.
func (b *RedisBackend[K, V]) receiveEvents(ctx context.Context) {
	defer b.pubSubWg.Done()
	wait := 100 * time.Millisecond
	maxWait := 10 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.Client.Subscribe(ctx, b.Options.PubSubChannelName)
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					pubsub.Close()
					return
				}
				logging.Warn("Event subscription lost, reconnecting", zap.Error(err))
				break
			}

			wait = 100 * time.Millisecond

			var event Event[K, V]
			if err := msgpack.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logging.Warn("Dropping undecodable cache event", zap.Error(err))
				continue
			}

			b.callbacksMu.RLock()
			for _, callback := range b.callbacks {
				callback(event)
			}
			b.callbacksMu.RUnlock()
		}
		pubsub.Close()

		select {
		case <-time.After(wait):
			if wait < maxWait {
				wait *= 2
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBackend[K, V]) Close() error {
	if b.cancelPubSub != nil {
		b.cancelPubSub()
	}
	// Close client to unblock any TCP reads in the PubSub goroutine,
	// then wait for the goroutine to finish.
	err := b.Client.Close()
	b.pubSubWg.Wait()
	return err
}
