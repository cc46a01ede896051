package cache

import (
	"context"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/dubebox/dubebox/internal/logging"
)

func (b *RedisBackend[K, V]) scanCount() int64 {
	if b.Options.ScanCount <= 0 {
		return 100
	}
	return b.Options.ScanCount
}

func (b *RedisBackend[K, V]) keyPattern(prefix string) string {
	if b.Options.KeyPrefix == "" {
		return prefix + "*"
	}
	return b.Options.KeyPrefix + ":" + prefix + "*"
}

func (b *RedisBackend[K, V]) trimStorageKey(key string) string {
	if b.Options.KeyPrefix == "" {
		return key
	}
	return strings.TrimPrefix(key, b.Options.KeyPrefix+":")
}

func (b *RedisBackend[K, V]) fetchValues(ctx context.Context, keys []string, resultsChan chan<- map[string]V, wg *sync.WaitGroup) {
	defer wg.Done()
	keyValues := make(map[string]V)
	for _, key := range keys {
		var value []byte
		err := b.retry(ctx, func() error {
			var err error
			value, err = b.Client.Get(ctx, key).Bytes()
			return err
		})
		if err != nil {
			logging.Warn("Error fetching value", zap.String("key", key), zap.Error(err))
			continue
		}

		var unmarshalledValue V
		if err := msgpack.Unmarshal(value, &unmarshalledValue); err != nil {
			logging.Warn("Error unmarshalling value", zap.String("key", key), zap.Error(err))
			continue
		}
		keyValues[key] = unmarshalledValue
	}
	resultsChan <- keyValues
}

func (b *RedisBackend[K, V]) fetchEntriesWithPrefix(ctx context.Context, prefix string, batchSize int) (map[K]V, error) {
	var cursor uint64
	var err error
	resultsChan := make(chan map[string]V)
	var wg sync.WaitGroup

	keyPattern := b.keyPattern(prefix)

	for {
		var scanKeys []string
		err = b.retry(ctx, func() error {
			var err error
			scanKeys, cursor, err = b.Client.Scan(ctx, cursor, keyPattern, b.scanCount()).Result()
			return err
		})
		if err != nil {
			close(resultsChan)
			return nil, err
		}

		// Process the keys in batches.
		for i := 0; i < len(scanKeys); i += batchSize {
			end := i + batchSize
			if end > len(scanKeys) {
				end = len(scanKeys)
			}
			wg.Add(1)
			go b.fetchValues(ctx, scanKeys[i:end], resultsChan, &wg)
		}

		if cursor == 0 {
			break
		}
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	keys := make(map[K]V)
	for keyMap := range resultsChan {
		for key, value := range keyMap {
			key = b.trimStorageKey(key)
			unmarshalledKey, err := b.Options.Key.Unmarshal(key)
			if err != nil {
				logging.Warn("Error unmarshalling key", zap.String("key", key), zap.Error(err))
				continue
			}

			keys[unmarshalledKey] = value
		}
	}

	return keys, nil
}

func (b *RedisBackend[K, V]) fetchKeysWithPrefix(ctx context.Context, prefix string) ([]K, error) {
	var cursor uint64
	var err error

	keyPattern := b.keyPattern(prefix)

	var stringKeys []string

	for {
		var scanKeys []string
		err = b.retry(ctx, func() error {
			var err error
			scanKeys, cursor, err = b.Client.Scan(ctx, cursor, keyPattern, b.scanCount()).Result()
			return err
		})
		if err != nil {
			return nil, err
		}

		stringKeys = append(stringKeys, scanKeys...)

		if cursor == 0 {
			break
		}
	}

	keys := []K{}

	for _, key := range stringKeys {
		key = b.trimStorageKey(key)
		unmarshalledKey, err := b.Options.Key.Unmarshal(key)
		if err != nil {
			logging.Warn("Error unmarshalling key", zap.String("key", key), zap.Error(err))
			continue
		}

		keys = append(keys, unmarshalledKey)
	}

	return keys, nil
}
