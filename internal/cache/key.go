package cache

import (
	"fmt"
	"strconv"
)

// Key marshals typed cache keys to their storage form and back.
type Key[K comparable] interface {
	Marshal(K) string
	Unmarshal(string) (K, error)
}

type StringKey struct {
}

func (k *StringKey) Marshal(key string) string {
	return key
}

func (k *StringKey) Unmarshal(data string) (string, error) {
	return data, nil
}

type IntKey struct {
}

func (k *IntKey) Marshal(key int) string {
	return fmt.Sprintf("%d", key)
}

func (k *IntKey) Unmarshal(data string) (int, error) {
	return strconv.Atoi(data)
}
