package core

import (
	"context"
	"errors"
)

var ErrKeyNotFound = errors.New("key not found")

// KeyValue is a namespaced string store backing session persistence.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists the keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
