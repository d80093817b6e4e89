package storage

import (
	"context"
)

// Store is the key-value persistence interface used for block records.
// Get returns (nil, nil) when the key is absent.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix, in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
