package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultBlockPrefix is the key prefix for block records.
const DefaultBlockPrefix = "blocked:"

// BlockRecord tracks one temporary block. ExpiresAt zero = never expires.
type BlockRecord struct {
	Identifier string    `msgpack:"ip"`
	RuleID     string    `msgpack:"rule_id"`
	Severity   string    `msgpack:"severity"`
	ExpiresAt  time.Time `msgpack:"expires_at"`
}

// Expired reports whether the record's expiry lies strictly before now.
func (r BlockRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Blocks is the typed block-record view over a Store. Every record lives under
// prefix+identifier.
type Blocks struct {
	store  Store
	prefix string
}

// NewBlocks wraps store. An empty prefix falls back to DefaultBlockPrefix.
func NewBlocks(store Store, prefix string) *Blocks {
	if prefix == "" {
		prefix = DefaultBlockPrefix
	}
	return &Blocks{store: store, prefix: prefix}
}

// Key returns the store key for identifier.
func (b *Blocks) Key(identifier string) string {
	return b.prefix + identifier
}

// Identifier strips the block prefix from a store key.
func (b *Blocks) Identifier(key string) string {
	return strings.TrimPrefix(key, b.prefix)
}

// Save writes rec under its identifier's key.
func (b *Blocks) Save(ctx context.Context, rec BlockRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, b.Key(rec.Identifier), data)
}

// Load returns the record for identifier, or nil if none is stored.
func (b *Blocks) Load(ctx context.Context, identifier string) (*BlockRecord, error) {
	return b.LoadKey(ctx, b.Key(identifier))
}

// LoadKey returns the record stored at key, or nil if the key is absent.
func (b *Blocks) LoadKey(ctx context.Context, key string) (*BlockRecord, error) {
	raw, err := b.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	rec, err := DecodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

// Remove deletes the record for identifier. Deleting an absent key is not an error.
func (b *Blocks) Remove(ctx context.Context, identifier string) error {
	return b.store.Delete(ctx, b.Key(identifier))
}

// RemoveKey deletes the record at key.
func (b *Blocks) RemoveKey(ctx context.Context, key string) error {
	return b.store.Delete(ctx, key)
}

// Keys lists every block-record key in ascending order.
func (b *Blocks) Keys(ctx context.Context) ([]string, error) {
	return b.store.List(ctx, b.prefix)
}

// EncodeRecord serialises rec with msgpack. Times are stored in UTC.
func EncodeRecord(rec BlockRecord) ([]byte, error) {
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal BlockRecord: %w", err)
	}
	return data, nil
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte) (BlockRecord, error) {
	var rec BlockRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return BlockRecord{}, fmt.Errorf("unmarshal BlockRecord: %w", err)
	}
	return rec, nil
}
