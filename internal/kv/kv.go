// Package kv is the device's durable key-value persistence port.
//
// Every client component (draft store, pending mutation queue, local read
// cache, watermark) receives a Store explicitly; none of them reaches for
// ambient global storage. The in-memory implementation backs tests; the
// SQLite implementation backs the CLI device.
//
// Values are opaque bytes. GetJSON and SetJSON add typed access on top.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is a durable key-value map.
//
// Get reports ok=false for a missing key; that is not an error.
// Remove of a missing key is a no-op.
// Keys returns the keys starting with prefix in ascending byte order.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON decodes the value at key into v. Returns ok=false without touching
// v if the key is missing.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
