package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// GetOrFetch is the typed read path used by screen-layer consumers. Values
// are encoded as CBOR in the cache; the type parameter drives decoding on
// the way out.
func GetOrFetch[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	raw, err := m.GetOrFetch(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return cbor.Marshal(v)
	}, ttl)
	if err != nil {
		return zero, err
	}

	var out T
	if err := cbor.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return out, nil
}

// Put is the typed counterpart of Manager.Set.
func Put[T any](m *Manager, key string, value T, ttl time.Duration) error {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return m.Set(key, raw, ttl)
}
