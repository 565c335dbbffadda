package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNilValue is returned when storing a nil value.
	ErrNilValue = errors.New("cache: nil value")
)

// Backend is the physical cache tier used by batch operations and warming.
// A miss is reported as (nil, false, nil); errors are reserved for tier failures.
type Backend interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// MultiGetter is implemented by backends with a native multi-key read.
type MultiGetter interface {
	GetMultiple(ctx context.Context, keys []string) (map[string]any, error)
}

// PrefixDeleter is implemented by backends able to drop every key under a prefix.
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// StatsProvider is implemented by backends exposing operational counters.
type StatsProvider interface {
	Stats(ctx context.Context) map[string]any
}

// Decode converts a cached value into T. Values read back from remote tiers arrive as
// generic JSON (maps, slices, float64), so anything not already a T is re-marshalled.
func Decode[T any](v any) (T, error) {
	var out T
	if v == nil {
		return out, ErrNilValue
	}
	switch val := v.(type) {
	case T:
		return val, nil
	case *T:
		if val == nil {
			return out, ErrNilValue
		}
		return *val, nil
	case json.RawMessage:
		if err := json.Unmarshal(val, &out); err != nil {
			return out, fmt.Errorf("decode raw: %w", err)
		}
		return out, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("marshal %T: %w", v, err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("unmarshal into %T: %w", out, err)
	}
	return out, nil
}
