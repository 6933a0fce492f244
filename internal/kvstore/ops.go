package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// maxUpdateAttempts bounds the optimistic retry loop in Update.
const maxUpdateAttempts = 8

// Update applies fn to the current value and writes the result with
// CompareAndSwap, retrying on conflict. fn receives nil when the key is
// absent. Returning ErrNoChange from fn skips the write.
func Update(ctx context.Context, s Store, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var (
			current []byte
			rev     uint64
		)
		e, err := s.Get(ctx, key)
		switch {
		case err == nil:
			current, rev = e.Value, e.Revision
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		next, err := fn(current)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = s.CompareAndSwap(ctx, key, next, rev, ttl)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrConflict, key, maxUpdateAttempts)
}

// PushFront prepends item to the JSON list at key, keeps at most limit
// entries and refreshes the TTL.
func PushFront(ctx context.Context, s Store, key string, item json.RawMessage, limit int, ttl time.Duration) error {
	return Update(ctx, s, key, ttl, func(current []byte) ([]byte, error) {
		var list []json.RawMessage
		if current != nil {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, fmt.Errorf("decoding list %s: %w", key, err)
			}
		}
		list = append([]json.RawMessage{item}, list...)
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		return json.Marshal(list)
	})
}

// List returns up to limit entries of the JSON list at key, front first.
// A missing key yields an empty list.
func List(ctx context.Context, s Store, key string, limit int) ([]json.RawMessage, error) {
	e, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []json.RawMessage
	if err := json.Unmarshal(e.Value, &list); err != nil {
		return nil, fmt.Errorf("decoding list %s: %w", key, err)
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Increment adds delta to field of the JSON number map at key and returns
// the new value.
func Increment(ctx context.Context, s Store, key, field string, delta float64, ttl time.Duration) (float64, error) {
	var result float64
	err := Update(ctx, s, key, ttl, func(current []byte) ([]byte, error) {
		counts := map[string]float64{}
		if current != nil {
			if err := json.Unmarshal(current, &counts); err != nil {
				return nil, fmt.Errorf("decoding counters %s: %w", key, err)
			}
		}
		counts[field] += delta
		result = counts[field]
		return json.Marshal(counts)
	})
	return result, err
}

// GetJSON decodes the value at key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) (uint64, error) {
	e, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return 0, fmt.Errorf("decoding %s: %w", key, err)
	}
	return e.Revision, nil
}
