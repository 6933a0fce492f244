// Package kvstore provides a TTL-capable key-value store with per-key
// revisions, used by the fast memory tiers and the agent state repository.
//
// Backends:
//   - MemoryStore: in-process, for tests and single-node use
//   - NATSStore: NATS JetStream KV bucket, shared across nodes
//   - SQLiteStore: embedded SQLite file via modernc.org/sqlite
//
// Every write bumps the key's revision. CompareAndSwap only succeeds when the
// caller holds the current revision, which gives optimistic concurrency to
// everything layered on top (see Update, PushFront, Increment).
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrConflict is returned when a compare-and-swap saw a different revision.
	ErrConflict = errors.New("kvstore: revision conflict")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kvstore: store closed")

	// ErrNoChange lets an Update callback skip the write.
	ErrNoChange = errors.New("kvstore: no change")
)

// Entry is a stored value with its revision.
type Entry struct {
	Key       string
	Value     []byte
	Revision  uint64
	ExpiresAt time.Time // zero means no expiry
}

// Store is the backend contract.
//
// A ttl <= 0 stores the key without expiry. Expired keys behave exactly like
// absent keys, including for CompareAndSwap with expected revision 0.
type Store interface {
	// Get returns the live entry or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put writes unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)

	// CompareAndSwap writes only if the current revision equals expected.
	// expected == 0 means the key must not exist.
	CompareAndSwap(ctx context.Context, key string, value []byte, expected uint64, ttl time.Duration) (uint64, error)

	// Expire resets the TTL of a live key. It may change the revision.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	Close() error
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, expiresAt time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
