package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put then get", func(t *testing.T) {
		s := newStore(t)
		rev, err := s.Put(ctx, "wm:sess-1", []byte("hello"), 0)
		require.NoError(t, err)
		assert.NotZero(t, rev)

		e, err := s.Get(ctx, "wm:sess-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), e.Value)
		assert.Equal(t, rev, e.Revision)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		rev1, err := s.CompareAndSwap(ctx, "state:a", []byte("v1"), 0, 0)
		require.NoError(t, err)

		_, err = s.CompareAndSwap(ctx, "state:a", []byte("again"), 0, 0)
		assert.ErrorIs(t, err, ErrConflict, "create must fail when key exists")

		rev2, err := s.CompareAndSwap(ctx, "state:a", []byte("v2"), rev1, 0)
		require.NoError(t, err)
		assert.NotEqual(t, rev1, rev2)

		_, err = s.CompareAndSwap(ctx, "state:a", []byte("stale"), rev1, 0)
		assert.ErrorIs(t, err, ErrConflict)

		e, err := s.Get(ctx, "state:a")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), e.Value)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, "sm:short", []byte("x"), 50*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(150 * time.Millisecond)
		_, err = s.Get(ctx, "sm:short")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.CompareAndSwap(ctx, "sm:short", []byte("fresh"), 0, 0)
		assert.NoError(t, err, "an expired key counts as absent")
	})

	t.Run("expire refreshes ttl", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, "k", []byte("x"), 0)
		require.NoError(t, err)
		require.NoError(t, s.Expire(ctx, "k", 50*time.Millisecond))
		time.Sleep(150 * time.Millisecond)
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.Expire(ctx, "never", time.Second), ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, "k", []byte("x"), 0)
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"))
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := Increment(ctx, s, "patterns:u1", "error:oom", 1, 0)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		var counts map[string]float64
		_, err := GetJSON(ctx, s, "patterns:u1", &counts)
		require.NoError(t, err)
		assert.Equal(t, 6.0, counts["error:oom"])
	})

	t.Run("push front caps the list", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			item, _ := json.Marshal(fmt.Sprintf("item-%d", i))
			require.NoError(t, PushFront(ctx, s, "list", item, 3, time.Minute))
		}
		list, err := List(ctx, s, "list", 0)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.JSONEq(t, `"item-4"`, string(list[0]))
		assert.JSONEq(t, `"item-2"`, string(list[2]))
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
