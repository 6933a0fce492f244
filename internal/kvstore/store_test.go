package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestNATSStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		nc := startJetStream(t)
		s, err := NewNATSStore(nc, "troubleshootd_test")
		require.NoError(t, err)
		return s
	})
}

func startJetStream(t *testing.T) *nats.Conn {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestMemoryStore_ClockDrivenExpiry(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := NewMemoryStore(WithClock(clock))
	ctx := context.Background()

	_, err := s.Put(ctx, "sm:s1", []byte("summary"), 24*time.Hour)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(23 * time.Hour)
	mu.Unlock()
	e, err := s.Get(ctx, "sm:s1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), e.ExpiresAt)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	_, err = s.Get(ctx, "sm:s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Put(ctx, "k", nil, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrClosed)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	_, err := s.Put(ctx, "k", buf, 0)
	require.NoError(t, err)
	buf[0] = 'z'

	e, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(e.Value))
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("no change skips the write", func(t *testing.T) {
		s := NewMemoryStore()
		rev, err := s.Put(ctx, "k", []byte("v"), 0)
		require.NoError(t, err)

		err = Update(ctx, s, "k", 0, func([]byte) ([]byte, error) { return nil, ErrNoChange })
		require.NoError(t, err)

		e, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, rev, e.Revision)
	})

	t.Run("fn error aborts", func(t *testing.T) {
		s := NewMemoryStore()
		boom := errors.New("boom")
		err := Update(ctx, s, "k", 0, func([]byte) ([]byte, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("absent key passes nil", func(t *testing.T) {
		s := NewMemoryStore()
		var seen []byte = []byte("sentinel")
		err := Update(ctx, s, "k", 0, func(cur []byte) ([]byte, error) {
			seen = cur
			return []byte("first"), nil
		})
		require.NoError(t, err)
		assert.Nil(t, seen)
	})

	t.Run("gives up after persistent conflicts", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.Put(ctx, "k", []byte("0"), 0)
		require.NoError(t, err)

		err = Update(ctx, s, "k", 0, func(cur []byte) ([]byte, error) {
			// Another writer always lands first.
			_, perr := s.Put(ctx, "k", []byte("other"), 0)
			require.NoError(t, perr)
			return []byte("mine"), nil
		})
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestList_MissingKey(t *testing.T) {
	list, err := List(context.Background(), NewMemoryStore(), "nothing", 5)
	require.NoError(t, err)
	assert.Empty(t, list)
}
