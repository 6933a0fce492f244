package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	revision   INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS kv_seq (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	seq INTEGER NOT NULL
);
INSERT OR IGNORE INTO kv_seq (id, seq) VALUES (1, 0);
`

// SQLiteStore keeps entries in a single SQLite table. Revisions come from a
// store-wide sequence, so a deleted and recreated key never reuses one.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// One connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.purgeExpired(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *SQLiteStore) purgeExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("purging expired keys: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		value []byte
		rev   int64
		exp   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, revision, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &rev, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	if expired(s.now(), fromNanos(exp)) {
		return nil, ErrNotFound
	}
	return &Entry{Key: key, Value: value, Revision: uint64(rev), ExpiresAt: fromNanos(exp)}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	var rev uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rev, err = s.upsert(ctx, tx, key, value, ttl)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite put %s: %w", key, err)
	}
	return rev, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, value []byte, expected uint64, ttl time.Duration) (uint64, error) {
	var rev uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current, exp int64
		err := tx.QueryRowContext(ctx,
			`SELECT revision, expires_at FROM kv WHERE key = ?`, key).Scan(&current, &exp)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = 0
		case err != nil:
			return err
		case expired(s.now(), fromNanos(exp)):
			current = 0
		}
		if uint64(current) != expected {
			return ErrConflict
		}
		rev, err = s.upsert(ctx, tx, key, value, ttl)
		return err
	})
	if errors.Is(err, ErrConflict) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite cas %s: %w", key, err)
	}
	return rev, nil
}

func (s *SQLiteStore) upsert(ctx context.Context, tx *sql.Tx, key string, value []byte, ttl time.Duration) (uint64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE kv_seq SET seq = seq + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM kv_seq WHERE id = 1`).Scan(&seq); err != nil {
		return 0, err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, revision, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = excluded.revision,
			expires_at = excluded.expires_at`,
		key, value, seq, unixNanos(expiryFor(s.now(), ttl)))
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = ? WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		unixNanos(expiryFor(now, ttl)), key, now.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite expire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite expire %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
