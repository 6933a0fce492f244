package kvstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSStore keeps entries in a JetStream KV bucket.
//
// JetStream KV only supports a bucket-wide TTL, so each value is wrapped in
// an envelope carrying its own expiry. Keys are base64url-encoded because KV
// keys are restricted to [-/_=.a-zA-Z0-9].
type NATSStore struct {
	conn     *nats.Conn
	kv       nats.KeyValue
	ownsConn bool
	now      func() time.Time
}

type natsEnvelope struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix nanos, 0 = never
}

// NewNATSStore opens or creates the bucket on an existing connection.
func NewNATSStore(nc *nats.Conn, bucket string) (*NATSStore, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "troubleshootd memory tiers and agent state",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening kv bucket %s: %w", bucket, err)
	}

	return &NATSStore{conn: nc, kv: kv, now: time.Now}, nil
}

// ConnectNATS dials url and opens the bucket. Close also closes the connection.
func ConnectNATS(url, bucket string) (*NATSStore, error) {
	nc, err := nats.Connect(url, nats.Name("troubleshootd-kv"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	s, err := NewNATSStore(nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownsConn = true
	return s, nil
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *NATSStore) wrap(value []byte, ttl time.Duration) ([]byte, time.Time) {
	exp := expiryFor(s.now(), ttl)
	env := natsEnvelope{Value: value}
	if !exp.IsZero() {
		env.ExpiresAt = exp.UnixNano()
	}
	data, _ := json.Marshal(env)
	return data, exp
}

func (s *NATSStore) unwrap(data []byte) (natsEnvelope, time.Time, error) {
	var env natsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, time.Time{}, fmt.Errorf("decoding envelope: %w", err)
	}
	var exp time.Time
	if env.ExpiresAt != 0 {
		exp = time.Unix(0, env.ExpiresAt)
	}
	return env, exp, nil
}

func (s *NATSStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.kv.Get(encodeKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nats get %s: %w", key, err)
	}

	env, exp, err := s.unwrap(raw.Value())
	if err != nil {
		return nil, err
	}
	if expired(s.now(), exp) {
		return nil, ErrNotFound
	}
	return &Entry{Key: key, Value: env.Value, Revision: raw.Revision(), ExpiresAt: exp}, nil
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, _ := s.wrap(value, ttl)
	rev, err := s.kv.Put(encodeKey(key), data)
	if err != nil {
		return 0, fmt.Errorf("nats put %s: %w", key, err)
	}
	return rev, nil
}

func (s *NATSStore) CompareAndSwap(ctx context.Context, key string, value []byte, expected uint64, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	k := encodeKey(key)
	data, _ := s.wrap(value, ttl)

	if expected == 0 {
		rev, err := s.kv.Create(k, data)
		if err == nil {
			return rev, nil
		}
		if !isRevisionConflict(err) {
			return 0, fmt.Errorf("nats create %s: %w", key, err)
		}
		// An expired entry still occupies the key but counts as absent.
		raw, gerr := s.kv.Get(k)
		if gerr != nil {
			if errors.Is(gerr, nats.ErrKeyNotFound) {
				return 0, ErrConflict
			}
			return 0, fmt.Errorf("nats get %s: %w", key, gerr)
		}
		_, exp, uerr := s.unwrap(raw.Value())
		if uerr == nil && !expired(s.now(), exp) {
			return 0, ErrConflict
		}
		expected = raw.Revision()
	}

	rev, err := s.kv.Update(k, data, expected)
	if err != nil {
		if isRevisionConflict(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("nats update %s: %w", key, err)
	}
	return rev, nil
}

func (s *NATSStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	e, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	data, _ := s.wrap(e.Value, ttl)
	if _, err := s.kv.Update(encodeKey(key), data, e.Revision); err != nil {
		if isRevisionConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("nats expire %s: %w", key, err)
	}
	return nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(encodeKey(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("nats delete %s: %w", key, err)
	}
	return nil
}

func (s *NATSStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.conn.IsConnected() {
		return fmt.Errorf("nats: not connected (status %s)", s.conn.Status())
	}
	if _, err := s.kv.Status(); err != nil {
		return fmt.Errorf("nats kv status: %w", err)
	}
	return nil
}

func (s *NATSStore) Close() error {
	if s.ownsConn {
		s.conn.Close()
	}
	return nil
}

// isRevisionConflict reports whether err is JetStream's wrong-last-sequence
// rejection of a conditional write.
func isRevisionConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return false
}
