package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/troubleshootd/internal/kvstore"
	"github.com/fyrsmithlabs/troubleshootd/internal/secrets"
)

// SessionMemory keeps insights keyed by id for the lifetime of a session.
type SessionMemory struct {
	store     kvstore.Store
	sanitizer secrets.Sanitizer
	ttl       time.Duration
	now       func() time.Time
}

// NewSessionMemory creates a session tier whose entries expire after ttl of
// inactivity.
func NewSessionMemory(store kvstore.Store, sanitizer secrets.Sanitizer, ttl time.Duration) (*SessionMemory, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if sanitizer == nil {
		sanitizer = secrets.Noop{}
	}
	return &SessionMemory{store: store, sanitizer: sanitizer, ttl: ttl, now: time.Now}, nil
}

func sessionKey(sessionID string) string { return "si:" + sessionID }

type insightMap map[string]SessionInsight

func decodeInsights(raw []byte) (insightMap, error) {
	m := insightMap{}
	if raw == nil {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding insights: %w", err)
	}
	return m, nil
}

// StoreInsight inserts or replaces an insight. Replacing keeps the stored
// metadata and merges in any new keys.
func (s *SessionMemory) StoreInsight(ctx context.Context, sessionID string, insight SessionInsight) error {
	ctx, span := tracer.Start(ctx, "SessionMemory.StoreInsight")
	defer span.End()

	if insight.ID == "" {
		return fmt.Errorf("insight id is required")
	}
	if insight.Timestamp.IsZero() {
		insight.Timestamp = s.now()
	}
	insight.Payload = s.sanitizer.Sanitize(insight.Payload)

	err := kvstore.Update(ctx, s.store, sessionKey(sessionID), s.ttl, func(cur []byte) ([]byte, error) {
		m, err := decodeInsights(cur)
		if err != nil {
			return nil, err
		}
		if prev, ok := m[insight.ID]; ok {
			merged := make(map[string]string, len(prev.Metadata)+len(insight.Metadata))
			for k, v := range insight.Metadata {
				merged[k] = v
			}
			for k, v := range prev.Metadata {
				merged[k] = v
			}
			insight.Metadata = merged
		}
		m[insight.ID] = insight
		return json.Marshal(m)
	})
	if err != nil {
		span.RecordError(err)
		return tierError(TierSession, "store_insight", err)
	}
	return nil
}

// GetInsights returns every insight, newest first, ties by id.
func (s *SessionMemory) GetInsights(ctx context.Context, sessionID string) ([]SessionInsight, error) {
	ctx, span := tracer.Start(ctx, "SessionMemory.GetInsights")
	defer span.End()

	e, err := s.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, tierError(TierSession, "get_insights", err)
	}
	m, err := decodeInsights(e.Value)
	if err != nil {
		return nil, tierError(TierSession, "get_insights", err)
	}

	out := make([]SessionInsight, 0, len(m))
	for _, in := range m {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateMetadata merges fields into an existing insight's metadata.
func (s *SessionMemory) UpdateMetadata(ctx context.Context, sessionID, insightID string, fields map[string]string) error {
	ctx, span := tracer.Start(ctx, "SessionMemory.UpdateMetadata")
	defer span.End()

	err := kvstore.Update(ctx, s.store, sessionKey(sessionID), s.ttl, func(cur []byte) ([]byte, error) {
		m, err := decodeInsights(cur)
		if err != nil {
			return nil, err
		}
		in, ok := m[insightID]
		if !ok {
			return nil, ErrInsightNotFound
		}
		if in.Metadata == nil {
			in.Metadata = make(map[string]string, len(fields))
		}
		changed := false
		for k, v := range fields {
			if in.Metadata[k] != v {
				in.Metadata[k] = v
				changed = true
			}
		}
		if !changed {
			return nil, kvstore.ErrNoChange
		}
		m[insightID] = in
		return json.Marshal(m)
	})
	if errors.Is(err, ErrInsightNotFound) {
		return fmt.Errorf("%s: %w", insightID, err)
	}
	if err != nil {
		span.RecordError(err)
		return tierError(TierSession, "update_metadata", err)
	}
	return nil
}

// Clear drops every insight of the session.
func (s *SessionMemory) Clear(ctx context.Context, sessionID string) error {
	return tierError(TierSession, "clear", s.store.Delete(ctx, sessionKey(sessionID)))
}

func (s *SessionMemory) Ping(ctx context.Context) error {
	return tierError(TierSession, "ping", s.store.Ping(ctx))
}
