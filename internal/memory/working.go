package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/troubleshootd/internal/kvstore"
	"github.com/fyrsmithlabs/troubleshootd/internal/secrets"
)

// WorkingMemory keeps the most recent items of a session, capped at N.
type WorkingMemory struct {
	store     kvstore.Store
	sanitizer secrets.Sanitizer
	cap       int
	ttl       time.Duration
	now       func() time.Time
}

// NewWorkingMemory creates a working tier capped at limit items. Each
// append refreshes the ttl.
func NewWorkingMemory(store kvstore.Store, sanitizer secrets.Sanitizer, limit int, ttl time.Duration) (*WorkingMemory, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if limit < 1 {
		return nil, fmt.Errorf("working memory cap must be >= 1, got %d", limit)
	}
	if sanitizer == nil {
		sanitizer = secrets.Noop{}
	}
	return &WorkingMemory{store: store, sanitizer: sanitizer, cap: limit, ttl: ttl, now: time.Now}, nil
}

func workingKey(sessionID string) string { return "wm:" + sessionID }

// Cap returns the configured item limit.
func (w *WorkingMemory) Cap() int { return w.cap }

// Append prepends item and trims the list to the cap.
func (w *WorkingMemory) Append(ctx context.Context, sessionID string, item MemoryItem) error {
	ctx, span := tracer.Start(ctx, "WorkingMemory.Append")
	defer span.End()

	if item.Timestamp.IsZero() {
		item.Timestamp = w.now()
	}
	item.Content = w.sanitizer.Sanitize(item.Content)

	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding memory item: %w", err)
	}
	if err := kvstore.PushFront(ctx, w.store, workingKey(sessionID), raw, w.cap, w.ttl); err != nil {
		span.RecordError(err)
		return tierError(TierWorking, "append", err)
	}
	return nil
}

// Get returns up to limit items, most recent first. limit <= 0 returns all.
func (w *WorkingMemory) Get(ctx context.Context, sessionID string, limit int) ([]MemoryItem, error) {
	ctx, span := tracer.Start(ctx, "WorkingMemory.Get")
	defer span.End()

	raw, err := kvstore.List(ctx, w.store, workingKey(sessionID), limit)
	if err != nil {
		span.RecordError(err)
		return nil, tierError(TierWorking, "get", err)
	}
	items := make([]MemoryItem, 0, len(raw))
	for _, r := range raw {
		var item MemoryItem
		if err := json.Unmarshal(r, &item); err != nil {
			return nil, tierError(TierWorking, "get", fmt.Errorf("decoding item: %w", err))
		}
		items = append(items, item)
	}
	return items, nil
}

// Clear drops the session's working memory.
func (w *WorkingMemory) Clear(ctx context.Context, sessionID string) error {
	return tierError(TierWorking, "clear", w.store.Delete(ctx, workingKey(sessionID)))
}

// Ping checks the backing store.
func (w *WorkingMemory) Ping(ctx context.Context) error {
	return tierError(TierWorking, "ping", w.store.Ping(ctx))
}
