package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/troubleshootd/internal/kvstore"
)

// Repository persists AgentState under "state:<session>" with optimistic
// concurrency on the store revision.
type Repository struct {
	store     kvstore.Store
	ttl       time.Duration
	newCaseID func() string
}

// NewRepository creates a repository. ttl bounds how long an idle session's
// state is kept; zero keeps it forever. newCaseID mints case ids for new
// sessions.
func NewRepository(store kvstore.Store, ttl time.Duration, newCaseID func() string) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if newCaseID == nil {
		return nil, fmt.Errorf("case id generator cannot be nil")
	}
	return &Repository{store: store, ttl: ttl, newCaseID: newCaseID}, nil
}

func stateKey(sessionID string) string { return "state:" + sessionID }

// Load returns the session's state and its revision. A session with no
// stored state gets a fresh state at revision 0, which Save treats as
// "must not exist yet".
func (r *Repository) Load(ctx context.Context, sessionID string) (*AgentState, uint64, error) {
	ctx, span := tracer.Start(ctx, "Repository.Load")
	defer span.End()

	var state AgentState
	rev, err := kvstore.GetJSON(ctx, r.store, stateKey(sessionID), &state)
	if errors.Is(err, kvstore.ErrNotFound) {
		return NewAgentState(sessionID, r.newCaseID()), 0, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("loading state for %s: %w", sessionID, err)
	}
	if !state.CurrentPhase.Valid() {
		state.CurrentPhase = First
	}
	if state.LoopCounts == nil {
		state.LoopCounts = map[string]int{}
	}
	span.SetAttributes(attribute.Int64("state.revision", int64(rev)))
	return &state, rev, nil
}

// Save writes state if the stored revision still equals rev, returning the
// new revision. A stale rev yields ErrStateConflict.
func (r *Repository) Save(ctx context.Context, state *AgentState, rev uint64) (uint64, error) {
	ctx, span := tracer.Start(ctx, "Repository.Save")
	defer span.End()

	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encoding state: %w", err)
	}
	next, err := r.store.CompareAndSwap(ctx, stateKey(state.SessionID), data, rev, r.ttl)
	if errors.Is(err, kvstore.ErrConflict) {
		return 0, fmt.Errorf("%w: session %s at revision %d", ErrStateConflict, state.SessionID, rev)
	}
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("saving state for %s: %w", state.SessionID, err)
	}
	return next, nil
}

// Delete removes the session's state.
func (r *Repository) Delete(ctx context.Context, sessionID string) error {
	return r.store.Delete(ctx, stateKey(sessionID))
}
