package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/troubleshootd/internal/kvstore"
	"github.com/fyrsmithlabs/troubleshootd/internal/secrets"
)

// UserMemory keeps per-user profiles and pattern frequencies. Entries never
// expire.
type UserMemory struct {
	store     kvstore.Store
	sanitizer secrets.Sanitizer
}

// NewUserMemory creates the user tier. Profile values are sanitized before
// they are stored.
func NewUserMemory(store kvstore.Store, sanitizer secrets.Sanitizer) (*UserMemory, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if sanitizer == nil {
		sanitizer = secrets.Noop{}
	}
	return &UserMemory{store: store, sanitizer: sanitizer}, nil
}

func profileKey(userID string) string  { return "up:" + userID }
func patternsKey(userID string) string { return "pf:" + userID }

// UpdateProfile merges fields into the profile. A nil value removes the
// field.
func (u *UserMemory) UpdateProfile(ctx context.Context, userID string, fields map[string]any) error {
	ctx, span := tracer.Start(ctx, "UserMemory.UpdateProfile")
	defer span.End()

	err := kvstore.Update(ctx, u.store, profileKey(userID), 0, func(cur []byte) ([]byte, error) {
		current := map[string]any{}
		if cur != nil {
			if err := json.Unmarshal(cur, &current); err != nil {
				return nil, fmt.Errorf("decoding profile: %w", err)
			}
		}
		for k, v := range fields {
			if v == nil {
				delete(current, k)
				continue
			}
			current[k] = u.sanitize(v)
		}
		return json.Marshal(current)
	})
	if err != nil {
		span.RecordError(err)
		return tierError(TierUser, "update_profile", err)
	}
	return nil
}

// sanitize redacts every string in v, descending into maps and slices.
func (u *UserMemory) sanitize(v any) any {
	switch t := v.(type) {
	case string:
		return u.sanitizer.Sanitize(t)
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = u.sanitizer.Sanitize(s)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = u.sanitize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = u.sanitize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = u.sanitizer.Sanitize(e)
		}
		return out
	default:
		return v
	}
}

// GetProfile returns the profile. An unknown user has an empty profile.
func (u *UserMemory) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	ctx, span := tracer.Start(ctx, "UserMemory.GetProfile")
	defer span.End()

	profile := &UserProfile{UserID: userID, Fields: map[string]any{}}
	_, err := kvstore.GetJSON(ctx, u.store, profileKey(userID), &profile.Fields)
	if errors.Is(err, kvstore.ErrNotFound) {
		return profile, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, tierError(TierUser, "get_profile", err)
	}
	return profile, nil
}

// RecordPattern adds weight to the pattern's score.
func (u *UserMemory) RecordPattern(ctx context.Context, userID, pattern string, weight float64) error {
	if weight < 0 {
		return ErrInvalidWeight
	}
	ctx, span := tracer.Start(ctx, "UserMemory.RecordPattern")
	defer span.End()

	if _, err := kvstore.Increment(ctx, u.store, patternsKey(userID), pattern, weight, 0); err != nil {
		span.RecordError(err)
		return tierError(TierUser, "record_pattern", err)
	}
	return nil
}

// TopPatterns returns up to limit patterns by descending score, ties by
// name. limit <= 0 returns all.
func (u *UserMemory) TopPatterns(ctx context.Context, userID string, limit int) ([]Pattern, error) {
	ctx, span := tracer.Start(ctx, "UserMemory.TopPatterns")
	defer span.End()

	counts := map[string]float64{}
	_, err := kvstore.GetJSON(ctx, u.store, patternsKey(userID), &counts)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, tierError(TierUser, "top_patterns", err)
	}

	out := make([]Pattern, 0, len(counts))
	for name, score := range counts {
		out = append(out, Pattern{Name: name, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DecayPatterns multiplies every score by factor in (0,1].
func (u *UserMemory) DecayPatterns(ctx context.Context, userID string, factor float64) error {
	if factor <= 0 || factor > 1 {
		return fmt.Errorf("decay factor must be in (0,1], got %v", factor)
	}
	err := kvstore.Update(ctx, u.store, patternsKey(userID), 0, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, kvstore.ErrNoChange
		}
		counts := map[string]float64{}
		if err := json.Unmarshal(cur, &counts); err != nil {
			return nil, fmt.Errorf("decoding patterns: %w", err)
		}
		for k := range counts {
			counts[k] *= factor
		}
		return json.Marshal(counts)
	})
	return tierError(TierUser, "decay_patterns", err)
}

func (u *UserMemory) Ping(ctx context.Context) error {
	return tierError(TierUser, "ping", u.store.Ping(ctx))
}
