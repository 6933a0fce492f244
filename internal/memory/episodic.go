package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/troubleshootd/internal/secrets"
	"github.com/fyrsmithlabs/troubleshootd/internal/vectorstore"
)

// Episode metadata keys in the vector index.
const (
	episodeUserID     = "user_id"
	episodeCaseID     = "case_id"
	episodeDomain     = "domain"
	episodeOutcome    = "outcome"
	episodeConfidence = "confidence"
	episodeTimestamp  = "timestamp"
)

// EpisodicMemory stores embedded case summaries. Records are never updated.
type EpisodicMemory struct {
	index     vectorstore.Index
	sanitizer secrets.Sanitizer
	now       func() time.Time
}

// NewEpisodicMemory creates the episodic tier over index.
func NewEpisodicMemory(index vectorstore.Index, sanitizer secrets.Sanitizer) (*EpisodicMemory, error) {
	if index == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	if sanitizer == nil {
		sanitizer = secrets.Noop{}
	}
	return &EpisodicMemory{index: index, sanitizer: sanitizer, now: time.Now}, nil
}

// Store embeds and appends a summary. It returns the new record id.
func (e *EpisodicMemory) Store(ctx context.Context, userID, summary string, meta EpisodeMetadata) (string, error) {
	if !meta.Consent {
		return "", ErrConsentRequired
	}
	ctx, span := tracer.Start(ctx, "EpisodicMemory.Store")
	defer span.End()

	if meta.Timestamp.IsZero() {
		meta.Timestamp = e.now()
	}
	id := uuid.NewString()
	doc := vectorstore.Document{
		ID:      id,
		Content: e.sanitizer.Sanitize(summary),
		Metadata: map[string]string{
			episodeUserID:     userID,
			episodeCaseID:     meta.CaseID,
			episodeDomain:     meta.Domain,
			episodeOutcome:    meta.Outcome,
			episodeConfidence: strconv.FormatFloat(meta.Confidence, 'f', -1, 64),
			episodeTimestamp:  meta.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := e.index.Add(ctx, doc); err != nil {
		span.RecordError(err)
		return "", tierError(TierEpisodic, "store", err)
	}
	return id, nil
}

// Search returns up to limit of the user's episodes nearest to query.
func (e *EpisodicMemory) Search(ctx context.Context, query, userID string, limit int) ([]EpisodeHit, error) {
	ctx, span := tracer.Start(ctx, "EpisodicMemory.Search")
	defer span.End()

	if limit <= 0 {
		return nil, nil
	}
	var filter map[string]string
	if userID != "" {
		filter = map[string]string{episodeUserID: userID}
	}
	results, err := e.index.Query(ctx, e.sanitizer.Sanitize(query), filter, limit)
	if err != nil {
		span.RecordError(err)
		return nil, tierError(TierEpisodic, "search", err)
	}

	hits := make([]EpisodeHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, EpisodeHit{
			Record:   EpisodicRecord{ID: r.ID, Summary: r.Content, Metadata: decodeEpisodeMetadata(r.Metadata)},
			Distance: 1 - float64(r.Similarity),
		})
	}
	return hits, nil
}

func decodeEpisodeMetadata(m map[string]string) EpisodeMetadata {
	meta := EpisodeMetadata{
		UserID:  m[episodeUserID],
		CaseID:  m[episodeCaseID],
		Domain:  m[episodeDomain],
		Outcome: m[episodeOutcome],
		Consent: true,
	}
	if v, err := strconv.ParseFloat(m[episodeConfidence], 64); err == nil {
		meta.Confidence = v
	}
	if ts, err := time.Parse(time.RFC3339Nano, m[episodeTimestamp]); err == nil {
		meta.Timestamp = ts
	}
	return meta
}

func (e *EpisodicMemory) Ping(ctx context.Context) error {
	return tierError(TierEpisodic, "ping", e.index.Ping(ctx))
}
