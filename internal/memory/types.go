// Package memory implements the four memory tiers of a troubleshooting
// session and the coordinator that reads across and consolidates between
// them.
//
//   - Working: the last N turns of a session, most recent first
//   - Session: insights derived from working memory, expiring with the session
//   - User: a merged profile and ranked pattern frequencies, kept indefinitely
//   - Episodic: embedded summaries of past cases, append-only, consent-gated
//
// The first three live in a kvstore.Store; episodic memory lives in a
// vectorstore.Index.
package memory

import (
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("troubleshootd/memory")

// Tier names a memory tier.
type Tier string

const (
	TierWorking  Tier = "working"
	TierSession  Tier = "session"
	TierUser     Tier = "user"
	TierEpisodic Tier = "episodic"
)

// Tiers lists every tier in canonical order.
var Tiers = []Tier{TierWorking, TierSession, TierUser, TierEpisodic}

// ContentType classifies a working-memory item.
type ContentType string

const (
	ContentQuery       ContentType = "query"
	ContentResponse    ContentType = "response"
	ContentObservation ContentType = "observation"
)

// Well-known MemoryItem metadata keys.
const (
	MetaTool   = "tool"
	MetaStatus = "status" // "ok" or "error" for observations
	MetaTurn   = "turn"
)

// MemoryItem is one entry of working memory.
type MemoryItem struct {
	Timestamp   time.Time         `json:"timestamp"`
	ContentType ContentType       `json:"content_type"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Insight types emitted by consolidation.
const (
	InsightRecurringError = "recurring_error"
	InsightFailedTool     = "failed_tool"
)

// MetaPromoted marks an insight already folded into user patterns.
const MetaPromoted = "promoted"

// SessionInsight is a fact derived from working memory. ID is a content
// fingerprint, so re-deriving the same fact overwrites rather than
// duplicates.
type SessionInsight struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Key       string            `json:"key"` // signal name or tool name
	Payload   string            `json:"payload"`
	Count     int               `json:"count"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// UserProfile holds free-form fields about a user.
type UserProfile struct {
	UserID string         `json:"user_id"`
	Fields map[string]any `json:"fields"`
}

// Well-known profile fields.
const (
	ProfileExpertise       = "expertise_level"
	ProfileStack           = "stack"
	ProfileEpisodicConsent = "episodic_consent"
)

// EpisodicConsent reports whether the profile grants episode recording.
func (p *UserProfile) EpisodicConsent() bool {
	if p == nil {
		return false
	}
	v, _ := p.Fields[ProfileEpisodicConsent].(bool)
	return v
}

// Pattern is a ranked pattern frequency.
type Pattern struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// EpisodeMetadata describes a stored episode.
type EpisodeMetadata struct {
	UserID     string
	CaseID     string
	Domain     string
	Outcome    string
	Confidence float64
	Timestamp  time.Time

	// Consent must be true for Store to accept the episode.
	Consent bool
}

// EpisodicRecord is a stored case summary.
type EpisodicRecord struct {
	ID       string
	Summary  string
	Metadata EpisodeMetadata
}

// EpisodeHit is a search result. Distance is 1 - cosine similarity.
type EpisodeHit struct {
	Record   EpisodicRecord
	Distance float64
}
