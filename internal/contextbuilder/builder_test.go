package contextbuilder

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fullBundle(turnLen int) *memory.Bundle {
	b := &memory.Bundle{
		SessionInsights: []memory.SessionInsight{
			{ID: "i1", Type: memory.InsightRecurringError, Key: "oom", Payload: "oom signal seen in 3 recent turns", Count: 3, Timestamp: now.Add(-time.Hour)},
			{ID: "i2", Type: memory.InsightFailedTool, Key: "http_probe", Payload: "tool http_probe failed 2 times", Count: 2, Timestamp: now.Add(-2 * time.Hour)},
		},
		UserProfile: &memory.UserProfile{UserID: "u1", Fields: map[string]any{
			memory.ProfileExpertise:       "senior",
			memory.ProfileStack:           "kubernetes",
			memory.ProfileEpisodicConsent: true,
		}},
		UserPatterns: []memory.Pattern{{Name: "error:oom", Score: 4}, {Name: "tool_failure:http_probe", Score: 1}},
		Episodic: []memory.EpisodeHit{
			{Record: memory.EpisodicRecord{ID: "e1", Summary: "OOMKilled api pod fixed by raising the memory limit",
				Metadata: memory.EpisodeMetadata{Outcome: "resolved", Confidence: 0.9, Timestamp: now.Add(-72 * time.Hour)}}, Distance: 0.2},
		},
	}
	for i := 0; i < 6; i++ {
		b.Working = append(b.Working, memory.MemoryItem{
			Timestamp:   now.Add(-time.Duration(i) * time.Minute),
			ContentType: memory.ContentQuery,
			Content:     fmt.Sprintf("turn %d: %s", i, strings.Repeat("pod restarting OOMKilled ", turnLen)),
		})
	}
	return b
}

// sectionText returns the rendered section starting at title, up to the
// next header.
func sectionText(out, title string) string {
	start := strings.Index(out, "## "+title)
	if start < 0 {
		return ""
	}
	rest := out[start+3:]
	if end := strings.Index(rest, "## "); end >= 0 {
		return out[start : start+3+end]
	}
	return out[start:]
}

func TestBuild_RecentTurnsTruncatedWithinShare(t *testing.T) {
	out := BuildWithBudget(Request{
		Query:  "why does my pod keep restarting",
		Bundle: fullBundle(20),
		Now:    now,
	}, 100)

	assert.LessOrEqual(t, EstimateTokens(out), 100)

	recent := sectionText(out, "Recent turns")
	require.NotEmpty(t, recent)
	assert.LessOrEqual(t, EstimateTokens(recent), 40)
	assert.Contains(t, recent, Ellipsis)
}

func TestBuild_NeverExceedsBudget(t *testing.T) {
	bundles := map[string]*memory.Bundle{
		"nil":     nil,
		"empty":   {},
		"short":   fullBundle(1),
		"long":    fullBundle(40),
		"working": {Working: fullBundle(10).Working},
		"profile": {UserProfile: fullBundle(1).UserProfile},
	}
	findings := []Fact{
		{Kind: "symptom", Detail: "api pods restart every 5 minutes", Timestamp: now},
		{Kind: "scope", Detail: strings.Repeat("only production namespace ", 12), Timestamp: now.Add(-time.Minute)},
	}
	for name, b := range bundles {
		for budget := -5; budget <= 400; budget++ {
			out := BuildWithBudget(Request{Query: "pod restarting", Phase: "scope_definition", Bundle: b, Findings: findings, Now: now}, budget)
			if budget <= 0 {
				require.Empty(t, out, "%s budget %d", name, budget)
				continue
			}
			require.LessOrEqual(t, EstimateTokens(out), budget, "%s budget %d", name, budget)
			for _, s := range sections {
				share := int(math.Floor(float64(budget) * s.share))
				assert.LessOrEqual(t, EstimateTokens(sectionText(out, s.title)), share, "%s budget %d section %s", name, budget, s.title)
			}
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	req := Request{Query: "pod OOMKilled", Phase: "timeline_establishment", Bundle: fullBundle(3), Now: now}
	first := BuildWithBudget(req, 500)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, BuildWithBudget(req, 500))
	}
}

func TestBuild_SectionOrderAndHeaders(t *testing.T) {
	out := BuildWithBudget(Request{
		Query:    "pod OOMKilled",
		Phase:    "scope_definition",
		Bundle:   fullBundle(1),
		Findings: []Fact{{Kind: "symptom", Detail: "restarts", Timestamp: now}},
		Now:      now,
	}, 2000)

	idx := func(s string) int { return strings.Index(out, s) }
	require.GreaterOrEqual(t, idx("## Recent turns"), 0)
	assert.Less(t, idx("## Recent turns"), idx("## Key facts (scope_definition)"))
	assert.Less(t, idx("## Key facts"), idx("## User profile"))
	assert.Less(t, idx("## User profile"), idx("## Relevant insights"))

	assert.Contains(t, out, "finding symptom: restarts")
	assert.Contains(t, out, "expertise_level: senior")
	assert.NotContains(t, out, memory.ProfileEpisodicConsent)
	assert.Contains(t, out, "recurring error:oom (score 4)")
	assert.Contains(t, out, "(resolved, confidence 0.90)")
	assert.NotContains(t, out, Ellipsis)
}

func TestBuild_RanksBySimilarity(t *testing.T) {
	b := &memory.Bundle{Working: []memory.MemoryItem{
		{Timestamp: now, ContentType: memory.ContentQuery, Content: "unrelated billing question"},
		{Timestamp: now, ContentType: memory.ContentQuery, Content: "dns lookup fails for api service"},
	}}
	out := BuildWithBudget(Request{Query: "dns lookup fails", Bundle: b, Now: now}, 2000)
	assert.Less(t, strings.Index(out, "dns lookup fails for api"), strings.Index(out, "unrelated billing"))
}

func TestBuild_SmallSectionOmitted(t *testing.T) {
	out := BuildWithBudget(Request{Query: "q", Bundle: fullBundle(1), Now: now}, 10)
	assert.NotContains(t, out, "## User profile")
	assert.NotContains(t, out, "## Relevant insights")
}

func TestNew(t *testing.T) {
	assert.Equal(t, DefaultBudget, New(0).Budget())
	assert.Equal(t, 0, New(-3).Budget())
	assert.Equal(t, 100, New(100).Budget())
	assert.Empty(t, New(-3).Build(Request{Bundle: fullBundle(1), Now: now}))
}

func TestEstimateTokens(t *testing.T) {
	tests := map[string]int{
		"":      0,
		"a":     1,
		"abcd":  1,
		"abcde": 2,
		"…":     1,
		"héllo": 2,
	}
	for in, want := range tests {
		assert.Equal(t, want, EstimateTokens(in), in)
	}
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity("Pod Restarting", "pod restarting"), 1e-9)
	assert.Zero(t, Similarity("dns", "memory"))
	assert.Zero(t, Similarity("", "memory"))
	assert.InDelta(t, 0.5, Similarity("a b", "a c"), 1e-9)
}

func TestRecency(t *testing.T) {
	assert.InDelta(t, 1.0, Recency(now, now), 1e-9)
	assert.InDelta(t, math.Exp(-1), Recency(now, now.Add(-24*time.Hour)), 1e-9)
	assert.InDelta(t, 1.0, Recency(now, now.Add(time.Hour)), 1e-9)
	assert.InDelta(t, 0.0, Recency(now, time.Time{}), 1e-9)
}
