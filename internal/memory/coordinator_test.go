package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"github.com/fyrsmithlabs/troubleshootd/internal/vectorstore"
)

func newCoordinator(t *testing.T, index vectorstore.Index, opts ...CoordinatorOption) (*Coordinator, *tiers) {
	t.Helper()
	tr := newTiers(t, index)
	c, err := NewCoordinator(tr.working, tr.session, tr.user, tr.episodic, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return c, tr
}

func seedFailures(t *testing.T, tr *tiers, sessionID string) {
	t.Helper()
	ctx := context.Background()
	items := []MemoryItem{
		{ContentType: ContentQuery, Content: "my pod keeps restarting with OOMKilled"},
		{ContentType: ContentObservation, Content: "ERROR: http_probe: connection refused",
			Metadata: map[string]string{MetaTool: "http_probe", MetaStatus: "error"}},
		{ContentType: ContentResponse, Content: "The container was OOMKilled; check the memory limit."},
		{ContentType: ContentObservation, Content: "ERROR: http_probe: connection refused",
			Metadata: map[string]string{MetaTool: "http_probe", MetaStatus: "error"}},
		{ContentType: ContentObservation, Content: "dns ok",
			Metadata: map[string]string{MetaTool: "dns_lookup", MetaStatus: "ok"}},
	}
	for _, item := range items {
		require.NoError(t, tr.working.Append(ctx, sessionID, item))
	}
}

func TestNewCoordinator_Validation(t *testing.T) {
	tr := newTiers(t, nil)
	_, err := NewCoordinator(nil, tr.session, tr.user, tr.episodic, zaptest.NewLogger(t))
	assert.Error(t, err)
	_, err = NewCoordinator(tr.working, tr.session, tr.user, tr.episodic, nil)
	assert.Error(t, err)
}

func TestConsolidateWorkingToSession(t *testing.T) {
	ctx := context.Background()
	c, tr := newCoordinator(t, nil)
	seedFailures(t, tr, "s1")

	written, err := c.ConsolidateWorkingToSession(ctx, "s1")
	require.NoError(t, err)

	byKey := map[string]SessionInsight{}
	for _, in := range written {
		byKey[in.Type+"/"+in.Key] = in
	}
	require.Contains(t, byKey, InsightRecurringError+"/oom")
	require.Contains(t, byKey, InsightRecurringError+"/connection_refused")
	require.Contains(t, byKey, InsightFailedTool+"/http_probe")
	assert.NotContains(t, byKey, InsightFailedTool+"/dns_lookup")
	assert.NotContains(t, byKey, InsightRecurringError+"/crash_loop", "seen only once")
	assert.Equal(t, 2, byKey[InsightFailedTool+"/http_probe"].Count)

	t.Run("repeat run writes nothing", func(t *testing.T) {
		again, err := c.ConsolidateWorkingToSession(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, again)

		stored, err := tr.session.GetInsights(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, stored, len(written))
	})

	t.Run("new evidence updates in place", func(t *testing.T) {
		require.NoError(t, tr.working.Append(ctx, "s1", MemoryItem{ContentType: ContentQuery, Content: "still OOMKilled"}))
		updated, err := c.ConsolidateWorkingToSession(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.Equal(t, "oom", updated[0].Key)
		assert.Equal(t, 3, updated[0].Count)

		stored, err := tr.session.GetInsights(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, stored, len(written))
	})
}

func TestConsolidateWorkingToSession_Empty(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	written, err := c.ConsolidateWorkingToSession(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestConsolidateWorkingToSession_CountsTurns(t *testing.T) {
	ctx := context.Background()
	c, tr := newCoordinator(t, nil)
	turn := func(n string, contentType ContentType, content string) MemoryItem {
		return MemoryItem{ContentType: contentType, Content: content, Metadata: map[string]string{MetaTurn: n}}
	}

	require.NoError(t, tr.working.Append(ctx, "s1", turn("1", ContentQuery, "pod was OOMKilled")))
	require.NoError(t, tr.working.Append(ctx, "s1", turn("1", ContentResponse, "OOMKilled means the memory limit was hit")))

	written, err := c.ConsolidateWorkingToSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, written, "one turn is not a recurrence")

	require.NoError(t, tr.working.Append(ctx, "s1", turn("2", ContentQuery, "OOMKilled again after the rollout")))
	written, err = c.ConsolidateWorkingToSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, "oom", written[0].Key)
	assert.Equal(t, 2, written[0].Count)
	assert.Contains(t, written[0].Payload, "2 recent turns")
}

func TestPurgeSession(t *testing.T) {
	ctx := context.Background()
	c, tr := newCoordinator(t, nil)
	seedFailures(t, tr, "s1")
	seedFailures(t, tr, "s2")
	_, err := c.ConsolidateWorkingToSession(ctx, "s1")
	require.NoError(t, err)
	_, err = c.ConsolidateSessionToUser(ctx, "s1", "u1")
	require.NoError(t, err)

	require.NoError(t, c.PurgeSession(ctx, "s1"))

	items, err := tr.working.Get(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	insights, err := tr.session.GetInsights(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, insights)

	other, err := tr.working.Get(ctx, "s2", 0)
	require.NoError(t, err)
	assert.Len(t, other, 5)
	patterns, err := tr.user.TopPatterns(ctx, "u1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, patterns, "promoted patterns outlive the session")

	require.NoError(t, c.PurgeSession(ctx, "never-existed"))
}

func TestConsolidateSessionToUser_NoDoubleCount(t *testing.T) {
	ctx := context.Background()
	c, tr := newCoordinator(t, nil)
	seedFailures(t, tr, "s1")

	_, err := c.ConsolidateWorkingToSession(ctx, "s1")
	require.NoError(t, err)

	promoted, err := c.ConsolidateSessionToUser(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, promoted)

	promoted, err = c.ConsolidateSessionToUser(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Zero(t, promoted)

	patterns, err := tr.user.TopPatterns(ctx, "u1", 0)
	require.NoError(t, err)
	scores := map[string]float64{}
	for _, p := range patterns {
		scores[p.Name] = p.Score
	}
	assert.Equal(t, map[string]float64{
		"error:oom":                1,
		"error:connection_refused": 1,
		"tool_failure:http_probe":  1,
	}, scores)
}

func TestRetrieveRelevantContext(t *testing.T) {
	ctx := context.Background()
	c, tr := newCoordinator(t, nil)
	seedFailures(t, tr, "s1")
	_, err := c.ConsolidateWorkingToSession(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, tr.user.UpdateProfile(ctx, "u1", map[string]any{ProfileExpertise: "senior"}))
	require.NoError(t, tr.user.RecordPattern(ctx, "u1", "error:oom", 2))
	_, err = tr.episodic.Store(ctx, "u1", "OOMKilled pod fixed by raising the memory limit",
		EpisodeMetadata{Consent: true, Outcome: "resolved", Confidence: 0.9})
	require.NoError(t, err)

	b := c.RetrieveRelevantContext(ctx, "s1", "u1", "pod OOMKilled", 3)
	assert.Empty(t, b.DegradedTiers)
	assert.Len(t, b.Working, 3)
	assert.NotEmpty(t, b.SessionInsights)
	require.NotNil(t, b.UserProfile)
	assert.Equal(t, "senior", b.UserProfile.Fields[ProfileExpertise])
	assert.Equal(t, []Pattern{{Name: "error:oom", Score: 2}}, b.UserPatterns)
	require.Len(t, b.Episodic, 1)
}

func TestRetrieveRelevantContext_FailedIndexDegrades(t *testing.T) {
	c, tr := newCoordinator(t, &fakeIndex{err: errors.New("dial tcp: connection refused")})
	seedFailures(t, tr, "s1")

	b := c.RetrieveRelevantContext(context.Background(), "s1", "u1", "pod restarting", 5)
	assert.Equal(t, []Tier{TierEpisodic}, b.DegradedTiers)
	assert.True(t, b.Degraded(TierEpisodic))
	assert.False(t, b.Degraded(TierWorking))
	assert.Empty(t, b.Episodic)
	assert.NotEmpty(t, b.Working)
}

func TestRetrieveRelevantContext_SlowIndexTimesOut(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	c, tr := newCoordinator(t, &fakeIndex{block: block}, WithTimeouts(50*time.Millisecond, 50*time.Millisecond))
	seedFailures(t, tr, "s1")

	start := time.Now()
	b := c.RetrieveRelevantContext(context.Background(), "s1", "u1", "pod restarting", 5)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []Tier{TierEpisodic}, b.DegradedTiers)
	assert.NotEmpty(t, b.Working)
}

func TestRetrieveRelevantContext_ClosedStoreDegradesFastTiers(t *testing.T) {
	c, tr := newCoordinator(t, nil)
	require.NoError(t, tr.store.Close())

	b := c.RetrieveRelevantContext(context.Background(), "s1", "u1", "q", 5)
	assert.Equal(t, []Tier{TierWorking, TierSession, TierUser}, b.DegradedTiers)
}

func TestHealth(t *testing.T) {
	c, tr := newCoordinator(t, &fakeIndex{err: errors.New("unreachable")})
	assert.Equal(t, map[Tier]string{
		TierWorking:  StatusOK,
		TierSession:  StatusOK,
		TierUser:     StatusOK,
		TierEpisodic: StatusUnavailable,
	}, c.Health(context.Background()))

	require.NoError(t, tr.store.Close())
	health := c.Health(context.Background())
	assert.Equal(t, StatusUnavailable, health[TierWorking])
}

func TestWithMemoryConfig(t *testing.T) {
	c, _ := newCoordinator(t, nil, WithMemoryConfig(config.MemoryConfig{
		FastTierTimeout:  config.Duration(20 * time.Millisecond),
		EpisodicTimeout:  config.Duration(80 * time.Millisecond),
		MinSignalRepeats: 3,
	}))
	assert.Equal(t, 20*time.Millisecond, c.fastTimeout)
	assert.Equal(t, 80*time.Millisecond, c.episodicTimeout)
	assert.Equal(t, 3, c.minRepeats)
}
