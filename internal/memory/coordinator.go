package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
)

// Health statuses reported per tier.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
)

// Bundle is the result of a cross-tier read. Tiers listed in DegradedTiers
// contributed an empty result.
type Bundle struct {
	Working         []MemoryItem
	SessionInsights []SessionInsight
	UserProfile     *UserProfile
	UserPatterns    []Pattern
	Episodic        []EpisodeHit
	DegradedTiers   []Tier
}

// Degraded reports whether tier failed during retrieval.
func (b *Bundle) Degraded(tier Tier) bool {
	for _, t := range b.DegradedTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Coordinator reads across the tiers and consolidates between them.
type Coordinator struct {
	working  *WorkingMemory
	session  *SessionMemory
	user     *UserMemory
	episodic *EpisodicMemory
	logger   *zap.Logger

	fastTimeout     time.Duration
	episodicTimeout time.Duration
	minRepeats      int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTimeouts sets the per-tier retrieval timeouts.
func WithTimeouts(fast, episodic time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if fast > 0 {
			c.fastTimeout = fast
		}
		if episodic > 0 {
			c.episodicTimeout = episodic
		}
	}
}

// WithMinRepeats sets how many occurrences make a recurring insight.
func WithMinRepeats(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.minRepeats = n
		}
	}
}

// WithMemoryConfig applies the timeouts and thresholds from cfg.
func WithMemoryConfig(cfg config.MemoryConfig) CoordinatorOption {
	return func(c *Coordinator) {
		WithTimeouts(cfg.FastTierTimeout.Duration(), cfg.EpisodicTimeout.Duration())(c)
		WithMinRepeats(cfg.MinSignalRepeats)(c)
	}
}

// NewCoordinator wires the four tiers together.
func NewCoordinator(working *WorkingMemory, session *SessionMemory, user *UserMemory, episodic *EpisodicMemory, logger *zap.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	switch {
	case working == nil:
		return nil, fmt.Errorf("working memory cannot be nil")
	case session == nil:
		return nil, fmt.Errorf("session memory cannot be nil")
	case user == nil:
		return nil, fmt.Errorf("user memory cannot be nil")
	case episodic == nil:
		return nil, fmt.Errorf("episodic memory cannot be nil")
	case logger == nil:
		return nil, fmt.Errorf("logger cannot be nil")
	}
	c := &Coordinator{
		working:         working,
		session:         session,
		user:            user,
		episodic:        episodic,
		logger:          logger,
		fastTimeout:     150 * time.Millisecond,
		episodicTimeout: 500 * time.Millisecond,
		minRepeats:      2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) Working() *WorkingMemory   { return c.working }
func (c *Coordinator) Session() *SessionMemory   { return c.session }
func (c *Coordinator) User() *UserMemory         { return c.user }
func (c *Coordinator) Episodic() *EpisodicMemory { return c.episodic }

func fingerprint(insightType, key string) string {
	sum := sha256.Sum256([]byte(insightType + "\x00" + key))
	return hex.EncodeToString(sum[:8])
}

type occurrence struct {
	count  int
	latest time.Time
}

func (o *occurrence) add(ts time.Time) {
	o.count++
	o.touch(ts)
}

func (o *occurrence) touch(ts time.Time) {
	if ts.After(o.latest) {
		o.latest = ts
	}
}

// ConsolidateWorkingToSession derives recurring-error and failed-tool
// insights from working memory. A signal recurs when it shows up in at least
// minRepeats distinct turns; items without a turn tag count on their own.
// Insight ids are fingerprints of type and key,
// and unchanged insights are not rewritten, so repeated runs are idempotent.
// It returns the insights written.
func (c *Coordinator) ConsolidateWorkingToSession(ctx context.Context, sessionID string) ([]SessionInsight, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.ConsolidateWorkingToSession")
	defer span.End()

	items, err := c.working.Get(ctx, sessionID, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reading working memory")
		return nil, err
	}

	signals := map[string]*occurrence{}
	seen := map[string]bool{}
	failures := map[string]*occurrence{}
	for i, item := range items {
		turn := item.Metadata[MetaTurn]
		if turn == "" {
			turn = "#" + strconv.Itoa(i)
		}
		for _, sig := range detectSignals(item.Content) {
			if signals[sig] == nil {
				signals[sig] = &occurrence{}
			}
			key := sig + "\x00" + turn
			if seen[key] {
				signals[sig].touch(item.Timestamp)
				continue
			}
			seen[key] = true
			signals[sig].add(item.Timestamp)
		}
		if item.ContentType == ContentObservation && item.Metadata[MetaStatus] == "error" {
			tool := item.Metadata[MetaTool]
			if tool == "" {
				continue
			}
			if failures[tool] == nil {
				failures[tool] = &occurrence{}
			}
			failures[tool].add(item.Timestamp)
		}
	}

	var candidates []SessionInsight
	for _, rule := range signalRules {
		occ, ok := signals[rule.name]
		if !ok || occ.count < c.minRepeats {
			continue
		}
		candidates = append(candidates, SessionInsight{
			ID:        fingerprint(InsightRecurringError, rule.name),
			Type:      InsightRecurringError,
			Key:       rule.name,
			Payload:   fmt.Sprintf("%s signal seen in %d recent turns", strings.ReplaceAll(rule.name, "_", " "), occ.count),
			Count:     occ.count,
			Timestamp: occ.latest,
		})
	}
	tools := make([]string, 0, len(failures))
	for tool := range failures {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		occ := failures[tool]
		if occ.count < c.minRepeats {
			continue
		}
		candidates = append(candidates, SessionInsight{
			ID:        fingerprint(InsightFailedTool, tool),
			Type:      InsightFailedTool,
			Key:       tool,
			Payload:   fmt.Sprintf("tool %s failed %d times", tool, occ.count),
			Count:     occ.count,
			Timestamp: occ.latest,
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	existing, err := c.session.GetInsights(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	known := make(map[string]SessionInsight, len(existing))
	for _, in := range existing {
		known[in.ID] = in
	}

	var written []SessionInsight
	for _, in := range candidates {
		if prev, ok := known[in.ID]; ok && prev.Count == in.Count && prev.Payload == in.Payload {
			continue
		}
		if err := c.session.StoreInsight(ctx, sessionID, in); err != nil {
			span.RecordError(err)
			return written, err
		}
		insightsEmitted.WithLabelValues(in.Type).Inc()
		written = append(written, in)
	}
	span.SetAttributes(attribute.Int("insights.written", len(written)))
	return written, nil
}

func patternFor(in SessionInsight) string {
	switch in.Type {
	case InsightRecurringError:
		return "error:" + in.Key
	case InsightFailedTool:
		return "tool_failure:" + in.Key
	default:
		return ""
	}
}

// ConsolidateSessionToUser folds unpromoted session insights into the user's
// pattern frequencies and marks them promoted. It returns how many insights
// were promoted.
func (c *Coordinator) ConsolidateSessionToUser(ctx context.Context, sessionID, userID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.ConsolidateSessionToUser")
	defer span.End()

	insights, err := c.session.GetInsights(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	promoted := 0
	for _, in := range insights {
		if in.Metadata[MetaPromoted] == "true" {
			continue
		}
		pattern := patternFor(in)
		if pattern == "" {
			continue
		}
		if err := c.user.RecordPattern(ctx, userID, pattern, 1); err != nil {
			span.RecordError(err)
			return promoted, err
		}
		if err := c.session.UpdateMetadata(ctx, sessionID, in.ID, map[string]string{MetaPromoted: "true"}); err != nil {
			span.RecordError(err)
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// fetch runs fn with a deadline and returns as soon as the deadline passes,
// even if fn ignores its context.
func fetch[T any](ctx context.Context, tier Tier, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		tierLatency.WithLabelValues(string(tier)).Observe(time.Since(start).Seconds())
		return r.v, r.err
	case <-ctx.Done():
		tierLatency.WithLabelValues(string(tier)).Observe(time.Since(start).Seconds())
		var zero T
		return zero, tierError(tier, "retrieve", ctx.Err())
	}
}

type userView struct {
	profile  *UserProfile
	patterns []Pattern
}

// RetrieveRelevantContext reads every tier in parallel. A tier that fails or
// exceeds its timeout contributes an empty result and is listed in
// DegradedTiers. The call itself never fails.
func (c *Coordinator) RetrieveRelevantContext(ctx context.Context, sessionID, userID, query string, limit int) *Bundle {
	ctx, span := tracer.Start(ctx, "Coordinator.RetrieveRelevantContext")
	defer span.End()

	var (
		b  Bundle
		mu sync.Mutex
		g  errgroup.Group
	)
	degrade := func(tier Tier, err error) {
		tierDegraded.WithLabelValues(string(tier)).Inc()
		c.logger.Warn("memory tier degraded",
			zap.String("tier", string(tier)),
			zap.String("session.id", sessionID),
			zap.Error(err),
		)
		mu.Lock()
		b.DegradedTiers = append(b.DegradedTiers, tier)
		mu.Unlock()
	}

	g.Go(func() error {
		items, err := fetch(ctx, TierWorking, c.fastTimeout, func(ctx context.Context) ([]MemoryItem, error) {
			return c.working.Get(ctx, sessionID, limit)
		})
		if err != nil {
			degrade(TierWorking, err)
			return nil
		}
		b.Working = items
		return nil
	})
	g.Go(func() error {
		insights, err := fetch(ctx, TierSession, c.fastTimeout, func(ctx context.Context) ([]SessionInsight, error) {
			return c.session.GetInsights(ctx, sessionID)
		})
		if err != nil {
			degrade(TierSession, err)
			return nil
		}
		b.SessionInsights = insights
		return nil
	})
	g.Go(func() error {
		view, err := fetch(ctx, TierUser, c.fastTimeout, func(ctx context.Context) (userView, error) {
			profile, err := c.user.GetProfile(ctx, userID)
			if err != nil {
				return userView{}, err
			}
			patterns, err := c.user.TopPatterns(ctx, userID, limit)
			if err != nil {
				return userView{}, err
			}
			return userView{profile: profile, patterns: patterns}, nil
		})
		if err != nil {
			degrade(TierUser, err)
			return nil
		}
		b.UserProfile = view.profile
		b.UserPatterns = view.patterns
		return nil
	})
	g.Go(func() error {
		hits, err := fetch(ctx, TierEpisodic, c.episodicTimeout, func(ctx context.Context) ([]EpisodeHit, error) {
			return c.episodic.Search(ctx, query, userID, limit)
		})
		if err != nil {
			degrade(TierEpisodic, err)
			return nil
		}
		b.Episodic = hits
		return nil
	})
	_ = g.Wait()

	sortTiers(b.DegradedTiers)
	if len(b.DegradedTiers) > 0 {
		span.SetAttributes(attribute.Int("memory.degraded_tiers", len(b.DegradedTiers)))
	}
	return &b
}

func sortTiers(tiers []Tier) {
	rank := func(t Tier) int {
		for i, known := range Tiers {
			if known == t {
				return i
			}
		}
		return len(Tiers)
	}
	sort.Slice(tiers, func(i, j int) bool { return rank(tiers[i]) < rank(tiers[j]) })
}

// PurgeSession drops the session's working memory and insights. Patterns
// already promoted to the user tier are kept.
func (c *Coordinator) PurgeSession(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "Coordinator.PurgeSession")
	defer span.End()

	err := errors.Join(
		c.working.Clear(ctx, sessionID),
		c.session.Clear(ctx, sessionID),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purging session")
	}
	return err
}

// Health pings every tier's backend.
func (c *Coordinator) Health(ctx context.Context) map[Tier]string {
	pings := map[Tier]func(context.Context) error{
		TierWorking:  c.working.Ping,
		TierSession:  c.session.Ping,
		TierUser:     c.user.Ping,
		TierEpisodic: c.episodic.Ping,
	}

	var (
		mu  sync.Mutex
		g   errgroup.Group
		out = make(map[Tier]string, len(pings))
	)
	for tier, ping := range pings {
		timeout := c.fastTimeout
		if tier == TierEpisodic {
			timeout = c.episodicTimeout
		}
		g.Go(func() error {
			_, err := fetch(ctx, tier, timeout, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, ping(ctx)
			})
			status := StatusOK
			if err != nil {
				status = StatusUnavailable
				if !errors.Is(err, context.Canceled) {
					c.logger.Debug("tier health check failed", zap.String("tier", string(tier)), zap.Error(err))
				}
			}
			mu.Lock()
			out[tier] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
