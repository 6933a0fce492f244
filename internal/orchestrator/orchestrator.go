// Package orchestrator runs troubleshooting turns end to end.
//
// # Overview
//
// ProcessTurn is the single entry point for a user message. Within one
// session turns are serialized by a per-session lock and by
// compare-and-swap writes of the agent state, so concurrent callers never
// interleave partial updates. Different sessions run fully in parallel.
//
// # Turn flow
//
//	lock → load state → classify ∥ retrieve memory → build context →
//	select tools → reason-act loop → save state (CAS, one re-apply) →
//	record working memory → record episode → publish event →
//	enqueue consolidation → unlock
//
// A response is always produced unless the caller's context ends before the
// state is saved. In that case the context error is returned and nothing is
// persisted. Once the save succeeds the turn runs to completion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/troubleshootd/internal/classifier"
	"github.com/fyrsmithlabs/troubleshootd/internal/contextbuilder"
	"github.com/fyrsmithlabs/troubleshootd/internal/llm"
	"github.com/fyrsmithlabs/troubleshootd/internal/logging"
	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
	"github.com/fyrsmithlabs/troubleshootd/internal/tools"
	"github.com/fyrsmithlabs/troubleshootd/internal/workflow"
)

var tracer = otel.Tracer("troubleshootd/orchestrator")

// DefaultRetrievalLimit bounds items fetched per tier.
const DefaultRetrievalLimit = 10

// Enqueuer accepts consolidation jobs. *memory.ConsolidationQueue
// implements it.
type Enqueuer interface {
	Enqueue(job memory.Job) bool
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Coordinator *memory.Coordinator
	Classifier  *classifier.Classifier
	Builder     *contextbuilder.Builder
	Broker      *tools.Broker
	Engine      *workflow.Engine
	Repository  *phase.Repository
	Locks       *phase.SessionLocks
	Queue       Enqueuer
	Publisher   Publisher
}

// Orchestrator processes turns. It is safe for concurrent use.
type Orchestrator struct {
	deps           Deps
	logger         *zap.Logger
	retrievalLimit int
	now            func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetrievalLimit sets how many items each tier contributes.
func WithRetrievalLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.retrievalLimit = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Queue and Publisher are optional.
func New(deps Deps, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Coordinator == nil:
		return nil, fmt.Errorf("coordinator cannot be nil")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("classifier cannot be nil")
	case deps.Builder == nil:
		return nil, fmt.Errorf("context builder cannot be nil")
	case deps.Broker == nil:
		return nil, fmt.Errorf("broker cannot be nil")
	case deps.Engine == nil:
		return nil, fmt.Errorf("engine cannot be nil")
	case deps.Repository == nil:
		return nil, fmt.Errorf("repository cannot be nil")
	case logger == nil:
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Locks == nil {
		deps.Locks = phase.NewSessionLocks()
	}
	if deps.Publisher == nil {
		deps.Publisher = NoopPublisher{}
	}
	o := &Orchestrator{
		deps:           deps,
		logger:         logger,
		retrievalLimit: DefaultRetrievalLimit,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ProcessTurn handles one user message for sessionID.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sessionID, userID, query string) (*AgentResponse, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}
	start := o.now()
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx, span := tracer.Start(ctx, "Orchestrator.ProcessTurn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	release, err := o.deps.Locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	state, rev, err := o.deps.Repository.Load(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Error("loading agent state", zap.String("session.id", sessionID), zap.Error(err))
		turnsTotal.WithLabelValues(string(OutcomeDegraded)).Inc()
		return &AgentResponse{
			SessionID: sessionID,
			Outcome:   OutcomeDegraded,
			Phase:     phase.First,
			NextPhase: phase.First,
			Message:   "Session state is temporarily unavailable, so this message was not processed. Please retry shortly.",
			Error:     &TurnError{Kind: KindStateUnavailable, Message: err.Error()},
		}, nil
	}
	ctx = logging.WithCaseID(ctx, state.CaseID)
	span.SetAttributes(attribute.String("case.id", state.CaseID))

	var (
		cls    classifier.Classification
		bundle *memory.Bundle
		wg     sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		cls = o.deps.Classifier.Classify(ctx, query)
	}()
	go func() {
		defer wg.Done()
		bundle = o.deps.Coordinator.RetrieveRelevantContext(ctx, sessionID, userID, query, o.retrievalLimit)
	}()
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	memoryContext := o.deps.Builder.Build(contextbuilder.Request{
		Query:    query,
		Phase:    state.CurrentPhase.String(),
		Bundle:   bundle,
		Findings: facts(state),
		Now:      o.now(),
	})
	offered := o.deps.Broker.SelectTools(cls, state)

	result, err := o.deps.Engine.Execute(ctx, workflow.Input{
		Query:          query,
		UserID:         userID,
		Classification: cls,
		State:          state,
		MemoryContext:  memoryContext,
		Insights:       bundle.SessionInsights,
		Tools:          offered,
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	saved, next, saveErr := o.save(ctx, result, rev)
	if saveErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if saveErr == nil {
		// The state is committed; the remaining writes belong to this turn.
		ctx = context.WithoutCancel(ctx)
	}

	resp := &AgentResponse{
		SessionID:      sessionID,
		CaseID:         state.CaseID,
		Phase:          result.CurrentPhase,
		NextPhase:      next,
		DegradedTiers:  bundle.DegradedTiers,
		ToolsUsed:      result.ToolsUsed,
		Classification: cls,
		Outcome:        OutcomeAnswered,
		Message:        result.Message,
	}
	if resp.Message == "" {
		resp.Message = result.Reasoning
	}
	if saved != nil {
		resp.CaseID = saved.CaseID
		resp.Turn = saved.TurnCount
		resp.PhaseComplete = saved.PhaseHistory[len(saved.PhaseHistory)-1].Completed
	}

	switch {
	case saveErr != nil:
		resp.Outcome = OutcomeDegraded
		resp.NextPhase = state.CurrentPhase
		resp.PhaseComplete = false
		resp.Error = &TurnError{Kind: KindStateConflict, Message: saveErr.Error()}
		resp.Message = "Another update to this session happened at the same time, so this turn was not saved. Please resend your message."
	case errors.Is(result.Err, llm.ErrLLMCallFailure):
		resp.Outcome = OutcomeDegraded
		resp.Error = &TurnError{Kind: KindLLMFailure, Message: result.Err.Error()}
		resp.Message = "The reasoning model is unavailable right now. Your message was recorded; please retry in a moment."
	case errors.Is(result.Err, phase.ErrPhaseLoopDetected):
		resp.Outcome = OutcomeEscalated
		resp.Error = &TurnError{Kind: KindPhaseLoop, Message: result.Err.Error()}
		resp.Message = strings.TrimSpace(resp.Message + "\n\nThis case keeps returning to an earlier phase without new progress, so it is being escalated to a human responder.")
	case result.Err != nil:
		resp.Outcome = OutcomeDegraded
		resp.Error = &TurnError{Kind: KindInternal, Message: result.Err.Error()}
	case saved != nil && saved.Terminal && resp.PhaseComplete && result.CurrentPhase.Last():
		resp.Outcome = OutcomeResolved
	}

	if saveErr == nil {
		o.recordWorkingMemory(ctx, sessionID, saved.TurnCount, query, result, resp)
		if resp.Outcome == OutcomeResolved {
			o.recordEpisode(ctx, userID, saved, cls, bundle)
		}
		o.publish(ctx, userID, resp, cls)
		if o.deps.Queue != nil && !o.deps.Queue.Enqueue(memory.Job{SessionID: sessionID, UserID: userID}) {
			o.logger.Debug("consolidation job not queued", zap.String("session.id", sessionID))
		}
	}

	turnsTotal.WithLabelValues(string(resp.Outcome)).Inc()
	turnDuration.Observe(o.now().Sub(start).Seconds())
	if resp.Error != nil {
		span.SetStatus(codes.Error, resp.Error.Error())
	}
	o.logger.Info("turn processed",
		append(logging.ContextFields(ctx),
			zap.String("outcome", string(resp.Outcome)),
			zap.String("phase", resp.Phase.String()),
			zap.String("next_phase", resp.NextPhase.String()),
			zap.Bool("phase_complete", resp.PhaseComplete),
			zap.Strings("tools", resp.ToolsUsed),
			zap.Int("iterations", result.Iterations),
		)...)
	return resp, nil
}

// save writes the updated state. On a revision conflict the turn's outcome
// is re-applied once to the fresh state.
func (o *Orchestrator) save(ctx context.Context, result *workflow.Result, rev uint64) (*phase.AgentState, phase.Phase, error) {
	updated := result.UpdatedState
	next := result.NextPhase
	_, err := o.deps.Repository.Save(ctx, updated, rev)
	if err == nil {
		return updated, next, nil
	}
	if !errors.Is(err, phase.ErrStateConflict) {
		o.logger.Error("saving agent state", zap.String("session.id", updated.SessionID), zap.Error(err))
		return nil, "", err
	}

	stateConflicts.Inc()
	fresh, freshRev, err := o.deps.Repository.Load(ctx, updated.SessionID)
	if err != nil {
		return nil, "", err
	}
	reapplied, next, applyErr := workflow.Apply(o.deps.Engine.Machine(), fresh, result.Outcome)
	if applyErr != nil && !errors.Is(applyErr, phase.ErrPhaseLoopDetected) {
		return nil, "", applyErr
	}
	if _, err := o.deps.Repository.Save(ctx, reapplied, freshRev); err != nil {
		o.logger.Warn("agent state conflict persisted after re-apply",
			zap.String("session.id", updated.SessionID), zap.Error(err))
		return nil, "", err
	}
	return reapplied, next, nil
}

func (o *Orchestrator) recordWorkingMemory(ctx context.Context, sessionID string, turn int, query string, result *workflow.Result, resp *AgentResponse) {
	wm := o.deps.Coordinator.Working()
	turnStr := strconv.Itoa(turn)
	ts := o.now()

	items := []memory.MemoryItem{{
		Timestamp:   ts,
		ContentType: memory.ContentQuery,
		Content:     query,
		Metadata:    map[string]string{memory.MetaTurn: turnStr},
	}}
	for _, obs := range result.Observations {
		status := "ok"
		if !obs.Success {
			status = "error"
		}
		items = append(items, memory.MemoryItem{
			Timestamp:   ts,
			ContentType: memory.ContentObservation,
			Content:     obs.Content,
			Metadata:    map[string]string{memory.MetaTool: obs.Tool, memory.MetaStatus: status, memory.MetaTurn: turnStr},
		})
	}
	items = append(items, memory.MemoryItem{
		Timestamp:   ts,
		ContentType: memory.ContentResponse,
		Content:     resp.Message,
		Metadata:    map[string]string{memory.MetaTurn: turnStr},
	})

	for _, item := range items {
		if err := wm.Append(ctx, sessionID, item); err != nil {
			o.logger.Warn("working memory append failed", zap.String("session.id", sessionID), zap.Error(err))
			return
		}
	}
}

// recordEpisode stores a resolved case when the user has consented.
func (o *Orchestrator) recordEpisode(ctx context.Context, userID string, state *phase.AgentState, cls classifier.Classification, bundle *memory.Bundle) {
	profile := bundle.UserProfile
	if bundle.Degraded(memory.TierUser) {
		p, err := o.deps.Coordinator.User().GetProfile(ctx, userID)
		if err != nil {
			o.logger.Warn("skipping episode: profile unavailable", zap.String("user.id", userID), zap.Error(err))
			return
		}
		profile = p
	}
	if !profile.EpisodicConsent() {
		return
	}

	id, err := o.deps.Coordinator.Episodic().Store(ctx, userID, episodeSummary(state), memory.EpisodeMetadata{
		UserID:     userID,
		CaseID:     state.CaseID,
		Domain:     string(cls.Domain),
		Outcome:    string(OutcomeResolved),
		Confidence: episodeConfidence(state, cls),
		Timestamp:  o.now(),
		Consent:    true,
	})
	if err != nil {
		o.logger.Warn("episode not recorded", zap.String("case.id", state.CaseID), zap.Error(err))
		return
	}
	o.logger.Info("episode recorded", zap.String("case.id", state.CaseID), zap.String("episode.id", id))
}

func (o *Orchestrator) publish(ctx context.Context, userID string, resp *AgentResponse, cls classifier.Classification) {
	degraded := make([]string, 0, len(resp.DegradedTiers))
	for _, t := range resp.DegradedTiers {
		degraded = append(degraded, string(t))
	}
	err := o.deps.Publisher.Publish(ctx, TurnEvent{
		SessionID:     resp.SessionID,
		CaseID:        resp.CaseID,
		UserID:        userID,
		Turn:          resp.Turn,
		Phase:         resp.Phase.String(),
		NextPhase:     resp.NextPhase.String(),
		PhaseComplete: resp.PhaseComplete,
		Outcome:       resp.Outcome,
		ToolsUsed:     resp.ToolsUsed,
		DegradedTiers: degraded,
		Domain:        string(cls.Domain),
		Timestamp:     o.now(),
	})
	if err != nil {
		o.logger.Warn("turn event not published", zap.String("session.id", resp.SessionID), zap.Error(err))
	}
}

// MemoryHealth reports every tier's status.
func (o *Orchestrator) MemoryHealth(ctx context.Context) map[memory.Tier]string {
	return o.deps.Coordinator.Health(ctx)
}

// CloseSession marks the session terminal. Later turns only append history.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	release, err := o.deps.Locks.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	state, rev, err := o.deps.Repository.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	o.deps.Engine.Machine().Close(state)
	if _, err := o.deps.Repository.Save(ctx, state, rev); err != nil {
		return fmt.Errorf("closing session %s: %w", sessionID, err)
	}
	return nil
}

// ErrInvalidProfile is returned for profile updates that cannot be stored.
var ErrInvalidProfile = errors.New("invalid profile update")

// UpdateProfile merges fields into the user's profile and returns the
// merged profile. A nil value removes the field. Episodes are recorded only
// once the episodic_consent field is true.
func (o *Orchestrator) UpdateProfile(ctx context.Context, userID string, fields map[string]any) (*memory.UserProfile, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.UpdateProfile")
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id cannot be empty", ErrInvalidProfile)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields given", ErrInvalidProfile)
	}
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidProfile)
		}
		if _, ok := v.(bool); k == memory.ProfileEpisodicConsent && v != nil && !ok {
			return nil, fmt.Errorf("%w: %s must be a boolean", ErrInvalidProfile, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	users := o.deps.Coordinator.User()
	if err := users.UpdateProfile(ctx, userID, fields); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "updating profile")
		return nil, err
	}
	// Values are not logged.
	o.logger.Info("user profile updated", zap.String("user.id", userID), zap.Strings("fields", keys))
	return users.GetProfile(ctx, userID)
}

// Profile returns the user's profile. An unknown user has an empty one.
func (o *Orchestrator) Profile(ctx context.Context, userID string) (*memory.UserProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id cannot be empty", ErrInvalidProfile)
	}
	return o.deps.Coordinator.User().GetProfile(ctx, userID)
}

// PurgeSession deletes the session's agent state along with its working
// memory and insights. The next turn starts a new case.
func (o *Orchestrator) PurgeSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	ctx, span := tracer.Start(ctx, "Orchestrator.PurgeSession")
	defer span.End()

	release, err := o.deps.Locks.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	err = errors.Join(
		o.deps.Coordinator.PurgeSession(ctx, sessionID),
		o.deps.Repository.Delete(ctx, sessionID),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purging session")
		return fmt.Errorf("purging session %s: %w", sessionID, err)
	}
	o.logger.Info("session purged", zap.String("session.id", sessionID))
	return nil
}

// Close releases the publisher.
func (o *Orchestrator) Close() error {
	return o.deps.Publisher.Close()
}

func facts(state *phase.AgentState) []contextbuilder.Fact {
	out := make([]contextbuilder.Fact, 0, len(state.Findings))
	for _, f := range state.Findings {
		out = append(out, contextbuilder.Fact{Kind: f.Kind, Detail: f.Detail, Timestamp: f.Timestamp})
	}
	return out
}

func episodeSummary(state *phase.AgentState) string {
	var b strings.Builder
	for _, f := range state.Findings {
		fmt.Fprintf(&b, "%s: %s\n", f.Kind, f.Detail)
	}
	for _, h := range state.Hypotheses {
		if h.Status == phase.HypothesisConfirmed {
			fmt.Fprintf(&b, "root cause (%s): %s\n", h.Category, h.Statement)
		}
	}
	return strings.TrimSpace(b.String())
}

func episodeConfidence(state *phase.AgentState, cls classifier.Classification) float64 {
	best := 0.0
	for _, h := range state.Hypotheses {
		if h.Status == phase.HypothesisConfirmed && h.Confidence > best {
			best = h.Confidence
		}
	}
	if best == 0 {
		best = cls.Confidence
	}
	return best
}
