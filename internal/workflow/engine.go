// Package workflow runs the bounded reason-act loop of one troubleshooting
// turn.
//
// The loop is an explicit state machine. It starts in Reasoning and calls
// the model. Tool requests move it to AwaitingTool, where every requested
// call runs concurrently under its own timeout. It then returns to
// Reasoning. A plain answer ends in Done and a model failure ends in
// Failed. The iteration count is bounded. The final answer's directive
// lines become an Outcome, and Apply turns that into the next AgentState.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/troubleshootd/internal/classifier"
	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"github.com/fyrsmithlabs/troubleshootd/internal/llm"
	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
	"github.com/fyrsmithlabs/troubleshootd/internal/secrets"
	"github.com/fyrsmithlabs/troubleshootd/internal/tools"
)

var tracer = otel.Tracer("troubleshootd/workflow")

// Defaults for Engine.
const (
	DefaultMaxIterations = 5
	DefaultToolTimeout   = 10 * time.Second
	DefaultMaxInsights   = 3

	maxObservationRunes = 2000
)

// LoopState is a state of the reason-act loop.
type LoopState string

const (
	StateReasoning    LoopState = "reasoning"
	StateAwaitingTool LoopState = "awaiting_tool"
	StateDone         LoopState = "done"
	StateFailed       LoopState = "failed"
	// StateExhausted ends a loop that hit the iteration bound while still
	// reasoning.
	StateExhausted LoopState = "exhausted"
)

// Input is one turn's worth of context for the loop.
type Input struct {
	Query          string
	UserID         string
	Classification classifier.Classification
	State          *phase.AgentState
	MemoryContext  string
	Insights       []memory.SessionInsight
	Tools          []tools.Descriptor
}

// Observation is one tool call result as shown to the model.
type Observation struct {
	Tool       string `json:"tool"`
	CallID     string `json:"call_id,omitempty"`
	Success    bool   `json:"success"`
	Content    string `json:"content"`
	DurationMS int64  `json:"duration_ms"`
}

// Result is the outcome of Execute.
type Result struct {
	Reasoning     string
	Message       string // Reasoning without directive lines
	CurrentPhase  phase.Phase
	NextPhase     phase.Phase
	PhaseComplete bool
	ToolsUsed     []string
	Observations  []Observation
	UpdatedState  *phase.AgentState
	Outcome       Outcome
	Iterations    int
	Loop          LoopState
	// Err is llm.ErrLLMCallFailure or phase.ErrPhaseLoopDetected when set.
	Err      error
	Metadata map[string]string
}

// Engine runs reason-act loops. It holds no per-turn state and is safe for
// concurrent use.
type Engine struct {
	provider      llm.Provider
	catalog       *tools.Catalog
	machine       *phase.Machine
	sanitizer     secrets.Sanitizer
	health        *tools.HealthRegistry
	logger        *zap.Logger
	maxIterations int
	toolTimeout   time.Duration
	maxInsights   int
	temperature   float64
	maxTokens     int
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkflowConfig applies iteration, tool timeout and insight limits.
func WithWorkflowConfig(cfg config.WorkflowConfig) Option {
	return func(e *Engine) {
		if cfg.MaxIterations > 0 {
			e.maxIterations = cfg.MaxIterations
		}
		if d := cfg.ToolTimeout.Duration(); d > 0 {
			e.toolTimeout = d
		}
		if cfg.MaxInsights > 0 {
			e.maxInsights = cfg.MaxInsights
		}
	}
}

// WithHealthRegistry records tool results for broker health checks.
func WithHealthRegistry(h *tools.HealthRegistry) Option {
	return func(e *Engine) { e.health = h }
}

// WithSanitizer redacts queries and observations before they reach the
// model.
func WithSanitizer(s secrets.Sanitizer) Option {
	return func(e *Engine) {
		if s != nil {
			e.sanitizer = s
		}
	}
}

// WithGeneration sets model temperature and output cap.
func WithGeneration(temperature float64, maxTokens int) Option {
	return func(e *Engine) {
		e.temperature = temperature
		e.maxTokens = maxTokens
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine.
func NewEngine(provider llm.Provider, catalog *tools.Catalog, machine *phase.Machine, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if machine == nil {
		return nil, fmt.Errorf("machine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	e := &Engine{
		provider:      provider,
		catalog:       catalog,
		machine:       machine,
		sanitizer:     secrets.Noop{},
		logger:        logger,
		maxIterations: DefaultMaxIterations,
		toolTimeout:   DefaultToolTimeout,
		maxInsights:   DefaultMaxInsights,
		temperature:   0.2,
		maxTokens:     1024,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Machine() *phase.Machine { return e.machine }

// Execute runs one turn. It returns an error only when ctx is done, in
// which case nothing should be persisted. Model failures and loop
// detection are reported in Result.Err with a valid UpdatedState.
func (e *Engine) Execute(ctx context.Context, in Input) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.Execute")
	defer span.End()

	if in.State == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}
	current := in.State.CurrentPhase
	if !current.Valid() {
		current = phase.First
	}
	span.SetAttributes(
		attribute.String("session.id", in.State.SessionID),
		attribute.String("phase", current.String()),
		attribute.Int("tools.offered", len(in.Tools)),
	)

	query := e.sanitizer.Sanitize(in.Query)
	req := llm.Request{
		System:      systemPrompt,
		Prompt:      e.buildPrompt(in, current, query),
		Tools:       toolSpecs(in.Tools),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}
	offered := make(map[string]bool, len(in.Tools))
	for _, d := range in.Tools {
		offered[d.Name] = true
	}

	res := &Result{CurrentPhase: current, Metadata: map[string]string{}}
	var lastText string
	var modelErr error
	seenTool := map[string]bool{}
	loop := StateReasoning

	for loop == StateReasoning {
		if res.Iterations >= e.maxIterations {
			loop = StateExhausted
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations++

		gen, err := e.provider.Generate(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			modelErr = err
			loop = StateFailed
			break
		}
		if text := strings.TrimSpace(gen.Text); text != "" {
			lastText = text
		}
		if len(gen.ToolCalls) == 0 {
			loop = StateDone
			break
		}

		loop = StateAwaitingTool
		obs, err := e.runTools(ctx, in.UserID, offered, gen.ToolCalls)
		if err != nil {
			return nil, err
		}
		for _, o := range obs {
			if !seenTool[o.Tool] && offered[o.Tool] {
				seenTool[o.Tool] = true
				res.ToolsUsed = append(res.ToolsUsed, o.Tool)
			}
		}
		res.Observations = append(res.Observations, obs...)
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: describeCalls(gen)},
			llm.Message{Role: llm.RoleUser, Content: renderObservations(obs)},
		)
		loop = StateReasoning
	}
	res.Loop = loop

	outcome := Outcome{ToolsUsed: res.ToolsUsed, At: e.now()}
	switch loop {
	case StateDone:
		outcome.Reasoning = lastText
		outcome.Directives = ParseDirectives(lastText)
	case StateExhausted:
		outcome.Reasoning = lastText
		outcome.Directives = ParseDirectives(lastText)
		outcome.Partial = true
		res.Metadata["exhausted"] = "true"
	case StateFailed:
		outcome.Failed = true
		outcome.Reasoning = "model call failed: " + modelErr.Error()
		res.Err = modelErr
		if !errors.Is(modelErr, llm.ErrLLMCallFailure) {
			res.Err = fmt.Errorf("%w: %v", llm.ErrLLMCallFailure, modelErr)
		}
	}
	res.Outcome = outcome
	res.Reasoning = outcome.Reasoning
	res.Message = stripDirectives(lastText)

	updated, next, err := Apply(e.machine, in.State, outcome)
	res.UpdatedState = updated
	res.NextPhase = next
	last := updated.PhaseHistory[len(updated.PhaseHistory)-1]
	res.PhaseComplete = last.Completed
	if err != nil && res.Err == nil {
		res.Err = err
	}

	loopsTotal.WithLabelValues(string(loop)).Inc()
	iterationsHist.Observe(float64(res.Iterations))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	e.logger.Debug("workflow turn finished",
		zap.String("session.id", in.State.SessionID),
		zap.String("loop", string(loop)),
		zap.Int("iterations", res.Iterations),
		zap.Strings("tools", res.ToolsUsed),
		zap.String("phase", current.String()),
		zap.String("next_phase", next.String()),
		zap.Bool("phase_complete", res.PhaseComplete))
	return res, nil
}

// runTools executes calls concurrently and waits for all of them. Results
// are discarded when ctx is done.
func (e *Engine) runTools(ctx context.Context, userID string, offered map[string]bool, calls []llm.ToolCall) ([]Observation, error) {
	ctx = tools.WithUserID(ctx, userID)
	obs := make([]Observation, len(calls))
	var mu sync.Mutex
	var g errgroup.Group

	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			o := e.runTool(ctx, offered, call)
			mu.Lock()
			obs[i] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return obs, nil
}

func (e *Engine) runTool(ctx context.Context, offered map[string]bool, call llm.ToolCall) Observation {
	o := Observation{Tool: call.Name, CallID: call.ID}
	if !offered[call.Name] {
		o.Content = fmt.Sprintf("ERROR: %s: %v: not offered in this phase", call.Name, tools.ErrUnknownTool)
		return o
	}
	t, err := e.catalog.Get(call.Name)
	if err != nil {
		o.Content = fmt.Sprintf("ERROR: %s: %v", call.Name, err)
		return o
	}

	r := tools.Run(ctx, t, call.Arguments, e.toolTimeout)
	if e.health != nil && ctx.Err() == nil {
		e.health.Record(call.Name, r)
	}
	o.Success = r.Success
	o.DurationMS = r.ExecutionTimeMS
	if !r.Success {
		o.Content = e.sanitizer.Sanitize(fmt.Sprintf("ERROR: %s: %s", call.Name, r.Error))
		return o
	}
	data, err := json.Marshal(r.Data)
	if err != nil {
		data = []byte(fmt.Sprint(r.Data))
	}
	o.Content = e.sanitizer.Sanitize(truncateRunes(string(data), maxObservationRunes))
	return o
}

func describeCalls(gen *llm.Generation) string {
	var b strings.Builder
	if t := strings.TrimSpace(gen.Text); t != "" {
		b.WriteString(t)
		b.WriteString("\n")
	}
	for _, c := range gen.ToolCalls {
		args := strings.TrimSpace(string(c.Arguments))
		if args == "" {
			args = "{}"
		}
		fmt.Fprintf(&b, "CALL %s %s\n", c.Name, args)
	}
	return strings.TrimSpace(b.String())
}

func renderObservations(obs []Observation) string {
	var b strings.Builder
	b.WriteString("Tool observations:\n")
	for _, o := range obs {
		fmt.Fprintf(&b, "[%s] %s\n", o.Tool, o.Content)
	}
	b.WriteString("\nContinue. Call more tools or give your answer with directive lines.")
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
