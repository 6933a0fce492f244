package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
)

// Defaults.
const (
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 2
	defaultBaseBackoff = 500 * time.Millisecond
	defaultRateLimit   = 2.0 // requests per second
	defaultBurst       = 4
	defaultMaxTokens   = 1024
)

// LangChainProvider adapts a langchaingo model.
type LangChainProvider struct {
	model       llms.Model
	name        string
	logger      *zap.Logger
	limiter     *rate.Limiter
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	temperature float64
	maxTokens   int
}

// Option configures a LangChainProvider.
type Option func(*LangChainProvider)

// WithRateLimit sets the client-side request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *LangChainProvider) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRetries sets the retry count and the base of the exponential backoff.
func WithRetries(maxRetries int, baseBackoff time.Duration) Option {
	return func(p *LangChainProvider) {
		if maxRetries >= 0 {
			p.maxRetries = maxRetries
		}
		if baseBackoff > 0 {
			p.baseBackoff = baseBackoff
		}
	}
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *LangChainProvider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithDefaults sets temperature and max tokens used when a request leaves
// them zero.
func WithDefaults(temperature float64, maxTokens int) Option {
	return func(p *LangChainProvider) {
		p.temperature = temperature
		if maxTokens > 0 {
			p.maxTokens = maxTokens
		}
	}
}

// WithName labels metrics and logs.
func WithName(name string) Option {
	return func(p *LangChainProvider) { p.name = name }
}

// NewLangChainProvider wraps model.
func NewLangChainProvider(model llms.Model, logger *zap.Logger, opts ...Option) (*LangChainProvider, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	p := &LangChainProvider{
		model:       model,
		name:        "langchain",
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		timeout:     defaultTimeout,
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		maxTokens:   defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// New builds a provider from configuration.
func New(cfg config.LLMConfig, logger *zap.Logger) (*LangChainProvider, error) {
	var (
		model llms.Model
		err   error
	)
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		if cfg.Model == "" {
			return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
		}
		token := cfg.APIKey.Value()
		if token == "" {
			// Local OpenAI-compatible servers ignore the token but langchaingo requires one.
			token = "placeholder"
		}
		opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(token)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "anthropic":
		if cfg.APIKey.Value() == "" {
			return nil, fmt.Errorf("%w: anthropic API key required", ErrInvalidConfig)
		}
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model), anthropic.WithToken(cfg.APIKey.Value())}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err = anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", cfg.Provider, err)
	}

	return NewLangChainProvider(model, logger,
		WithName(strings.ToLower(cfg.Provider)),
		WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		WithRetries(cfg.MaxRetries, 0),
		WithTimeout(cfg.Timeout.Duration()),
		WithDefaults(cfg.Temperature, cfg.MaxTokens),
	)
}

// Generate runs req with rate limiting and retries. Every failure after the
// last attempt wraps ErrLLMCallFailure.
func (p *LangChainProvider) Generate(ctx context.Context, req Request) (*Generation, error) {
	ctx, span := tracer.Start(ctx, "LangChainProvider.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.provider", p.name), attribute.Int("llm.tools", len(req.Tools)))

	messages := toMessages(req)
	options := p.callOptions(req)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.baseBackoff * time.Duration(1<<(attempt-1))
			retriesTotal.WithLabelValues(p.name).Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		start := time.Now()
		gen, err := p.attempt(ctx, timeout, messages, options)
		observe(p.name, start, err)
		if err == nil {
			span.SetAttributes(attribute.Int("llm.attempts", attempt+1))
			return gen, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		p.logger.Warn("llm call failed",
			zap.String("provider", p.name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if !isRetryable(err) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "llm call failed")
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrLLMCallFailure, p.maxRetries+1, lastErr)
}

func (p *LangChainProvider) attempt(ctx context.Context, timeout time.Duration, messages []llms.MessageContent, options []llms.CallOption) (*Generation, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.model.GenerateContent(ctx, messages, options...)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	gen := &Generation{Text: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		args := json.RawMessage(tc.FunctionCall.Arguments)
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		gen.ToolCalls = append(gen.ToolCalls, ToolCall{ID: tc.ID, Name: tc.FunctionCall.Name, Arguments: args})
	}
	return gen, nil
}

func (p *LangChainProvider) callOptions(req Request) []llms.CallOption {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	opts := []llms.CallOption{llms.WithTemperature(temperature), llms.WithMaxTokens(maxTokens)}
	if len(req.Tools) > 0 {
		tools := make([]llms.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
		opts = append(opts, llms.WithTools(tools))
	}
	return opts
}

func toMessages(req Request) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(req.Messages)+2)
	if req.System != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

// isRetryable treats everything except configuration and caller errors as
// transient. Provider clients do not expose status codes uniformly.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidConfig) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fatal := range []string{"401", "403", "invalid api key", "unauthorized", "invalid_request_error"} {
		if strings.Contains(msg, fatal) {
			return false
		}
	}
	return true
}
