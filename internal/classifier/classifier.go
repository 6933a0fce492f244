package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"github.com/fyrsmithlabs/troubleshootd/internal/llm"
	"github.com/fyrsmithlabs/troubleshootd/internal/secrets"
)

var classifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "troubleshootd",
	Subsystem: "classifier",
	Name:      "classifications_total",
	Help:      "Query classifications by source and whether confidence stayed low.",
}, []string{"source", "low_confidence"})

const (
	defaultThreshold      = 0.6
	defaultMaxQueryLength = 2000
)

const systemPrompt = `You classify troubleshooting requests. Reply with one JSON object and nothing else:
{"intent": "...", "complexity": "...", "domain": "...", "urgency": "...", "confidence": 0.0, "reasoning": "..."}
intent: diagnose_error | performance_issue | connectivity_issue | configuration_help | outage_report | general_troubleshooting
complexity: simple | moderate | complex
domain: infrastructure | network | database | application | security | unknown
urgency: low | medium | high | critical
confidence: a number between 0 and 1`

// Classifier labels queries. It is safe for concurrent use.
type Classifier struct {
	provider  llm.Provider
	sanitizer secrets.Sanitizer
	logger    *zap.Logger
	threshold float64
	maxQuery  int
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithProvider enables model escalation.
func WithProvider(p llm.Provider) Option {
	return func(c *Classifier) { c.provider = p }
}

// WithSanitizer redacts queries before they reach the model.
func WithSanitizer(s secrets.Sanitizer) Option {
	return func(c *Classifier) {
		if s != nil {
			c.sanitizer = s
		}
	}
}

// WithConfig applies the escalation threshold and query length limit.
func WithConfig(cfg config.ClassifierConfig) Option {
	return func(c *Classifier) {
		if cfg.EscalationThreshold > 0 {
			c.threshold = cfg.EscalationThreshold
		}
		if cfg.MaxQueryLength > 0 {
			c.maxQuery = cfg.MaxQueryLength
		}
	}
}

// New creates a Classifier. Without a provider only the pattern pass runs.
func New(logger *zap.Logger, opts ...Option) (*Classifier, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	c := &Classifier{
		sanitizer: secrets.Noop{},
		logger:    logger,
		threshold: defaultThreshold,
		maxQuery:  defaultMaxQueryLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify never fails. When the pattern pass is below the threshold and
// the model call also fails, Default is returned.
func (c *Classifier) Classify(ctx context.Context, query string) Classification {
	ctx, span := tracer.Start(ctx, "Classifier.Classify")
	defer span.End()

	result := c.classify(ctx, query)

	low := result.Confidence < c.threshold
	classifications.WithLabelValues(string(result.Source), fmt.Sprint(low)).Inc()
	span.SetAttributes(
		attribute.String("classification.source", string(result.Source)),
		attribute.String("classification.domain", string(result.Domain)),
		attribute.Float64("classification.confidence", result.Confidence),
	)
	if low {
		c.logger.Info("low confidence classification",
			zap.Error(ErrLowConfidence),
			zap.String("source", string(result.Source)),
			zap.Float64("confidence", result.Confidence),
			zap.Float64("threshold", c.threshold),
		)
	}
	return result
}

func (c *Classifier) classify(ctx context.Context, query string) Classification {
	pattern := classifyPatterns(query)
	if pattern.Confidence >= c.threshold || c.provider == nil {
		return pattern
	}

	model, err := c.escalate(ctx, query)
	if err != nil {
		c.logger.Warn("classification escalation failed, using default",
			zap.Error(err),
			zap.Float64("pattern_confidence", pattern.Confidence),
		)
		d := Default()
		d.Reasoning = "model classification failed"
		return d
	}
	return merge(pattern, model)
}

// modelClassification is the JSON shape the model is asked for.
type modelClassification struct {
	Intent     string   `json:"intent"`
	Complexity string   `json:"complexity"`
	Domain     string   `json:"domain"`
	Urgency    string   `json:"urgency"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

func (c *Classifier) escalate(ctx context.Context, query string) (modelClassification, error) {
	q := c.sanitizer.Sanitize(query)
	if utf8.RuneCountInString(q) > c.maxQuery {
		q = string([]rune(q)[:c.maxQuery])
	}
	gen, err := c.provider.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      q,
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		return modelClassification{}, err
	}
	return parseModelOutput(gen.Text)
}

// parseModelOutput extracts the first JSON object from text.
func parseModelOutput(text string) (modelClassification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return modelClassification{}, fmt.Errorf("no JSON object in model output")
	}
	var m modelClassification
	if err := json.Unmarshal([]byte(text[start:end+1]), &m); err != nil {
		return modelClassification{}, fmt.Errorf("decoding model output: %w", err)
	}
	return m, nil
}

// merge prefers model fields that are known values. Confidence is the
// larger of the two.
func merge(pattern Classification, m modelClassification) Classification {
	out := pattern
	out.Source = SourceMerged

	if v := Intent(strings.ToLower(m.Intent)); knownIntents[v] {
		out.Intent = v
	}
	if v := Complexity(strings.ToLower(m.Complexity)); knownComplexities[v] {
		out.Complexity = v
	}
	if v := Domain(strings.ToLower(m.Domain)); knownDomains[v] {
		// An "unknown" from the model does not erase pattern evidence.
		if v != DomainUnknown || out.Domain == DomainUnknown {
			out.Domain = v
		}
	}
	if v := Urgency(strings.ToLower(m.Urgency)); knownUrgencies[v] {
		out.Urgency = v
	}
	if m.Confidence != nil {
		out.Confidence = math.Max(pattern.Confidence, clamp01(*m.Confidence))
	}
	if m.Reasoning != "" {
		out.Reasoning = m.Reasoning
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
