// Package tools provides the diagnostic tool catalog and the broker that
// picks which tools the model may call in a given phase and domain.
//
// Tools are tagged variants behind the Tool interface. The catalog is built
// once at startup and injected; selection is table driven.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("troubleshootd/tools")

// Category groups tools by what they inspect.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryObservability Category = "observability"
	CategoryPlatform      Category = "platform"
	CategoryKnowledge     Category = "knowledge"
)

// SafetyLevel says whether a tool may change the systems it touches.
type SafetyLevel string

const (
	ReadOnly SafetyLevel = "read_only"
	Mutating SafetyLevel = "mutating"
)

// Descriptor is a static catalog entry.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"` // JSON schema of the parameters
	Category    Category       `json:"category"`
	SafetyLevel SafetyLevel    `json:"safety_level"`
}

// Result is the outcome of one call.
type Result struct {
	Success         bool              `json:"success"`
	Data            map[string]any    `json:"data,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
	Error           string            `json:"error,omitempty"`

	// Err keeps the typed cause of a failure for errors.Is checks.
	Err error `json:"-"`
}

// Tool is one diagnostic capability. Execute never panics out and reports
// failures in the Result.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, params json.RawMessage) Result
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error(), Err: err}
}

func success(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Run executes t under timeout and fills timing and metrics. A deadline hit
// is reported as ErrToolTimeout and a panic as ErrToolExecution.
func Run(ctx context.Context, t Tool, params json.RawMessage, timeout time.Duration) (res Result) {
	name := t.Descriptor().Name
	ctx, span := tracer.Start(ctx, "tools.Run")
	span.SetAttributes(attribute.String("tool.name", name))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- failure(fmt.Errorf("%w: %s panicked: %v", ErrToolExecution, name, r))
			}
		}()
		done <- t.Execute(ctx, params)
	}()

	select {
	case res = <-done:
		if !res.Success && ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = failure(fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, timeout))
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = failure(fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, timeout))
		} else {
			res = failure(ctx.Err())
		}
	}

	elapsed := time.Since(start)
	res.ExecutionTimeMS = elapsed.Milliseconds()
	if res.Err == nil && !res.Success && res.Error != "" {
		res.Err = fmt.Errorf("%w: %s", ErrToolExecution, res.Error)
	}

	outcome := "ok"
	switch {
	case errors.Is(res.Err, ErrToolTimeout):
		outcome = "timeout"
	case !res.Success:
		outcome = "error"
	}
	callsTotal.WithLabelValues(name, outcome).Inc()
	callDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if !res.Success {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

// decodeParams unmarshals params into v. Empty params decode as {}.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
