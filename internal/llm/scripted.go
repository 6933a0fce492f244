package llm

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays a fixed sequence of generations. It records every
// request and is safe for concurrent use. Tests and offline runs use it in
// place of a real model.
type Scripted struct {
	mu       sync.Mutex
	steps    []ScriptStep
	requests []Request
	// Fallback answers once the script is exhausted. Nil makes further
	// calls fail.
	Fallback func(Request) (*Generation, error)
}

// ScriptStep is one scripted reply.
type ScriptStep struct {
	Generation *Generation
	Err        error
}

// NewScripted creates a provider replying with steps in order.
func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{steps: steps}
}

// Reply is shorthand for a plain text step.
func Reply(text string) ScriptStep {
	return ScriptStep{Generation: &Generation{Text: text}}
}

// CallTools is shorthand for a step that requests tool calls.
func CallTools(calls ...ToolCall) ScriptStep {
	return ScriptStep{Generation: &Generation{ToolCalls: calls}}
}

// Fail is shorthand for a failing step.
func Fail(err error) ScriptStep {
	return ScriptStep{Err: err}
}

func (s *Scripted) Generate(ctx context.Context, req Request) (*Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		fallback := s.Fallback
		s.mu.Unlock()
		if fallback != nil {
			return fallback(req)
		}
		return nil, fmt.Errorf("%w: script exhausted", ErrLLMCallFailure)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}
	gen := *step.Generation
	return &gen, nil
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
