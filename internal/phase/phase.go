// Package phase drives a troubleshooting session through a fixed diagnostic
// doctrine.
//
// A session moves forward through five phases. A phase completes only when
// the model claims completion and the phase's success criteria hold over the
// session state. An assessment may reopen an earlier phase. Each from→to
// reopen pair is bounded, and exceeding the bound yields
// ErrPhaseLoopDetected so the turn can be escalated.
//
// AgentState is persisted through Repository with compare-and-swap on the
// store revision, and SessionLocks serializes turns of one session within a
// process.
package phase

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("troubleshootd/phase")

var (
	// ErrPhaseLoopDetected is returned when a reopen pair exceeds the loop
	// bound.
	ErrPhaseLoopDetected = errors.New("phase loop detected")

	// ErrStateConflict is returned when a save races another writer.
	ErrStateConflict = errors.New("agent state conflict")

	// ErrUnknownPhase is returned when parsing an unknown phase name.
	ErrUnknownPhase = errors.New("unknown phase")

	// ErrInvalidDoctrine is returned for doctrine files that do not compile.
	ErrInvalidDoctrine = errors.New("invalid doctrine")
)

// Phase is a doctrine phase.
type Phase string

const (
	ScopeDefinition       Phase = "scope_definition"
	TimelineEstablishment Phase = "timeline_establishment"
	HypothesisFormation   Phase = "hypothesis_formation"
	HypothesisValidation  Phase = "hypothesis_validation"
	SolutionProposal      Phase = "solution_proposal"
)

// Phases lists every phase in order.
var Phases = []Phase{ScopeDefinition, TimelineEstablishment, HypothesisFormation, HypothesisValidation, SolutionProposal}

// First is the phase every session starts in.
const First = ScopeDefinition

// Index returns the position of p in Phases, or -1.
func (p Phase) Index() int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a member of Phases.
func (p Phase) Valid() bool { return p.Index() >= 0 }

// Last reports whether p is the final phase.
func (p Phase) Last() bool { return p == Phases[len(Phases)-1] }

// Next returns the following phase. The last phase returns itself.
func (p Phase) Next() Phase {
	i := p.Index()
	if i < 0 || i == len(Phases)-1 {
		return p
	}
	return Phases[i+1]
}

func (p Phase) String() string { return string(p) }

// Parse returns the phase named s.
func Parse(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
	}
	return p, nil
}
