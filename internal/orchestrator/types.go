package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/troubleshootd/internal/classifier"
	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
)

// Outcome summarizes how a turn ended.
type Outcome string

const (
	// OutcomeAnswered is a normal turn.
	OutcomeAnswered Outcome = "answered"
	// OutcomeResolved means the final phase completed.
	OutcomeResolved Outcome = "resolved"
	// OutcomeEscalated means the case needs a human, e.g. after a phase loop.
	OutcomeEscalated Outcome = "escalated"
	// OutcomeDegraded means the turn could not be completed normally.
	OutcomeDegraded Outcome = "degraded"
)

// TurnErrorKind classifies a TurnError.
type TurnErrorKind string

const (
	KindLLMFailure       TurnErrorKind = "llm_failure"
	KindPhaseLoop        TurnErrorKind = "phase_loop"
	KindStateConflict    TurnErrorKind = "state_conflict"
	KindStateUnavailable TurnErrorKind = "state_unavailable"
	KindInternal         TurnErrorKind = "internal"
)

// TurnError is carried on a response when the turn did not go normally.
type TurnError struct {
	Kind    TurnErrorKind `json:"kind"`
	Message string        `json:"message"`
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AgentResponse is the result of ProcessTurn.
type AgentResponse struct {
	SessionID      string                    `json:"session_id"`
	CaseID         string                    `json:"case_id"`
	Message        string                    `json:"message"`
	Phase          phase.Phase               `json:"phase"`
	NextPhase      phase.Phase               `json:"next_phase"`
	PhaseComplete  bool                      `json:"phase_complete"`
	Outcome        Outcome                   `json:"outcome"`
	DegradedTiers  []memory.Tier             `json:"degraded_tiers,omitempty"`
	ToolsUsed      []string                  `json:"tools_used,omitempty"`
	Classification classifier.Classification `json:"classification"`
	Turn           int                       `json:"turn"`
	Error          *TurnError                `json:"error,omitempty"`
}
