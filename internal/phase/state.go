package phase

import (
	"strings"
	"time"
)

// HypothesisStatus tracks a hypothesis through validation.
type HypothesisStatus string

const (
	HypothesisOpen      HypothesisStatus = "open"
	HypothesisConfirmed HypothesisStatus = "confirmed"
	HypothesisRefuted   HypothesisStatus = "refuted"
)

// Finding is a fact established during a phase.
type Finding struct {
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Phase     Phase     `json:"phase"`
	Source    string    `json:"source"` // "model" or a tool name
	Timestamp time.Time `json:"timestamp"`
}

// Hypothesis is a candidate root cause.
type Hypothesis struct {
	Category    string           `json:"category"`
	Statement   string           `json:"statement"`
	Confidence  float64          `json:"confidence"`
	Status      HypothesisStatus `json:"status"`
	CreatedTurn int              `json:"created_turn"`
}

// Transition is one phase history entry. Exactly one is appended per turn.
type Transition struct {
	Turn             int       `json:"turn"`
	Phase            Phase     `json:"phase"`
	Completed        bool      `json:"completed"`
	NextPhase        Phase     `json:"next_phase"`
	ReasoningSummary string    `json:"reasoning_summary"`
	Loopback         bool      `json:"loopback"`
	Timestamp        time.Time `json:"timestamp"`
}

// AgentState is the per-session state owned by the state machine.
type AgentState struct {
	SessionID    string            `json:"session_id"`
	CaseID       string            `json:"case_id"`
	CurrentPhase Phase             `json:"current_phase"`
	PhaseHistory []Transition      `json:"phase_history"`
	Findings     []Finding         `json:"findings"`
	Hypotheses   []Hypothesis      `json:"hypotheses"`
	ActionsTaken []string          `json:"actions_taken"`
	LoopCounts   map[string]int    `json:"loop_counts"`
	Context      map[string]string `json:"context,omitempty"`
	TurnCount    int               `json:"turn_count"`
	Terminal     bool              `json:"terminal"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewAgentState returns the state of a new session.
func NewAgentState(sessionID, caseID string) *AgentState {
	return &AgentState{
		SessionID:    sessionID,
		CaseID:       caseID,
		CurrentPhase: First,
		LoopCounts:   map[string]int{},
		Context:      map[string]string{},
	}
}

// Clone returns a deep copy.
func (s *AgentState) Clone() *AgentState {
	c := *s
	c.PhaseHistory = append([]Transition(nil), s.PhaseHistory...)
	c.Findings = append([]Finding(nil), s.Findings...)
	c.Hypotheses = append([]Hypothesis(nil), s.Hypotheses...)
	c.ActionsTaken = append([]string(nil), s.ActionsTaken...)
	c.LoopCounts = make(map[string]int, len(s.LoopCounts))
	for k, v := range s.LoopCounts {
		c.LoopCounts[k] = v
	}
	c.Context = make(map[string]string, len(s.Context))
	for k, v := range s.Context {
		c.Context[k] = v
	}
	return &c
}

// OpenHypotheses returns hypotheses still under consideration.
func (s *AgentState) OpenHypotheses() []Hypothesis {
	var out []Hypothesis
	for _, h := range s.Hypotheses {
		if h.Status == HypothesisOpen {
			out = append(out, h)
		}
	}
	return out
}

// FindingKinds returns the distinct finding kinds in first-seen order.
func (s *AgentState) FindingKinds() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range s.Findings {
		k := NormalizeKind(f.Kind)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// NormalizeKind lower-cases a kind and joins words with underscores.
func NormalizeKind(kind string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.ReplaceAll(kind, "-", " "))), "_")
}

func loopKey(from, to Phase) string { return string(from) + "->" + string(to) }
