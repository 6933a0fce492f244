package phase

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
)

// Defaults for Machine.
const (
	DefaultLoopBound          = 3
	DefaultDecayFactor        = 0.85
	DefaultAnchoringThreshold = 3
)

// Assessment is the model's view of the turn that just ran.
type Assessment struct {
	ClaimsComplete bool
	// Reopen names an earlier phase to return to. Empty means none.
	Reopen    Phase
	Reasoning string
	ToolsUsed []string
}

// Machine applies assessments to agent state. It holds no per-session data
// and is safe for concurrent use.
type Machine struct {
	doctrine           *Doctrine
	loopBound          int
	decayFactor        float64
	anchoringThreshold int
	now                func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithPhaseConfig applies loop bound, decay and anchoring threshold.
func WithPhaseConfig(cfg config.PhaseConfig) MachineOption {
	return func(m *Machine) {
		if cfg.LoopBound > 0 {
			m.loopBound = cfg.LoopBound
		}
		if cfg.DecayFactor > 0 && cfg.DecayFactor <= 1 {
			m.decayFactor = cfg.DecayFactor
		}
		if cfg.AnchoringThreshold > 0 {
			m.anchoringThreshold = cfg.AnchoringThreshold
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a state machine over doctrine. A nil doctrine uses the
// built-in one.
func NewMachine(doctrine *Doctrine, opts ...MachineOption) *Machine {
	if doctrine == nil {
		doctrine = DefaultDoctrine()
	}
	m := &Machine{
		doctrine:           doctrine,
		loopBound:          DefaultLoopBound,
		decayFactor:        DefaultDecayFactor,
		anchoringThreshold: DefaultAnchoringThreshold,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Doctrine() *Doctrine { return m.doctrine }

// LoopBound returns the maximum reopen count per phase pair.
func (m *Machine) LoopBound() int { return m.loopBound }

// Advance records one turn on state and returns the resulting phase. It
// always appends exactly one history entry and always leaves CurrentPhase a
// valid phase.
//
// A reopen request moves back to the named phase unless that pair has
// already looped LoopBound times, in which case the phase is kept and
// ErrPhaseLoopDetected is returned. Otherwise the phase completes when the
// assessment claims it and the doctrine criteria hold.
func (m *Machine) Advance(state *AgentState, a Assessment) (Phase, error) {
	if !state.CurrentPhase.Valid() {
		state.CurrentPhase = First
	}
	if state.LoopCounts == nil {
		state.LoopCounts = map[string]int{}
	}
	now := m.now()
	state.TurnCount++
	state.UpdatedAt = now

	current := state.CurrentPhase
	entry := Transition{
		Turn:             state.TurnCount,
		Phase:            current,
		NextPhase:        current,
		ReasoningSummary: summarize(a.Reasoning),
		Timestamp:        now,
	}

	if state.Terminal {
		state.PhaseHistory = append(state.PhaseHistory, entry)
		return current, nil
	}

	if a.Reopen != "" && a.Reopen.Valid() && a.Reopen.Index() < current.Index() {
		key := loopKey(current, a.Reopen)
		if state.LoopCounts[key]+1 > m.loopBound {
			entry.ReasoningSummary = summarize(fmt.Sprintf("loop bound %d exceeded for %s; %s", m.loopBound, key, a.Reasoning))
			state.PhaseHistory = append(state.PhaseHistory, entry)
			return current, fmt.Errorf("%w: %s reopened more than %d times", ErrPhaseLoopDetected, key, m.loopBound)
		}
		state.LoopCounts[key]++
		state.CurrentPhase = a.Reopen
		entry.NextPhase = a.Reopen
		entry.Loopback = true
		state.PhaseHistory = append(state.PhaseHistory, entry)
		return state.CurrentPhase, nil
	}

	met, err := m.doctrine.CriteriaMet(current, FactsFrom(state, a.ToolsUsed))
	if err != nil {
		met = false
	}
	entry.Completed = a.ClaimsComplete && met
	if entry.Completed {
		if current.Last() {
			state.Terminal = true
		} else {
			state.CurrentPhase = current.Next()
		}
		entry.NextPhase = state.CurrentPhase
	}
	state.PhaseHistory = append(state.PhaseHistory, entry)
	return state.CurrentPhase, nil
}

// Close marks the session terminal.
func (m *Machine) Close(state *AgentState) {
	state.Terminal = true
	state.UpdatedAt = m.now()
}

// DecayHypotheses scales the confidence of every open hypothesis.
func (m *Machine) DecayHypotheses(state *AgentState) {
	for i := range state.Hypotheses {
		if state.Hypotheses[i].Status == HypothesisOpen {
			state.Hypotheses[i].Confidence *= m.decayFactor
		}
	}
}

// Anchoring reports whether the most recent hypotheses all share one
// category, and which.
func (m *Machine) Anchoring(state *AgentState) (string, bool) {
	n := m.anchoringThreshold
	if n < 2 || len(state.Hypotheses) < n {
		return "", false
	}
	recent := state.Hypotheses[len(state.Hypotheses)-n:]
	category := NormalizeKind(recent[0].Category)
	for _, h := range recent[1:] {
		if NormalizeKind(h.Category) != category {
			return "", false
		}
	}
	return category, true
}

func summarize(s string) string {
	const limit = 280
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
