package workflow

import (
	"time"

	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
)

// Outcome is everything a turn decided, independent of the state it was
// computed against. Re-applying an Outcome to fresher state is how a turn
// recovers from a save conflict.
type Outcome struct {
	Directives Directives
	Reasoning  string
	ToolsUsed  []string
	// Partial is set when the loop ended without a final answer. Completion
	// claims are ignored for partial outcomes.
	Partial bool
	// Failed is set when the model call failed. Only a history entry is
	// recorded.
	Failed bool
	At     time.Time
}

// Apply returns a copy of state with outcome merged in and the phase
// advanced by exactly one history entry. state is not modified. The error
// is phase.ErrPhaseLoopDetected when a reopen exceeded the loop bound; the
// returned state is valid in that case too.
func Apply(m *phase.Machine, state *phase.AgentState, o Outcome) (*phase.AgentState, phase.Phase, error) {
	next := state.Clone()
	current := next.CurrentPhase
	if !current.Valid() {
		current = phase.First
	}
	turn := next.TurnCount + 1

	m.DecayHypotheses(next)

	d := o.Directives
	if o.Failed {
		d = Directives{}
	}

	for _, f := range d.Findings {
		if hasFinding(next, f) {
			continue
		}
		f.Phase = current
		if f.Source == "" {
			f.Source = "model"
		}
		f.Timestamp = o.At
		next.Findings = append(next.Findings, f)
	}
	for _, h := range d.Hypotheses {
		if hasHypothesis(next, h) {
			continue
		}
		h.CreatedTurn = turn
		if h.Status == "" {
			h.Status = phase.HypothesisOpen
		}
		next.Hypotheses = append(next.Hypotheses, h)
	}
	for _, c := range d.Confirmed {
		setStatus(next, c, phase.HypothesisConfirmed)
	}
	for _, c := range d.Refuted {
		setStatus(next, c, phase.HypothesisRefuted)
	}
	next.ActionsTaken = append(next.ActionsTaken, d.Actions...)
	for _, t := range o.ToolsUsed {
		next.ActionsTaken = append(next.ActionsTaken, "tool:"+t)
	}

	reasoning := o.Reasoning
	if d.Reopen != "" && d.ReopenReason != "" {
		reasoning = d.ReopenReason
	}
	p, err := m.Advance(next, phase.Assessment{
		ClaimsComplete: d.ClaimsComplete && !o.Partial,
		Reopen:         d.Reopen,
		Reasoning:      reasoning,
		ToolsUsed:      o.ToolsUsed,
	})
	return next, p, err
}

func hasFinding(s *phase.AgentState, f phase.Finding) bool {
	for _, existing := range s.Findings {
		if existing.Kind == f.Kind && existing.Detail == f.Detail {
			return true
		}
	}
	return false
}

func hasHypothesis(s *phase.AgentState, h phase.Hypothesis) bool {
	for _, existing := range s.Hypotheses {
		if existing.Category == h.Category && existing.Statement == h.Statement {
			return true
		}
	}
	return false
}

// setStatus resolves the most recent open hypothesis of category.
func setStatus(s *phase.AgentState, category string, status phase.HypothesisStatus) {
	for i := len(s.Hypotheses) - 1; i >= 0; i-- {
		h := &s.Hypotheses[i]
		if h.Category == category && h.Status == phase.HypothesisOpen {
			h.Status = status
			return
		}
	}
}
