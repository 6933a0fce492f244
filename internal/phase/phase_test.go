package phase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"github.com/fyrsmithlabs/troubleshootd/internal/kvstore"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine(opts ...MachineOption) *Machine {
	opts = append([]MachineOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewMachine(nil, opts...)
}

func addFinding(s *AgentState, kind string) {
	s.Findings = append(s.Findings, Finding{Kind: kind, Detail: kind, Phase: s.CurrentPhase, Source: "model"})
}

func TestParse(t *testing.T) {
	p, err := Parse("hypothesis_validation")
	require.NoError(t, err)
	assert.Equal(t, HypothesisValidation, p)

	_, err = Parse("root_cause")
	assert.ErrorIs(t, err, ErrUnknownPhase)

	assert.Equal(t, TimelineEstablishment, ScopeDefinition.Next())
	assert.Equal(t, SolutionProposal, SolutionProposal.Next())
	assert.True(t, SolutionProposal.Last())
	assert.False(t, Phase("bogus").Valid())
}

func TestMachine_AdvanceAppendsOneEntryPerTurn(t *testing.T) {
	m := newTestMachine()
	s := NewAgentState("s1", "case-1")

	for i := 1; i <= 6; i++ {
		p, err := m.Advance(s, Assessment{ClaimsComplete: i%2 == 0, Reasoning: "turn"})
		require.NoError(t, err)
		assert.True(t, p.Valid())
		assert.Len(t, s.PhaseHistory, i)
		assert.Equal(t, i, s.TurnCount)
		assert.Equal(t, fixedNow, s.UpdatedAt)
	}
}

func TestMachine_CompletionRequiresClaimAndCriteria(t *testing.T) {
	m := newTestMachine()
	s := NewAgentState("s1", "case-1")

	// Claim without evidence.
	p, err := m.Advance(s, Assessment{ClaimsComplete: true})
	require.NoError(t, err)
	assert.Equal(t, ScopeDefinition, p)
	assert.False(t, s.PhaseHistory[0].Completed)

	// Evidence without claim.
	addFinding(s, "symptom")
	addFinding(s, "Affected Component")
	p, err = m.Advance(s, Assessment{})
	require.NoError(t, err)
	assert.Equal(t, ScopeDefinition, p)

	// Both.
	p, err = m.Advance(s, Assessment{ClaimsComplete: true, Reasoning: "scope is clear"})
	require.NoError(t, err)
	assert.Equal(t, TimelineEstablishment, p)
	last := s.PhaseHistory[len(s.PhaseHistory)-1]
	assert.True(t, last.Completed)
	assert.Equal(t, ScopeDefinition, last.Phase)
	assert.Equal(t, TimelineEstablishment, last.NextPhase)
	assert.Equal(t, "scope is clear", last.ReasoningSummary)
}

func TestMachine_LoopBound(t *testing.T) {
	m := newTestMachine(WithPhaseConfig(config.PhaseConfig{LoopBound: 3}))
	s := NewAgentState("s1", "case-1")
	s.CurrentPhase = HypothesisValidation

	for i := 0; i < 3; i++ {
		p, err := m.Advance(s, Assessment{Reopen: HypothesisFormation, Reasoning: "new evidence"})
		require.NoError(t, err)
		assert.Equal(t, HypothesisFormation, p)
		assert.True(t, s.PhaseHistory[len(s.PhaseHistory)-1].Loopback)
		s.CurrentPhase = HypothesisValidation
	}
	assert.Equal(t, 3, s.LoopCounts["hypothesis_validation->hypothesis_formation"])

	p, err := m.Advance(s, Assessment{Reopen: HypothesisFormation})
	require.ErrorIs(t, err, ErrPhaseLoopDetected)
	assert.Equal(t, HypothesisValidation, p)
	assert.Equal(t, HypothesisValidation, s.CurrentPhase)
	assert.Len(t, s.PhaseHistory, 4)
	assert.False(t, s.PhaseHistory[3].Loopback)
}

func TestMachine_ReopenForwardIgnored(t *testing.T) {
	m := newTestMachine()
	s := NewAgentState("s1", "case-1")

	p, err := m.Advance(s, Assessment{Reopen: SolutionProposal})
	require.NoError(t, err)
	assert.Equal(t, ScopeDefinition, p)
	assert.Empty(t, s.LoopCounts)
}

func TestMachine_Terminal(t *testing.T) {
	m := newTestMachine()
	s := NewAgentState("s1", "case-1")
	s.CurrentPhase = SolutionProposal
	addFinding(s, "remediation")

	p, err := m.Advance(s, Assessment{ClaimsComplete: true})
	require.NoError(t, err)
	assert.Equal(t, SolutionProposal, p)
	assert.True(t, s.Terminal)

	p, err = m.Advance(s, Assessment{ClaimsComplete: true, Reopen: ScopeDefinition})
	require.NoError(t, err)
	assert.Equal(t, SolutionProposal, p)
	assert.Len(t, s.PhaseHistory, 2)
	assert.False(t, s.PhaseHistory[1].Completed)
}

func TestMachine_InvalidPhaseRecovered(t *testing.T) {
	m := newTestMachine()
	s := NewAgentState("s1", "case-1")
	s.CurrentPhase = "garbage"

	p, err := m.Advance(s, Assessment{})
	require.NoError(t, err)
	assert.Equal(t, First, p)
}

func TestMachine_DecayAndAnchoring(t *testing.T) {
	m := newTestMachine()
	s := NewAgentState("s1", "case-1")
	s.Hypotheses = []Hypothesis{
		{Category: "Network", Confidence: 1, Status: HypothesisOpen},
		{Category: "network", Confidence: 1, Status: HypothesisConfirmed},
		{Category: "network ", Confidence: 0.5, Status: HypothesisOpen},
	}

	m.DecayHypotheses(s)
	assert.InDelta(t, 0.85, s.Hypotheses[0].Confidence, 1e-9)
	assert.InDelta(t, 1.0, s.Hypotheses[1].Confidence, 1e-9)
	assert.InDelta(t, 0.425, s.Hypotheses[2].Confidence, 1e-9)

	category, anchored := m.Anchoring(s)
	assert.True(t, anchored)
	assert.Equal(t, "network", category)

	s.Hypotheses = append(s.Hypotheses, Hypothesis{Category: "database", Status: HypothesisOpen})
	_, anchored = m.Anchoring(s)
	assert.False(t, anchored)
}

func TestSummarizeTruncates(t *testing.T) {
	long := make([]rune, 400)
	for i := range long {
		long[i] = 'x'
	}
	out := []rune(summarize(string(long)))
	assert.Len(t, out, 280)
	assert.Equal(t, '…', out[279])
}

func TestDoctrine_Defaults(t *testing.T) {
	d := DefaultDoctrine()
	for _, p := range Phases {
		st := d.Stage(p)
		assert.Equal(t, p, st.Phase)
		assert.NotEmpty(t, st.Objective)
		assert.NotEmpty(t, st.KeyQuestions)
	}

	met, err := d.CriteriaMet(HypothesisFormation, Facts{HypothesesCount: 2})
	require.NoError(t, err)
	assert.True(t, met)

	met, err = d.CriteriaMet(TimelineEstablishment, Facts{FindingKinds: []string{"symptom"}})
	require.NoError(t, err)
	assert.False(t, met)

	_, err = d.CriteriaMet("bogus", Facts{})
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

func writeDoctrine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doctrine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDoctrine_Override(t *testing.T) {
	path := writeDoctrine(t, `
[[phase]]
name = "scope_definition"
objective = "Find the symptom."
success_criteria = 'findings_count >= 1 && "kubectl" in tools_used'
`)
	d, err := LoadDoctrine(path)
	require.NoError(t, err)

	st := d.Stage(ScopeDefinition)
	assert.Equal(t, "Find the symptom.", st.Objective)
	assert.NotEmpty(t, st.KeyQuestions)

	met, err := d.CriteriaMet(ScopeDefinition, Facts{FindingsCount: 1, ToolsUsed: []string{"kubectl"}})
	require.NoError(t, err)
	assert.True(t, met)

	met, err = d.CriteriaMet(ScopeDefinition, Facts{FindingsCount: 1})
	require.NoError(t, err)
	assert.False(t, met)

	// Untouched phases keep the built-in criteria.
	met, err = d.CriteriaMet(HypothesisValidation, Facts{ConfirmedCount: 1})
	require.NoError(t, err)
	assert.True(t, met)
}

func TestLoadDoctrine_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", `[[phase]
name = "x"`},
		{"unknown phase", `[[phase]]
name = "root_cause"
objective = "x"`},
		{"bad expression", `[[phase]]
name = "scope_definition"
success_criteria = "findings_count >="`},
		{"non boolean", `[[phase]]
name = "scope_definition"
success_criteria = "findings_count + 1"`},
		{"unknown variable", `[[phase]]
name = "scope_definition"
success_criteria = "severity > 2"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDoctrine(writeDoctrine(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalidDoctrine)
		})
	}
}

func TestLoadDoctrine_MissingFileUsesDefaults(t *testing.T) {
	d, err := LoadDoctrine(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDoctrine().Stage(SolutionProposal).SuccessCriteria, d.Stage(SolutionProposal).SuccessCriteria)

	d, err = LoadDoctrine("")
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	var n int
	repo, err := NewRepository(kvstore.NewMemoryStore(), 0, func() string {
		n++
		return fmt.Sprintf("case-%d", n)
	})
	require.NoError(t, err)
	return repo
}

func TestRepository_LoadSave(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	s, rev, err := repo.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rev)
	assert.Equal(t, "case-1", s.CaseID)
	assert.Equal(t, First, s.CurrentPhase)

	m := newTestMachine()
	addFinding(s, "symptom")
	_, err = m.Advance(s, Assessment{Reasoning: "first"})
	require.NoError(t, err)

	rev1, err := repo.Save(ctx, s, rev)
	require.NoError(t, err)
	assert.NotZero(t, rev1)

	loaded, rev2, err := repo.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, rev1, rev2)
	assert.Equal(t, "case-1", loaded.CaseID)
	assert.Equal(t, 1, loaded.TurnCount)
	assert.Len(t, loaded.PhaseHistory, 1)
	assert.Equal(t, []string{"symptom"}, loaded.FindingKinds())

	require.NoError(t, repo.Delete(ctx, "s1"))
	_, rev, err = repo.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rev)
}

func TestRepository_ConcurrentWritersConflict(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	m := newTestMachine()

	a, revA, err := repo.Load(ctx, "s1")
	require.NoError(t, err)
	b, revB, err := repo.Load(ctx, "s1")
	require.NoError(t, err)

	_, err = m.Advance(a, Assessment{Reasoning: "a"})
	require.NoError(t, err)
	_, err = m.Advance(b, Assessment{Reasoning: "b"})
	require.NoError(t, err)

	_, err = repo.Save(ctx, a, revA)
	require.NoError(t, err)
	_, err = repo.Save(ctx, b, revB)
	require.ErrorIs(t, err, ErrStateConflict)

	loaded, _, err := repo.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, loaded.PhaseHistory, 1)
	assert.Equal(t, "a", loaded.PhaseHistory[0].ReasoningSummary)
}

func TestNewRepository_Validation(t *testing.T) {
	_, err := NewRepository(nil, 0, func() string { return "x" })
	assert.Error(t, err)
	_, err = NewRepository(kvstore.NewMemoryStore(), 0, nil)
	assert.Error(t, err)
}

func TestSessionLocks_ContextCancel(t *testing.T) {
	locks := NewSessionLocks()
	release, err := locks.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "s1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Other sessions are independent.
	other, err := locks.Acquire(context.Background(), "s2")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.Equal(t, 0, locks.Len())

	again, err := locks.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, locks.Len())
}

func TestSessionLocks_Serializes(t *testing.T) {
	locks := NewSessionLocks()
	var inside, maxInside int32
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "s1")
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
	assert.Equal(t, 0, locks.Len())
}
