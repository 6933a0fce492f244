package phase

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/cel-go/cel"
)

// Stage is the doctrine entry of one phase.
type Stage struct {
	Phase           Phase    `toml:"name"`
	Objective       string   `toml:"objective"`
	KeyQuestions    []string `toml:"key_questions"`
	SuccessCriteria string   `toml:"success_criteria"` // CEL, must evaluate to bool

	program cel.Program
}

// Facts is the evaluation input of success criteria.
type Facts struct {
	FindingKinds    []string
	FindingsCount   int
	HypothesesCount int
	ConfirmedCount  int
	ToolsUsed       []string
	TurnCount       int
}

func (f Facts) activation() map[string]any {
	kinds := f.FindingKinds
	if kinds == nil {
		kinds = []string{}
	}
	tools := f.ToolsUsed
	if tools == nil {
		tools = []string{}
	}
	return map[string]any{
		"finding_kinds":    kinds,
		"findings_count":   int64(f.FindingsCount),
		"hypotheses_count": int64(f.HypothesesCount),
		"confirmed_count":  int64(f.ConfirmedCount),
		"tools_used":       tools,
		"turn_count":       int64(f.TurnCount),
	}
}

// FactsFrom derives criteria facts from state and the tools used this turn.
func FactsFrom(state *AgentState, toolsUsed []string) Facts {
	f := Facts{
		FindingKinds:    state.FindingKinds(),
		FindingsCount:   len(state.Findings),
		HypothesesCount: len(state.Hypotheses),
		ToolsUsed:       toolsUsed,
		TurnCount:       state.TurnCount,
	}
	for _, h := range state.Hypotheses {
		if h.Status == HypothesisConfirmed {
			f.ConfirmedCount++
		}
	}
	return f
}

// Doctrine is the compiled, read-only stage table.
type Doctrine struct {
	stages map[Phase]*Stage
}

var defaultStages = []Stage{
	{
		Phase:     ScopeDefinition,
		Objective: "Establish what is broken, where, and for whom.",
		KeyQuestions: []string{
			"What is the observable symptom?",
			"Which component, service or environment is affected?",
			"Who is impacted and how badly?",
		},
		SuccessCriteria: `"symptom" in finding_kinds && "affected_component" in finding_kinds`,
	},
	{
		Phase:     TimelineEstablishment,
		Objective: "Establish when the problem started and what changed around then.",
		KeyQuestions: []string{
			"When was the problem first observed?",
			"What deployments, config or infrastructure changes happened near that time?",
			"Is the problem constant, intermittent or worsening?",
		},
		SuccessCriteria: `"onset" in finding_kinds || "recent_change" in finding_kinds`,
	},
	{
		Phase:     HypothesisFormation,
		Objective: "Propose competing explanations across different categories.",
		KeyQuestions: []string{
			"Which causes are consistent with the scope and timeline?",
			"What evidence would distinguish between them?",
		},
		SuccessCriteria: `hypotheses_count >= 2`,
	},
	{
		Phase:     HypothesisValidation,
		Objective: "Test hypotheses against evidence until one is confirmed.",
		KeyQuestions: []string{
			"Which hypothesis is cheapest to test next?",
			"What did the last check confirm or rule out?",
		},
		SuccessCriteria: `confirmed_count >= 1`,
	},
	{
		Phase:     SolutionProposal,
		Objective: "Propose a remediation for the confirmed cause and a way to verify it.",
		KeyQuestions: []string{
			"What change addresses the confirmed cause?",
			"How will the user verify the fix?",
			"What prevents recurrence?",
		},
		SuccessCriteria: `"remediation" in finding_kinds`,
	},
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("finding_kinds", cel.ListType(cel.StringType)),
		cel.Variable("findings_count", cel.IntType),
		cel.Variable("hypotheses_count", cel.IntType),
		cel.Variable("confirmed_count", cel.IntType),
		cel.Variable("tools_used", cel.ListType(cel.StringType)),
		cel.Variable("turn_count", cel.IntType),
	)
}

// DefaultDoctrine returns the built-in doctrine.
func DefaultDoctrine() *Doctrine {
	d, err := compile(defaultStages)
	if err != nil {
		panic(fmt.Sprintf("built-in doctrine does not compile: %v", err))
	}
	return d
}

type doctrineFile struct {
	Phase []Stage `toml:"phase"`
}

// LoadDoctrine returns the built-in doctrine with stages overridden by the
// TOML file at path. An empty path or missing file yields the defaults.
//
//	[[phase]]
//	name = "scope_definition"
//	objective = "..."
//	key_questions = ["..."]
//	success_criteria = '"symptom" in finding_kinds'
func LoadDoctrine(path string) (*Doctrine, error) {
	if path == "" {
		return DefaultDoctrine(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultDoctrine(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading doctrine %s: %w", path, err)
	}

	var file doctrineFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDoctrine, path, err)
	}

	stages := append([]Stage(nil), defaultStages...)
	for _, override := range file.Phase {
		i := override.Phase.Index()
		if i < 0 {
			return nil, fmt.Errorf("%w: unknown phase %q", ErrInvalidDoctrine, override.Phase)
		}
		merged := stages[i]
		if override.Objective != "" {
			merged.Objective = override.Objective
		}
		if len(override.KeyQuestions) > 0 {
			merged.KeyQuestions = override.KeyQuestions
		}
		if override.SuccessCriteria != "" {
			merged.SuccessCriteria = override.SuccessCriteria
		}
		stages[i] = merged
	}
	return compile(stages)
}

func compile(stages []Stage) (*Doctrine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	d := &Doctrine{stages: make(map[Phase]*Stage, len(stages))}
	for _, s := range stages {
		ast, issues := env.Compile(s.SuccessCriteria)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: %s criteria: %v", ErrInvalidDoctrine, s.Phase, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: %s criteria must be boolean, got %s", ErrInvalidDoctrine, s.Phase, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: %s criteria: %v", ErrInvalidDoctrine, s.Phase, err)
		}
		stage := s
		stage.KeyQuestions = append([]string(nil), s.KeyQuestions...)
		stage.program = prg
		d.stages[s.Phase] = &stage
	}
	for _, p := range Phases {
		if d.stages[p] == nil {
			return nil, fmt.Errorf("%w: missing phase %s", ErrInvalidDoctrine, p)
		}
	}
	return d, nil
}

// Stage returns the doctrine entry for p. Unknown phases return the first
// stage.
func (d *Doctrine) Stage(p Phase) Stage {
	s, ok := d.stages[p]
	if !ok {
		s = d.stages[First]
	}
	out := *s
	out.KeyQuestions = append([]string(nil), s.KeyQuestions...)
	return out
}

// CriteriaMet evaluates p's success criteria. Evaluation errors count as
// unmet.
func (d *Doctrine) CriteriaMet(p Phase, facts Facts) (bool, error) {
	s, ok := d.stages[p]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownPhase, p)
	}
	out, _, err := s.program.Eval(facts.activation())
	if err != nil {
		return false, fmt.Errorf("evaluating %s criteria: %w", p, err)
	}
	met, _ := out.Value().(bool)
	return met, nil
}
