package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/troubleshootd/internal/contextbuilder"
	"github.com/fyrsmithlabs/troubleshootd/internal/llm"
	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
	"github.com/fyrsmithlabs/troubleshootd/internal/tools"
)

const systemPrompt = `You are a senior site reliability engineer working through a troubleshooting case one phase at a time.
Use the available tools when evidence would help. Do not guess values a tool can check.
Keep your answer short and concrete, then state your conclusions as directive lines.`

const directiveInstructions = `End your answer with directive lines, one per line, using only these forms:
FINDING <kind>: <detail>             (kinds include symptom, affected_component, onset, recent_change, evidence, remediation)
HYPOTHESIS <category> (<0-1>): <statement>
CONFIRMED <category>
REFUTED <category>
ACTION: <what you did or asked the user to do>
REOPEN <phase>: <why an earlier phase must be revisited>
PHASE_COMPLETE: yes|no
Say PHASE_COMPLETE: yes only when the phase objective is met.`

// topInsights returns up to n insights ranked by relevance to query. Ties go
// to the most frequent, then the newest.
func topInsights(query string, insights []memory.SessionInsight, n int) []memory.SessionInsight {
	type ranked struct {
		insight   memory.SessionInsight
		relevance float64
	}
	all := make([]ranked, len(insights))
	for i, in := range insights {
		all[i] = ranked{insight: in, relevance: contextbuilder.Similarity(query, in.Payload)}
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.relevance != b.relevance {
			return a.relevance > b.relevance
		}
		if a.insight.Count != b.insight.Count {
			return a.insight.Count > b.insight.Count
		}
		return a.insight.Timestamp.After(b.insight.Timestamp)
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]memory.SessionInsight, len(all))
	for i, r := range all {
		out[i] = r.insight
	}
	return out
}

func (e *Engine) buildPrompt(in Input, current phase.Phase, query string) string {
	stage := e.machine.Doctrine().Stage(current)
	var b strings.Builder

	fmt.Fprintf(&b, "## Phase: %s (%d of %d)\n", current, current.Index()+1, len(phase.Phases))
	fmt.Fprintf(&b, "Objective: %s\n", stage.Objective)
	if len(stage.KeyQuestions) > 0 {
		b.WriteString("Key questions:\n")
		for _, q := range stage.KeyQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	fmt.Fprintf(&b, "Completion check: %s\n", stage.SuccessCriteria)

	if ctx := strings.TrimSpace(in.MemoryContext); ctx != "" {
		b.WriteString("\n## Context\n")
		b.WriteString(ctx)
		b.WriteString("\n")
	}

	if top := topInsights(query, in.Insights, e.maxInsights); len(top) > 0 {
		b.WriteString("\n## Insights from this session\n")
		for _, ins := range top {
			fmt.Fprintf(&b, "- %s %s (seen %d times): %s\n", ins.Type, ins.Key, ins.Count, ins.Payload)
		}
	}

	if state := in.State; state != nil {
		if len(state.Findings) > 0 {
			b.WriteString("\n## Findings so far\n")
			for _, f := range state.Findings {
				fmt.Fprintf(&b, "- [%s] %s\n", f.Kind, f.Detail)
			}
		}
		if open := state.OpenHypotheses(); len(open) > 0 {
			b.WriteString("\n## Open hypotheses\n")
			for _, h := range open {
				fmt.Fprintf(&b, "- %s (%.2f): %s\n", h.Category, h.Confidence, h.Statement)
			}
		}
		if category, anchored := e.machine.Anchoring(state); anchored {
			fmt.Fprintf(&b, "\n## Warning\nThe most recent hypotheses are all in the %q category. Propose at least one hypothesis from a different category before validating.\n", category)
		}
	}

	b.WriteString("\n## Available tools\n")
	if len(in.Tools) == 0 {
		b.WriteString("none\n")
	}
	for _, d := range in.Tools {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}

	b.WriteString("\n## User query\n")
	b.WriteString(query)
	b.WriteString("\n\n")
	b.WriteString(directiveInstructions)
	return b.String()
}

func toolSpecs(ds []tools.Descriptor) []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(ds))
	for _, d := range ds {
		out = append(out, llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Schema})
	}
	return out
}
