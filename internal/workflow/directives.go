package workflow

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
)

// DefaultHypothesisConfidence is used when a HYPOTHESIS line gives none.
const DefaultHypothesisConfidence = 0.6

// Directives is what the model asserted in its final answer.
type Directives struct {
	Findings       []phase.Finding
	Hypotheses     []phase.Hypothesis
	Confirmed      []string
	Refuted        []string
	Actions        []string
	Reopen         phase.Phase
	ReopenReason   string
	ClaimsComplete bool
}

// Empty reports whether no directive was found.
func (d Directives) Empty() bool {
	return len(d.Findings) == 0 && len(d.Hypotheses) == 0 && len(d.Confirmed) == 0 &&
		len(d.Refuted) == 0 && len(d.Actions) == 0 && d.Reopen == "" && !d.ClaimsComplete
}

var (
	findingRe    = regexp.MustCompile(`(?i)^FINDING\s+([\w\- ]+?)\s*:\s*(.+)$`)
	hypothesisRe = regexp.MustCompile(`(?i)^HYPOTHESIS\s+([\w\- ]+?)\s*(?:\(\s*([0-9]*\.?[0-9]+)\s*\))?\s*:\s*(.+)$`)
	confirmedRe  = regexp.MustCompile(`(?i)^CONFIRMED\s+([\w\- ]+?)\s*(?::.*)?$`)
	refutedRe    = regexp.MustCompile(`(?i)^REFUTED\s+([\w\- ]+?)\s*(?::.*)?$`)
	actionRe     = regexp.MustCompile(`(?i)^ACTION\s*:\s*(.+)$`)
	reopenRe     = regexp.MustCompile(`(?i)^REOPEN\s+([a-z_]+)\s*(?::\s*(.*))?$`)
	completeRe   = regexp.MustCompile(`(?i)^PHASE_COMPLETE\s*:\s*(yes|no|true|false)\b`)
)

// ParseDirectives scans text line by line. Lines may carry list markers or
// bold markers. Unknown REOPEN targets are ignored. A later PHASE_COMPLETE
// line overrides an earlier one.
func ParseDirectives(text string) Directives {
	var d Directives
	for _, raw := range strings.Split(text, "\n") {
		line := cleanLine(raw)
		if line == "" {
			continue
		}
		switch {
		case findingRe.MatchString(line):
			m := findingRe.FindStringSubmatch(line)
			d.Findings = append(d.Findings, phase.Finding{
				Kind:   phase.NormalizeKind(m[1]),
				Detail: strings.TrimSpace(m[2]),
			})
		case hypothesisRe.MatchString(line):
			m := hypothesisRe.FindStringSubmatch(line)
			conf := DefaultHypothesisConfidence
			if m[2] != "" {
				if v, err := strconv.ParseFloat(m[2], 64); err == nil && v >= 0 && v <= 1 {
					conf = v
				}
			}
			d.Hypotheses = append(d.Hypotheses, phase.Hypothesis{
				Category:   phase.NormalizeKind(m[1]),
				Statement:  strings.TrimSpace(m[3]),
				Confidence: conf,
				Status:     phase.HypothesisOpen,
			})
		case confirmedRe.MatchString(line):
			d.Confirmed = append(d.Confirmed, phase.NormalizeKind(confirmedRe.FindStringSubmatch(line)[1]))
		case refutedRe.MatchString(line):
			d.Refuted = append(d.Refuted, phase.NormalizeKind(refutedRe.FindStringSubmatch(line)[1]))
		case actionRe.MatchString(line):
			d.Actions = append(d.Actions, strings.TrimSpace(actionRe.FindStringSubmatch(line)[1]))
		case reopenRe.MatchString(line):
			m := reopenRe.FindStringSubmatch(line)
			if p, err := phase.Parse(strings.ToLower(m[1])); err == nil {
				d.Reopen = p
				d.ReopenReason = strings.TrimSpace(m[2])
			}
		case completeRe.MatchString(line):
			v := strings.ToLower(completeRe.FindStringSubmatch(line)[1])
			d.ClaimsComplete = v == "yes" || v == "true"
		}
	}
	return d
}

func cleanLine(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-*•> ")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "`", "")
	return strings.TrimSpace(s)
}

// stripDirectives returns text without directive lines, for the user-facing
// message.
func stripDirectives(text string) string {
	var kept []string
	for _, raw := range strings.Split(text, "\n") {
		line := cleanLine(raw)
		if findingRe.MatchString(line) || hypothesisRe.MatchString(line) ||
			confirmedRe.MatchString(line) || refutedRe.MatchString(line) ||
			actionRe.MatchString(line) || reopenRe.MatchString(line) || completeRe.MatchString(line) {
			continue
		}
		kept = append(kept, raw)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
