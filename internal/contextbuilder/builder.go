// Package contextbuilder renders memory into a prompt context that fits a
// token budget.
//
// The budget is split into four sections rendered in a fixed order: recent
// turns (40%), key facts (30%), user profile (15%) and relevant insights
// (15%). Each section ranks its candidates by
//
//	0.3·recency + 0.5·similarity(query, item) + 0.2·importance
//
// and keeps the best ones until its share is spent. The item that would
// overflow is truncated and marked with an ellipsis.
package contextbuilder

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
)

// DefaultBudget is used when a Builder is created with a zero budget.
const DefaultBudget = 2000

// Ellipsis marks a truncated item. It is budgeted as one token.
const Ellipsis = "…"

// Fact is a finding carried by the session state.
type Fact struct {
	Kind      string
	Detail    string
	Timestamp time.Time
}

// Request is the input to Build.
type Request struct {
	Query    string
	Phase    string
	Bundle   *memory.Bundle
	Findings []Fact
	Now      time.Time
}

// Builder renders budgeted contexts.
type Builder struct {
	budget int
}

// New creates a Builder. A zero budget selects DefaultBudget and a negative
// one is treated as zero.
func New(budget int) *Builder {
	if budget == 0 {
		budget = DefaultBudget
	}
	if budget < 0 {
		budget = 0
	}
	return &Builder{budget: budget}
}

// Budget returns the token budget.
func (b *Builder) Budget() int { return b.budget }

type section struct {
	title string
	share float64
	items func(Request) []candidate
}

var sections = []section{
	{title: "Recent turns", share: 0.40, items: recentTurns},
	{title: "Key facts", share: 0.30, items: keyFacts},
	{title: "User profile", share: 0.15, items: userProfile},
	{title: "Relevant insights", share: 0.15, items: relevantInsights},
}

type candidate struct {
	text       string
	timestamp  time.Time
	importance float64
	score      float64
}

// Build renders req within the builder's budget.
func (b *Builder) Build(req Request) string {
	return BuildWithBudget(req, b.budget)
}

// BuildWithBudget renders req so that EstimateTokens of the result never
// exceeds budget. The output depends only on req and budget.
func BuildWithBudget(req Request, budget int) string {
	if budget <= 0 {
		return ""
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}

	var out strings.Builder
	for _, s := range sections {
		sub := int(math.Floor(float64(budget) * s.share))
		header := "## " + s.title
		if s.title == "Key facts" && req.Phase != "" {
			header += " (" + req.Phase + ")"
		}
		rendered := renderSection(header, rank(req, s.items(req)), sub)
		sectionTokens.WithLabelValues(s.title).Observe(float64(EstimateTokens(rendered)))
		out.WriteString(rendered)
	}
	return out.String()
}

func rank(req Request, cs []candidate) []candidate {
	for i := range cs {
		cs[i].score = score(req.Query, req.Now, cs[i])
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		if !cs[i].timestamp.Equal(cs[j].timestamp) {
			return cs[i].timestamp.After(cs[j].timestamp)
		}
		return cs[i].text < cs[j].text
	})
	return cs
}

// renderSection fits a header and ranked items into tokens. Character
// capacity is tokens*4, so any text within it estimates to at most tokens.
// The ellipsis reserves a full token.
func renderSection(header string, cs []candidate, tokens int) string {
	if len(cs) == 0 {
		return ""
	}
	capacity := tokens * 4
	head := header + "\n"
	used := utf8.RuneCountInString(head)
	if capacity < used+4 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(head)
	wrote := false
	for _, c := range cs {
		line := "- " + oneLine(c.text) + "\n"
		n := utf8.RuneCountInString(line)
		if used+n <= capacity {
			sb.WriteString(line)
			used += n
			wrote = true
			continue
		}
		room := capacity - used - len("- ") - len("\n") - 4
		if room > 0 {
			sb.WriteString("- " + truncate(oneLine(c.text), room) + Ellipsis + "\n")
			wrote = true
		}
		break
	}
	if !wrote {
		return ""
	}
	return sb.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, runes int) string {
	if utf8.RuneCountInString(s) <= runes {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:runes]), " ")
}

func recentTurns(req Request) []candidate {
	if req.Bundle == nil {
		return nil
	}
	out := make([]candidate, 0, len(req.Bundle.Working))
	for _, item := range req.Bundle.Working {
		importance := 0.5
		if item.ContentType == memory.ContentObservation {
			importance = 0.6
			if item.Metadata[memory.MetaStatus] == "error" {
				importance = 0.8
			}
		}
		out = append(out, candidate{
			text:       fmt.Sprintf("[%s] %s", item.ContentType, item.Content),
			timestamp:  item.Timestamp,
			importance: importance,
		})
	}
	return out
}

func keyFacts(req Request) []candidate {
	var out []candidate
	for _, f := range req.Findings {
		out = append(out, candidate{
			text:       fmt.Sprintf("finding %s: %s", f.Kind, f.Detail),
			timestamp:  f.Timestamp,
			importance: 0.9,
		})
	}
	if req.Bundle != nil {
		for _, in := range req.Bundle.SessionInsights {
			out = append(out, candidate{
				text:       fmt.Sprintf("%s: %s", strings.ReplaceAll(in.Type, "_", " "), in.Payload),
				timestamp:  in.Timestamp,
				importance: math.Min(1, 0.5+float64(in.Count)/10),
			})
		}
	}
	return out
}

func userProfile(req Request) []candidate {
	if req.Bundle == nil {
		return nil
	}
	var out []candidate
	if p := req.Bundle.UserProfile; p != nil {
		keys := make([]string, 0, len(p.Fields))
		for k := range p.Fields {
			if k == memory.ProfileEpisodicConsent {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, candidate{
				text:       fmt.Sprintf("%s: %v", k, p.Fields[k]),
				timestamp:  req.Now,
				importance: 0.7,
			})
		}
	}
	var top float64
	for _, pt := range req.Bundle.UserPatterns {
		top = math.Max(top, pt.Score)
	}
	for _, pt := range req.Bundle.UserPatterns {
		importance := 0.0
		if top > 0 {
			importance = pt.Score / top
		}
		out = append(out, candidate{
			text:       fmt.Sprintf("recurring %s (score %s)", pt.Name, strconv.FormatFloat(pt.Score, 'f', -1, 64)),
			timestamp:  req.Now,
			importance: importance,
		})
	}
	return out
}

func relevantInsights(req Request) []candidate {
	if req.Bundle == nil {
		return nil
	}
	out := make([]candidate, 0, len(req.Bundle.Episodic))
	for _, hit := range req.Bundle.Episodic {
		meta := hit.Record.Metadata
		text := hit.Record.Summary
		if meta.Outcome != "" {
			text = fmt.Sprintf("%s (%s, confidence %.2f)", text, meta.Outcome, meta.Confidence)
		}
		out = append(out, candidate{
			text:       text,
			timestamp:  meta.Timestamp,
			importance: meta.Confidence,
		})
	}
	return out
}
