package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Sanitizer removes secrets from text.
type Sanitizer interface {
	Sanitize(content string) string
}

// Finding is one redacted span. The secret itself is never retained.
type Finding struct {
	RuleID string
	Start  int
	End    int
}

// Result is the outcome of Redact.
type Result struct {
	Content  string
	Findings []Finding
}

// Redactor is the default Sanitizer.
type Redactor struct {
	gitleaks *gitleaksConfig.Config
	allow    []*regexp.Regexp
}

// Option configures a Redactor.
type Option func(*redactorOptions)

type redactorOptions struct {
	allowlist   *Allowlist
	useGitleaks bool
}

// WithAllowlist skips matches that match any allowlist pattern.
func WithAllowlist(a *Allowlist) Option {
	return func(o *redactorOptions) { o.allowlist = a }
}

// WithoutGitleaks restricts detection to the operational rules.
func WithoutGitleaks() Option {
	return func(o *redactorOptions) { o.useGitleaks = false }
}

// New builds a Redactor. The Gitleaks default rule set is loaded once here;
// each Redact call gets its own detector because detectors accumulate
// findings.
func New(opts ...Option) (*Redactor, error) {
	o := redactorOptions{useGitleaks: true}
	for _, opt := range opts {
		opt(&o)
	}

	allow, err := o.allowlist.compile()
	if err != nil {
		return nil, err
	}
	r := &Redactor{allow: allow}

	if o.useGitleaks {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("loading gitleaks rules: %w", err)
		}
		cfg := d.Config
		if len(allow) > 0 {
			applyAllowlist(&cfg, allow, o.allowlist.Regexes)
		}
		r.gitleaks = &cfg
	}
	return r, nil
}

// applyAllowlist adds the allowlist to the Gitleaks global allowlists.
func applyAllowlist(cfg *gitleaksConfig.Config, allow []*regexp.Regexp, raw []string) {
	global := &gitleaksConfig.Allowlist{Description: "troubleshootd allowlist"}
	for _, re := range allow {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, raw...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}

// Sanitize returns content with every detected secret replaced by a
// [REDACTED:<rule>] marker.
func (r *Redactor) Sanitize(content string) string {
	return r.Redact(content).Content
}

// Redact detects and replaces secrets, reporting what was replaced.
func (r *Redactor) Redact(content string) Result {
	if content == "" {
		return Result{Content: content}
	}

	var matches []match
	if r.gitleaks != nil {
		for _, f := range detect.NewDetector(*r.gitleaks).DetectString(content) {
			matches = append(matches, occurrences(content, f.Secret, f.RuleID)...)
		}
	}
	for _, rl := range operationalRules {
		matches = append(matches, rl.find(content)...)
	}

	kept := matches[:0]
	for _, m := range matches {
		if !r.allowed(content[m.start:m.end]) {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return Result{Content: content}
	}

	merged := mergeMatches(kept)
	findings := make([]Finding, 0, len(merged))
	var b strings.Builder
	last := 0
	for _, m := range merged {
		b.WriteString(content[last:m.start])
		b.WriteString("[REDACTED:" + m.ruleID + "]")
		last = m.end
		findings = append(findings, Finding{RuleID: m.ruleID, Start: m.start, End: m.end})
	}
	b.WriteString(content[last:])
	return Result{Content: b.String(), Findings: findings}
}

func (r *Redactor) allowed(s string) bool {
	for _, re := range r.allow {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// occurrences locates every instance of secret in content.
func occurrences(content, secret, ruleID string) []match {
	if secret == "" {
		return nil
	}
	var out []match
	offset := 0
	for {
		i := strings.Index(content[offset:], secret)
		if i < 0 {
			return out
		}
		start := offset + i
		out = append(out, match{start: start, end: start + len(secret), ruleID: ruleID})
		offset = start + len(secret)
	}
}

// mergeMatches sorts by start and merges overlapping or adjacent spans. The
// first rule to claim a span names the merged span.
func mergeMatches(ms []match) []match {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].start < ms[j].start })
	merged := []match{ms[0]}
	for _, cur := range ms[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			if cur.end > last.end {
				last.end = cur.end
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

// Noop returns content unchanged.
type Noop struct{}

func (Noop) Sanitize(content string) string { return content }

var (
	_ Sanitizer = (*Redactor)(nil)
	_ Sanitizer = Noop{}
)
