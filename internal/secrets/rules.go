package secrets

import "regexp"

// rule is an operational-text pattern. When group > 0 only that capture
// group is redacted, so the surrounding key stays readable.
type rule struct {
	id      string
	pattern *regexp.Regexp
	group   int
}

var operationalRules = []rule{
	{
		id:      "url-credentials",
		pattern: regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s:/@]+:([^\s@/]+)@`),
		group:   1,
	},
	{
		id:      "bearer-token",
		pattern: regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9\-._~+/]{16,}=*)`),
		group:   1,
	},
	{
		id:      "password-assignment",
		pattern: regexp.MustCompile(`(?i)(?:password|passwd|pwd|secret|api[_-]?key)\s*[:=]\s*['"]?([^\s'",;]{6,})`),
		group:   1,
	},
	{
		id:      "private-key",
		pattern: regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`),
	},
}

type match struct {
	start, end int
	ruleID     string
}

func (r rule) find(content string) []match {
	var out []match
	for _, loc := range r.pattern.FindAllStringSubmatchIndex(content, -1) {
		start, end := loc[0], loc[1]
		if r.group > 0 && len(loc) > 2*r.group+1 && loc[2*r.group] >= 0 {
			start, end = loc[2*r.group], loc[2*r.group+1]
		}
		out = append(out, match{start: start, end: end, ruleID: r.id})
	}
	return out
}
