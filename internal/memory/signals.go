package memory

import "regexp"

type signalRule struct {
	name    string
	pattern *regexp.Regexp
}

// Evaluated in order. An item may carry several signals.
var signalRules = []signalRule{
	{"oom", regexp.MustCompile(`(?i)\b(oom(killed)?|out of memory|memory limit exceeded)\b`)},
	{"crash_loop", regexp.MustCompile(`(?i)\b(crash\s*loop(backoff)?|keeps? restarting|restart(ed|ing)? (loop|repeatedly))\b`)},
	{"timeout", regexp.MustCompile(`(?i)\b(time[ds]?\s?out|deadline exceeded)\b`)},
	{"connection_refused", regexp.MustCompile(`(?i)\b(connection refused|econnrefused)\b`)},
	{"permission_denied", regexp.MustCompile(`(?i)\b(permission denied|forbidden|eacces|access denied)\b`)},
	{"disk_pressure", regexp.MustCompile(`(?i)\b(disk ?pressure|no space left|disk full)\b`)},
	{"http_5xx", regexp.MustCompile(`\b(5\d\d (internal|bad gateway|service unavailable|gateway timeout)|HTTP 5\d\d|status(code)?[ =:]+5\d\d)\b`)},
	{"dns_failure", regexp.MustCompile(`(?i)\b(nxdomain|no such host|dns (lookup|resolution) fail(ed|ure)?)\b`)},
}

// detectSignals returns the distinct signal names in content, in rule order.
func detectSignals(content string) []string {
	var out []string
	for _, r := range signalRules {
		if r.pattern.MatchString(content) {
			out = append(out, r.name)
		}
	}
	return out
}
