package classifier

import (
	"fmt"
	"regexp"
	"strings"
)

type intentRule struct {
	intent  Intent
	pattern *regexp.Regexp
}

// First match wins.
var intentRules = []intentRule{
	{IntentOutage, regexp.MustCompile(`(?i)\b(outage|is down|went down|all (users|customers)|site down|unreachable for everyone)\b`)},
	{IntentDiagnoseError, regexp.MustCompile(`(?i)\b(error|exception|fail(s|ed|ing|ure)?|crash(es|ed|ing)?|restart(s|ed|ing)?|oom\w*|panic|stack ?trace|exit code|crashloop\w*|broken)\b`)},
	{IntentPerformance, regexp.MustCompile(`(?i)\b(slow(ness)?|latency|high cpu|cpu spike|memory (usage|leak)|throughput|p99|lag(ging)?|degraded)\b`)},
	{IntentConnectivity, regexp.MustCompile(`(?i)\b(connect(ion|ivity)?|timeout|timed out|refused|unreachable|dns|resolve|handshake)\b`)},
	{IntentConfiguration, regexp.MustCompile(`(?i)\b(config(ure|uration)?|set ?up|how (do|can|should) i|enable|disable|setting)\b`)},
}

type domainRule struct {
	domain  Domain
	pattern *regexp.Regexp
}

var domainRules = []domainRule{
	{DomainInfrastructure, regexp.MustCompile(`(?i)\b(pods?|kubernetes|k8s|nodes?|containers?|docker|deployments?|cluster|helm|vm|instance|disk|volume|kubelet|crashloop\w*)\b`)},
	{DomainNetwork, regexp.MustCompile(`(?i)\b(dns|tcp|udp|http|https|tls|ssl|load ?balancer|ingress|firewall|proxy|port|network|latency|packet)\b`)},
	{DomainDatabase, regexp.MustCompile(`(?i)\b(database|db|postgres(ql)?|mysql|mongo(db)?|redis|sql|query plan|replication|deadlock|index)\b`)},
	{DomainApplication, regexp.MustCompile(`(?i)\b(app(lication)?|service|api|endpoint|exception|stack ?trace|build|deploy|release|code|bug)\b`)},
	{DomainSecurity, regexp.MustCompile(`(?i)\b(auth(entication|orization)?|permission|forbidden|401|403|certificate|cert|token|rbac|iam|vulnerab\w*)\b`)},
}

type urgencyRule struct {
	urgency Urgency
	pattern *regexp.Regexp
}

var urgencyRules = []urgencyRule{
	{UrgencyCritical, regexp.MustCompile(`(?i)\b(outage|sev ?1|p0|data loss|production (is )?down|all (users|customers)|emergency)\b`)},
	{UrgencyHigh, regexp.MustCompile(`(?i)\b(urgent|asap|prod(uction)?|customers?|sev ?2|p1|blocking)\b`)},
	{UrgencyLow, regexp.MustCompile(`(?i)\b(no rush|when you (can|get a chance)|curious|just wondering|low priority)\b`)},
}

// Confidence contributions of the pattern pass.
const (
	intentWeight    = 0.4
	domainWeight    = 0.4
	ambiguousWeight = 0.2
	urgencyWeight   = 0.1
	detailWeight    = 0.1
	detailWords     = 6
)

// classifyPatterns runs the deterministic pass.
func classifyPatterns(query string) Classification {
	c := Default()
	c.Source = SourcePattern

	var reasons []string
	confidence := 0.0

	for _, r := range intentRules {
		if r.pattern.MatchString(query) {
			c.Intent = r.intent
			confidence += intentWeight
			reasons = append(reasons, "intent "+string(r.intent))
			break
		}
	}

	var domains []Domain
	for _, r := range domainRules {
		if r.pattern.MatchString(query) {
			domains = append(domains, r.domain)
		}
	}
	switch len(domains) {
	case 0:
	case 1:
		c.Domain = domains[0]
		confidence += domainWeight
	default:
		c.Domain = domains[0]
		confidence += ambiguousWeight
	}
	if len(domains) > 0 {
		reasons = append(reasons, fmt.Sprintf("domains %v", domains))
	}

	for _, r := range urgencyRules {
		if r.pattern.MatchString(query) {
			c.Urgency = r.urgency
			confidence += urgencyWeight
			reasons = append(reasons, "urgency "+string(r.urgency))
			break
		}
	}

	words := len(strings.Fields(query))
	if words >= detailWords {
		confidence += detailWeight
	}
	c.Complexity = complexityFor(words, len(domains))

	if confidence > 1 {
		confidence = 1
	}
	c.Confidence = confidence
	if len(reasons) == 0 {
		c.Reasoning = "no pattern matched"
	} else {
		c.Reasoning = "pattern: " + strings.Join(reasons, ", ")
	}
	return c
}

func complexityFor(words, domains int) Complexity {
	switch {
	case domains >= 3 || words > 60:
		return ComplexityComplex
	case domains == 2 || words > 25:
		return ComplexityModerate
	case words <= 12:
		return ComplexitySimple
	default:
		return ComplexityModerate
	}
}
