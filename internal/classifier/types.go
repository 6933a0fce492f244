// Package classifier labels troubleshooting queries with an intent,
// complexity, domain and urgency. A deterministic pattern pass runs first;
// a model call refines low-confidence results.
package classifier

import (
	"errors"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("troubleshootd/classifier")

// ErrLowConfidence is logged when a classification stays below the
// escalation threshold or falls back to the default.
var ErrLowConfidence = errors.New("classification confidence below threshold")

type Intent string

const (
	IntentDiagnoseError Intent = "diagnose_error"
	IntentPerformance   Intent = "performance_issue"
	IntentConnectivity  Intent = "connectivity_issue"
	IntentConfiguration Intent = "configuration_help"
	IntentOutage        Intent = "outage_report"
	IntentGeneral       Intent = "general_troubleshooting"
)

type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

type Domain string

const (
	DomainInfrastructure Domain = "infrastructure"
	DomainNetwork        Domain = "network"
	DomainDatabase       Domain = "database"
	DomainApplication    Domain = "application"
	DomainSecurity       Domain = "security"
	DomainUnknown        Domain = "unknown"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Source records which path produced a classification.
type Source string

const (
	SourcePattern Source = "pattern"
	SourceModel   Source = "model"
	SourceMerged  Source = "merged"
	SourceDefault Source = "default"
)

var (
	knownIntents      = map[Intent]bool{IntentDiagnoseError: true, IntentPerformance: true, IntentConnectivity: true, IntentConfiguration: true, IntentOutage: true, IntentGeneral: true}
	knownComplexities = map[Complexity]bool{ComplexitySimple: true, ComplexityModerate: true, ComplexityComplex: true}
	knownDomains      = map[Domain]bool{DomainInfrastructure: true, DomainNetwork: true, DomainDatabase: true, DomainApplication: true, DomainSecurity: true, DomainUnknown: true}
	knownUrgencies    = map[Urgency]bool{UrgencyLow: true, UrgencyMedium: true, UrgencyHigh: true, UrgencyCritical: true}
)

// Classification labels a query.
type Classification struct {
	Intent     Intent     `json:"intent"`
	Complexity Complexity `json:"complexity"`
	Domain     Domain     `json:"domain"`
	Urgency    Urgency    `json:"urgency"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Source     Source     `json:"source"`
}

// Default is returned when classification fails entirely.
func Default() Classification {
	return Classification{
		Intent:     IntentGeneral,
		Complexity: ComplexityModerate,
		Domain:     DomainUnknown,
		Urgency:    UrgencyMedium,
		Confidence: 0,
		Source:     SourceDefault,
	}
}
