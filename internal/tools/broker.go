package tools

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/troubleshootd/internal/classifier"
	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
)

// Tool names of the built-in variants.
const (
	HTTPProbe       = "http_probe"
	DNSLookup       = "dns_lookup"
	TCPConnect      = "tcp_connect"
	KnowledgeSearch = "knowledge_search"
	LogSearch       = "log_search"
	MetricsQuery    = "metrics_query"
	PodStatus       = "pod_status"
	RecentChanges   = "recent_changes"
)

// phaseTools lists the tools useful in each phase, in preference order.
var phaseTools = map[phase.Phase][]string{
	phase.ScopeDefinition:       {PodStatus, HTTPProbe, DNSLookup, TCPConnect, KnowledgeSearch},
	phase.TimelineEstablishment: {RecentChanges, LogSearch, MetricsQuery, KnowledgeSearch},
	phase.HypothesisFormation:   {KnowledgeSearch, LogSearch, MetricsQuery, PodStatus},
	phase.HypothesisValidation:  {LogSearch, MetricsQuery, PodStatus, HTTPProbe, DNSLookup, TCPConnect, RecentChanges},
	phase.SolutionProposal:      {KnowledgeSearch, HTTPProbe, PodStatus},
}

// domainTools lists the tools relevant to each domain.
var domainTools = map[classifier.Domain][]string{
	classifier.DomainInfrastructure: {PodStatus, LogSearch, MetricsQuery, RecentChanges, KnowledgeSearch},
	classifier.DomainNetwork:        {HTTPProbe, DNSLookup, TCPConnect, LogSearch, KnowledgeSearch},
	classifier.DomainDatabase:       {TCPConnect, MetricsQuery, LogSearch, RecentChanges, KnowledgeSearch},
	classifier.DomainApplication:    {LogSearch, HTTPProbe, MetricsQuery, RecentChanges, KnowledgeSearch},
	classifier.DomainSecurity:       {LogSearch, RecentChanges, KnowledgeSearch},
	classifier.DomainUnknown:        {KnowledgeSearch, LogSearch, HTTPProbe, PodStatus, RecentChanges, MetricsQuery, DNSLookup, TCPConnect},
}

// Broker selects the tools offered to the model for a turn.
type Broker struct {
	catalog *Catalog
	health  *HealthRegistry
	logger  *zap.Logger
}

// NewBroker creates a broker. A nil health registry treats every tool as
// healthy.
func NewBroker(catalog *Catalog, health *HealthRegistry, logger *zap.Logger) (*Broker, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Broker{catalog: catalog, health: health, logger: logger}, nil
}

func (b *Broker) Catalog() *Catalog { return b.catalog }

func (b *Broker) Health() *HealthRegistry { return b.health }

// SelectTools intersects the phase row with the domain row, keeping phase
// order. Tools missing from the catalog or marked unhealthy are dropped and
// names appear once. Unknown domains and phases fall back to the unknown
// domain row and the first phase.
func (b *Broker) SelectTools(c classifier.Classification, state *phase.AgentState) []Descriptor {
	current := phase.First
	if state != nil && state.CurrentPhase.Valid() {
		current = state.CurrentPhase
	}
	domainRow, ok := domainTools[c.Domain]
	if !ok {
		domainRow = domainTools[classifier.DomainUnknown]
	}
	allowed := make(map[string]bool, len(domainRow))
	for _, name := range domainRow {
		allowed[name] = true
	}

	seen := make(map[string]bool)
	var out []Descriptor
	for _, name := range phaseTools[current] {
		if seen[name] || !allowed[name] {
			continue
		}
		seen[name] = true
		t, err := b.catalog.Get(name)
		if err != nil {
			continue
		}
		if b.health != nil && !b.health.Healthy(name) {
			b.logger.Debug("skipping unhealthy tool", zap.String("tool", name))
			continue
		}
		out = append(out, t.Descriptor())
	}
	b.logger.Debug("selected tools",
		zap.String("phase", current.String()),
		zap.String("domain", string(c.Domain)),
		zap.Int("count", len(out)))
	return out
}
