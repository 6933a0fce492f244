package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
)

type userCtxKey struct{}

// WithUserID scopes knowledge searches made under ctx to userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, userID)
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userCtxKey{}).(string)
	return id
}

// EpisodeSearcher finds past cases. *memory.EpisodicMemory implements it.
type EpisodeSearcher interface {
	Search(ctx context.Context, query, userID string, limit int) ([]memory.EpisodeHit, error)
}

// KnowledgeSearchTool searches the caller's resolved past cases.
type KnowledgeSearchTool struct {
	episodes EpisodeSearcher
	maxLimit int
}

func NewKnowledgeSearch(episodes EpisodeSearcher) (*KnowledgeSearchTool, error) {
	if episodes == nil {
		return nil, fmt.Errorf("episode searcher cannot be nil")
	}
	return &KnowledgeSearchTool{episodes: episodes, maxLimit: 10}, nil
}

func (t *KnowledgeSearchTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        KnowledgeSearch,
		Description: "Search summaries of this user's previously resolved cases for similar problems.",
		Schema: objectSchema([]string{"query"}, map[string]any{
			"query": prop("string", "What to look for."),
			"limit": prop("integer", "Maximum results, 1-10 (default 3)."),
		}),
		Category:    CategoryKnowledge,
		SafetyLevel: ReadOnly,
	}
}

type knowledgeParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (t *KnowledgeSearchTool) Execute(ctx context.Context, params json.RawMessage) Result {
	var p knowledgeParams
	if err := decodeParams(params, &p); err != nil {
		return failure(err)
	}
	if strings.TrimSpace(p.Query) == "" {
		return failure(fmt.Errorf("%w: query is required", ErrInvalidParams))
	}
	userID := userIDFrom(ctx)
	if userID == "" {
		return failure(fmt.Errorf("%w: no user in scope", ErrInvalidParams))
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 3
	}
	if limit > t.maxLimit {
		limit = t.maxLimit
	}

	hits, err := t.episodes.Search(ctx, p.Query, userID, limit)
	if err != nil {
		return failure(fmt.Errorf("%w: knowledge search: %v", ErrToolExecution, err))
	}
	cases := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		cases = append(cases, map[string]any{
			"case_id":    h.Record.Metadata.CaseID,
			"summary":    h.Record.Summary,
			"outcome":    h.Record.Metadata.Outcome,
			"domain":     h.Record.Metadata.Domain,
			"confidence": h.Record.Metadata.Confidence,
			"distance":   h.Distance,
		})
	}
	return success(map[string]any{"cases": cases, "count": len(cases)})
}
