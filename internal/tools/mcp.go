package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// mcpDescriptors are the remote tools the catalog knows how to offer. A
// server may expose more; only these are wrapped.
var mcpDescriptors = map[string]Descriptor{
	LogSearch: {
		Name:        LogSearch,
		Description: "Search application and platform logs for a pattern over a recent time window.",
		Schema: objectSchema([]string{"query"}, map[string]any{
			"query":   prop("string", "Text or pattern to search for."),
			"service": prop("string", "Restrict to one service."),
			"since":   prop("string", "Look-back window such as 15m or 2h."),
			"limit":   prop("integer", "Maximum lines to return."),
		}),
		Category:    CategoryObservability,
		SafetyLevel: ReadOnly,
	},
	MetricsQuery: {
		Name:        MetricsQuery,
		Description: "Run a metrics query (PromQL) and return the recent series.",
		Schema: objectSchema([]string{"query"}, map[string]any{
			"query": prop("string", "PromQL expression."),
			"range": prop("string", "Look-back window such as 30m."),
		}),
		Category:    CategoryObservability,
		SafetyLevel: ReadOnly,
	},
	PodStatus: {
		Name:        PodStatus,
		Description: "Report pod phase, restart counts and last termination reason for a workload.",
		Schema: objectSchema(nil, map[string]any{
			"namespace": prop("string", "Kubernetes namespace."),
			"selector":  prop("string", "Label selector or pod name prefix."),
		}),
		Category:    CategoryPlatform,
		SafetyLevel: ReadOnly,
	},
	RecentChanges: {
		Name:        RecentChanges,
		Description: "List deployments, config changes and infrastructure events in a recent window.",
		Schema: objectSchema(nil, map[string]any{
			"service": prop("string", "Restrict to one service."),
			"since":   prop("string", "Look-back window such as 24h."),
		}),
		Category:    CategoryPlatform,
		SafetyLevel: ReadOnly,
	},
}

// MCPBackend is a client session to the MCP server that serves the
// observability and platform tools.
type MCPBackend struct {
	session *mcp.ClientSession
	logger  *zap.Logger
}

// CommandTransport runs command as a stdio MCP server.
func CommandTransport(command string, args ...string) mcp.Transport {
	return &mcp.CommandTransport{Command: exec.Command(command, args...)}
}

// ConnectMCP opens a client session over transport.
func ConnectMCP(ctx context.Context, transport mcp.Transport, version string, logger *zap.Logger) (*MCPBackend, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "troubleshootd", Version: version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to MCP tool server: %w", err)
	}
	return &MCPBackend{session: session, logger: logger}, nil
}

// Tools lists the server's tools and wraps the known ones.
func (b *MCPBackend) Tools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := b.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("listing MCP tools: %w", err)
		}
		for _, remote := range res.Tools {
			desc, ok := mcpDescriptors[remote.Name]
			if !ok {
				b.logger.Debug("ignoring unsupported MCP tool", zap.String("tool", remote.Name))
				continue
			}
			if remote.Description != "" {
				desc.Description = remote.Description
			}
			out = append(out, &MCPTool{desc: desc, session: b.session})
		}
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
	b.logger.Info("MCP tools available", zap.Int("count", len(out)))
	return out, nil
}

func (b *MCPBackend) Ping(ctx context.Context) error {
	return b.session.Ping(ctx, nil)
}

func (b *MCPBackend) Close() error {
	return b.session.Close()
}

// MCPTool forwards calls to a remote MCP tool.
type MCPTool struct {
	desc    Descriptor
	session *mcp.ClientSession
}

func (t *MCPTool) Descriptor() Descriptor { return t.desc }

func (t *MCPTool) Execute(ctx context.Context, params json.RawMessage) Result {
	args := map[string]any{}
	if err := decodeParams(params, &args); err != nil {
		return failure(err)
	}
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{Name: t.desc.Name, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return failure(ctx.Err())
		}
		return failure(fmt.Errorf("%w: %s: %v", ErrToolExecution, t.desc.Name, err))
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	output := strings.Join(texts, "\n")
	if res.IsError {
		return failure(fmt.Errorf("%w: %s: %s", ErrToolExecution, t.desc.Name, output))
	}
	data := map[string]any{"output": output}
	if res.StructuredContent != nil {
		data["structured"] = res.StructuredContent
	}
	return Result{
		Success:  true,
		Data:     data,
		Metadata: map[string]string{"backend": "mcp"},
	}
}
