package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/troubleshootd/internal/classifier"
	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
	"github.com/fyrsmithlabs/troubleshootd/internal/orchestrator"
	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
)

type fakeService struct {
	mu       sync.Mutex
	err      error
	calls    []string
	health   map[memory.Tier]string
	profiles map[string]map[string]any
}

func (f *fakeService) ProcessTurn(_ context.Context, sessionID, userID, query string) (*orchestrator.AgentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID+"|"+userID+"|"+query)
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.AgentResponse{
		SessionID: sessionID,
		CaseID:    "case-1",
		Message:   "Which namespace? token=hunter2",
		Phase:     phase.ScopeDefinition,
		NextPhase: phase.ScopeDefinition,
		Outcome:   orchestrator.OutcomeDegraded,
		Turn:      1,
		Classification: classifier.Classification{
			Intent: classifier.IntentDiagnoseError,
			Domain: classifier.DomainInfrastructure,
		},
		DegradedTiers: []memory.Tier{memory.TierEpisodic},
		ToolsUsed:     []string{"pod_status"},
	}, nil
}

func (f *fakeService) MemoryHealth(context.Context) map[memory.Tier]string {
	return f.health
}

func (f *fakeService) UpdateProfile(_ context.Context, userID string, fields map[string]any) (*memory.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.profiles == nil {
		f.profiles = map[string]map[string]any{}
	}
	if f.profiles[userID] == nil {
		f.profiles[userID] = map[string]any{}
	}
	for k, v := range fields {
		f.profiles[userID][k] = v
	}
	return &memory.UserProfile{UserID: userID, Fields: f.profiles[userID]}, nil
}

type redactHunter struct{}

func (redactHunter) Sanitize(s string) string { return strings.ReplaceAll(s, "hunter2", "[REDACTED]") }

func connect(t *testing.T, svc TurnService, cfg *Config) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Logger = zaptest.NewLogger(t)
	s, err := NewServer(cfg, svc)
	require.NoError(t, err)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func decode[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// failed reports whether a call was rejected, either as a protocol error or
// as a tool result flagged with IsError.
func failed(res *mcp.CallToolResult, err error) bool {
	return err != nil || (res != nil && res.IsError)
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil)
	require.Error(t, err)

	s, err := NewServer(nil, &fakeService{})
	require.NoError(t, err)
	assert.NotNil(t, s.sanitizer)
	assert.NotNil(t, s.logger)
}

func TestServer_ListTools(t *testing.T) {
	cs := connect(t, &fakeService{}, nil)

	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{ToolTurn, ToolHealth, ToolProfile}, names)
}

func TestServer_Turn(t *testing.T) {
	svc := &fakeService{}
	cs := connect(t, svc, &Config{Sanitizer: redactHunter{}})

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name: ToolTurn,
		Arguments: map[string]any{
			"session_id": "s1",
			"user_id":    "u1",
			"query":      "  my pod keeps restarting ",
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	out := decode[turnOutput](t, res)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, "case-1", out.CaseID)
	assert.Equal(t, "Which namespace? token=[REDACTED]", out.Message)
	assert.Equal(t, string(phase.ScopeDefinition), out.Phase)
	assert.Equal(t, string(orchestrator.OutcomeDegraded), out.Outcome)
	assert.Equal(t, string(classifier.IntentDiagnoseError), out.Intent)
	assert.Equal(t, []string{"episodic"}, out.DegradedTiers)
	assert.Equal(t, []string{"pod_status"}, out.ToolsUsed)

	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.NotContains(t, text.Text, "hunter2")

	assert.Equal(t, []string{"s1|u1|my pod keeps restarting"}, svc.calls)
}

func TestServer_TurnValidation(t *testing.T) {
	svc := &fakeService{}
	cs := connect(t, svc, &Config{MaxQueryLength: 10})

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing session", map[string]any{"session_id": "", "user_id": "u1", "query": "hi"}},
		{"missing user", map[string]any{"session_id": "s1", "user_id": "", "query": "hi"}},
		{"blank query", map[string]any{"session_id": "s1", "user_id": "u1", "query": "  "}},
		{"query too long", map[string]any{"session_id": "s1", "user_id": "u1", "query": "this is far too long"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: ToolTurn, Arguments: tt.args})
			assert.True(t, failed(res, err))
		})
	}
	assert.Empty(t, svc.calls)
}

func TestServer_TurnError(t *testing.T) {
	cs := connect(t, &fakeService{err: errors.New("state store down")}, nil)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolTurn,
		Arguments: map[string]any{"session_id": "s1", "user_id": "u1", "query": "dns failing"},
	})
	assert.True(t, failed(res, err))
}

func TestServer_MemoryHealth(t *testing.T) {
	svc := &fakeService{health: map[memory.Tier]string{
		memory.TierWorking:  memory.StatusOK,
		memory.TierSession:  memory.StatusOK,
		memory.TierUser:     memory.StatusOK,
		memory.TierEpisodic: memory.StatusUnavailable,
	}}
	cs := connect(t, svc, nil)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: ToolHealth, Arguments: map[string]any{}})
	require.NoError(t, err)
	require.False(t, res.IsError)

	out := decode[healthOutput](t, res)
	assert.Equal(t, "degraded", out.Status)
	assert.Len(t, out.Tiers, 4)
	assert.Equal(t, memory.StatusUnavailable, out.Tiers["episodic"])
}

func TestServer_UpdateProfile(t *testing.T) {
	svc := &fakeService{}
	cs := connect(t, svc, nil)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name: ToolProfile,
		Arguments: map[string]any{
			"user_id": " u1 ",
			"fields":  map[string]any{"episodic_consent": true, "stack": "k8s"},
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	out := decode[profileOutput](t, res)
	assert.Equal(t, "u1", out.UserID)
	assert.Equal(t, true, out.Fields["episodic_consent"])
	assert.Equal(t, map[string]any{"episodic_consent": true, "stack": "k8s"}, svc.profiles["u1"])

	t.Run("rejected", func(t *testing.T) {
		for _, args := range []map[string]any{
			{"user_id": "", "fields": map[string]any{"stack": "k8s"}},
			{"user_id": "u2", "fields": map[string]any{}},
		} {
			res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: ToolProfile, Arguments: args})
			assert.True(t, failed(res, err))
		}
		assert.NotContains(t, svc.profiles, "u2")
	})

	t.Run("service error", func(t *testing.T) {
		cs := connect(t, &fakeService{err: errors.New("user tier down")}, nil)
		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      ToolProfile,
			Arguments: map[string]any{"user_id": "u1", "fields": map[string]any{"stack": "k8s"}},
		})
		assert.True(t, failed(res, err))
	})
}
