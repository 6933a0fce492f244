package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/troubleshootd/internal/orchestrator"
	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "turn", "chat", "profile", "purge", "mcp", "health", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Version:    dev")
}

func TestTurnCmd_RequiresFlags(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"turn", "hello"})
	assert.Error(t, root.Execute())
}

func TestParseProfileFields(t *testing.T) {
	fields, err := parseProfileFields(
		[]string{"episodic_consent=true", "stack=k8s", "teams=[\"payments\",\"cart\"]", "note=a=b"},
		[]string{"expertise_level"},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"episodic_consent": true,
		"stack":            "k8s",
		"teams":            []any{"payments", "cart"},
		"note":             "a=b",
		"expertise_level":  nil,
	}, fields)

	for name, tc := range map[string]struct {
		sets, unsets []string
	}{
		"empty":       {},
		"missing =":   {sets: []string{"stack"}},
		"blank key":   {sets: []string{"=k8s"}},
		"blank unset": {unsets: []string{" "}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseProfileFields(tc.sets, tc.unsets)
			assert.Error(t, err)
		})
	}
}

func TestProfileCmd_RequiresUser(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"profile", "--set", "stack=k8s"})
	assert.Error(t, root.Execute())
}

func TestRunHealth(t *testing.T) {
	t.Run("degraded", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"degraded","tiers":{"working":"ok","episodic":"unavailable"}}`))
		}))
		defer srv.Close()

		var out bytes.Buffer
		require.NoError(t, runHealth(&out, srv.URL))
		assert.Contains(t, out.String(), "Server Status: degraded")
		assert.Contains(t, out.String(), "episodic  unavailable")
		assert.Less(t, strings.Index(out.String(), "episodic"), strings.Index(out.String(), "working"))
	})

	t.Run("error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		}))
		defer srv.Close()
		err := runHealth(&bytes.Buffer{}, srv.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}

type scriptedTurns struct {
	queries []string
	closed  []string
	fail    string
	resolve string
}

func (s *scriptedTurns) ProcessTurn(_ context.Context, sessionID, _, query string) (*orchestrator.AgentResponse, error) {
	s.queries = append(s.queries, query)
	if query == s.fail {
		return nil, errors.New("model offline")
	}
	resp := &orchestrator.AgentResponse{
		SessionID: sessionID,
		Phase:     phase.ScopeDefinition,
		Message:   "echo: " + query,
		Outcome:   orchestrator.OutcomeAnswered,
	}
	if query == s.resolve {
		resp.Outcome = orchestrator.OutcomeResolved
	}
	return resp, nil
}

func (s *scriptedTurns) CloseSession(_ context.Context, sessionID string) error {
	s.closed = append(s.closed, sessionID)
	return nil
}

func TestChat(t *testing.T) {
	t.Run("quit closes session", func(t *testing.T) {
		svc := &scriptedTurns{fail: "boom"}
		var out bytes.Buffer
		in := strings.NewReader("pod restarting\n\nboom\n/quit\nnever sent\n")

		require.NoError(t, chat(context.Background(), svc, "s1", "u1", in, &out))
		assert.Equal(t, []string{"pod restarting", "boom"}, svc.queries)
		assert.Equal(t, []string{"s1"}, svc.closed)
		assert.Contains(t, out.String(), "[scope_definition] echo: pod restarting")
		assert.Contains(t, out.String(), "error: model offline")
	})

	t.Run("resolution ends the loop", func(t *testing.T) {
		svc := &scriptedTurns{resolve: "fixed"}
		var out bytes.Buffer
		in := strings.NewReader("fixed\nmore\n")

		require.NoError(t, chat(context.Background(), svc, "s2", "u1", in, &out))
		assert.Equal(t, []string{"fixed"}, svc.queries)
		assert.Contains(t, out.String(), "(resolved)")
		assert.Equal(t, []string{"s2"}, svc.closed)
	})

	t.Run("eof", func(t *testing.T) {
		svc := &scriptedTurns{}
		require.NoError(t, chat(context.Background(), svc, "s3", "u1", strings.NewReader(""), &bytes.Buffer{}))
		assert.Empty(t, svc.queries)
		assert.Equal(t, []string{"s3"}, svc.closed)
	})
}
