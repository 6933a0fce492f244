package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
	"github.com/fyrsmithlabs/troubleshootd/internal/orchestrator"
	"github.com/fyrsmithlabs/troubleshootd/internal/secrets"
)

// Tool names.
const (
	ToolTurn    = "troubleshoot_turn"
	ToolHealth  = "memory_health"
	ToolProfile = "update_profile"
)

// TurnService is the engine behind the tools. *orchestrator.Orchestrator
// implements it.
type TurnService interface {
	ProcessTurn(ctx context.Context, sessionID, userID, query string) (*orchestrator.AgentResponse, error)
	MemoryHealth(ctx context.Context) map[memory.Tier]string
	UpdateProfile(ctx context.Context, userID string, fields map[string]any) (*memory.UserProfile, error)
}

// Server is an MCP server backed by a TurnService.
type Server struct {
	mcp       *mcp.Server
	service   TurnService
	sanitizer secrets.Sanitizer
	metrics   *Metrics
	maxQuery  int
	logger    *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "troubleshootd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// MaxQueryLength rejects longer queries. Zero disables the check.
	MaxQueryLength int

	// Sanitizer redacts response text. Defaults to secrets.Noop.
	Sanitizer secrets.Sanitizer

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "troubleshootd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server and registers its tools.
func NewServer(cfg *Config, service TurnService) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("turn service is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Name == "" {
		cfg.Name = "troubleshootd"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = secrets.Noop{}
	}

	s := &Server{
		mcp:       mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		service:   service,
		sanitizer: cfg.Sanitizer,
		metrics:   NewMetrics(cfg.Logger),
		maxQuery:  cfg.MaxQueryLength,
		logger:    cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

type turnInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier. Reuse it for follow-up messages."`
	UserID    string `json:"user_id" jsonschema:"User identifier"`
	Query     string `json:"query" jsonschema:"The user's message"`
}

type turnOutput struct {
	SessionID     string   `json:"session_id"`
	CaseID        string   `json:"case_id"`
	Message       string   `json:"message"`
	Phase         string   `json:"phase"`
	NextPhase     string   `json:"next_phase"`
	PhaseComplete bool     `json:"phase_complete"`
	Outcome       string   `json:"outcome"`
	Intent        string   `json:"intent"`
	Domain        string   `json:"domain"`
	Turn          int      `json:"turn"`
	ToolsUsed     []string `json:"tools_used,omitempty"`
	DegradedTiers []string `json:"degraded_tiers,omitempty"`
	ErrorKind     string   `json:"error_kind,omitempty"`
}

type profileInput struct {
	UserID string         `json:"user_id" jsonschema:"User identifier"`
	Fields map[string]any `json:"fields" jsonschema:"Fields to merge into the profile. A null value removes the field. Set episodic_consent to true to allow resolved cases to be remembered."`
}

type profileOutput struct {
	UserID string         `json:"user_id"`
	Fields map[string]any `json:"fields"`
}

type healthInput struct{}

type healthOutput struct {
	Status string            `json:"status"`
	Tiers  map[string]string `json:"tiers"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolTurn,
		Description: "Send one message to a troubleshooting session and get the agent's reply",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args turnInput) (*mcp.CallToolResult, turnOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, ToolTurn)
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, ToolTurn)
			s.metrics.RecordInvocation(ctx, ToolTurn, time.Since(start), toolErr)
		}()

		out, err := s.turn(ctx, args)
		if err != nil {
			toolErr = err
			return nil, turnOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out.Message}},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolProfile,
		Description: "Update a user's profile, including consent to remember resolved cases",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args profileInput) (*mcp.CallToolResult, profileOutput, error) {
		start := time.Now()
		var toolErr error
		defer func() { s.metrics.RecordInvocation(ctx, ToolProfile, time.Since(start), toolErr) }()

		userID := strings.TrimSpace(args.UserID)
		switch {
		case userID == "":
			toolErr = fmt.Errorf("user_id is required")
		case len(args.Fields) == 0:
			toolErr = fmt.Errorf("fields is required")
		}
		if toolErr != nil {
			return nil, profileOutput{}, toolErr
		}

		profile, err := s.service.UpdateProfile(ctx, userID, args.Fields)
		if err != nil {
			s.logger.Error("updating profile", zap.String("user.id", userID), zap.Error(err))
			toolErr = fmt.Errorf("profile update failed: %w", err)
			return nil, profileOutput{}, toolErr
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "profile updated for " + profile.UserID}},
		}, profileOutput{UserID: profile.UserID, Fields: profile.Fields}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolHealth,
		Description: "Report the availability of each memory tier",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ healthInput) (*mcp.CallToolResult, healthOutput, error) {
		start := time.Now()
		defer func() { s.metrics.RecordInvocation(ctx, ToolHealth, time.Since(start), nil) }()

		tiers := s.service.MemoryHealth(ctx)
		out := healthOutput{Status: "ok", Tiers: make(map[string]string, len(tiers))}
		for tier, status := range tiers {
			out.Tiers[string(tier)] = status
			if status != memory.StatusOK {
				out.Status = "degraded"
			}
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "memory " + out.Status}},
		}, out, nil
	})
}

func (s *Server) turn(ctx context.Context, args turnInput) (turnOutput, error) {
	sessionID := strings.TrimSpace(args.SessionID)
	query := strings.TrimSpace(args.Query)
	switch {
	case sessionID == "":
		return turnOutput{}, fmt.Errorf("session_id is required")
	case args.UserID == "":
		return turnOutput{}, fmt.Errorf("user_id is required")
	case query == "":
		return turnOutput{}, fmt.Errorf("query is required")
	case s.maxQuery > 0 && len([]rune(query)) > s.maxQuery:
		return turnOutput{}, fmt.Errorf("query exceeds %d characters", s.maxQuery)
	}

	resp, err := s.service.ProcessTurn(ctx, sessionID, args.UserID, query)
	if err != nil {
		s.logger.Error("processing turn", zap.String("session.id", sessionID), zap.Error(err))
		return turnOutput{}, fmt.Errorf("turn failed: %w", err)
	}

	out := turnOutput{
		SessionID:     resp.SessionID,
		CaseID:        resp.CaseID,
		Message:       s.sanitizer.Sanitize(resp.Message),
		Phase:         string(resp.Phase),
		NextPhase:     string(resp.NextPhase),
		PhaseComplete: resp.PhaseComplete,
		Outcome:       string(resp.Outcome),
		Intent:        string(resp.Classification.Intent),
		Domain:        string(resp.Classification.Domain),
		Turn:          resp.Turn,
		ToolsUsed:     resp.ToolsUsed,
	}
	for _, tier := range resp.DegradedTiers {
		out.DegradedTiers = append(out.DegradedTiers, string(tier))
	}
	if resp.Error != nil {
		out.ErrorKind = string(resp.Error.Kind)
	}
	return out, nil
}

// Run serves on stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on transport. The caller closes the
// returned session.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}
