package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lithammer/shortuuid/v4"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/troubleshootd/internal/orchestrator"
)

// turnProcessor is the part of the orchestrator the terminal commands use.
type turnProcessor interface {
	ProcessTurn(ctx context.Context, sessionID, userID, query string) (*orchestrator.AgentResponse, error)
	CloseSession(ctx context.Context, sessionID string) error
}

func newTurnCmd() *cobra.Command {
	var sessionID, userID string
	cmd := &cobra.Command{
		Use:   "turn <message>",
		Short: "Process a single message and print the response as JSON",
		Long: `Process one message against a session and print the agent response as JSON.

Examples:
  troubleshootd turn --session inc-42 --user alice "my pod keeps restarting"

  # Follow up in the same session (requires a persistent store backend)
  troubleshootd turn --session inc-42 --user alice "namespace payments"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			resp, err := a.registry.Orchestrator().ProcessTurn(ctx, sessionID, userID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newChatCmd() *cobra.Command {
	var sessionID, userID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive troubleshooting session on the terminal",
		Long: `Start an interactive session. Each line is sent as one turn.
Type /quit or press Ctrl-D to end; the session is closed on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			if sessionID == "" {
				sessionID = shortuuid.New()
			}
			return chat(ctx, a.registry.Orchestrator(), sessionID, userID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// chat reads one turn per line from in until EOF, /quit or ctx ends, then
// closes the session.
func chat(ctx context.Context, svc turnProcessor, sessionID, userID string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "session %s\n", sessionID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		resp, err := svc.ProcessTurn(ctx, sessionID, userID, line)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "[%s] %s\n", resp.Phase, resp.Message)
		if resp.Outcome == orchestrator.OutcomeResolved || resp.Outcome == orchestrator.OutcomeEscalated {
			fmt.Fprintf(out, "(%s)\n", resp.Outcome)
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	// The session is closed even when ctx was cancelled.
	if err := svc.CloseSession(context.WithoutCancel(ctx), sessionID); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
