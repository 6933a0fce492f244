package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/troubleshootd/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP over stdio",
		Long: `Serve the troubleshoot_turn and memory_health tools over the MCP stdio
transport. Logs go to stderr.

Example host configuration:
  {"command": "troubleshootd", "args": ["mcp"]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			srv, err := mcp.NewServer(&mcp.Config{
				Name:           "troubleshootd",
				Version:        version,
				MaxQueryLength: a.cfg.Classifier.MaxQueryLength,
				Sanitizer:      a.registry.Sanitizer(),
				Logger:         a.logger.Underlying(),
			}, a.registry.Orchestrator())
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}
