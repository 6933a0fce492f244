// Troubleshootd is a memory-augmented troubleshooting agent.
//
// It walks a user through a fixed sequence of diagnostic phases, calling
// infrastructure tools on their behalf and remembering what it learned across
// turns, sessions and past incidents.
//
// Usage:
//
//	# Serve the HTTP API
//	troubleshootd serve
//
//	# Serve MCP over stdio for an assistant host
//	troubleshootd mcp
//
//	# Talk to the agent from a terminal
//	troubleshootd chat --user alice
//
//	# Let the agent remember resolved cases for a user
//	troubleshootd profile --user alice --set episodic_consent=true
//
// Configuration is read from ~/.config/troubleshootd/config.yaml (or --config)
// and TROUBLESHOOTD_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "troubleshootd",
		Short: "Phase-gated troubleshooting agent with layered memory",
		Long: `troubleshootd guides users through scope definition, timeline, hypothesis
formation, validation and solution proposal, using diagnostic tools and
four memory tiers to build context for every turn.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/troubleshootd/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newTurnCmd(),
		newChatCmd(),
		newProfileCmd(),
		newPurgeCmd(),
		newMCPCmd(),
		newHealthCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "troubleshootd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
