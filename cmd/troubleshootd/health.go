package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/troubleshootd/internal/http"
)

func newHealthCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running troubleshootd server",
		Long: `Check the memory tier status of a running troubleshootd HTTP server.

Examples:
  troubleshootd health
  troubleshootd health --server http://10.0.0.5:9191`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealth(cmd.OutOrStdout(), serverURL)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:9191", "troubleshootd server URL")
	return cmd
}

func runHealth(out io.Writer, serverURL string) error {
	url := fmt.Sprintf("%s/health", serverURL)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var health httpapi.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "Server Status: %s\n", health.Status)
	tiers := make([]string, 0, len(health.Tiers))
	for tier := range health.Tiers {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	for _, tier := range tiers {
		fmt.Fprintf(out, "  %-9s %s\n", tier, health.Tiers[tier])
	}
	fmt.Fprintf(out, "Server URL: %s\n", serverURL)
	return nil
}
