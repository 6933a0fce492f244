package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	var (
		userID string
		sets   []string
		unsets []string
	)
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update a user's profile",
		Long: `Merge fields into a user's profile and print the result as JSON.

Values are parsed as JSON when they are valid JSON and stored as strings
otherwise. Resolved cases are remembered only for users whose
episodic_consent field is true.

Examples:
  troubleshootd profile --user alice --set episodic_consent=true
  troubleshootd profile --user alice --set stack=k8s --unset expertise_level`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := parseProfileFields(sets, unsets)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			profile, err := a.registry.Orchestrator().UpdateProfile(ctx, userID, fields)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), profile)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value to set (repeatable)")
	cmd.Flags().StringArrayVar(&unsets, "unset", nil, "field to remove (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// parseProfileFields turns --set and --unset flags into a profile update.
// Removed fields map to nil.
func parseProfileFields(sets, unsets []string) (map[string]any, error) {
	fields := make(map[string]any, len(sets)+len(unsets))
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want field=value", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		fields[key] = v
	}
	for _, key := range unsets {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("--unset needs a field name")
		}
		fields[key] = nil
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("nothing to update, use --set or --unset")
	}
	return fields, nil
}

func newPurgeCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete a session's state and memory",
		Long: `Delete a session's agent state together with its working memory and
session insights. Patterns already learned for the user and recorded
episodes are kept. The next message in the session starts a new case.

Example:
  troubleshootd purge --session inc-42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			if err := a.registry.Orchestrator().PurgeSession(ctx, sessionID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s purged\n", sessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
