// Package secrets redacts credentials from troubleshooting content before it
// is persisted to memory or sent to a language model.
//
// Detection runs in two layers: the Gitleaks default rule set, then a small
// table of patterns common in operational text (connection strings, bearer
// headers, password assignments) that Gitleaks does not target.
package secrets

import "errors"

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates the allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)
