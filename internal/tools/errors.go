package tools

import "errors"

var (
	// ErrToolTimeout is returned when a call exceeds its deadline.
	ErrToolTimeout = errors.New("tool call timed out")

	// ErrToolExecution is returned when a tool ran and failed.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrUnknownTool is returned for names missing from the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidParams is returned when call parameters fail validation.
	ErrInvalidParams = errors.New("invalid tool parameters")

	// ErrHostNotAllowed is returned when a probe targets a host outside the
	// configured allowlist.
	ErrHostNotAllowed = errors.New("host not allowed")

	// ErrDuplicateTool is returned when a catalog receives two tools with the
	// same name.
	ErrDuplicateTool = errors.New("duplicate tool name")
)
