// Package mcp exposes the troubleshooting engine as an MCP server.
//
// The server runs over stdio so an assistant host can launch troubleshootd
// as a subprocess and drive sessions through its tools:
//
//   - troubleshoot_turn processes one user message in a session and returns
//     the agent response.
//   - update_profile merges fields into a user's profile. Setting
//     episodic_consent to true lets resolved cases be remembered.
//   - memory_health reports the status of every memory tier.
//
// Output text is passed through the configured secret sanitizer before it is
// returned to the client.
package mcp
