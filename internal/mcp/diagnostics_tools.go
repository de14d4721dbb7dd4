package mcp

import (
	"context"
	"fmt"

	"webpilot-mcp-server/internal/browser"
)

const defaultDiagnosticsLimit = 50

// ReadConsoleTool returns buffered console output for one session.
type ReadConsoleTool struct {
	registry *browser.SessionRegistry
}

func (t *ReadConsoleTool) Name() string { return "read-console" }
func (t *ReadConsoleTool) Description() string {
	return `Read buffered console output from a session, newest first.

Capture runs continuously from open-session; this reads the buffer
without touching the page. Filter by level (log, info, warning, error,
debug) to cut noise, and pass clear=true to drop the whole buffer after
reading so the next read only shows new output.

WHEN TO USE:
- After an action that may have logged errors
- Polling for new errors between steps (use clear=true)

Returns: {session, entries: [{level, text, source, line, timestamp}], count}`
}
func (t *ReadConsoleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
			"level": map[string]interface{}{
				"type":        "string",
				"description": "Only entries with exactly this level (default: all)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum entries to return (default 50)",
			},
			"clear": map[string]interface{}{
				"type":        "boolean",
				"description": "Drop the entire console buffer after reading",
			},
		},
		"required": []string{"session"},
	}
}
func (t *ReadConsoleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}

	diag, err := t.registry.Diagnostics(session)
	if err != nil {
		return nil, err
	}

	entries := diag.ReadConsole(
		getStringArg(args, "level"),
		getIntArg(args, "limit", defaultDiagnosticsLimit),
		getBoolArg(args, "clear", false),
	)
	return map[string]interface{}{
		"session": session,
		"entries": entries,
		"count":   len(entries),
	}, nil
}

// ReadNetworkTool returns buffered network exchanges for one session.
type ReadNetworkTool struct {
	registry *browser.SessionRegistry
}

func (t *ReadNetworkTool) Name() string { return "read-network" }
func (t *ReadNetworkTool) Description() string {
	return `Read buffered network activity from a session, newest first.

Each entry is one completed exchange: method, URL, and either the
response status with duration or the failure reason. Requests still in
flight are not listed.

WHEN TO USE:
- Checking whether an action fired the expected API call
- Finding failed or slow requests behind a broken page

Returns: {session, entries: [{method, url, status, failed, error,
duration_ms, timestamp}], count}`
}
func (t *ReadNetworkTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum entries to return (default 50)",
			},
			"clear": map[string]interface{}{
				"type":        "boolean",
				"description": "Drop the entire network buffer after reading",
			},
		},
		"required": []string{"session"},
	}
}
func (t *ReadNetworkTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}

	diag, err := t.registry.Diagnostics(session)
	if err != nil {
		return nil, err
	}

	entries := diag.ReadNetwork(
		getIntArg(args, "limit", defaultDiagnosticsLimit),
		getBoolArg(args, "clear", false),
	)
	return map[string]interface{}{
		"session": session,
		"entries": entries,
		"count":   len(entries),
	}, nil
}

// ClearDiagnosticsTool empties a session's capture buffers.
type ClearDiagnosticsTool struct {
	registry *browser.SessionRegistry
}

func (t *ClearDiagnosticsTool) Name() string { return "clear-diagnostics" }
func (t *ClearDiagnosticsTool) Description() string {
	return `Clear a session's buffered console and/or network diagnostics.

Use before an action you want to observe in isolation, so the next
read-console/read-network only shows what that action caused. Facts
already emitted to the engine are unaffected.

Returns: {session, cleared: "console"|"network"|"all"}`
}
func (t *ClearDiagnosticsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
			"kind": map[string]interface{}{
				"type":        "string",
				"description": "Which buffer to clear (default all)",
				"enum":        []string{"console", "network", "all"},
			},
		},
		"required": []string{"session"},
	}
}
func (t *ClearDiagnosticsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}

	kind := getStringArg(args, "kind")
	if kind == "" {
		kind = "all"
	}

	diag, err := t.registry.Diagnostics(session)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "console":
		diag.ClearConsole()
	case "network":
		diag.ClearNetwork()
	case "all":
		diag.ClearConsole()
		diag.ClearNetwork()
	default:
		return nil, fmt.Errorf("kind must be console, network, or all, got %q", kind)
	}

	return map[string]interface{}{
		"session": session,
		"cleared": kind,
	}, nil
}
