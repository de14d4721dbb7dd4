package mcp

import (
	"context"
	"fmt"
	"time"

	"webpilot-mcp-server/internal/backend"
	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/correlation"
)

// BackendLogsTool reads recent container logs for the configured backend.
type BackendLogsTool struct {
	client *backend.Client
}

func (t *BackendLogsTool) Name() string { return "backend-logs" }
func (t *BackendLogsTool) Description() string {
	return `Read recent logs from the configured backend containers.

Lines are parsed into leveled entries (ERROR, WARNING, INFO, DEBUG);
Python tracebacks and Node stack frames fold into the error that
started them. A per-container health rollup comes along for free.

Requires backend.enabled with a containers list in config.

WHEN TO USE:
- The page shows a 5xx and you want the server's side of the story
- Checking whether the backend is quiet before starting a flow
- After correlate-errors, to read full context around a match

Returns: {since, containers, entries[], count, health[]}`
}
func (t *BackendLogsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"since_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Epoch milliseconds to read from (default: now minus the configured log window)",
			},
			"level": map[string]interface{}{
				"type":        "string",
				"description": "Only return entries at this level",
				"enum":        []string{"ERROR", "WARNING", "INFO", "DEBUG"},
			},
		},
	}
}
func (t *BackendLogsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if !t.client.Enabled() {
		return nil, fmt.Errorf("backend log integration is disabled (set backend.enabled: true and list containers in config)")
	}

	since := time.Now().Add(-t.client.Window())
	if ms := getIntArg(args, "since_ms", 0); ms > 0 {
		since = time.UnixMilli(int64(ms))
	}

	entries, err := t.client.Logs(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("read backend logs: %w", err)
	}

	// Health is computed over everything in the window, not the filtered view.
	health := t.client.Health(entries)

	if level := getStringArg(args, "level"); level != "" {
		entries = backend.FilterLevel(entries, level)
	}

	return map[string]interface{}{
		"since":      since,
		"containers": t.client.Containers(),
		"entries":    entries,
		"count":      len(entries),
		"health":     health,
	}, nil
}

// CorrelateErrorsTool joins browser-side failures to backend log lines that
// mention the same identifiers.
type CorrelateErrorsTool struct {
	registry *browser.SessionRegistry
	client   *backend.Client
}

func (t *CorrelateErrorsTool) Name() string { return "correlate-errors" }
func (t *CorrelateErrorsTool) Description() string {
	return `Line up a session's failures with backend log lines from the same
window.

Failed or 4xx/5xx network entries and console errors are scanned for
identifiers (request ids, trace ids, uuids, long hex or numeric ids);
backend ERROR/WARNING lines carrying the same identifier become
matches. This answers "which server error caused what I saw in the
browser" without eyeballing two log streams.

Reading here does not clear the session's diagnostics buffers.

Returns: {session, window_ms, browser_failures[], matches[],
match_count, backend_problems_scanned, health[]}`
}
func (t *CorrelateErrorsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
			"window_ms": map[string]interface{}{
				"type":        "integer",
				"description": "How far back to look, in milliseconds (default: the configured log window)",
			},
		},
		"required": []string{"session"},
	}
}

type browserFailure struct {
	Kind        string                   `json:"kind"` // network or console
	Summary     string                   `json:"summary"`
	Timestamp   time.Time                `json:"timestamp"`
	Identifiers []correlation.Identifier `json:"identifiers,omitempty"`
}

type correlationMatch struct {
	Browser browserFailure           `json:"browser"`
	Backend backend.Entry            `json:"backend"`
	Shared  []correlation.Identifier `json:"shared"`
}

func (t *CorrelateErrorsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}
	if !t.client.Enabled() {
		return nil, fmt.Errorf("backend log integration is disabled (set backend.enabled: true and list containers in config)")
	}

	diag, err := t.registry.Diagnostics(session)
	if err != nil {
		return nil, err
	}

	window := t.client.Window()
	if ms := getIntArg(args, "window_ms", 0); ms > 0 {
		window = time.Duration(ms) * time.Millisecond
	}
	since := time.Now().Add(-window)

	failures := collectBrowserFailures(diag, since)

	entries, err := t.client.Logs(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("read backend logs: %w", err)
	}
	problems := backend.Problems(entries)

	matches := make([]correlationMatch, 0)
	for _, f := range failures {
		for _, p := range problems {
			shared := correlation.Shared(f.Identifiers, correlation.FromMessage(p.Message))
			if len(shared) == 0 {
				continue
			}
			matches = append(matches, correlationMatch{Browser: f, Backend: p, Shared: shared})
		}
	}

	return map[string]interface{}{
		"session":                  session,
		"window_ms":                window.Milliseconds(),
		"browser_failures":         failures,
		"matches":                  matches,
		"match_count":              len(matches),
		"backend_problems_scanned": len(problems),
		"health":                   t.client.Health(entries),
	}, nil
}

// collectBrowserFailures pulls failed network entries and console errors
// from the diagnostics buffers without clearing them, keeping only entries
// inside the window.
func collectBrowserFailures(diag *browser.Diagnostics, since time.Time) []browserFailure {
	failures := make([]browserFailure, 0)

	for _, e := range diag.ReadNetwork(browser.DiagnosticsCapacity, false) {
		if e.Timestamp.Before(since) {
			continue
		}
		if !e.Failed && e.Status < 400 {
			continue
		}

		summary := fmt.Sprintf("%s %s -> %d", e.Method, e.URL, e.Status)
		if e.Failed {
			summary = fmt.Sprintf("%s %s failed: %s", e.Method, e.URL, e.Error)
		}

		ids := correlation.FromURL(e.URL)
		if e.Error != "" {
			ids = append(ids, correlation.FromMessage(e.Error)...)
		}
		failures = append(failures, browserFailure{
			Kind:        "network",
			Summary:     summary,
			Timestamp:   e.Timestamp,
			Identifiers: ids,
		})
	}

	for _, e := range diag.ReadConsole("error", browser.DiagnosticsCapacity, false) {
		if e.Timestamp.Before(since) {
			continue
		}
		failures = append(failures, browserFailure{
			Kind:        "console",
			Summary:     e.Text,
			Timestamp:   e.Timestamp,
			Identifiers: correlation.FromMessage(e.Text),
		})
	}

	return failures
}
