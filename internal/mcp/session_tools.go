package mcp

import (
	"context"
	"fmt"

	"webpilot-mcp-server/internal/browser"
)

// OpenSessionTool creates a named browser session and navigates it.
type OpenSessionTool struct {
	registry *browser.SessionRegistry
}

func (t *OpenSessionTool) Name() string { return "open-session" }
func (t *OpenSessionTool) Description() string {
	return `Open a named browser session and navigate it to a starting URL.

Names are chosen by you and identify the session in every other tool
("checkout", "admin", ...). The first open launches or attaches the
shared browser; each session gets its own isolated incognito context,
so cookies and storage never leak between sessions.

WHEN TO USE:
- Starting automation against a page
- Opening a second independent session (different user, different flow)

Opening a name that is already in use is an error; close it first or
pick another name. Console and network capture starts immediately.

Returns: {session: {name, url, title, created_at}}`
}
func (t *OpenSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Session name used by every other tool",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to open the session at",
			},
		},
		"required": []string{"name", "url"},
	}
}
func (t *OpenSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	url := getStringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}

	sess, err := t.registry.Open(ctx, name, url)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess}, nil
}

// CloseSessionTool tears down one session and its capture state.
type CloseSessionTool struct {
	registry *browser.SessionRegistry
}

func (t *CloseSessionTool) Name() string { return "close-session" }
func (t *CloseSessionTool) Description() string {
	return `Close a browser session and release its page.

Buffered console/network diagnostics for the session are discarded;
facts already emitted to the engine are kept. Closing the last session
shuts the browser down.

Returns: {closed: name}`
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Session to close",
			},
		},
		"required": []string{"name"},
	}
}
func (t *CloseSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	if !t.registry.Close(ctx, name) {
		return nil, unknownSession(name, t.registry.List())
	}
	return map[string]interface{}{"closed": name}, nil
}

// ListSessionsTool reports every open session.
type ListSessionsTool struct {
	registry *browser.SessionRegistry
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List all open browser sessions.

USE THIS FIRST to discover what is already open before creating new
sessions. Every other tool takes one of the returned names.

Returns: {sessions: [{name, url, title, created_at}], count}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	sessions := t.registry.List()
	return map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	}, nil
}
