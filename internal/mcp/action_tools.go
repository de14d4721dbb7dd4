package mcp

import (
	"context"
	"fmt"

	"webpilot-mcp-server/internal/browser"
)

// BrowserActionTool executes one primitive action against a session's page.
type BrowserActionTool struct {
	executor *browser.ActionExecutor
}

func (t *BrowserActionTool) Name() string { return "browser-action" }
func (t *BrowserActionTool) Description() string {
	return `Perform one primitive action on a session's page.

ACTIONS:
- navigate (url)          Load a URL and wait for the document
- back / forward          Move through session history
- click (selector)        Click the first matching element
- fill (selector, value)  Clear the field, then type the value
- select (selector, value) Pick an option by value or visible label
- check / uncheck (selector) Set a checkbox to a known state
- press (value)           Press a key: single character or Enter, Tab,
                          Escape, Backspace, Space, Delete, arrows,
                          Home, End, PageUp, PageDown
- scroll (direction)      Scroll the page up or down one viewport
- highlight (selector)    Draw a temporary outline around an element

Selectors are CSS. Use interactive-elements first to discover selectors
instead of guessing them from a screenshot.

A missing element or a timeout is reported in the result with
success=false and the action's error text; the session stays usable.
Argument mistakes (unknown action, missing selector) fail the call.

Returns: {action, success, url, title, ...fields describing what was done}`
}
func (t *BrowserActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action to perform",
				"enum": []string{
					"navigate", "back", "forward", "click", "fill", "select",
					"check", "uncheck", "press", "scroll", "highlight",
				},
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "CSS selector for element actions",
			},
			"value": map[string]interface{}{
				"type":        "string",
				"description": "Text for fill/select, key name for press",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Destination for navigate",
			},
			"direction": map[string]interface{}{
				"type":        "string",
				"description": "Scroll direction: up or down (default down)",
				"enum":        []string{"up", "down"},
			},
		},
		"required": []string{"session", "action"},
	}
}
func (t *BrowserActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}

	actionType, err := browser.ParseActionType(getStringArg(args, "action"))
	if err != nil {
		return nil, err
	}

	req := browser.ActionRequest{
		Type:      actionType,
		Selector:  getStringArg(args, "selector"),
		Value:     getStringArg(args, "value"),
		URL:       getStringArg(args, "url"),
		Direction: getStringArg(args, "direction"),
	}

	result, err := t.executor.Execute(ctx, session, req)
	if err != nil {
		return nil, err
	}
	return result, nil
}
