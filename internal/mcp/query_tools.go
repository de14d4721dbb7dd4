package mcp

import (
	"context"
	"fmt"

	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/query"
)

// PageOutlineTool returns a compact structural sketch of a page.
type PageOutlineTool struct {
	registry  *browser.SessionRegistry
	extractor *query.Extractor
}

func (t *PageOutlineTool) Name() string { return "page-outline" }
func (t *PageOutlineTool) Description() string {
	return `Get a compact structural outline of a session's current page.

Returns the URL, title, heading hierarchy, landmark regions (nav, main,
forms, dialogs) and the first visible links. This is the cheap way to
understand what a page IS; prefer it over screenshot for orientation.

WHEN TO USE:
- Right after navigation, to see where you landed
- Checking that an expected section or dialog rendered
- Before interactive-elements, to pick the region you care about

Returns: {url, title, headings[], landmarks[], links[], link_count}`
}
func (t *PageOutlineTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
		},
		"required": []string{"session"},
	}
}
func (t *PageOutlineTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}

	page, err := t.registry.Page(session)
	if err != nil {
		return nil, err
	}

	outline, err := t.extractor.Outline(ctx, page, query.DefaultMaxLinks)
	if err != nil {
		return nil, err
	}
	return outline, nil
}

// InteractiveElementsTool lists actionable elements with usable selectors.
type InteractiveElementsTool struct {
	registry  *browser.SessionRegistry
	extractor *query.Extractor
}

func (t *InteractiveElementsTool) Name() string { return "interactive-elements" }
func (t *InteractiveElementsTool) Description() string {
	return `List the actionable elements on a session's current page.

Each element comes with a ref, a type (button, input, link, select), a
human label, the suggested action, and a CSS selector that feeds
straight into browser-action. Hidden elements are skipped.

ALWAYS use this before clicking or filling: guessing selectors from a
screenshot wastes calls and misses dynamically generated attributes.

FILTERS: buttons | inputs | links | selects (default: all kinds)

Returns: {session, elements: [{ref, type, label, action, selector,
value, enabled, checked}], count}`
}
func (t *InteractiveElementsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
			"filter": map[string]interface{}{
				"type":        "string",
				"description": "Narrow to one kind: buttons, inputs, links, selects",
				"enum":        []string{"buttons", "inputs", "links", "selects", "all"},
			},
			"max": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum elements to return (default 30)",
			},
		},
		"required": []string{"session"},
	}
}
func (t *InteractiveElementsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}

	page, err := t.registry.Page(session)
	if err != nil {
		return nil, err
	}

	elements, err := t.extractor.InteractiveElements(
		ctx,
		page,
		getStringArg(args, "filter"),
		getIntArg(args, "max", query.DefaultMaxElements),
	)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session":  session,
		"elements": elements,
		"count":    len(elements),
	}, nil
}
