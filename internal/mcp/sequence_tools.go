package mcp

import (
	"context"
	"fmt"

	"webpilot-mcp-server/internal/browser"
)

// RunSequenceTool executes a scripted list of actions and assertions.
type RunSequenceTool struct {
	runner *browser.SequenceRunner
}

func (t *RunSequenceTool) Name() string { return "run-sequence" }
func (t *RunSequenceTool) Description() string {
	return `Run a scripted sequence of actions and assertions against a session.

Each step holds exactly one of:
- action:    same shape as browser-action ({type, selector, value, url, direction})
- assertion: a declarative check ({kind, selector, value})

ASSERTION KINDS:
- element_exists (selector)          element is on the page
- element_visible (selector)         element is on the page and visible
- text_contains (selector?, value)   element text (body if no selector) contains value
- title_contains (value)             page title contains value
- url_contains (value)               current URL contains value
- element_value (selector, value)    form field's value equals value

Steps run strictly in order. The first failing step aborts the run;
later steps are not attempted. The per-step report says what each step
did or why it failed, so one call replaces a long tool-call chain for
multi-step flows (login, form submit, wizard walk-through).

Every step emits a sequence_step fact and the run emits a sequence_run
fact, so query-facts can analyze past runs.

Returns: {run_id, session, state, success, completed, total, steps[],
final_url, final_title}`
}
func (t *RunSequenceTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
			"steps": map[string]interface{}{
				"type":        "array",
				"description": "Ordered steps, each {action: {...}} or {assertion: {...}}",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"action": map[string]interface{}{
							"type":        "object",
							"description": "Action step, same fields as browser-action",
						},
						"assertion": map[string]interface{}{
							"type":        "object",
							"description": "Assertion step: {kind, selector, value}",
						},
					},
				},
			},
		},
		"required": []string{"session", "steps"},
	}
}
func (t *RunSequenceTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}

	rawSteps, ok := args["steps"]
	if !ok {
		return nil, fmt.Errorf("steps is required")
	}
	steps, err := decodeSteps(rawSteps)
	if err != nil {
		return nil, err
	}

	result, err := t.runner.Run(ctx, session, steps)
	if err != nil {
		return nil, err
	}
	return result, nil
}
