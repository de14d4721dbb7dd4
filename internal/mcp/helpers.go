package mcp

import (
	"fmt"
	"sort"
	"strings"

	"webpilot-mcp-server/internal/browser"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

// decodeSteps converts the raw steps argument into typed sequence steps.
// Shape problems (not an array, a step that is not an object, an unknown
// action name) are reported here so nothing runs against the page.
func decodeSteps(raw interface{}) ([]browser.SequenceStep, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("steps must be an array of step objects")
	}

	steps := make([]browser.SequenceStep, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("step %d: expected an object", i)
		}

		var step browser.SequenceStep
		if rawAction, ok := m["action"]; ok && rawAction != nil {
			am, ok := rawAction.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("step %d: action must be an object", i)
			}
			actionType, err := browser.ParseActionType(getStringArg(am, "type"))
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			step.Action = &browser.ActionRequest{
				Type:      actionType,
				Selector:  getStringArg(am, "selector"),
				Value:     getStringArg(am, "value"),
				URL:       getStringArg(am, "url"),
				Direction: getStringArg(am, "direction"),
			}
		}
		if rawAssert, ok := m["assertion"]; ok && rawAssert != nil {
			am, ok := rawAssert.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("step %d: assertion must be an object", i)
			}
			step.Assertion = &browser.Assertion{
				Kind:     getStringArg(am, "kind"),
				Selector: getStringArg(am, "selector"),
				Value:    getStringArg(am, "value"),
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// unknownSession builds the not-found error for tools that resolve sessions
// through a boolean API. The message matches the registry's own errors so
// callers always see the open session names.
func unknownSession(name string, open []browser.Session) error {
	if len(open) == 0 {
		return fmt.Errorf("unknown session %q (no sessions open)", name)
	}
	names := make([]string, 0, len(open))
	for _, sess := range open {
		names = append(names, sess.Name)
	}
	sort.Strings(names)
	return fmt.Errorf("unknown session %q (open sessions: %s)", name, strings.Join(names, ", "))
}
