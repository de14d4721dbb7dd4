package mcp

import (
	"context"
	"fmt"
	"strings"

	"webpilot-mcp-server/internal/facts"
)

// QueryFactsTool evaluates a Mangle query against the fact store.
type QueryFactsTool struct {
	engine *facts.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Query captured browser facts with Mangle datalog.

Every observed event becomes a fact: session_opened, console_event,
net_request, net_response, net_failure, navigation_event, current_url,
action_performed, sequence_step, screenshot_taken. Derived predicates
like console_error and request_failed are available out of the box, and
submit-rule can add more.

Queries use standard datalog syntax with variables:
- console_error(Session, Text, Ts)
- net_response("checkout", Url, Status, Ts)
- request_failed(Session, Url, Why, Ts)

WHEN TO USE:
- Joining events across sessions or across time
- Asking "did any request fail after I clicked submit?"
- Anything read-console/read-network can't express as a flat list

Returns: {query, results: [{Var: value, ...}], count}`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query, e.g. console_error(Session, Text, Ts)",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	queryStr := strings.TrimSpace(getStringArg(args, "query"))
	if queryStr == "" {
		return nil, fmt.Errorf("query is required")
	}
	// The parser wants a period-terminated clause; accept the bare atom too.
	if !strings.HasSuffix(queryStr, ".") {
		queryStr += "."
	}

	results, err := t.engine.Query(ctx, queryStr)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	return map[string]interface{}{
		"query":   queryStr,
		"results": results,
		"count":   len(results),
	}, nil
}

// ReadFactsTool dumps raw facts without requiring query syntax.
type ReadFactsTool struct {
	engine *facts.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read raw captured facts, newest first, optionally by predicate.

Lighter than query-facts when you just want to see what was recorded.
Omit predicate to sample across all of them; pass one (for example
net_failure or console_event) to narrow down. Derived predicates such
as console_error work too.

Returns: {predicate, facts: [{predicate, args, timestamp}], count}`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Only return facts with this predicate",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return (default 50)",
			},
		},
	}
}
func (t *ReadFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	limit := getIntArg(args, "limit", 50)
	if limit < 1 {
		limit = 1
	}

	var all []facts.Fact
	if predicate != "" {
		all = t.engine.FactsByPredicate(predicate)
		if len(all) == 0 {
			// Derived predicates never enter the buffer; pull them from
			// the deductive store instead.
			if derived, err := t.engine.Evaluate(ctx, predicate); err == nil {
				all = derived
			}
		}
	} else {
		all = t.engine.Facts()
	}

	// Newest first, same convention as the diagnostics readers.
	out := make([]facts.Fact, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}

	return map[string]interface{}{
		"predicate": predicate,
		"facts":     out,
		"count":     len(out),
	}, nil
}

// SubmitRuleTool adds a derived predicate to the running engine.
type SubmitRuleTool struct {
	engine *facts.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add a Mangle rule deriving new predicates from captured facts.

Rules persist for the life of the server and re-evaluate as new facts
arrive. Use them to name a pattern once and query it cheaply after.
Declare the head predicate alongside the rule:

  Decl broken_nav(Session, Url).
  broken_nav(S, U) :- navigation_event(S, U, _), net_failure(S, U, _, _).

Returns: {success, rule}`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle rule source, e.g. head(X) :- body(X).",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	rule := getStringArg(args, "rule")
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}

	if err := t.engine.AddRule(rule); err != nil {
		return nil, fmt.Errorf("rule rejected: %w", err)
	}

	return map[string]interface{}{
		"success": true,
		"rule":    rule,
	}, nil
}
