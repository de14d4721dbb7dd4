package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"webpilot-mcp-server/internal/browser"

	"github.com/mark3labs/mcp-go/mcp"
)

const resourceMIMEJSON = "application/json"

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"webpilot://about",
			"WebPilot About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server identity, open session count, and usage hints."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"webpilot://session/{name}/diagnostics{?kind,limit}",
			"Session Diagnostics",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Read a session's buffered console and network entries without clearing them (kind: console, network, or all)."),
		),
		s.handleSessionDiagnosticsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, map[string]interface{}{
		"name":          s.cfg.Server.Name,
		"version":       s.cfg.Server.Version,
		"sessions_open": len(s.registry.List()),
		"notes": []string{
			"Resources only read state; anything that touches the page goes through a tool.",
			"Reading diagnostics through a resource never clears the buffers; use read-console/read-network with clear=true for that.",
			"Session-scoped reads keep token cost proportional to one session, not the whole server.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

func (s *Server) handleSessionDiagnosticsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	name := argString(request.Params.Arguments["name"])
	if name == "" {
		return nil, fmt.Errorf("missing session name")
	}

	kind := argString(request.Params.Arguments["kind"])
	if kind == "" {
		kind = "all"
	}
	if kind != "console" && kind != "network" && kind != "all" {
		return nil, fmt.Errorf("kind must be console, network, or all")
	}

	limit := asInt(request.Params.Arguments["limit"])
	if limit <= 0 {
		limit = 25
	}
	if limit > browser.DiagnosticsCapacity {
		limit = browser.DiagnosticsCapacity
	}

	diag, err := s.registry.Diagnostics(name)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"session": name,
		"kind":    kind,
		"limit":   limit,
		"order":   "newest_first",
	}
	if kind == "console" || kind == "all" {
		entries := diag.ReadConsole("", limit, false)
		payload["console"] = entries
		payload["console_count"] = len(entries)
	}
	if kind == "network" || kind == "all" {
		entries := diag.ReadNetwork(limit, false)
		payload["network"] = entries
		payload["network_count"] = len(entries)
	}

	return jsonResource(request.Params.URI, payload)
}

// jsonResource wraps a payload as the single JSON content item the mcp-go
// resource handlers return.
func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

// argString flattens the string-or-list shapes URI template arguments
// arrive in.
func argString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if list, ok := v.([]string); ok {
		if len(list) == 0 {
			return ""
		}
		return list[0]
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v any) int {
	switch value := v.(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case string:
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	case []string:
		if len(value) > 0 {
			return asInt(value[0])
		}
	}
	return 0
}
