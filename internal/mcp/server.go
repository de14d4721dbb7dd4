// Package mcp exposes the browser engine, the fact store, and the backend
// log reader as MCP tools and resources over stdio or SSE.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"webpilot-mcp-server/internal/backend"
	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/config"
	"webpilot-mcp-server/internal/facts"
	"webpilot-mcp-server/internal/query"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wires the MCP runtime to the Rod session registry, the Mangle fact
// engine, and the container log client.
type Server struct {
	cfg       config.Config
	registry  *browser.SessionRegistry
	engine    *facts.Engine
	executor  *browser.ActionExecutor
	runner    *browser.SequenceRunner
	extractor *query.Extractor
	evaluator *query.Evaluator
	backend   *backend.Client
	sink      browser.FactSink
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool is the server-side contract each MCP tool implements: static
// metadata for registration plus one Execute entry point.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the WebPilot MCP server and registers all tools and
// resources. The sink receives the facts emitted by tools themselves (for
// example screenshot_taken); session observers write to the registry's own
// sink.
func NewServer(cfg config.Config, registry *browser.SessionRegistry, engine *facts.Engine, sink browser.FactSink) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	backendClient := backend.NewClient(cfg.Backend)
	if backendClient.Enabled() {
		log.Printf("backend log integration enabled for containers: %v", backendClient.Containers())
	}

	executor := browser.NewActionExecutor(registry)
	evaluator := query.NewEvaluator(cfg.Browser.ActionTimeout())
	extractor := query.NewExtractor(cfg.Browser.ActionTimeout())

	server := &Server{
		cfg:       cfg,
		registry:  registry,
		engine:    engine,
		executor:  executor,
		runner:    browser.NewSequenceRunner(registry, executor, evaluator, sink),
		extractor: extractor,
		evaluator: evaluator,
		backend:   backendClient,
		sink:      sink,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves MCP over stdio, which is how CLI clients attach.
func (s *Server) Start(ctx context.Context) error {
	return mcpserver.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE serves MCP over HTTP: the SSE stream plus its paired message
// endpoint. Cancelling ctx drains open connections before returning.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	addr := ":" + strconv.Itoa(port)
	sse := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost"+addr))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.SSEHandler())
	mux.Handle("/message", sse.MessageHandler())
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Printf("draining SSE connections before shutdown")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(stopCtx)
	case err := <-serveErr:
		return err
	}
}

// ExecuteTool runs a registered tool by name, bypassing the MCP transport.
// Integration tests drive the server through this.
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	// Session lifecycle
	s.registerTool(&OpenSessionTool{registry: s.registry})
	s.registerTool(&CloseSessionTool{registry: s.registry})
	s.registerTool(&ListSessionsTool{registry: s.registry})

	// Page interaction
	s.registerTool(&BrowserActionTool{executor: s.executor})
	s.registerTool(&RunSequenceTool{runner: s.runner})

	// Captured diagnostics
	s.registerTool(&ReadConsoleTool{registry: s.registry})
	s.registerTool(&ReadNetworkTool{registry: s.registry})
	s.registerTool(&ClearDiagnosticsTool{registry: s.registry})

	// Structured page reads
	s.registerTool(&PageOutlineTool{registry: s.registry, extractor: s.extractor})
	s.registerTool(&InteractiveElementsTool{registry: s.registry, extractor: s.extractor})

	// Visual capture
	s.registerTool(&ScreenshotTool{registry: s.registry, sink: s.sink, screenshots: s.cfg.Screenshots})
	s.registerTool(&DescribeScreenshotTool{registry: s.registry, vision: s.cfg.Vision})

	// Fact engine
	s.registerTool(&QueryFactsTool{engine: s.engine})
	s.registerTool(&ReadFactsTool{engine: s.engine})
	s.registerTool(&SubmitRuleTool{engine: s.engine})

	// Backend correlation
	s.registerTool(&BackendLogsTool{client: s.backend})
	s.registerTool(&CorrelateErrorsTool{registry: s.registry, client: s.backend})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		// A tool with a broken schema still registers; clients just lose hints.
		schema = []byte(`{"type":"object"}`)
	}
	s.mcpServer.AddTool(mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema), s.wrapTool(tool))
}

// wrapTool adapts a Tool to the mcp-go handler signature. Tool failures come
// back as error-flagged results rather than protocol errors, so the client
// always sees a well-formed response.
func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return errorResult(fmt.Sprintf("tool %s failed: %v", tool.Name(), err)), nil
		}
		return textResult(encodeToolPayload(tool.Name(), result)), nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}}
}

func errorResult(text string) *mcp.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}

// encodeToolPayload renders a tool result as JSON, degrading to an error
// envelope when the payload cannot be serialized.
func encodeToolPayload(toolName string, result interface{}) string {
	payload, err := json.Marshal(result)
	if err == nil {
		return string(payload)
	}

	envelope, envErr := json.Marshal(map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, err),
	})
	if envErr != nil {
		return fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName)
	}
	return string(envelope)
}
