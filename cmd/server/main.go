package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/config"
	"webpilot-mcp-server/internal/facts"
	mcpserver "webpilot-mcp-server/internal/mcp"
	"webpilot-mcp-server/internal/recorder"
)

func main() {
	configPath := flag.String("config", "", "Explicit WebPilot config file, layered over any workspace config")
	ssePort := flag.Int("sse-port", 0, "Serve over SSE on this port instead of the configured transport")
	workspaceDir := flag.String("workspace-dir", "", "Workspace root to use instead of walking up from the working directory")
	noWorkspace := flag.Bool("no-workspace", false, "Skip workspace discovery entirely")
	initWorkspace := flag.Bool("init-workspace", false, "Create a .webpilot/ workspace in the current directory and exit")
	flag.Parse()

	if *initWorkspace {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to resolve working directory: %v", err)
		}
		if err := config.InitWorkspace(cwd); err != nil {
			log.Fatalf("failed to init workspace: %v", err)
		}
		fmt.Printf("initialized workspace at %s\n", filepath.Join(cwd, config.WorkspaceDirName))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Logging is still on stderr at this point, which is fine: we are
		// exiting before the stdio transport starts.
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// In stdio mode both std streams belong to the MCP transport, so logs
	// move to a file, or nowhere when the file cannot be opened.
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace at %s", wsDir)
	}

	engine, err := facts.NewEngine(cfg.Facts)
	if err != nil {
		log.Fatalf("failed to initialize fact engine: %v", err)
	}

	rec, err := recorder.New(cfg.Recorder)
	if err != nil {
		log.Fatalf("failed to initialize flight recorder: %v", err)
	}
	if err := rec.Start("server"); err != nil {
		log.Printf("flight recorder not writing traces: %v", err)
	}
	defer rec.Close()

	sink := rec.Tee(engine)

	// The registry launches the shared browser on the first open-session
	// call, not here; a server that only reads facts never pays for Chrome.
	registry := browser.NewSessionRegistry(ctx, cfg.Browser, sink)
	defer registry.ShutdownAll(context.Background())

	server, err := mcpserver.NewServer(cfg, registry, engine, sink)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting WebPilot MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting WebPilot MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}
