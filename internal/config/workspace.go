package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// WorkspaceDirName is the directory name for project-level WebPilot config.
	WorkspaceDirName = ".webpilot"
	// WorkspaceConfigFile names the config file inside that directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth caps how far discovery walks toward the filesystem root.
	MaxSearchDepth = 10
)

// WorkspaceOptions is how CLI flags steer workspace discovery.
type WorkspaceOptions struct {
	// Disable turns discovery off entirely (--no-workspace).
	Disable bool
	// ExplicitDir names the workspace root directly instead of walking up
	// from the working directory (--workspace-dir).
	ExplicitDir string
}

func workspaceConfigPath(root string) string {
	return filepath.Join(root, WorkspaceDirName, WorkspaceConfigFile)
}

// DiscoverWorkspace walks from startDir toward the filesystem root looking
// for a .webpilot/config.yaml. It returns the directory holding the
// workspace, or "" when none exists within MaxSearchDepth levels.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for depth := 0; depth < MaxSearchDepth; depth++ {
		if _, err := os.Stat(workspaceConfigPath(dir)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

// locateWorkspace picks the workspace root for the given options: the
// explicit dir when it actually holds a config, otherwise the nearest
// ancestor of the working directory. Empty means no workspace applies.
func locateWorkspace(opts WorkspaceOptions) (string, error) {
	if opts.Disable {
		return "", nil
	}
	if opts.ExplicitDir != "" {
		if _, err := os.Stat(workspaceConfigPath(opts.ExplicitDir)); err != nil {
			return "", nil
		}
		return opts.ExplicitDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return DiscoverWorkspace(cwd)
}

// LoadWithWorkspace layers config sources, later layers winning:
//
//	DefaultConfig() <- .webpilot/config.yaml <- explicit --config <- CLI flags
//
// It returns the merged config and the workspace root ("" when none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()

	wsDir, err := locateWorkspace(opts)
	if err != nil {
		return cfg, "", err
	}
	if wsDir != "" {
		if err := overlayYAML(workspaceConfigPath(wsDir), &cfg); err != nil {
			return cfg, "", err
		}
		cfg = resolveWorkspacePaths(cfg, wsDir)
	}

	if explicitConfig != "" {
		if err := overlayYAML(explicitConfig, &cfg); err != nil {
			return cfg, wsDir, err
		}
	}
	return cfg, wsDir, cfg.Validate()
}

// resolveWorkspacePaths anchors relative paths to the workspace root so the
// server reads and writes project files no matter where it was started.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = anchor(cfg.Server.LogFile)
	cfg.Facts.SchemaPath = anchor(cfg.Facts.SchemaPath)
	for i, p := range cfg.Facts.RulePaths {
		cfg.Facts.RulePaths[i] = anchor(p)
	}
	cfg.Recorder.Dir = anchor(cfg.Recorder.Dir)
	cfg.Screenshots.Dir = anchor(cfg.Screenshots.Dir)
	return cfg
}

const workspaceTemplate = `# WebPilot project settings.
# Anything set here beats the built-in defaults; --config and CLI flags beat this file.

# backend:
#   enabled: true
#   containers:
#     - shop-api
#     - shop-web
#   log_window: "30s"

# facts:
#   schema_path: ".webpilot/schemas/project.mg"

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720

# vision:
#   enabled: true
#   model: "gpt-4o-mini"
`

// InitWorkspace scaffolds a fresh .webpilot/ directory under root with a
// commented config template and a .gitignore covering runtime data.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace already initialized at %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "schemas"), filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}

	files := []struct {
		name string
		body string
	}{
		{WorkspaceConfigFile, workspaceTemplate},
		{".gitignore", "# Runtime artifacts (logs, traces, screenshots) live here.\ndata/\n"},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(wsDir, f.name), []byte(f.body), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}
