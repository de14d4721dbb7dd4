package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures all tunable settings for the WebPilot MCP server.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Browser     BrowserConfig    `yaml:"browser"`
	MCP         MCPConfig        `yaml:"mcp"`
	Facts       FactsConfig      `yaml:"facts"`
	Backend     BackendConfig    `yaml:"backend"`
	Vision      VisionConfig     `yaml:"vision"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	Screenshots ScreenshotConfig `yaml:"screenshots"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig decides whether Rod attaches to a running Chrome or
// launches its own.
type BrowserConfig struct {
	// Rod control endpoint, e.g. ws://localhost:9222. Leave empty and the
	// server launches its own Chrome on demand.
	DebuggerURL string `yaml:"debugger_url"`
	// Chrome binary for the launcher. Empty lets Rod find one.
	Bin string `yaml:"bin"`
	// Extra Chrome flags passed to the launcher, e.g. ["--no-sandbox"].
	Flags []string `yaml:"flags"`
	// Run Chrome without a visible window. Unset means yes.
	Headless *bool `yaml:"headless"`
	// Budget for navigations that wait on the document being parsed.
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Budget for element lookups and single interactions.
	DefaultActionTimeout string `yaml:"default_action_timeout"`
	// Budget for the best-effort settle wait after clicks and key presses.
	DefaultSettleTimeout string `yaml:"default_settle_timeout"`
	// Viewport dimensions for new sessions. Zero picks 1920x1080.
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// Nonzero starts an SSE server on this port alongside stdio.
	SSEPort int `yaml:"sse_port"`
}

// FactsConfig controls the embedded deductive engine.
type FactsConfig struct {
	Enable bool `yaml:"enable"`
	// Optional Mangle schema file layered on top of the built-in declarations.
	SchemaPath string `yaml:"schema_path"`
	// Optional rule files loaded at startup.
	RulePaths []string `yaml:"rule_paths"`
	// Maximum retained facts before the oldest are dropped (default: 2048).
	FactBufferLimit int `yaml:"fact_buffer_limit"`
}

// BackendConfig wires container logs into error correlation.
type BackendConfig struct {
	// Turn the Docker log tail on. Off unless a project opts in.
	Enabled bool `yaml:"enabled"`
	// Names of the containers whose logs get scanned.
	Containers []string `yaml:"containers"`
	// Span of log history pulled when correlating an error, e.g. "30s".
	LogWindow string `yaml:"log_window"`
	// Docker daemon address. Empty falls back to DOCKER_HOST or the socket.
	Host string `yaml:"host"`
}

// VisionConfig configures the screenshot describer backed by an
// OpenAI-compatible chat completions endpoint.
type VisionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Base URL of the API (default: https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`
	// Model used for image description (default: gpt-4o-mini).
	Model string `yaml:"model"`
	// Environment variable holding the API key (default: OPENAI_API_KEY).
	APIKeyEnv string `yaml:"api_key_env"`
	// Maximum completion tokens per description (default: 512).
	MaxTokens int `yaml:"max_tokens"`
	// HTTP timeout for a single describe call (e.g., "30s").
	RequestTimeout string `yaml:"request_timeout"`
}

// RecorderConfig controls the JSONL flight recorder.
type RecorderConfig struct {
	Enabled bool `yaml:"enabled"`
	// Directory for trace files (default: traces).
	Dir string `yaml:"dir"`
	// Number of trace files kept after rotation (default: 3).
	MaxRotatedFiles int `yaml:"max_rotated_files"`
}

// ScreenshotConfig controls where and how captures are persisted.
type ScreenshotConfig struct {
	// Directory for saved captures (default: screenshots).
	Dir string `yaml:"dir"`
	// Default image format: png or jpeg (default: png).
	Format string `yaml:"format"`
	// JPEG quality 1-100 (default: 90).
	Quality int `yaml:"quality"`
}

// DefaultConfig is the baseline every other config layer builds on.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "webpilot-mcp",
			Version: "0.1.0",
			LogFile: "webpilot-mcp.log",
		},
		Browser: BrowserConfig{
			DefaultNavigationTimeout: "15s",
			DefaultActionTimeout:     "10s",
			DefaultSettleTimeout:     "3s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Facts: FactsConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Backend: BackendConfig{
			Enabled:    false,
			Containers: []string{"backend", "frontend"},
			LogWindow:  "30s",
			Host:       "",
		},
		Vision: VisionConfig{
			Enabled:        false,
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      512,
			RequestTimeout: "30s",
		},
		Recorder: RecorderConfig{
			Enabled:         true,
			Dir:             "traces",
			MaxRotatedFiles: 3,
		},
		Screenshots: ScreenshotConfig{
			Dir:     "screenshots",
			Format:  "png",
			Quality: 90,
		},
	}
}

// Load reads a single YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path is required")
	}
	if err := overlayYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// overlayYAML merges the file at path into cfg. Fields the file does not
// mention keep whatever value they already hold.
func overlayYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// Validate rejects configs the server could not start with.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	switch c.Screenshots.Format {
	case "", "png", "jpeg":
	default:
		return fmt.Errorf("screenshots.format must be png or jpeg, got %q", c.Screenshots.Format)
	}
	if q := c.Screenshots.Quality; q < 0 || q > 100 {
		return fmt.Errorf("screenshots.quality must be 0-100, got %d", q)
	}
	if c.Facts.FactBufferLimit < 0 {
		return errors.New("facts.fact_buffer_limit must not be negative")
	}
	return nil
}

// durationOr parses s as a duration, falling back when unset or malformed.
func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// NavigationTimeout bounds navigations that wait on the document.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return durationOr(b.DefaultNavigationTimeout, 15*time.Second)
}

// ActionTimeout bounds element lookups and single interactions.
func (b BrowserConfig) ActionTimeout() time.Duration {
	return durationOr(b.DefaultActionTimeout, 10*time.Second)
}

// SettleTimeout bounds the settle wait after state-changing actions.
func (b BrowserConfig) SettleTimeout() time.Duration {
	return durationOr(b.DefaultSettleTimeout, 3*time.Second)
}

// IsHeadless reports whether Chrome runs without a visible window.
func (b BrowserConfig) IsHeadless() bool {
	return b.Headless == nil || *b.Headless
}

// GetViewportWidth returns the viewport width, defaulting to 1920.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height, defaulting to 1080.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetLogWindow is how far back container logs are scanned when correlating.
func (b BackendConfig) GetLogWindow() time.Duration {
	return durationOr(b.LogWindow, 30*time.Second)
}

// GetRequestTimeout bounds a single describe call.
func (v VisionConfig) GetRequestTimeout() time.Duration {
	return durationOr(v.RequestTimeout, 30*time.Second)
}

// GetMaxRotatedFiles returns the rotation keep-count, defaulting to 3.
func (r RecorderConfig) GetMaxRotatedFiles() int {
	if r.MaxRotatedFiles <= 0 {
		return 3
	}
	return r.MaxRotatedFiles
}

// GetDir returns the screenshot directory, defaulting to "screenshots".
func (s ScreenshotConfig) GetDir() string {
	if s.Dir == "" {
		return "screenshots"
	}
	return s.Dir
}

// GetFormat returns the capture format, defaulting to png.
func (s ScreenshotConfig) GetFormat() string {
	if s.Format == "" {
		return "png"
	}
	return s.Format
}

// GetQuality returns the JPEG quality, defaulting to 90.
func (s ScreenshotConfig) GetQuality() int {
	if s.Quality <= 0 {
		return 90
	}
	return s.Quality
}
