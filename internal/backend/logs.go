// Package backend fetches and parses container logs so browser-side failures
// can be lined up with server-side errors from the same window.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"webpilot-mcp-server/internal/config"
)

// Levels assigned to parsed entries. CRITICAL and FATAL fold into ERROR at
// parse time so downstream filtering only deals with these four.
const (
	LevelError   = "ERROR"
	LevelWarning = "WARNING"
	LevelInfo    = "INFO"
	LevelDebug   = "DEBUG"
)

// Entry is one parsed line of container output. Python tracebacks and Node
// stack frames are folded into the error entry that started them.
type Entry struct {
	Container string    `json:"container"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw,omitempty"`
}

// Client shells out to docker logs for the configured containers.
type Client struct {
	enabled    bool
	containers []string
	window     time.Duration
	host       string
}

// NewClient creates a backend log client from config.
func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		enabled:    cfg.Enabled,
		containers: cfg.Containers,
		window:     cfg.GetLogWindow(),
		host:       cfg.Host,
	}
}

// Enabled reports whether backend log access is configured on.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Window returns the default lookback used when the caller gives no since.
func (c *Client) Window() time.Duration {
	return c.window
}

// Containers returns the configured container names.
func (c *Client) Containers() []string {
	return c.containers
}

// Logs fetches and parses output from every configured container since the
// given time. A container that cannot be queried is logged and skipped so a
// stopped container does not hide the others.
func (c *Client) Logs(ctx context.Context, since time.Time) ([]Entry, error) {
	if !c.enabled {
		return nil, fmt.Errorf("backend log access is disabled (set backend.enabled: true in config)")
	}
	if len(c.containers) == 0 {
		return nil, fmt.Errorf("no backend containers configured")
	}

	var entries []Entry
	for _, name := range c.containers {
		output, err := c.containerOutput(ctx, name, since)
		if err != nil {
			log.Printf("[backend] %s: %v", name, err)
			continue
		}
		entries = append(entries, ParseContainerLogs(name, output)...)
	}
	return entries, nil
}

func (c *Client) containerOutput(ctx context.Context, container string, since time.Time) (string, error) {
	var args []string
	if c.host != "" {
		args = append(args, "-H", c.host)
	}
	args = append(args, "logs", "--timestamps", "--since", since.Format(time.RFC3339), container)

	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker logs %s: %w (output: %s)", container, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

var (
	// docker logs --timestamps puts an RFC3339Nano timestamp and a single
	// space before each line. Consuming exactly one space keeps the
	// indentation that stack-trace folding depends on.
	timestampPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)\s(.*)$`)

	bracketTagPattern   = regexp.MustCompile(`^\[([A-Z_]+)\]\s+(.*)$`)
	leadingLevelPattern = regexp.MustCompile(`^(ERROR|WARNING|WARN|INFO|DEBUG|CRITICAL|FATAL):\s*(.*)$`)
	pipeLevelPattern    = regexp.MustCompile(`^.+\|\s*(ERROR|WARNING|WARN|INFO|DEBUG|CRITICAL)\s*\|\s*(.*)$`)
	dashEventPattern    = regexp.MustCompile(`^-\s+(error|warn|event|wait|ready|info)\s+(.*)$`)

	pythonTraceStart = regexp.MustCompile(`^Traceback \(most recent call last\):`)
	pythonException  = regexp.MustCompile(`^(\w+(?:Error|Exception)):\s*(.*)$`)
)

// ParseContainerLogs turns raw docker log output into structured entries.
// Recognized line shapes: "[TAG] message", "LEVEL: message",
// "ts | LEVEL | message", and the dev-server "- error message" form. Python
// tracebacks are folded into a single ERROR entry ending at the exception
// line; Node "at ..." frames extend the error entry above them. Anything
// else gets a level guessed from its content.
func ParseContainerLogs(container, output string) []Entry {
	var entries []Entry

	var trace strings.Builder
	var traceEntry Entry
	inTrace := false

	flushTrace := func() {
		if trace.Len() > 0 {
			traceEntry.Level = LevelError
			traceEntry.Message = trace.String()
			entries = append(entries, traceEntry)
		}
		inTrace = false
		trace.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	// Minified bundles produce very long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		raw := scanner.Text()

		remaining := raw
		ts := time.Now()
		if m := timestampPattern.FindStringSubmatch(raw); len(m) == 3 {
			if parsed, err := time.Parse(time.RFC3339Nano, m[1]); err == nil {
				ts = parsed
			}
			remaining = m[2]
		}

		trimmed := strings.TrimSpace(remaining)
		if trimmed == "" {
			if inTrace {
				flushTrace()
			}
			continue
		}

		if inTrace {
			if pythonException.MatchString(trimmed) {
				trace.WriteString("\n")
				trace.WriteString(trimmed)
				flushTrace()
				continue
			}
			if strings.HasPrefix(remaining, " ") || strings.HasPrefix(remaining, "\t") || strings.HasPrefix(trimmed, "File ") {
				trace.WriteString("\n")
				trace.WriteString(trimmed)
				continue
			}
			// The trace ended without an exception line; emit what we have
			// and parse the current line normally.
			flushTrace()
		}

		if pythonTraceStart.MatchString(trimmed) {
			inTrace = true
			trace.Reset()
			trace.WriteString(trimmed)
			traceEntry = Entry{Container: container, Timestamp: ts, Raw: raw}
			continue
		}

		if strings.HasPrefix(trimmed, "at ") && len(entries) > 0 && entries[len(entries)-1].Level == LevelError {
			last := &entries[len(entries)-1]
			last.Message += "\n" + trimmed
			continue
		}

		entry := Entry{Container: container, Timestamp: ts, Raw: raw}

		if m := bracketTagPattern.FindStringSubmatch(trimmed); len(m) == 3 {
			entry.Level = levelFromTag(m[1], m[2])
			entry.Message = trimmed
			entries = append(entries, entry)
			continue
		}
		if m := leadingLevelPattern.FindStringSubmatch(trimmed); len(m) == 3 {
			entry.Level = normalizeLevel(m[1])
			entry.Message = m[2]
			entries = append(entries, entry)
			continue
		}
		if m := pipeLevelPattern.FindStringSubmatch(trimmed); len(m) == 3 {
			entry.Level = normalizeLevel(m[1])
			entry.Message = m[2]
			entries = append(entries, entry)
			continue
		}
		if m := dashEventPattern.FindStringSubmatch(trimmed); len(m) == 3 {
			entry.Level = levelFromDashEvent(m[1])
			entry.Message = m[2]
			entries = append(entries, entry)
			continue
		}

		entry.Level = guessLevel(trimmed)
		entry.Message = trimmed
		entries = append(entries, entry)
	}

	if inTrace {
		flushTrace()
	}

	return entries
}

func normalizeLevel(s string) string {
	switch strings.ToUpper(s) {
	case "ERROR", "CRITICAL", "FATAL":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarning
	case "DEBUG":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func levelFromTag(tag, message string) string {
	switch tag {
	case "ERROR", "CRITICAL", "FATAL", "EXCEPTION":
		return LevelError
	case "WARNING", "WARN":
		return LevelWarning
	}
	return guessLevel(message)
}

func levelFromDashEvent(event string) string {
	switch event {
	case "error":
		return LevelError
	case "warn":
		return LevelWarning
	}
	return LevelInfo
}

var errorHints = []string{
	"error", "exception", "failed", "failure", "fatal",
	"panic", "crash", "unhandled", "traceback",
	"refused", "denied", "timeout", "unreachable",
}

var warningHints = []string{
	"warning", "warn", "deprecated", "retry", "slow",
	"fallback", "degraded", "skipping", "missing",
}

func guessLevel(message string) string {
	msg := strings.ToLower(message)
	for _, hint := range errorHints {
		if strings.Contains(msg, hint) {
			return LevelError
		}
	}
	for _, hint := range warningHints {
		if strings.Contains(msg, hint) {
			return LevelWarning
		}
	}
	return LevelInfo
}

// Problems keeps only ERROR and WARNING entries.
func Problems(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Level == LevelError || e.Level == LevelWarning {
			out = append(out, e)
		}
	}
	return out
}

// FilterLevel keeps entries matching level. Matching is case-insensitive and
// folds CRITICAL/FATAL into ERROR the same way parsing does.
func FilterLevel(entries []Entry, level string) []Entry {
	want := normalizeLevel(level)
	var out []Entry
	for _, e := range entries {
		if e.Level == want {
			out = append(out, e)
		}
	}
	return out
}

// ContainerHealth is a per-container rollup of problem counts within the
// queried window.
type ContainerHealth struct {
	Container string `json:"container"`
	Errors    int    `json:"errors"`
	Warnings  int    `json:"warnings"`
	Status    string `json:"status"`
}

// Health rolls entries up into one status per container, covering every
// configured container even when it produced no output. More than five
// errors marks a container unhealthy; any error, or more than ten warnings,
// marks it degraded.
func (c *Client) Health(entries []Entry) []ContainerHealth {
	counts := make(map[string]*ContainerHealth)
	for _, name := range c.containers {
		counts[name] = &ContainerHealth{Container: name}
	}
	for _, e := range entries {
		h, ok := counts[e.Container]
		if !ok {
			h = &ContainerHealth{Container: e.Container}
			counts[e.Container] = h
		}
		switch e.Level {
		case LevelError:
			h.Errors++
		case LevelWarning:
			h.Warnings++
		}
	}

	out := make([]ContainerHealth, 0, len(counts))
	for _, h := range counts {
		switch {
		case h.Errors > 5:
			h.Status = "unhealthy"
		case h.Errors > 0 || h.Warnings > 10:
			h.Status = "degraded"
		default:
			h.Status = "healthy"
		}
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Container < out[j].Container })
	return out
}
