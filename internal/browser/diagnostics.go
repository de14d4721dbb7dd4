package browser

import (
	"sync"
	"time"
)

const (
	// DiagnosticsCapacity is the fixed depth of each per-session buffer.
	// Once full, the oldest entry is evicted for every new one.
	DiagnosticsCapacity = 100

	// DefaultReadLimit bounds reads when the caller does not pass a limit.
	DefaultReadLimit = 50
)

// ConsoleEntry is one captured console message.
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Line      int       `json:"line,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkEntry is one completed network exchange. Exactly one outcome is
// recorded per request: a response status, or a failure text. DurationMs is
// set only when the completion could be paired with its request-start event.
type NetworkEntry struct {
	Method     string    `json:"method,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     int       `json:"status,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Diagnostics buffers console and network activity for a single session.
// Both buffers hold at most DiagnosticsCapacity entries.
type Diagnostics struct {
	mu      sync.Mutex
	console []ConsoleEntry
	network []NetworkEntry
}

// NewDiagnostics returns empty buffers ready for capture.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

// AddConsole appends a console entry, evicting the oldest once full.
func (d *Diagnostics) AddConsole(e ConsoleEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.console = append(d.console, e)
	if len(d.console) > DiagnosticsCapacity {
		d.console = d.console[len(d.console)-DiagnosticsCapacity:]
	}
}

// AddNetwork appends a network entry, evicting the oldest once full.
func (d *Diagnostics) AddNetwork(e NetworkEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.network = append(d.network, e)
	if len(d.network) > DiagnosticsCapacity {
		d.network = d.network[len(d.network)-DiagnosticsCapacity:]
	}
}

// ReadConsole returns up to limit entries, newest first. A non-empty level
// narrows the result to entries with exactly that level before the limit is
// applied. When clear is set the whole buffer is dropped in the same locked
// step, including entries the filter excluded from the snapshot.
func (d *Diagnostics) ReadConsole(level string, limit int, clear bool) []ConsoleEntry {
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ConsoleEntry, 0, limit)
	for i := len(d.console) - 1; i >= 0 && len(out) < limit; i-- {
		if level != "" && d.console[i].Level != level {
			continue
		}
		out = append(out, d.console[i])
	}
	if clear {
		d.console = nil
	}
	return out
}

// ReadNetwork returns up to limit entries, newest first. When clear is set
// the buffer is dropped in the same locked step.
func (d *Diagnostics) ReadNetwork(limit int, clear bool) []NetworkEntry {
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]NetworkEntry, 0, limit)
	for i := len(d.network) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, d.network[i])
	}
	if clear {
		d.network = nil
	}
	return out
}

// ClearConsole drops all buffered console entries.
func (d *Diagnostics) ClearConsole() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.console = nil
}

// ClearNetwork drops all buffered network entries.
func (d *Diagnostics) ClearNetwork() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.network = nil
}

// Sizes reports the current depth of both buffers.
func (d *Diagnostics) Sizes() (consoleLen, networkLen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.console), len(d.network)
}
