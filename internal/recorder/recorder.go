// Package recorder writes a rotating JSONL trace of engine activity for
// post-mortem debugging. Trace files are write-only; nothing reads them back.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"webpilot-mcp-server/internal/config"
	"webpilot-mcp-server/internal/facts"
)

// Event is a single trace record.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	Session   string      `json:"session,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder manages the current trace file. A disabled recorder is valid and
// drops everything, so callers need no nil checks.
type Recorder struct {
	mu      sync.Mutex
	enabled bool
	dir     string
	keep    int
	file    *os.File
	encoder *json.Encoder
}

// New creates a recorder from config. When enabled it ensures the trace
// directory exists; Start must still be called to open a file.
func New(cfg config.RecorderConfig) (*Recorder, error) {
	r := &Recorder{
		enabled: cfg.Enabled,
		dir:     cfg.Dir,
		keep:    cfg.GetMaxRotatedFiles(),
	}
	if r.dir == "" {
		r.dir = "traces"
	}
	if !r.enabled {
		return r, nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return r, nil
}

// Enabled reports whether the recorder writes anything.
func (r *Recorder) Enabled() bool {
	return r.enabled
}

// Start rotates old traces and opens a new file named after the label,
// usually once per server run.
func (r *Recorder) Start(label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return nil
	}

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotateLocked(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%d.jsonl", label, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Log appends one event to the current trace. Calls before Start, after
// Close, or on a disabled recorder are dropped.
func (r *Recorder) Log(eventType, session string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Session:   session,
		Data:      data,
	})
}

// rotateLocked deletes old traces so that after the new file is created at
// most keep remain. keep is always at least 1. Caller holds mu.
func (r *Recorder) rotateLocked() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool { return traces[i].mod.After(traces[j].mod) })

	for i := r.keep - 1; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.dir, traces[i].name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}

// Sink matches the fact-sink interface the browser engine emits into.
type Sink interface {
	AddFacts(ctx context.Context, fs []facts.Fact) error
}

// Tee returns a sink that forwards facts to next and also records each one
// as a trace event. A fact's first argument is used as the event session
// when it is a string; for sequence facts that slot holds the run id, which
// is the scope a post-mortem wants anyway.
func (r *Recorder) Tee(next Sink) Sink {
	return &teeSink{rec: r, next: next}
}

type teeSink struct {
	rec  *Recorder
	next Sink
}

func (t *teeSink) AddFacts(ctx context.Context, fs []facts.Fact) error {
	for _, f := range fs {
		session := ""
		if len(f.Args) > 0 {
			if s, ok := f.Args[0].(string); ok {
				session = s
			}
		}
		t.rec.Log(f.Predicate, session, f.Args)
	}
	return t.next.AddFacts(ctx, fs)
}
