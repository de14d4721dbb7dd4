package facts

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"webpilot-mcp-server/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Fact represents a normalized event emitted by the browser layer.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult represents a binding of variables to values from a Mangle query.
type QueryResult map[string]interface{}

// builtinSchema declares every predicate the server emits plus a few derived
// predicates that are useful out of the box. Workspace schemas and submitted
// rules layer on top of these declarations.
const builtinSchema = `
Decl session_opened(Name, Url, Ts).
Decl session_closed(Name, Ts).
Decl navigation_event(Session, Url, Ts).
Decl current_url(Session, Url, Ts).
Decl console_event(Session, Level, Text, Ts).
Decl net_request(Session, Method, Url, Ts).
Decl net_response(Session, Url, Status, DurationMs, Ts).
Decl net_failure(Session, Url, Error, Ts).
Decl action_performed(Session, Action, Selector, Success, Ts).
Decl sequence_step(RunId, Index, Kind, Success, Ts).
Decl sequence_run(RunId, Session, Completed, Total, Success, Ts).
Decl screenshot_taken(Session, Format, Size, Ts, Path, Overlays).

Decl console_error(Session, Text, Ts).
console_error(S, Text, T) :- console_event(S, "error", Text, T).

Decl request_failed(Session, Url, Error, Ts).
request_failed(S, U, E, T) :- net_failure(S, U, E, T).

Decl step_failed(RunId, Index, Ts).
step_failed(R, I, T) :- sequence_step(R, I, _, "false", T).
`

// Engine layers a bounded temporal buffer over a Mangle deductive store.
// Base facts land in both; derived facts exist only in the store.
type Engine struct {
	cfg          config.FactsConfig
	mu           sync.RWMutex
	schemaLoaded bool

	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	window []Fact           // insertion order, oldest first
	index  map[string][]int // predicate -> positions in window
}

// NewEngine builds an engine with the built-in schema loaded, then layers any
// configured schema and rule files on top.
func NewEngine(cfg config.FactsConfig) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		window: make([]Fact, 0, cfg.FactBufferLimit),
		index:  make(map[string][]int),
		store:  factstore.NewSimpleInMemoryStore(),
	}

	if !cfg.Enable {
		return e, nil
	}

	if err := e.mergeSource(builtinSchema); err != nil {
		return nil, fmt.Errorf("load builtin schema: %w", err)
	}

	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}

	for _, p := range cfg.RulePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read rule file %s: %w", p, err)
		}
		if err := e.mergeSource(string(data)); err != nil {
			return nil, fmt.Errorf("load rule file %s: %w", p, err)
		}
	}

	return e, nil
}

// LoadSchema parses a Mangle schema file and merges it into the program.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if err := e.mergeSource(string(data)); err != nil {
		return fmt.Errorf("load schema %s: %w", path, err)
	}
	return nil
}

// AddRule merges a Mangle rule into the running program. The rule starts
// deriving immediately, including from facts that arrived before it.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}
	return e.mergeSource(ruleSource)
}

// mergeSource parses and analyzes Mangle source against the existing
// declarations and merges the whole unit into the running program. Source
// that fails analysis or evaluation leaves the program untouched.
func (e *Engine) mergeSource(src string) error {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Analysis wants a value map, the program keeps a pointer map.
	known := make(map[ast.PredicateSym]ast.Decl)
	if e.programInfo != nil && e.programInfo.Decls != nil {
		for sym, decl := range e.programInfo.Decls {
			if decl != nil {
				known[sym] = *decl
			}
		}
	}

	merged, err := analysis.AnalyzeOneUnit(unit, known)
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	// Combine into a fresh program and commit only after it evaluates, so a
	// rule that analyzes but fails at evaluation cannot wedge every later
	// derivation. The whole unit merges, not just declarations: a submitted
	// rule's clauses must land in Rules or evaluation would never see them.
	next := merged
	if e.programInfo != nil {
		next = &analysis.ProgramInfo{
			EdbPredicates: make(map[ast.PredicateSym]struct{}, len(e.programInfo.EdbPredicates)+len(merged.EdbPredicates)),
			IdbPredicates: make(map[ast.PredicateSym]struct{}, len(e.programInfo.IdbPredicates)+len(merged.IdbPredicates)),
			Decls:         make(map[ast.PredicateSym]*ast.Decl, len(e.programInfo.Decls)+len(merged.Decls)),
		}
		next.Rules = append(next.Rules, e.programInfo.Rules...)
		next.Rules = append(next.Rules, merged.Rules...)
		next.InitialFacts = append(next.InitialFacts, e.programInfo.InitialFacts...)
		next.InitialFacts = append(next.InitialFacts, merged.InitialFacts...)
		for sym, decl := range e.programInfo.Decls {
			next.Decls[sym] = decl
		}
		for sym, decl := range merged.Decls {
			next.Decls[sym] = decl
		}
		for sym := range e.programInfo.IdbPredicates {
			next.IdbPredicates[sym] = struct{}{}
		}
		for sym := range merged.IdbPredicates {
			next.IdbPredicates[sym] = struct{}{}
		}
		for sym := range e.programInfo.EdbPredicates {
			next.EdbPredicates[sym] = struct{}{}
		}
		for sym := range merged.EdbPredicates {
			next.EdbPredicates[sym] = struct{}{}
		}
	}

	// Re-evaluate so a rule submitted at runtime derives from facts that
	// arrived before it.
	if len(next.Rules) > 0 {
		if err := engine.EvalProgram(next, e.store); err != nil {
			return fmt.Errorf("eval program after rule merge: %w", err)
		}
	}

	e.programInfo = next
	e.schemaLoaded = true
	return nil
}

// AddFacts records a batch in the temporal window and the deductive store,
// then re-derives. Disabled engines accept and drop everything.
func (e *Engine) AddFacts(ctx context.Context, batch []Fact) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.appendWindow(batch)

	for _, f := range batch {
		e.store.Add(factAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}

	return nil
}

// appendWindow adds a batch to the temporal window, evicting the oldest
// entries once the configured limit is crossed. Callers hold e.mu.
func (e *Engine) appendWindow(batch []Fact) {
	start := len(e.window)
	e.window = append(e.window, batch...)

	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.window) > limit {
		e.window = e.window[len(e.window)-limit:]
		e.rebuildIndex()
		return
	}

	for i := range batch {
		pos := start + i
		e.index[batch[i].Predicate] = append(e.index[batch[i].Predicate], pos)
	}
}

// rebuildIndex recomputes predicate positions after an eviction shifted them.
func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int, len(e.index))
	for pos := range e.window {
		p := e.window[pos].Predicate
		e.index[p] = append(e.index[p], pos)
	}
}

// Ready reports whether the engine has a usable query context.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}
