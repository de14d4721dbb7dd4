package facts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/parse"
)

// Query runs a Mangle goal and returns one binding set per satisfying fact.
// Goals whose predicate never matched a declaration fall back to a direct
// scan of the temporal window.
func (e *Engine) Query(ctx context.Context, src string) ([]QueryResult, error) {
	if !e.cfg.Enable {
		return nil, fmt.Errorf("engine not ready")
	}

	goal, err := parseGoal(src)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.schemaLoaded {
		return nil, fmt.Errorf("engine not ready")
	}

	out := make([]QueryResult, 0)
	err = e.store.GetFacts(goal, func(stored ast.Atom) error {
		out = append(out, bindGoal(goal, stored))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	if len(out) == 0 {
		out = append(out, e.scanWindow(goal.Predicate.Symbol, goal.Args)...)
	}

	return out, nil
}

// parseGoal extracts the head atom from a single-clause Mangle source string.
func parseGoal(src string) (ast.Atom, error) {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return ast.Atom{}, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return ast.Atom{}, fmt.Errorf("no query found")
	}
	return unit.Clauses[0].Head, nil
}

// bindGoal maps each variable in the goal to the value at the same position
// in a stored atom.
func bindGoal(goal, stored ast.Atom) QueryResult {
	binding := make(QueryResult)
	for i, term := range goal.Args {
		if i >= len(stored.Args) {
			break
		}
		if v, ok := term.(ast.Variable); ok {
			binding[v.Symbol] = constantValue(stored.Args[i])
		}
	}
	return binding
}

// scanWindow matches a goal pattern against buffered facts whose predicate
// never reached the store (undeclared arity). Callers hold e.mu.
func (e *Engine) scanWindow(predicate string, pattern []ast.BaseTerm) []QueryResult {
	out := make([]QueryResult, 0)
	for _, pos := range e.index[predicate] {
		if pos < 0 || pos >= len(e.window) {
			continue
		}
		if binding, ok := matchPattern(e.window[pos], pattern); ok {
			out = append(out, binding)
		}
	}
	return out
}

// matchPattern binds goal variables against one fact. Constants in the
// pattern must equal the fact's value at that position.
func matchPattern(f Fact, pattern []ast.BaseTerm) (QueryResult, bool) {
	if len(pattern) > 0 && len(f.Args) < len(pattern) {
		return nil, false
	}

	binding := make(QueryResult)
	for i, term := range pattern {
		if i >= len(f.Args) {
			break
		}
		switch arg := term.(type) {
		case ast.Variable:
			binding[arg.Symbol] = f.Args[i]
		case ast.Constant:
			if fmt.Sprintf("%v", f.Args[i]) != fmt.Sprintf("%v", constantValue(arg)) {
				return nil, false
			}
		}
	}
	return binding, true
}

// Evaluate re-derives the program and returns every stored fact for one
// predicate, including derived facts that never touch the temporal window.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable {
		return nil, fmt.Errorf("engine not ready")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.schemaLoaded {
		return nil, fmt.Errorf("engine not ready")
	}

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	derived := make([]Fact, 0)
	err := e.store.GetFacts(e.wildcardGoal(predicate), func(stored ast.Atom) error {
		derived = append(derived, atomFact(stored))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}

	return derived, nil
}

// wildcardGoal builds an all-variables atom at the predicate's declared
// arity so GetFacts can match stored atoms. Callers hold e.mu.
func (e *Engine) wildcardGoal(predicate string) ast.Atom {
	for sym := range e.programInfo.Decls {
		if sym.Symbol != predicate {
			continue
		}
		args := make([]ast.BaseTerm, sym.Arity)
		for i := range args {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		return ast.Atom{Predicate: sym, Args: args}
	}
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: -1}}
}

// QueryTemporal returns buffered facts for a predicate inside a time window.
// Zero bounds are open on that side.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	window := make([]Fact, 0)
	for _, pos := range e.index[predicate] {
		if pos < 0 || pos >= len(e.window) {
			continue
		}
		f := e.window[pos]
		if !after.IsZero() && !f.Timestamp.After(after) {
			continue
		}
		if !before.IsZero() && !f.Timestamp.Before(before) {
			continue
		}
		window = append(window, f)
	}
	return window
}

// FactsByPredicate returns buffered facts for one predicate via the index.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	positions := e.index[predicate]
	matched := make([]Fact, 0, len(positions))
	for _, pos := range positions {
		if pos >= 0 && pos < len(e.window) {
			matched = append(matched, e.window[pos])
		}
	}
	return matched
}

// Facts returns a copy of the whole temporal window, oldest first.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot := make([]Fact, len(e.window))
	copy(snapshot, e.window)
	return snapshot
}
