package facts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"webpilot-mcp-server/internal/config"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	e, err := NewEngine(config.FactsConfig{Enable: true, FactBufferLimit: limit})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func consoleFact(session, level, text string, ts int64) Fact {
	return Fact{
		Predicate: "console_event",
		Args:      []interface{}{session, level, text, ts},
		Timestamp: time.Now(),
	}
}

func TestEngineBuiltinSchema(t *testing.T) {
	e := newTestEngine(t, 1000)
	if !e.Ready() {
		t.Fatal("engine not ready after builtin schema load")
	}
}

func TestEngineAddFacts(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	batch := []Fact{
		consoleFact("checkout", "error", "Uncaught TypeError: cart is undefined", 1724500000100),
		{
			Predicate: "net_request",
			Args:      []interface{}{"checkout", "GET", "https://shop.test/api/cart", int64(1724500000200)},
			Timestamp: time.Now(),
		},
		{
			Predicate: "net_response",
			Args:      []interface{}{"checkout", "https://shop.test/api/cart", int64(404), int64(85), int64(1724500000300)},
			Timestamp: time.Now(),
		},
	}
	if err := e.AddFacts(ctx, batch); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	if got := len(e.Facts()); got != len(batch) {
		t.Errorf("buffered %d facts, want %d", got, len(batch))
	}
	if got := len(e.FactsByPredicate("console_event")); got != 1 {
		t.Errorf("indexed %d console_event facts, want 1", got)
	}
}

func TestEngineDerivedPredicates(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	t.Run("console_error from error-level events", func(t *testing.T) {
		seed := []Fact{
			consoleFact("checkout", "error", "Uncaught TypeError: cart is undefined", 1000),
			consoleFact("checkout", "log", "pay clicked", 1001),
		}
		if err := e.AddFacts(ctx, seed); err != nil {
			t.Fatalf("AddFacts: %v", err)
		}

		derived, err := e.Evaluate(ctx, "console_error")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if len(derived) != 1 {
			t.Fatalf("derived %d console_error facts, want 1", len(derived))
		}
		if len(derived[0].Args) != 3 {
			t.Fatalf("console_error arity %d, want 3", len(derived[0].Args))
		}
		if derived[0].Args[1] != "Uncaught TypeError: cart is undefined" {
			t.Errorf("bound text = %v", derived[0].Args[1])
		}
		if ts, ok := derived[0].Args[2].(int64); !ok || ts != 1000 {
			t.Errorf("bound ts = %v (%T), want 1000", derived[0].Args[2], derived[0].Args[2])
		}
	})

	t.Run("step_failed only from failing steps", func(t *testing.T) {
		seed := []Fact{
			{Predicate: "sequence_step", Args: []interface{}{"run-7", int64(0), "action", true, int64(2000)}, Timestamp: time.Now()},
			{Predicate: "sequence_step", Args: []interface{}{"run-7", int64(1), "assertion", false, int64(2001)}, Timestamp: time.Now()},
		}
		if err := e.AddFacts(ctx, seed); err != nil {
			t.Fatalf("AddFacts: %v", err)
		}

		derived, err := e.Evaluate(ctx, "step_failed")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if len(derived) != 1 {
			t.Fatalf("derived %d step_failed facts, want 1", len(derived))
		}
		if derived[0].Args[0] != "run-7" {
			t.Errorf("bound run id = %v", derived[0].Args[0])
		}
	})

	t.Run("request_failed from net_failure", func(t *testing.T) {
		seed := []Fact{
			{Predicate: "net_failure", Args: []interface{}{"checkout", "https://shop.test/api/pay", "net::ERR_CONNECTION_REFUSED", int64(3000)}, Timestamp: time.Now()},
		}
		if err := e.AddFacts(ctx, seed); err != nil {
			t.Fatalf("AddFacts: %v", err)
		}

		derived, err := e.Evaluate(ctx, "request_failed")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if len(derived) != 1 {
			t.Fatalf("derived %d request_failed facts, want 1", len(derived))
		}
	})

	t.Run("unknown predicate derives nothing", func(t *testing.T) {
		derived, err := e.Evaluate(ctx, "never_declared")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if len(derived) != 0 {
			t.Errorf("derived %d facts for undeclared predicate, want 0", len(derived))
		}
	})
}

func TestEngineQueryTemporal(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()
	now := time.Now()

	seed := []Fact{
		{Predicate: "navigation_event", Args: []interface{}{"checkout", "https://shop.test/cart", now.Add(-12 * time.Second).UnixMilli()}, Timestamp: now.Add(-12 * time.Second)},
		{Predicate: "navigation_event", Args: []interface{}{"checkout", "https://shop.test/pay", now.Add(-6 * time.Second).UnixMilli()}, Timestamp: now.Add(-6 * time.Second)},
		{Predicate: "navigation_event", Args: []interface{}{"checkout", "https://shop.test/done", now.UnixMilli()}, Timestamp: now},
	}
	if err := e.AddFacts(ctx, seed); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	t.Run("open window returns everything", func(t *testing.T) {
		if got := len(e.QueryTemporal("navigation_event", time.Time{}, time.Time{})); got != 3 {
			t.Errorf("got %d events, want 3", got)
		}
	})

	t.Run("after bound drops older entries", func(t *testing.T) {
		if got := len(e.QueryTemporal("navigation_event", now.Add(-8*time.Second), time.Time{})); got != 2 {
			t.Errorf("got %d events, want 2", got)
		}
	})

	t.Run("before bound drops newer entries", func(t *testing.T) {
		if got := len(e.QueryTemporal("navigation_event", time.Time{}, now.Add(-3*time.Second))); got != 2 {
			t.Errorf("got %d events, want 2", got)
		}
	})

	t.Run("both bounds select the middle", func(t *testing.T) {
		got := e.QueryTemporal("navigation_event", now.Add(-9*time.Second), now.Add(-3*time.Second))
		if len(got) != 1 {
			t.Fatalf("got %d events, want 1", len(got))
		}
		if got[0].Args[1] != "https://shop.test/pay" {
			t.Errorf("selected %v", got[0].Args[1])
		}
	})

	t.Run("unknown predicate yields empty non-nil", func(t *testing.T) {
		got := e.QueryTemporal("no_such_predicate", time.Time{}, time.Time{})
		if got == nil || len(got) != 0 {
			t.Errorf("got %v, want empty slice", got)
		}
	})
}

func TestEngineAddRule(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	rule := `
Decl slow_session(Session, Ts).

slow_session(S, T) :-
    net_response(S, _, _, _, T),
    console_event(S, "warning", _, _).
`
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	seed := []Fact{
		{Predicate: "net_response", Args: []interface{}{"admin", "https://shop.test/api/report", int64(200), int64(4500), int64(1700)}, Timestamp: time.Now()},
		consoleFact("admin", "warning", "report render took 4.5s", 1600),
	}
	if err := e.AddFacts(ctx, seed); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	derived, err := e.Evaluate(ctx, "slow_session")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("derived %d slow_session facts, want 1", len(derived))
	}
	if derived[0].Args[0] != "admin" {
		t.Errorf("bound session = %v", derived[0].Args[0])
	}
}

func TestEngineAddRuleAppliesToExistingFacts(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	// Facts arrive before the rule that matches them.
	_ = e.AddFacts(ctx, []Fact{
		{Predicate: "navigation_event", Args: []interface{}{"checkout", "https://shop.test/cart", int64(1000)}, Timestamp: time.Now()},
	})

	rule := `
Decl visited(Session, Url).

visited(S, U) :- navigation_event(S, U, _).
`
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	derived, err := e.Evaluate(ctx, "visited")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("rule should cover pre-existing facts, derived %d", len(derived))
	}
}

func TestEngineRejectedRuleLeavesEngineUsable(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	_ = e.AddFacts(ctx, []Fact{consoleFact("checkout", "log", "before", 100)})

	if err := e.AddRule("not mangle at all $$"); err == nil {
		t.Fatal("expected parse error for invalid rule")
	}

	// The failed merge must not poison the program.
	results, err := e.Query(ctx, "console_event(S, L, Text, Ts).")
	if err != nil {
		t.Fatalf("Query after rejected rule: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d bindings, want 1", len(results))
	}

	// And a valid rule still merges afterwards.
	valid := `
Decl logged(Session).
logged(S) :- console_event(S, "log", _, _).
`
	if err := e.AddRule(valid); err != nil {
		t.Fatalf("AddRule after rejection: %v", err)
	}
}

func TestEngineEvalFailingRuleRolledBack(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	// A zero step index gives the division rule a row it cannot evaluate.
	_ = e.AddFacts(ctx, []Fact{
		{Predicate: "sequence_step", Args: []interface{}{"run-1", int64(0), "action", true, int64(100)}, Timestamp: time.Now()},
	})

	// Parses and analyzes fine, then trips on the zero divisor while
	// deriving from the existing facts.
	poison := `
Decl inverse_index(X).
inverse_index(X) :- sequence_step(RunId, Index, Kind, Success, Ts) |> let X = fn:div(Index).
`
	if err := e.AddRule(poison); err == nil {
		t.Fatal("expected evaluation error for zero divisor")
	}

	// The failed merge must not stick: later facts still land and derive.
	if err := e.AddFacts(ctx, []Fact{consoleFact("checkout", "error", "boom", 200)}); err != nil {
		t.Fatalf("AddFacts after failed rule: %v", err)
	}

	derived, err := e.Evaluate(ctx, "console_error")
	if err != nil {
		t.Fatalf("Evaluate after failed rule: %v", err)
	}
	if len(derived) != 1 {
		t.Errorf("derived %d console_error facts, want 1", len(derived))
	}

	// And a rule that evaluates cleanly still merges afterwards.
	valid := `
Decl indexed_step(RunId, Index).
indexed_step(R, I) :- sequence_step(R, I, _, _, _).
`
	if err := e.AddRule(valid); err != nil {
		t.Fatalf("AddRule after failed rule: %v", err)
	}
}

func TestEngineDisabled(t *testing.T) {
	e, err := NewEngine(config.FactsConfig{Enable: false, FactBufferLimit: 1000})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()

	if err := e.AddFacts(ctx, []Fact{consoleFact("checkout", "log", "dropped", 1)}); err != nil {
		t.Errorf("AddFacts on disabled engine: %v", err)
	}
	if !e.Ready() {
		t.Error("disabled engine should report ready")
	}
	if _, err := e.Query(ctx, "console_event(S, L, T, Ts)."); err == nil {
		t.Error("expected error querying a disabled engine")
	}
	if err := e.AddRule("anything"); err != nil {
		t.Errorf("AddRule on disabled engine: %v", err)
	}
}

func TestEngineFactsByPredicateEmpty(t *testing.T) {
	e := newTestEngine(t, 1000)
	if got := e.FactsByPredicate("never_seen"); len(got) != 0 {
		t.Errorf("got %d facts for unseen predicate, want 0", len(got))
	}
}

func TestEngineWindowEviction(t *testing.T) {
	e := newTestEngine(t, 5)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = e.AddFacts(ctx, []Fact{
			consoleFact("checkout", "log", fmt.Sprintf("item-%d", i), int64(i)),
		})
	}

	window := e.Facts()
	if len(window) != 5 {
		t.Fatalf("window holds %d facts, want 5", len(window))
	}
	if window[0].Args[2] != "item-5" {
		t.Errorf("oldest retained = %v, want item-5", window[0].Args[2])
	}
	if window[4].Args[2] != "item-9" {
		t.Errorf("newest retained = %v, want item-9", window[4].Args[2])
	}

	// Index positions must survive the shift.
	if got := len(e.FactsByPredicate("console_event")); got != 5 {
		t.Errorf("index reports %d facts, window has 5", got)
	}
}

func TestEngineUnlimitedWindow(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_ = e.AddFacts(ctx, []Fact{
			{Predicate: "heartbeat", Args: []interface{}{i}, Timestamp: time.Now()},
		})
	}

	if got := len(e.FactsByPredicate("heartbeat")); got != 100 {
		t.Errorf("got %d facts with no limit, want 100", got)
	}
}

func TestEngineQueryErrors(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		src  string
	}{
		{"invalid syntax", "invalid syntax $$"},
		{"empty source", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Query(ctx, tc.src); err == nil {
				t.Errorf("Query(%q) succeeded, want error", tc.src)
			}
		})
	}
}

func TestEngineSchemaFileErrors(t *testing.T) {
	t.Run("missing schema file", func(t *testing.T) {
		_, err := NewEngine(config.FactsConfig{
			Enable:          true,
			SchemaPath:      "/nonexistent/schema.mg",
			FactBufferLimit: 100,
		})
		if err == nil {
			t.Error("expected error for missing schema file")
		}
	})

	t.Run("missing rule file", func(t *testing.T) {
		_, err := NewEngine(config.FactsConfig{
			Enable:          true,
			RulePaths:       []string{"/nonexistent/rules.mg"},
			FactBufferLimit: 100,
		})
		if err == nil {
			t.Error("expected error for missing rule file")
		}
	})
}

func TestEngineQueryBindings(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	seed := []Fact{
		consoleFact("checkout", "error", "Uncaught ReferenceError: total is not defined", 1000),
		consoleFact("checkout", "warning", "slow frame", 1001),
		{Predicate: "net_request", Args: []interface{}{"checkout", "GET", "https://shop.test/api/cart", int64(1002)}, Timestamp: time.Now()},
	}
	_ = e.AddFacts(ctx, seed)

	t.Run("all variables bind", func(t *testing.T) {
		results, err := e.Query(ctx, "console_event(Session, Level, Msg, Ts).")
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d bindings, want 2", len(results))
		}
		for _, r := range results {
			if r["Session"] != "checkout" {
				t.Errorf("Session = %v", r["Session"])
			}
			if r["Msg"] == nil {
				t.Error("Msg binding missing")
			}
			if ts, ok := r["Ts"].(int64); !ok || ts < 1000 {
				t.Errorf("Ts = %v (%T), want numeric millis", r["Ts"], r["Ts"])
			}
		}
	})

	t.Run("constant narrows the match", func(t *testing.T) {
		results, err := e.Query(ctx, `console_event(S, "error", Msg, Ts).`)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 1 {
			t.Errorf("got %d error-level bindings, want 1", len(results))
		}
	})

	t.Run("unknown predicate binds nothing", func(t *testing.T) {
		results, err := e.Query(ctx, "phantom(X, Y).")
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("got %d bindings, want 0", len(results))
		}
	})
}

func TestEngineWindowScanFallback(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	// Undeclared predicates land only in the window, so queries against
	// them exercise the direct scan.
	seed := []Fact{
		{Predicate: "cart_probe", Args: []interface{}{"probe-1", "GET", "/api/cart"}, Timestamp: time.Now()},
		{Predicate: "cart_probe", Args: []interface{}{"probe-2", "POST", "/api/cart"}, Timestamp: time.Now()},
		{Predicate: "cart_probe", Args: []interface{}{"probe-3", "GET", "/api/stock"}, Timestamp: time.Now()},
	}
	_ = e.AddFacts(ctx, seed)

	t.Run("constant filters the scan", func(t *testing.T) {
		results, err := e.Query(ctx, `cart_probe(Id, "GET", Path).`)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("got %d GET probes, want 2", len(results))
		}
	})

	t.Run("unmatched constant yields nothing", func(t *testing.T) {
		results, err := e.Query(ctx, `cart_probe(Id, "DELETE", Path).`)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("got %d DELETE probes, want 0", len(results))
		}
	})

	t.Run("pattern wider than the fact never matches", func(t *testing.T) {
		_ = e.AddFacts(ctx, []Fact{
			{Predicate: "narrow_probe", Args: []interface{}{"x", "y"}, Timestamp: time.Now()},
		})
		results, err := e.Query(ctx, `narrow_probe(A, B, C, D).`)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("got %d bindings for over-wide pattern, want 0", len(results))
		}
	})
}

func TestEngineArgumentConversion(t *testing.T) {
	e := newTestEngine(t, 1000)
	ctx := context.Background()

	// One fact per Go type the emitters produce; the default branch covers
	// anything else via Sprintf.
	seed := []Fact{
		{Predicate: "arg_shapes", Args: []interface{}{"selector #pay"}, Timestamp: time.Now()},
		{Predicate: "arg_shapes", Args: []interface{}{404}, Timestamp: time.Now()},
		{Predicate: "arg_shapes", Args: []interface{}{int64(1724500000000)}, Timestamp: time.Now()},
		{Predicate: "arg_shapes", Args: []interface{}{0.25}, Timestamp: time.Now()},
		{Predicate: "arg_shapes", Args: []interface{}{true}, Timestamp: time.Now()},
		{Predicate: "arg_shapes", Args: []interface{}{false}, Timestamp: time.Now()},
		{Predicate: "arg_shapes", Args: []interface{}{[]string{"a", "b"}}, Timestamp: time.Now()},
	}
	if err := e.AddFacts(ctx, seed); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	if got := len(e.FactsByPredicate("arg_shapes")); got != len(seed) {
		t.Errorf("buffered %d facts, want %d", got, len(seed))
	}
}

func TestEngineSchemaFileLayering(t *testing.T) {
	// A workspace schema adds predicates on top of the builtin set.
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "extra.mg")
	extra := `
Decl page_metric(Session, Name, Value, Ts).
`
	if err := os.WriteFile(schemaPath, []byte(extra), 0644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	e, err := NewEngine(config.FactsConfig{
		Enable:          true,
		SchemaPath:      schemaPath,
		FactBufferLimit: 100,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx := context.Background()
	_ = e.AddFacts(ctx, []Fact{
		{Predicate: "page_metric", Args: []interface{}{"checkout", "lcp_ms", int64(1200), int64(1000)}, Timestamp: time.Now()},
	})

	results, err := e.Query(ctx, "page_metric(S, Name, Value, Ts).")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d page_metric bindings, want 1", len(results))
	}

	// Builtin declarations survive the layering.
	_ = e.AddFacts(ctx, []Fact{consoleFact("checkout", "error", "boom", 1001)})
	derived, err := e.Evaluate(ctx, "console_error")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(derived) != 1 {
		t.Errorf("builtin console_error rule derived %d facts, want 1", len(derived))
	}
}

func TestEngineConcurrentReadersAndWriter(t *testing.T) {
	e := newTestEngine(t, 200)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = e.AddFacts(ctx, []Fact{
				consoleFact("checkout", "log", fmt.Sprintf("tick %d", i), int64(i)),
			})
		}
	}()

	for i := 0; i < 50; i++ {
		_, _ = e.Query(ctx, "console_event(S, L, Text, Ts).")
		_ = e.FactsByPredicate("console_event")
	}
	<-done

	if got := len(e.FactsByPredicate("console_event")); got != 50 {
		t.Fatalf("buffered %d console events after writer finished, want 50", got)
	}
}
