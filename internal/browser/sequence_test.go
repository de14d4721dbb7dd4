package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"webpilot-mcp-server/internal/facts"

	"github.com/go-rod/rod"
)

// fakeSource pretends the named sessions exist but has no live pages.
type fakeSource struct {
	names []string
}

func (f *fakeSource) Page(name string) (*rod.Page, error) {
	for _, n := range f.names {
		if n == name {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("unknown session %q (no sessions open)", name)
}

func (f *fakeSource) Get(name string) (Session, bool) {
	for _, n := range f.names {
		if n == name {
			return Session{Name: n, CreatedAt: time.Now()}, true
		}
	}
	return Session{}, false
}

// scriptedRunner replays canned results per call.
type scriptedRunner struct {
	results []*ActionResult
	errs    []error
	calls   int
}

func (s *scriptedRunner) Execute(ctx context.Context, session string, req ActionRequest) (*ActionResult, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(s.results) && s.results[i] != nil {
		return s.results[i], nil
	}
	return &ActionResult{Action: req.Type, Success: true}, nil
}

// cancelingRunner succeeds on its first call, canceling the context as a side
// effect, then fails later calls with the context error the way a live engine
// call would.
type cancelingRunner struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancelingRunner) Execute(ctx context.Context, session string, req ActionRequest) (*ActionResult, error) {
	c.calls++
	if c.calls == 1 {
		c.cancel()
		return &ActionResult{Action: req.Type, Success: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &ActionResult{Action: req.Type, Success: true}, nil
}

// scriptedAsserts replays canned verdicts per call.
type scriptedAsserts struct {
	verdicts []bool
	details  []string
	err      error
	calls    int
}

func (s *scriptedAsserts) Check(ctx context.Context, page *rod.Page, a Assertion) (bool, string, error) {
	i := s.calls
	s.calls++
	if s.err != nil {
		return false, "", s.err
	}
	detail := ""
	if i < len(s.details) {
		detail = s.details[i]
	}
	if i < len(s.verdicts) {
		return s.verdicts[i], detail, nil
	}
	return true, detail, nil
}

type captureSink struct {
	mu  sync.Mutex
	got []facts.Fact
}

func (c *captureSink) AddFacts(ctx context.Context, fs []facts.Fact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, fs...)
	return nil
}

func (c *captureSink) byPredicate(p string) []facts.Fact {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []facts.Fact
	for _, f := range c.got {
		if f.Predicate == p {
			out = append(out, f)
		}
	}
	return out
}

func actionStep(t ActionType, selector string) SequenceStep {
	req := ActionRequest{Type: t, Selector: selector}
	if t == ActionNavigate {
		req.URL = "https://example.test"
		req.Selector = ""
	}
	if t == ActionFill {
		req.Value = "hello"
	}
	return SequenceStep{Action: &req}
}

func assertStep(kind, selector, value string) SequenceStep {
	return SequenceStep{Assertion: &Assertion{Kind: kind, Selector: selector, Value: value}}
}

func TestSequenceAllStepsSucceed(t *testing.T) {
	runner := NewSequenceRunner(
		&fakeSource{names: []string{"checkout"}},
		&scriptedRunner{},
		&scriptedAsserts{},
		nil,
	)

	steps := []SequenceStep{
		actionStep(ActionFill, "#email"),
		actionStep(ActionClick, "#submit"),
		assertStep("url_contains", "", "/done"),
	}
	res, err := runner.Run(context.Background(), "checkout", steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.RunID == "" {
		t.Error("expected a run id")
	}
	if res.State != RunStateCompleted {
		t.Errorf("expected state completed, got %s", res.State)
	}
	if !res.Success {
		t.Error("expected success")
	}
	if res.Completed != 3 || res.Total != 3 {
		t.Errorf("expected 3/3 attempted, got %d/%d", res.Completed, res.Total)
	}
	for i, s := range res.Steps {
		if !s.Success {
			t.Errorf("step %d should succeed: %+v", i, s)
		}
	}
	if res.Steps[2].Kind != StepKindAssertion {
		t.Errorf("expected assertion kind on step 2, got %s", res.Steps[2].Kind)
	}
}

func TestSequenceAbortsOnActionFailure(t *testing.T) {
	runner := NewSequenceRunner(
		&fakeSource{names: []string{"s1"}},
		&scriptedRunner{results: []*ActionResult{
			{Action: ActionFill, Success: true},
			{Action: ActionClick, Success: false, Error: "element not found: #missing"},
		}},
		&scriptedAsserts{},
		nil,
	)

	steps := []SequenceStep{
		actionStep(ActionFill, "#email"),
		actionStep(ActionClick, "#missing"),
		actionStep(ActionClick, "#never-reached"),
		assertStep("title_contains", "", "Done"),
		actionStep(ActionScroll, ""),
	}
	res, err := runner.Run(context.Background(), "s1", steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.State != RunStateAborted {
		t.Errorf("expected state aborted, got %s", res.State)
	}
	if res.Success {
		t.Error("expected failure")
	}
	if res.Completed != 2 || res.Total != 5 {
		t.Errorf("expected 2/5 attempted, got %d/%d", res.Completed, res.Total)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("expected 2 recorded outcomes, got %d", len(res.Steps))
	}
	last := res.Steps[1]
	if last.Success || !strings.Contains(last.Error, "element not found") {
		t.Errorf("unexpected failing outcome: %+v", last)
	}
}

func TestSequenceFailingLastStepCountsAsAttempted(t *testing.T) {
	runner := NewSequenceRunner(
		&fakeSource{names: []string{"s1"}},
		&scriptedRunner{},
		&scriptedAsserts{verdicts: []bool{false}, details: []string{`title is "Error page"`}},
		nil,
	)

	steps := []SequenceStep{
		actionStep(ActionFill, "#email"),
		actionStep(ActionClick, "#submit"),
		assertStep("title_contains", "", "Welcome"),
	}
	res, err := runner.Run(context.Background(), "s1", steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// All three steps were attempted, yet the run still failed.
	if res.Completed != 3 || res.Total != 3 {
		t.Errorf("expected 3/3 attempted, got %d/%d", res.Completed, res.Total)
	}
	if res.Success || res.State != RunStateAborted {
		t.Errorf("expected aborted failure, got success=%v state=%s", res.Success, res.State)
	}
	last := res.Steps[2]
	if !strings.Contains(last.Error, "assertion title_contains failed") {
		t.Errorf("expected assertion failure error, got %q", last.Error)
	}
	if last.Detail != `title is "Error page"` {
		t.Errorf("expected observed detail, got %q", last.Detail)
	}
}

func TestSequenceUsageErrors(t *testing.T) {
	runner := NewSequenceRunner(&fakeSource{names: []string{"s1"}}, &scriptedRunner{}, &scriptedAsserts{}, nil)

	if _, err := runner.Run(context.Background(), "s1", nil); err == nil {
		t.Error("expected error for empty steps")
	}

	both := SequenceStep{
		Action:    &ActionRequest{Type: ActionClick, Selector: "#a"},
		Assertion: &Assertion{Kind: "element_exists", Selector: "#a"},
	}
	if _, err := runner.Run(context.Background(), "s1", []SequenceStep{both}); err == nil {
		t.Error("expected error for step with both action and assertion")
	} else if !strings.Contains(err.Error(), "exactly one of") {
		t.Errorf("unexpected error: %v", err)
	}

	neither := SequenceStep{}
	if _, err := runner.Run(context.Background(), "s1", []SequenceStep{neither}); err == nil {
		t.Error("expected error for empty step")
	}

	if _, err := runner.Run(context.Background(), "ghost", []SequenceStep{actionStep(ActionClick, "#a")}); err == nil {
		t.Error("expected error for unknown session")
	} else if !strings.Contains(err.Error(), "unknown session") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSequenceActionUsageErrorAbortsRun(t *testing.T) {
	runner := NewSequenceRunner(
		&fakeSource{names: []string{"s1"}},
		&scriptedRunner{errs: []error{errors.New("fill requires value")}},
		&scriptedAsserts{},
		nil,
	)

	steps := []SequenceStep{
		{Action: &ActionRequest{Type: ActionFill, Selector: "#email"}},
		actionStep(ActionClick, "#submit"),
	}
	res, err := runner.Run(context.Background(), "s1", steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Completed != 1 || res.State != RunStateAborted {
		t.Errorf("expected abort after first step, got %d completed state %s", res.Completed, res.State)
	}
	if res.Steps[0].Error != "fill requires value" {
		t.Errorf("expected usage error recorded, got %q", res.Steps[0].Error)
	}
}

func TestSequenceAssertionEvaluatorError(t *testing.T) {
	runner := NewSequenceRunner(
		&fakeSource{names: []string{"s1"}},
		&scriptedRunner{},
		&scriptedAsserts{err: errors.New("evaluate js: page crashed")},
		nil,
	)

	res, err := runner.Run(context.Background(), "s1", []SequenceStep{assertStep("element_exists", "#app", "")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Steps[0].Success {
		t.Error("expected assertion step to fail")
	}
	if !strings.Contains(res.Steps[0].Error, "assertion element_exists: evaluate js") {
		t.Errorf("expected evaluator error surfaced, got %q", res.Steps[0].Error)
	}
}

func TestSequenceContextCanceled(t *testing.T) {
	t.Run("steps that ignore the context run to completion", func(t *testing.T) {
		sink := &captureSink{}
		runner := NewSequenceRunner(&fakeSource{names: []string{"s1"}}, &scriptedRunner{}, &scriptedAsserts{}, sink)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res, err := runner.Run(ctx, "s1", []SequenceStep{
			actionStep(ActionFill, "#email"),
			actionStep(ActionClick, "#submit"),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.State != RunStateCompleted || !res.Success {
			t.Errorf("expected a completed run, got state=%s success=%v", res.State, res.Success)
		}
		if res.Completed != 2 || len(res.Steps) != 2 {
			t.Errorf("expected 2 attempted steps, got %d completed with %d outcomes", res.Completed, len(res.Steps))
		}
		if got := len(sink.byPredicate("sequence_run")); got != 1 {
			t.Errorf("expected a terminal sequence_run fact, got %d", got)
		}
	})

	t.Run("cancellation mid-run aborts through the failing step", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sink := &captureSink{}
		runner := NewSequenceRunner(
			&fakeSource{names: []string{"s1"}},
			&cancelingRunner{cancel: cancel},
			&scriptedAsserts{},
			sink,
		)

		steps := []SequenceStep{
			actionStep(ActionFill, "#email"),
			actionStep(ActionClick, "#submit"),
			actionStep(ActionScroll, ""),
		}
		res, err := runner.Run(ctx, "s1", steps)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if res.State != RunStateAborted || res.Success {
			t.Errorf("expected an aborted run, got state=%s success=%v", res.State, res.Success)
		}
		if res.Completed != 2 || len(res.Steps) != 2 {
			t.Fatalf("expected 2 attempted steps, got %d completed with %d outcomes", res.Completed, len(res.Steps))
		}
		if !res.Steps[0].Success {
			t.Errorf("first step should keep its outcome: %+v", res.Steps[0])
		}
		last := res.Steps[1]
		if last.Success || !strings.Contains(last.Error, "context canceled") {
			t.Errorf("expected cancellation recorded on the failing step, got %+v", last)
		}
		if got := len(sink.byPredicate("sequence_step")); got != 2 {
			t.Errorf("expected one sequence_step fact per attempted step, got %d", got)
		}
		if got := len(sink.byPredicate("sequence_run")); got != 1 {
			t.Errorf("expected a terminal sequence_run fact, got %d", got)
		}
	})
}

func TestSequenceEmitsFacts(t *testing.T) {
	sink := &captureSink{}
	runner := NewSequenceRunner(
		&fakeSource{names: []string{"s1"}},
		&scriptedRunner{results: []*ActionResult{
			{Action: ActionFill, Success: true},
			{Action: ActionClick, Success: false, Error: "click failed"},
		}},
		&scriptedAsserts{},
		sink,
	)

	steps := []SequenceStep{
		actionStep(ActionFill, "#email"),
		actionStep(ActionClick, "#submit"),
		actionStep(ActionScroll, ""),
	}
	res, err := runner.Run(context.Background(), "s1", steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stepFacts := sink.byPredicate("sequence_step")
	if len(stepFacts) != 2 {
		t.Fatalf("expected one sequence_step fact per attempted step, got %d", len(stepFacts))
	}
	for _, f := range stepFacts {
		if f.Args[0] != res.RunID {
			t.Errorf("step fact should carry run id %s, got %v", res.RunID, f.Args[0])
		}
	}
	if stepFacts[1].Args[3] != false {
		t.Errorf("second step fact should record failure, got %v", stepFacts[1].Args[3])
	}

	runFacts := sink.byPredicate("sequence_run")
	if len(runFacts) != 1 {
		t.Fatalf("expected one sequence_run fact, got %d", len(runFacts))
	}
	args := runFacts[0].Args
	if args[0] != res.RunID || args[2] != 2 || args[3] != 3 || args[4] != false {
		t.Errorf("unexpected sequence_run args: %v", args)
	}
}
