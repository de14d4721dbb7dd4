package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"webpilot-mcp-server/internal/facts"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
)

// StepKind distinguishes action steps from assertion steps.
type StepKind string

const (
	StepKindAction    StepKind = "action"
	StepKindAssertion StepKind = "assertion"
)

// RunState tracks a sequence through its lifecycle.
type RunState string

const (
	RunStateNotStarted RunState = "not_started"
	RunStateRunning    RunState = "running"
	RunStateCompleted  RunState = "completed"
	RunStateAborted    RunState = "aborted"
)

// Assertion is a declarative check against the live page.
type Assertion struct {
	Kind     string `json:"kind"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// SequenceStep is one scripted step. Exactly one of Action or Assertion must
// be set.
type SequenceStep struct {
	Action    *ActionRequest `json:"action,omitempty"`
	Assertion *Assertion     `json:"assertion,omitempty"`
}

// StepOutcome records what one attempted step did.
type StepOutcome struct {
	Index   int      `json:"index"`
	Kind    StepKind `json:"kind"`
	Success bool     `json:"success"`
	Detail  string   `json:"detail,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// SequenceResult is the report for one run. Completed counts attempted steps
// including a final failing one, so Completed == Total only when every step
// succeeded.
type SequenceResult struct {
	RunID      string        `json:"run_id"`
	Session    string        `json:"session"`
	State      RunState      `json:"state"`
	Success    bool          `json:"success"`
	Completed  int           `json:"completed"`
	Total      int           `json:"total"`
	Steps      []StepOutcome `json:"steps"`
	FinalURL   string        `json:"final_url,omitempty"`
	FinalTitle string        `json:"final_title,omitempty"`
}

// ActionRunner executes one action against a named session.
type ActionRunner interface {
	Execute(ctx context.Context, session string, req ActionRequest) (*ActionResult, error)
}

// AssertionEvaluator checks one assertion against a live page. The detail
// string describes the observed state either way.
type AssertionEvaluator interface {
	Check(ctx context.Context, page *rod.Page, a Assertion) (bool, string, error)
}

// SessionSource resolves live pages for assertions and final snapshots.
type SessionSource interface {
	Page(name string) (*rod.Page, error)
	Get(name string) (Session, bool)
}

// SequenceRunner executes scripted steps strictly in order, stopping at the
// first failure.
type SequenceRunner struct {
	source  SessionSource
	actions ActionRunner
	asserts AssertionEvaluator
	sink    FactSink
}

// NewSequenceRunner wires a runner to its collaborators.
func NewSequenceRunner(source SessionSource, actions ActionRunner, asserts AssertionEvaluator, sink FactSink) *SequenceRunner {
	return &SequenceRunner{source: source, actions: actions, asserts: asserts, sink: sink}
}

// Run executes steps against the named session. Usage problems (no steps,
// malformed step shape, unknown session) error out before anything runs;
// a failing step aborts the run and is reported in the result instead. Once
// started, a run always ends completed or aborted: a canceled context fails
// the in-flight step rather than discarding the trace.
func (r *SequenceRunner) Run(ctx context.Context, session string, steps []SequenceStep) (*SequenceResult, error) {
	if len(steps) == 0 {
		return nil, errors.New("sequence needs at least one step")
	}
	for i, s := range steps {
		if (s.Action == nil) == (s.Assertion == nil) {
			return nil, fmt.Errorf("step %d must have exactly one of action or assertion", i)
		}
	}
	if _, err := r.source.Page(session); err != nil {
		return nil, err
	}

	res := &SequenceResult{
		RunID:   uuid.NewString(),
		Session: session,
		State:   RunStateNotStarted,
		Total:   len(steps),
		Steps:   make([]StepOutcome, 0, len(steps)),
	}

	res.State = RunStateRunning
	for i, step := range steps {
		outcome := r.runStep(ctx, session, i, step)
		res.Steps = append(res.Steps, outcome)
		res.Completed = i + 1
		r.emitStep(ctx, session, res.RunID, outcome)

		if !outcome.Success {
			res.State = RunStateAborted
			break
		}
	}
	if res.State == RunStateRunning {
		res.State = RunStateCompleted
		res.Success = true
	}

	if page, err := r.source.Page(session); err == nil && page != nil {
		if info, ierr := page.Info(); ierr == nil {
			res.FinalURL = info.URL
			res.FinalTitle = info.Title
		}
	}

	now := time.Now()
	r.emit(ctx, session, facts.Fact{
		Predicate: "sequence_run",
		Args:      []interface{}{res.RunID, session, res.Completed, res.Total, res.Success, now.UnixMilli()},
		Timestamp: now,
	})
	return res, nil
}

func (r *SequenceRunner) runStep(ctx context.Context, session string, index int, step SequenceStep) StepOutcome {
	if step.Action != nil {
		outcome := StepOutcome{Index: index, Kind: StepKindAction}
		ar, err := r.actions.Execute(ctx, session, *step.Action)
		switch {
		case err != nil:
			outcome.Error = err.Error()
		case ar.Success:
			outcome.Success = true
			outcome.Detail = describeAction(*step.Action, ar)
		default:
			outcome.Error = ar.Error
		}
		return outcome
	}

	outcome := StepOutcome{Index: index, Kind: StepKindAssertion}
	page, err := r.source.Page(session)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	ok, detail, err := r.asserts.Check(ctx, page, *step.Assertion)
	switch {
	case err != nil:
		outcome.Error = fmt.Sprintf("assertion %s: %v", step.Assertion.Kind, err)
	case ok:
		outcome.Success = true
		outcome.Detail = detail
	default:
		outcome.Detail = detail
		outcome.Error = fmt.Sprintf("assertion %s failed", step.Assertion.Kind)
	}
	return outcome
}

func describeAction(req ActionRequest, res *ActionResult) string {
	switch req.Type {
	case ActionNavigate:
		return fmt.Sprintf("navigated to %s", res.URL)
	case ActionBack, ActionForward:
		return fmt.Sprintf("went %s to %s", req.Type, res.URL)
	case ActionClick:
		if res.URL != "" {
			return fmt.Sprintf("clicked %s (now at %s)", req.Selector, res.URL)
		}
		return fmt.Sprintf("clicked %s", req.Selector)
	case ActionFill:
		return fmt.Sprintf("filled %s", req.Selector)
	case ActionSelect:
		return fmt.Sprintf("selected %q in %s", req.Value, req.Selector)
	case ActionCheck, ActionUncheck:
		return fmt.Sprintf("%sed %s", req.Type, req.Selector)
	case ActionPress:
		return fmt.Sprintf("pressed %s", res.Key)
	case ActionScroll:
		return fmt.Sprintf("scrolled %s", res.Direction)
	case ActionHighlight:
		return fmt.Sprintf("highlighted %s", req.Selector)
	}
	return string(req.Type)
}

func (r *SequenceRunner) emitStep(ctx context.Context, session, runID string, o StepOutcome) {
	now := time.Now()
	r.emit(ctx, session, facts.Fact{
		Predicate: "sequence_step",
		Args:      []interface{}{runID, o.Index, string(o.Kind), o.Success, now.UnixMilli()},
		Timestamp: now,
	})
}

func (r *SequenceRunner) emit(ctx context.Context, session string, fs ...facts.Fact) {
	if r.sink == nil {
		return
	}
	if err := r.sink.AddFacts(ctx, fs); err != nil {
		log.Printf("[session:%s] sequence fact error: %v", session, err)
	}
}
