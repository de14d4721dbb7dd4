package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webpilot-mcp-server/internal/facts"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// ActionType enumerates the primitive page actions a session supports.
type ActionType string

const (
	ActionNavigate  ActionType = "navigate"
	ActionBack      ActionType = "back"
	ActionForward   ActionType = "forward"
	ActionClick     ActionType = "click"
	ActionFill      ActionType = "fill"
	ActionSelect    ActionType = "select"
	ActionCheck     ActionType = "check"
	ActionUncheck   ActionType = "uncheck"
	ActionPress     ActionType = "press"
	ActionScroll    ActionType = "scroll"
	ActionHighlight ActionType = "highlight"
)

// ParseActionType validates a raw action name.
func ParseActionType(raw string) (ActionType, error) {
	switch t := ActionType(raw); t {
	case ActionNavigate, ActionBack, ActionForward, ActionClick, ActionFill,
		ActionSelect, ActionCheck, ActionUncheck, ActionPress, ActionScroll,
		ActionHighlight:
		return t, nil
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

// keyMap translates common key names to engine key codes. Single characters
// are accepted directly.
var keyMap = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Space":      input.Space,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
}

// ActionRequest describes one action. Which fields matter depends on the
// type; Validate reports what is missing before the page is touched.
type ActionRequest struct {
	Type      ActionType `json:"type"`
	Selector  string     `json:"selector,omitempty"`
	Value     string     `json:"value,omitempty"`
	URL       string     `json:"url,omitempty"`
	Direction string     `json:"direction,omitempty"`
}

// Validate checks the request shape without touching any page.
func (req ActionRequest) Validate() error {
	switch req.Type {
	case ActionNavigate:
		if req.URL == "" {
			return errors.New("navigate requires url")
		}
	case ActionBack, ActionForward:
		// No parameters.
	case ActionClick, ActionHighlight:
		if req.Selector == "" {
			return fmt.Errorf("%s requires selector", req.Type)
		}
	case ActionFill, ActionSelect:
		if req.Selector == "" {
			return fmt.Errorf("%s requires selector", req.Type)
		}
		if req.Value == "" {
			return fmt.Errorf("%s requires value", req.Type)
		}
	case ActionCheck, ActionUncheck:
		if req.Selector == "" {
			return fmt.Errorf("%s requires selector", req.Type)
		}
	case ActionPress:
		if len(req.Value) > 1 {
			if _, ok := keyMap[req.Value]; !ok {
				return fmt.Errorf("unknown key %q", req.Value)
			}
		}
	case ActionScroll:
		switch req.Direction {
		case "", "up", "down":
		default:
			return fmt.Errorf("scroll direction must be up or down, got %q", req.Direction)
		}
	default:
		return fmt.Errorf("unknown action %q", req.Type)
	}
	return nil
}

// ActionResult reports what a single action did.
type ActionResult struct {
	Action    ActionType `json:"action"`
	Success   bool       `json:"success"`
	URL       string     `json:"url,omitempty"`
	Title     string     `json:"title,omitempty"`
	Selector  string     `json:"selector,omitempty"`
	Value     string     `json:"value,omitempty"`
	Key       string     `json:"key,omitempty"`
	Direction string     `json:"direction,omitempty"`
	Checked   bool       `json:"checked,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ActionExecutor runs primitive actions against registry sessions, emitting
// an action_performed fact for every attempt.
type ActionExecutor struct {
	registry *SessionRegistry
}

// NewActionExecutor binds an executor to a registry.
func NewActionExecutor(registry *SessionRegistry) *ActionExecutor {
	return &ActionExecutor{registry: registry}
}

// Execute runs one action against the named session. Usage problems (missing
// parameters, unknown session) return an error without touching the page;
// engine failures come back as an unsuccessful result instead.
func (x *ActionExecutor) Execute(ctx context.Context, session string, req ActionRequest) (*ActionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	page, err := x.registry.Page(session)
	if err != nil {
		return nil, err
	}

	res := &ActionResult{
		Action:    req.Type,
		Selector:  req.Selector,
		Direction: req.Direction,
	}

	var actionErr error
	switch req.Type {
	case ActionNavigate:
		actionErr = x.navigate(page, req.URL, res)
	case ActionBack:
		actionErr = x.history(page, -1, res)
	case ActionForward:
		actionErr = x.history(page, 1, res)
	case ActionClick:
		actionErr = x.click(page, req.Selector, res)
	case ActionFill:
		res.Value = req.Value
		actionErr = x.fill(page, req)
	case ActionSelect:
		res.Value = req.Value
		actionErr = x.selectOption(page, req)
	case ActionCheck:
		actionErr = x.setChecked(page, req.Selector, true, res)
	case ActionUncheck:
		actionErr = x.setChecked(page, req.Selector, false, res)
	case ActionPress:
		actionErr = x.press(page, req, res)
	case ActionScroll:
		if res.Direction == "" {
			res.Direction = "down"
		}
		actionErr = x.scroll(page, req)
	case ActionHighlight:
		actionErr = x.highlight(page, req.Selector)
	}

	if actionErr != nil {
		res.Error = actionErr.Error()
	} else {
		res.Success = true
	}

	now := time.Now()
	x.registry.emit(ctx, session, "action", facts.Fact{
		Predicate: "action_performed",
		Args:      []interface{}{session, string(req.Type), req.Selector, res.Success, now.UnixMilli()},
		Timestamp: now,
	})
	return res, nil
}

func (x *ActionExecutor) navigate(page *rod.Page, url string, res *ActionResult) error {
	// Re-navigating to the current location is a no-op success.
	if info, err := page.Info(); err == nil && info.URL == url {
		res.URL = info.URL
		res.Title = info.Title
		return nil
	}

	nav := x.registry.cfg.NavigationTimeout()
	wait := page.Timeout(nav).WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Timeout(nav).Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	wait()
	x.snapshot(page, res)
	return nil
}

// history steps through session history; delta -1 is back, +1 is forward.
// Stepping past either end reports the current location unchanged.
func (x *ActionExecutor) history(page *rod.Page, delta int, res *ActionResult) error {
	hist, err := proto.PageGetNavigationHistory{}.Call(page)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	idx := hist.CurrentIndex + delta
	if idx < 0 || idx >= len(hist.Entries) {
		x.snapshot(page, res)
		return nil
	}

	nav := x.registry.cfg.NavigationTimeout()
	wait := page.Timeout(nav).WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := (proto.PageNavigateToHistoryEntry{EntryID: hist.Entries[idx].ID}).Call(page); err != nil {
		return fmt.Errorf("step history: %w", err)
	}
	wait()
	x.snapshot(page, res)
	return nil
}

func (x *ActionExecutor) click(page *rod.Page, selector string, res *ActionResult) error {
	before := ""
	if info, err := page.Info(); err == nil {
		before = info.URL
	}

	el, err := page.Timeout(x.registry.cfg.ActionTimeout()).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %s", selector)
	}

	settled := x.settleAfter(page)
	if err := el.Click("left", 1); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	settled()

	// Report the new location only when the click actually navigated.
	if info, err := page.Info(); err == nil && info.URL != before {
		res.URL = info.URL
		res.Title = info.Title
	}
	return nil
}

func (x *ActionExecutor) fill(page *rod.Page, req ActionRequest) error {
	el, err := page.Timeout(x.registry.cfg.ActionTimeout()).Element(req.Selector)
	if err != nil {
		return fmt.Errorf("element not found: %s", req.Selector)
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(req.Value); err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

func (x *ActionExecutor) selectOption(page *rod.Page, req ActionRequest) error {
	el, err := page.Timeout(x.registry.cfg.ActionTimeout()).Element(req.Selector)
	if err != nil {
		return fmt.Errorf("element not found: %s", req.Selector)
	}
	// Match the option value first, then fall back to its visible text.
	if err := el.Select([]string{fmt.Sprintf("[value=%q]", req.Value)}, true, rod.SelectorTypeCSSSector); err != nil {
		if err := el.Select([]string{req.Value}, true, rod.SelectorTypeText); err != nil {
			return fmt.Errorf("option not found: %s", req.Value)
		}
	}
	return nil
}

func (x *ActionExecutor) setChecked(page *rod.Page, selector string, want bool, res *ActionResult) error {
	el, err := page.Timeout(x.registry.cfg.ActionTimeout()).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %s", selector)
	}
	prop, err := el.Property("checked")
	if err != nil {
		return fmt.Errorf("read checked state: %w", err)
	}
	if prop.Bool() != want {
		if err := el.Click("left", 1); err != nil {
			return fmt.Errorf("toggle failed: %w", err)
		}
	}
	res.Checked = want
	return nil
}

func (x *ActionExecutor) press(page *rod.Page, req ActionRequest, res *ActionResult) error {
	key := req.Value
	if key == "" {
		key = "Enter"
	}
	res.Key = key

	k, ok := keyMap[key]
	if !ok {
		k = input.Key(rune(key[0]))
	}

	if req.Selector != "" {
		el, err := page.Timeout(x.registry.cfg.ActionTimeout()).Element(req.Selector)
		if err != nil {
			return fmt.Errorf("element not found: %s", req.Selector)
		}
		if err := el.Focus(); err != nil {
			return fmt.Errorf("focus %s: %w", req.Selector, err)
		}
	}

	before := ""
	if info, err := page.Info(); err == nil {
		before = info.URL
	}

	settled := x.settleAfter(page)
	if err := page.Keyboard.Press(k); err != nil {
		return fmt.Errorf("press %s: %w", key, err)
	}
	settled()

	if info, err := page.Info(); err == nil && info.URL != before {
		res.URL = info.URL
		res.Title = info.Title
	}
	return nil
}

func (x *ActionExecutor) scroll(page *rod.Page, req ActionRequest) error {
	delta := 500
	if req.Direction == "up" {
		delta = -500
	}

	if req.Selector != "" {
		el, err := page.Timeout(x.registry.cfg.ActionTimeout()).Element(req.Selector)
		if err != nil {
			return fmt.Errorf("element not found: %s", req.Selector)
		}
		if _, err := el.Eval(fmt.Sprintf("() => this.scrollBy(0, %d)", delta)); err != nil {
			return fmt.Errorf("scroll failed: %w", err)
		}
		return nil
	}

	if _, err := page.Eval(fmt.Sprintf("() => window.scrollBy(0, %d)", delta)); err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	return nil
}

const highlightJS = `
async () => {
	this.scrollIntoView({ block: "center", behavior: "instant" });
	const original = this.style.outline;
	for (let i = 0; i < 3; i++) {
		this.style.outline = "3px solid #f59e0b";
		await new Promise((r) => setTimeout(r, 150));
		this.style.outline = original;
		await new Promise((r) => setTimeout(r, 100));
	}
	return true;
}`

func (x *ActionExecutor) highlight(page *rod.Page, selector string) error {
	el, err := page.Timeout(x.registry.cfg.ActionTimeout()).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %s", selector)
	}
	if _, err := el.Eval(highlightJS); err != nil {
		return fmt.Errorf("highlight failed: %w", err)
	}
	return nil
}

// settleAfter arms a short parsed-document wait; invoke the returned func
// after the triggering action. Timing out just means no navigation followed.
func (x *ActionExecutor) settleAfter(page *rod.Page) func() {
	return page.Timeout(x.registry.cfg.SettleTimeout()).WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
}

// snapshot fills in the current location, best-effort.
func (x *ActionExecutor) snapshot(page *rod.Page, res *ActionResult) {
	if info, err := page.Info(); err == nil {
		res.URL = info.URL
		res.Title = info.Title
	}
}
