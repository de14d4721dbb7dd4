package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"webpilot-mcp-server/internal/browser"

	"github.com/go-rod/rod"
)

// Assertion kinds understood by the evaluator.
const (
	AssertElementExists  = "element_exists"
	AssertElementVisible = "element_visible"
	AssertTextContains   = "text_contains"
	AssertTitleContains  = "title_contains"
	AssertURLContains    = "url_contains"
	AssertElementValue   = "element_value"
)

// Evaluator checks declarative assertions against live pages. A false verdict
// is not an error; errors mean the check itself could not run.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator builds an evaluator with a per-check timeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Evaluator{timeout: timeout}
}

// Check evaluates one assertion. The detail string describes the observed
// state for both verdicts.
func (e *Evaluator) Check(ctx context.Context, page *rod.Page, a browser.Assertion) (bool, string, error) {
	switch a.Kind {
	case AssertElementExists:
		if a.Selector == "" {
			return false, "", errors.New("element_exists requires selector")
		}
		has, _, err := e.has(ctx, page, a.Selector)
		if err != nil {
			return false, "", err
		}
		if !has {
			return false, fmt.Sprintf("element %s not found", a.Selector), nil
		}
		return true, fmt.Sprintf("element %s present", a.Selector), nil

	case AssertElementVisible:
		if a.Selector == "" {
			return false, "", errors.New("element_visible requires selector")
		}
		has, el, err := e.has(ctx, page, a.Selector)
		if err != nil {
			return false, "", err
		}
		if !has {
			return false, fmt.Sprintf("element %s not found", a.Selector), nil
		}
		visible, err := el.Visible()
		if err != nil {
			return false, "", fmt.Errorf("visibility of %s: %w", a.Selector, err)
		}
		if !visible {
			return false, fmt.Sprintf("element %s present but hidden", a.Selector), nil
		}
		return true, fmt.Sprintf("element %s visible", a.Selector), nil

	case AssertTextContains:
		if a.Value == "" {
			return false, "", errors.New("text_contains requires value")
		}
		sel := a.Selector
		if sel == "" {
			sel = "body"
		}
		has, el, err := e.has(ctx, page, sel)
		if err != nil {
			return false, "", err
		}
		if !has {
			return false, fmt.Sprintf("element %s not found", sel), nil
		}
		text, err := el.Text()
		if err != nil {
			return false, "", fmt.Errorf("text of %s: %w", sel, err)
		}
		if strings.Contains(text, a.Value) {
			return true, fmt.Sprintf("%s contains %q", sel, a.Value), nil
		}
		return false, fmt.Sprintf("%s does not contain %q", sel, a.Value), nil

	case AssertTitleContains:
		if a.Value == "" {
			return false, "", errors.New("title_contains requires value")
		}
		info, err := page.Context(ctx).Info()
		if err != nil {
			return false, "", fmt.Errorf("page info: %w", err)
		}
		return strings.Contains(info.Title, a.Value), fmt.Sprintf("title is %q", info.Title), nil

	case AssertURLContains:
		if a.Value == "" {
			return false, "", errors.New("url_contains requires value")
		}
		info, err := page.Context(ctx).Info()
		if err != nil {
			return false, "", fmt.Errorf("page info: %w", err)
		}
		return strings.Contains(info.URL, a.Value), fmt.Sprintf("url is %s", info.URL), nil

	case AssertElementValue:
		if a.Selector == "" {
			return false, "", errors.New("element_value requires selector")
		}
		has, el, err := e.has(ctx, page, a.Selector)
		if err != nil {
			return false, "", err
		}
		if !has {
			return false, fmt.Sprintf("element %s not found", a.Selector), nil
		}
		prop, err := el.Property("value")
		if err != nil {
			return false, "", fmt.Errorf("value of %s: %w", a.Selector, err)
		}
		got := prop.Str()
		return got == a.Value, fmt.Sprintf("value of %s is %q", a.Selector, got), nil
	}

	return false, "", fmt.Errorf("unknown assertion kind %q", a.Kind)
}

// has is a non-waiting element sniff; assertions report absence instead of
// blocking until a timeout.
func (e *Evaluator) has(ctx context.Context, page *rod.Page, selector string) (bool, *rod.Element, error) {
	has, el, err := page.Context(ctx).Timeout(e.timeout).Has(selector)
	if err != nil {
		return false, nil, fmt.Errorf("query %s: %w", selector, err)
	}
	return has, el, nil
}

// Kinds lists every assertion kind the evaluator understands, for tool
// schemas and validation messages.
func Kinds() []string {
	return []string{
		AssertElementExists,
		AssertElementVisible,
		AssertTextContains,
		AssertTitleContains,
		AssertURLContains,
		AssertElementValue,
	}
}
