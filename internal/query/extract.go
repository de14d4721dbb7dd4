// Package query pulls structured summaries out of live pages and evaluates
// declarative assertions against them. Everything here reads page state; the
// browser package owns mutation.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
)

const (
	// DefaultMaxLinks bounds the links section of an outline.
	DefaultMaxLinks = 25

	// DefaultMaxElements bounds interactive element listings.
	DefaultMaxElements = 30
)

// OutlineHeading is one document heading.
type OutlineHeading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// OutlineLandmark is one structural region (nav, main, form, ...).
type OutlineLandmark struct {
	Role  string `json:"role"`
	Label string `json:"label,omitempty"`
}

// OutlineLink is one visible link with text.
type OutlineLink struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// PageOutline is a compact structural sketch of the current document.
type PageOutline struct {
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Headings  []OutlineHeading  `json:"headings,omitempty"`
	Landmarks []OutlineLandmark `json:"landmarks,omitempty"`
	Links     []OutlineLink     `json:"links,omitempty"`
	LinkCount int               `json:"link_count"`
}

// InteractiveElement describes one actionable element, with a selector that
// feeds straight back into browser actions.
type InteractiveElement struct {
	Ref      string `json:"ref"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Action   string `json:"action"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	Enabled  bool   `json:"enabled"`
	Checked  bool   `json:"checked,omitempty"`
}

// Extractor runs read-only extraction scripts against pages.
type Extractor struct {
	timeout time.Duration
}

// NewExtractor builds an extractor with a per-call evaluation timeout.
func NewExtractor(timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Extractor{timeout: timeout}
}

const outlineJS = `
(maxLinks) => {
	const headings = [];
	document.querySelectorAll('h1, h2, h3, h4, h5, h6').forEach((h) => {
		const text = (h.innerText || '').replace(/\s+/g, ' ').trim();
		if (!text) return;
		headings.push({ level: Number(h.tagName.substring(1)), text: text.substring(0, 120) });
	});

	const landmarks = [];
	document.querySelectorAll('header, nav, main, aside, footer, form, [role="search"], [role="banner"], [role="dialog"]').forEach((el) => {
		const role = el.getAttribute('role') || el.tagName.toLowerCase();
		const label = (el.getAttribute('aria-label') || '').substring(0, 80);
		landmarks.push({ role: role, label: label });
	});

	const anchors = Array.from(document.querySelectorAll('a[href]'));
	const links = [];
	for (const a of anchors) {
		if (links.length >= maxLinks) break;
		const text = (a.innerText || '').replace(/\s+/g, ' ').trim();
		if (!text) continue;
		links.push({ text: text.substring(0, 80), href: a.href });
	}

	return {
		url: window.location.href,
		title: document.title,
		headings: headings,
		landmarks: landmarks,
		links: links,
		link_count: anchors.length
	};
}`

// outlineEval builds the call options for the outline script. Values travel
// as call arguments so they cannot change what the script source does.
func outlineEval(maxLinks int) *rod.EvalOptions {
	return &rod.EvalOptions{
		JS:           outlineJS,
		JSArgs:       []interface{}{maxLinks},
		ByValue:      true,
		AwaitPromise: true,
	}
}

// Outline extracts headings, landmarks, and up to maxLinks visible links.
func (e *Extractor) Outline(ctx context.Context, page *rod.Page, maxLinks int) (*PageOutline, error) {
	if maxLinks <= 0 {
		maxLinks = DefaultMaxLinks
	}

	res, err := page.Context(ctx).Timeout(e.timeout).Evaluate(outlineEval(maxLinks))
	if err != nil {
		return nil, fmt.Errorf("extract outline: %w", err)
	}

	var out PageOutline
	if err := res.Value.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("decode outline: %w", err)
	}
	return &out, nil
}

const interactiveJS = `
(filter, limit) => {
	const selectors = {
		buttons: 'button, input[type="submit"], input[type="button"], [role="button"]',
		inputs: 'input:not([type="hidden"]):not([type="submit"]):not([type="button"]), textarea, [contenteditable="true"]',
		links: 'a[href]',
		selects: 'select, [role="combobox"], [role="listbox"]'
	};

	let selector;
	if (filter === 'all' || !selectors[filter]) {
		selector = Object.values(selectors).join(', ');
	} else {
		selector = selectors[filter];
	}

	const elements = [];
	const seen = new Set();

	document.querySelectorAll(selector).forEach((el, idx) => {
		if (elements.length >= limit) return;

		const rect = el.getBoundingClientRect();
		const style = getComputedStyle(el);
		if (rect.width === 0 || rect.height === 0 ||
		    style.display === 'none' || style.visibility === 'hidden' ||
		    style.opacity === '0') {
			return;
		}

		const tag = el.tagName.toLowerCase();
		const elId = el.id || '';
		const elName = el.name || '';
		const ariaLabel = el.getAttribute('aria-label') || '';
		const dataTestId = el.getAttribute('data-testid') || '';

		let ref;
		if (dataTestId) {
			ref = 'testid:' + dataTestId;
		} else if (elId) {
			ref = elId;
		} else if (elName) {
			ref = elName;
		} else {
			ref = tag + '[' + idx + ']';
		}
		if (seen.has(ref)) {
			ref = ref + '_' + idx;
		}
		seen.add(ref);

		// A CSS selector usable directly with page actions.
		let cssSelector = '';
		if (dataTestId) {
			cssSelector = '[data-testid="' + dataTestId + '"]';
		} else if (elId) {
			cssSelector = '#' + elId;
		} else if (elName) {
			cssSelector = tag + '[name="' + elName + '"]';
		}

		let type, action;
		if (tag === 'button' || el.type === 'submit' || el.type === 'button' || el.getAttribute('role') === 'button') {
			type = 'button';
			action = 'click';
		} else if (tag === 'a') {
			type = 'link';
			action = 'click';
		} else if (tag === 'select' || el.getAttribute('role') === 'combobox' || el.getAttribute('role') === 'listbox') {
			type = 'select';
			action = 'select';
		} else if (tag === 'input') {
			const inputType = el.type || 'text';
			if (inputType === 'checkbox' || inputType === 'radio') {
				type = inputType;
				action = 'toggle';
			} else {
				type = 'input';
				action = 'fill';
			}
		} else {
			type = 'input';
			action = 'fill';
		}

		let label = ariaLabel ||
			(el.innerText || '').trim().substring(0, 50) ||
			el.placeholder ||
			el.title ||
			'';
		label = label.replace(/\s+/g, ' ').trim();

		elements.push({
			ref: ref,
			type: type,
			label: label,
			action: action,
			selector: cssSelector,
			value: el.value || '',
			enabled: !el.disabled,
			checked: el.checked || false
		});
	});

	return elements;
}`

// interactiveEval builds the call options for the interactive-elements
// script. The filter is client input; it rides along as an argument, never
// as script source.
func interactiveEval(filter string, max int) *rod.EvalOptions {
	return &rod.EvalOptions{
		JS:           interactiveJS,
		JSArgs:       []interface{}{filter, max},
		ByValue:      true,
		AwaitPromise: true,
	}
}

// InteractiveElements lists actionable elements. filter narrows the listing
// to buttons, inputs, links, or selects; anything else means all kinds.
func (e *Extractor) InteractiveElements(ctx context.Context, page *rod.Page, filter string, max int) ([]InteractiveElement, error) {
	if filter == "" {
		filter = "all"
	}
	if max <= 0 {
		max = DefaultMaxElements
	}

	res, err := page.Context(ctx).Timeout(e.timeout).Evaluate(interactiveEval(filter, max))
	if err != nil {
		return nil, fmt.Errorf("extract interactive elements: %w", err)
	}

	var out []InteractiveElement
	if err := res.Value.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("decode interactive elements: %w", err)
	}
	return out, nil
}
