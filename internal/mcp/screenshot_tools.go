package mcp

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/config"
	"webpilot-mcp-server/internal/facts"
	"webpilot-mcp-server/internal/vision"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ScreenshotTool captures page or element images, with numbered overlays on
// viewport captures that line up with interactive-elements indices.
type ScreenshotTool struct {
	registry    *browser.SessionRegistry
	sink        browser.FactSink
	screenshots config.ScreenshotConfig
}

func (t *ScreenshotTool) Name() string { return "screenshot" }
func (t *ScreenshotTool) Description() string {
	return `Capture the current page (or one element) as an image file.

TOKEN COST: HIGH. Prefer page-outline and interactive-elements for
routine checks; reach for pixels only when structure is not enough.

Viewport captures get numbered, color-coded overlays on interactive
elements (buttons red, inputs blue, links green, selects orange); the
numbers match interactive-elements ordering. Element and full-page
captures are saved without overlays.

WHEN TO USE:
- Layout or styling looks wrong and structured reads can't show it
- Confirming a visual state before reporting back to a human
- Capturing evidence of a rendering bug

WHEN NOT TO USE:
- Checking whether navigation worked -> page-outline
- Finding what to click -> interactive-elements
- Reading text -> page-outline or an element_value assertion

Returns: {success, session, format, size_bytes, file_path,
elements_highlighted, elements[]}`
}
func (t *ScreenshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
			"element": map[string]interface{}{
				"type":        "string",
				"description": "CSS selector; capture just this element instead of the page",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the entire scrollable page (default: viewport only)",
			},
			"format": map[string]interface{}{
				"type":        "string",
				"description": "Image format: png or jpeg (default from config, normally png)",
				"enum":        []string{"png", "jpeg"},
			},
			"quality": map[string]interface{}{
				"type":        "integer",
				"description": "JPEG quality 1-100 (default 90). Ignored for png.",
			},
			"save_path": map[string]interface{}{
				"type":        "string",
				"description": "Write the image here instead of the configured screenshots dir",
			},
		},
		"required": []string{"session"},
	}
}

func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}

	format := strings.ToLower(getStringArg(args, "format"))
	if format == "" {
		format = t.screenshots.GetFormat()
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("format must be png or jpeg, got %q", format)
	}

	quality := getIntArg(args, "quality", t.screenshots.GetQuality())
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	page, err := t.registry.Page(session)
	if err != nil {
		return nil, err
	}

	element := getStringArg(args, "element")
	fullPage := getBoolArg(args, "full_page", false)

	var img []byte
	var boxes []ElementBox

	switch {
	case element != "":
		img, err = captureElement(ctx, page, element, format, quality)
	default:
		img, err = capturePage(ctx, page, fullPage, format, quality)
		if err == nil && !fullPage {
			// Overlay geometry comes from getBoundingClientRect, which is
			// viewport-relative, so only viewport captures get overlays.
			boxes = extractElementBoxes(ctx, page)
			if len(boxes) > 0 {
				if annotated, drawErr := drawElementOverlays(img, format, quality, boxes); drawErr == nil {
					img = annotated
				} else {
					boxes = nil
				}
			}
		}
	}
	if err != nil {
		return nil, err
	}

	savePath := getStringArg(args, "save_path")
	if savePath == "" {
		name := fmt.Sprintf("%s_%d.%s", session, time.Now().Unix(), format)
		savePath = filepath.Join(t.screenshots.GetDir(), name)
	}
	if dir := filepath.Dir(savePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create screenshot directory: %w", err)
		}
	}
	if err := os.WriteFile(savePath, img, 0o644); err != nil {
		return nil, fmt.Errorf("write screenshot: %w", err)
	}

	now := time.Now()
	if t.sink != nil {
		_ = t.sink.AddFacts(ctx, []facts.Fact{{
			Predicate: "screenshot_taken",
			Args:      []interface{}{session, format, len(img), now.UnixMilli(), savePath, len(boxes)},
			Timestamp: now,
		}})
	}

	elements := make([]map[string]interface{}, 0, len(boxes))
	for _, b := range boxes {
		elements = append(elements, map[string]interface{}{
			"index": b.Index,
			"type":  b.Type,
			"ref":   b.Ref,
			"label": b.Label,
		})
	}

	return map[string]interface{}{
		"success":              true,
		"session":              session,
		"format":               format,
		"size_bytes":           len(img),
		"file_path":            savePath,
		"elements_highlighted": len(boxes),
		"elements":             elements,
	}, nil
}

// DescribeScreenshotTool captures the page and asks the configured vision
// model what it shows.
type DescribeScreenshotTool struct {
	registry *browser.SessionRegistry
	vision   config.VisionConfig
}

func (t *DescribeScreenshotTool) Name() string { return "describe-screenshot" }
func (t *DescribeScreenshotTool) Description() string {
	return `Capture the current page and get a natural-language description
of it from the configured vision model.

Useful when you need a second pair of eyes: summarizing a dense page,
spotting visible error banners, or checking that a layout roughly
matches what was intended. Requires vision.enabled in config and the
API key environment variable to be set; fails with a precise reason
otherwise.

The capture itself is clean (no overlays) so the model sees what a
user sees.

Returns: {session, model, description, size_bytes}`
}
func (t *DescribeScreenshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Target session name",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Question or instruction for the model (default: describe the page)",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the entire scrollable page (default: viewport only)",
			},
		},
		"required": []string{"session"},
	}
}

func (t *DescribeScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	session := getStringArg(args, "session")
	if session == "" {
		return nil, fmt.Errorf("session is required")
	}

	describer, err := vision.NewDescriber(t.vision)
	if err != nil {
		return nil, err
	}

	page, err := t.registry.Page(session)
	if err != nil {
		return nil, err
	}

	img, err := capturePage(ctx, page, getBoolArg(args, "full_page", false), "png", 0)
	if err != nil {
		return nil, err
	}

	description, err := describer.Describe(ctx, img, "png", getStringArg(args, "prompt"))
	if err != nil {
		return nil, fmt.Errorf("vision describe: %w", err)
	}

	return map[string]interface{}{
		"session":     session,
		"model":       describer.Model(),
		"description": description,
		"size_bytes":  len(img),
	}, nil
}

func capturePage(ctx context.Context, page *rod.Page, fullPage bool, format string, quality int) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if format == "jpeg" {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		req.Quality = &quality
	}

	img, err := page.Context(ctx).Screenshot(fullPage, req)
	if err != nil {
		return nil, fmt.Errorf("capture page: %w", err)
	}
	return img, nil
}

func captureElement(ctx context.Context, page *rod.Page, selector, format string, quality int) ([]byte, error) {
	// Non-waiting lookup, same as assertions: a missing element is an
	// immediate answer, not a timeout.
	has, el, err := page.Context(ctx).Has(selector)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	if !has {
		return nil, fmt.Errorf("element %s not found", selector)
	}

	imgFormat := proto.PageCaptureScreenshotFormatPng
	if format == "jpeg" {
		imgFormat = proto.PageCaptureScreenshotFormatJpeg
	}
	img, err := el.Screenshot(imgFormat, quality)
	if err != nil {
		return nil, fmt.Errorf("capture element %s: %w", selector, err)
	}
	return img, nil
}

// ElementBox is one interactive element's on-screen geometry, used to draw
// numbered overlays whose indices match interactive-elements ordering.
type ElementBox struct {
	Index  int     `json:"index"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Type   string  `json:"type"`
	Label  string  `json:"label"`
	Ref    string  `json:"ref"`
}

// elementBoxJS walks the same selectors and visibility rules as the
// interactive-elements extractor so overlay numbers and element listings
// stay in step.
const elementBoxJS = `
() => {
	const selectors = {
		buttons: 'button, input[type="submit"], input[type="button"], [role="button"]',
		inputs: 'input:not([type="hidden"]):not([type="submit"]):not([type="button"]), textarea, [contenteditable="true"]',
		links: 'a[href]',
		selects: 'select, [role="combobox"], [role="listbox"]'
	};

	const boxes = [];
	const seen = new Set();

	document.querySelectorAll(Object.values(selectors).join(', ')).forEach((el, idx) => {
		const rect = el.getBoundingClientRect();
		const style = getComputedStyle(el);
		if (rect.width === 0 || rect.height === 0 ||
		    style.display === 'none' || style.visibility === 'hidden' ||
		    style.opacity === '0') {
			return;
		}

		const tag = el.tagName.toLowerCase();
		const dataTestId = el.getAttribute('data-testid') || '';
		const elId = el.id || '';
		const elName = el.name || '';

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

		let type;
		if (tag === 'button' || el.type === 'submit' || el.type === 'button' || el.getAttribute('role') === 'button') {
			type = 'button';
		} else if (tag === 'a') {
			type = 'link';
		} else if (tag === 'select' || el.getAttribute('role') === 'combobox' || el.getAttribute('role') === 'listbox') {
			type = 'select';
		} else {
			type = 'input';
		}

		let label = el.getAttribute('aria-label') ||
			(el.innerText || '').trim().substring(0, 50) ||
			el.placeholder || el.title || '';
		label = label.replace(/\s+/g, ' ').trim();

		boxes.push({
			index: boxes.length,
			x: rect.x,
			y: rect.y,
			width: rect.width,
			height: rect.height,
			type: type,
			label: label,
			ref: ref
		});
	});

	return boxes;
}`

// extractElementBoxes is best-effort; a page that refuses evaluation just
// gets an overlay-free capture.
func extractElementBoxes(ctx context.Context, page *rod.Page) []ElementBox {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           elementBoxJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil
	}

	var boxes []ElementBox
	if err := res.Value.Unmarshal(&boxes); err != nil {
		return nil
	}
	return boxes
}

var overlayColors = map[string]color.RGBA{
	"button": {R: 255, A: 255},
	"input":  {B: 255, G: 100, A: 255},
	"link":   {G: 200, A: 255},
	"select": {R: 255, G: 165, A: 255},
}

// fallback for element types without an assigned color
var overlayDefault = color.RGBA{R: 150, B: 255, A: 255}

// drawElementOverlays decodes the capture, draws a colored outline and a
// numbered badge per box, and re-encodes in the requested format.
func drawElementOverlays(img []byte, format string, quality int, boxes []ElementBox) ([]byte, error) {
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}

	bounds := decoded.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, decoded, bounds.Min, draw.Src)

	for _, b := range boxes {
		c, ok := overlayColors[b.Type]
		if !ok {
			c = overlayDefault
		}
		drawBoxOutline(canvas, b, c)
		drawIndexBadge(canvas, int(b.X), int(b.Y), b.Index, c)
	}

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(&buf, canvas)
	}
	if err != nil {
		return nil, fmt.Errorf("encode capture: %w", err)
	}
	return buf.Bytes(), nil
}

const outlineStroke = 2

func drawBoxOutline(img *image.RGBA, b ElementBox, c color.RGBA) {
	x1, y1 := int(b.X), int(b.Y)
	x2, y2 := int(b.X+b.Width), int(b.Y+b.Height)

	for s := 0; s < outlineStroke; s++ {
		hline(img, x1, x2, y1+s, c)
		hline(img, x1, x2, y2-1-s, c)
		vline(img, x1+s, y1, y2, c)
		vline(img, x2-1-s, y1, y2, c)
	}
}

func hline(img *image.RGBA, x1, x2, y int, c color.RGBA) {
	max := img.Bounds().Max
	if y < 0 || y >= max.Y {
		return
	}
	for x := x1; x < x2; x++ {
		if x >= 0 && x < max.X {
			img.SetRGBA(x, y, c)
		}
	}
}

func vline(img *image.RGBA, x, y1, y2 int, c color.RGBA) {
	max := img.Bounds().Max
	if x < 0 || x >= max.X {
		return
	}
	for y := y1; y < y2; y++ {
		if y >= 0 && y < max.Y {
			img.SetRGBA(x, y, c)
		}
	}
}

const (
	glyphCols    = 5
	glyphRows    = 7
	glyphAdvance = 6
	badgePad     = 2
)

// drawIndexBadge paints the element index in white on a solid block of the
// box color, above the box when there is room and inside it otherwise.
func drawIndexBadge(img *image.RGBA, x, y, index int, bg color.RGBA) {
	digits := strconv.Itoa(index)
	w := len(digits)*glyphAdvance + 2*badgePad
	h := glyphRows + 2*badgePad

	badgeY := y - h
	if badgeY < 0 {
		badgeY = y
	}

	max := img.Bounds().Max
	for by := badgeY; by < badgeY+h && by < max.Y; by++ {
		for bx := x; bx < x+w && bx < max.X; bx++ {
			if bx >= 0 && by >= 0 {
				img.SetRGBA(bx, by, bg)
			}
		}
	}

	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for i, d := range digits {
		drawGlyph(img, x+badgePad+i*glyphAdvance, badgeY+badgePad, int(d-'0'), white)
	}
}

// 5x7 bitmap rows for digits 0-9, high bit leftmost.
var digitGlyphs = [10][glyphRows]uint8{
	{0x0E, 0x11, 0x13, 0x15, 0x19, 0x11, 0x0E},
	{0x04, 0x0C, 0x04, 0x04, 0x04, 0x04, 0x0E},
	{0x0E, 0x11, 0x01, 0x02, 0x04, 0x08, 0x1F},
	{0x1F, 0x02, 0x04, 0x02, 0x01, 0x11, 0x0E},
	{0x02, 0x06, 0x0A, 0x12, 0x1F, 0x02, 0x02},
	{0x1F, 0x10, 0x1E, 0x01, 0x01, 0x11, 0x0E},
	{0x06, 0x08, 0x10, 0x1E, 0x11, 0x11, 0x0E},
	{0x1F, 0x01, 0x02, 0x04, 0x08, 0x08, 0x08},
	{0x0E, 0x11, 0x11, 0x0E, 0x11, 0x11, 0x0E},
	{0x0E, 0x11, 0x11, 0x0F, 0x01, 0x02, 0x0C},
}

func drawGlyph(img *image.RGBA, x, y, digit int, c color.RGBA) {
	if digit < 0 || digit > 9 {
		return
	}
	max := img.Bounds().Max
	for row := 0; row < glyphRows; row++ {
		for col := 0; col < glyphCols; col++ {
			if digitGlyphs[digit][row]&(1<<(glyphCols-1-col)) == 0 {
				continue
			}
			px, py := x+col, y+row
			if px >= 0 && px < max.X && py >= 0 && py < max.Y {
				img.SetRGBA(px, py, c)
			}
		}
	}
}
