// Package correlation extracts identifiers shared between browser-side
// failures and backend log lines so the two sides can be joined.
package correlation

import (
	"net/url"
	"regexp"
	"strings"
)

// Identifier is a normalized id found in a URL or a log message.
type Identifier struct {
	Kind  string `json:"kind"` // request_id, correlation_id, trace_id, uuid, hex_id, numeric_id
	Value string `json:"value"`
}

var (
	labeledIDPattern = regexp.MustCompile(`(?i)\b(request[_-]?id|correlation[_-]?id|trace[_-]?id)\b["']?\s*[=:]\s*["']?([a-z0-9][a-z0-9._:/\-]{5,127})`)

	// A logged W3C traceparent carries the trace id in its second field.
	traceparentPattern = regexp.MustCompile(`(?i)\btraceparent\b["']?\s*[=:]\s*["']?[0-9a-f]{2}-([0-9a-f]{32})-[0-9a-f]{16}-[0-9a-f]{2}`)

	uuidPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexIDPattern  = regexp.MustCompile(`(?i)\b[0-9a-f]{16,64}\b`)
	numberPattern = regexp.MustCompile(`\b\d{6,}\b`)

	uuidExact   = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	hexIDExact  = regexp.MustCompile(`(?i)^[0-9a-f]{16,64}$`)
	numberExact = regexp.MustCompile(`^\d{6,}$`)
)

// FromMessage extracts normalized identifiers from arbitrary log text.
// Labeled ids win over bare shapes: a trace id that appears both after
// "trace_id=" and as a bare hex run is reported once, with the labeled kind.
func FromMessage(text string) []Identifier {
	msg := strings.TrimSpace(text)
	if msg == "" {
		return nil
	}

	c := newCollector()
	for _, m := range labeledIDPattern.FindAllStringSubmatch(msg, -1) {
		c.add(kindFromLabel(m[1]), m[2])
	}
	for _, m := range traceparentPattern.FindAllStringSubmatch(msg, -1) {
		c.add("trace_id", m[1])
	}
	for _, m := range uuidPattern.FindAllString(msg, -1) {
		c.addBare("uuid", m)
	}
	for _, m := range hexIDPattern.FindAllString(msg, -1) {
		c.addBare("hex_id", m)
	}
	for _, m := range numberPattern.FindAllString(msg, -1) {
		c.addBare("numeric_id", m)
	}
	return c.ids
}

// FromURL extracts identifiers from a request URL: path segments and query
// values that look like uuid, hex, or numeric ids, plus id-named query
// parameters regardless of value shape.
func FromURL(rawURL string) []Identifier {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u == nil {
		return nil
	}

	c := newCollector()
	for _, segment := range strings.Split(u.Path, "/") {
		c.classify(segment)
	}
	for name, values := range u.Query() {
		kind := kindFromParamName(name)
		for _, v := range values {
			if kind != "" {
				c.add(kind, v)
				continue
			}
			c.classify(v)
		}
	}
	return c.ids
}

// Shared returns identifiers from a whose values also appear in b. Kind is
// taken from a; matching is value-only, so a uuid on one side joins a
// labeled request id on the other.
func Shared(a, b []Identifier) []Identifier {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	in := make(map[string]struct{}, len(b))
	for _, id := range b {
		in[id.Value] = struct{}{}
	}

	var out []Identifier
	seen := make(map[string]struct{}, len(a))
	for _, id := range a {
		if _, ok := in[id.Value]; !ok {
			continue
		}
		if _, dup := seen[id.Value]; dup {
			continue
		}
		seen[id.Value] = struct{}{}
		out = append(out, id)
	}
	return out
}

func kindFromLabel(label string) string {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "request"):
		return "request_id"
	case strings.Contains(l, "correlation"):
		return "correlation_id"
	default:
		return "trace_id"
	}
}

func kindFromParamName(name string) string {
	switch strings.ToLower(name) {
	case "request_id", "request-id", "requestid":
		return "request_id"
	case "correlation_id", "correlation-id", "correlationid":
		return "correlation_id"
	case "trace_id", "trace-id", "traceid", "trace":
		return "trace_id"
	}
	return ""
}

type collector struct {
	ids  []Identifier
	seen map[string]struct{}
}

func newCollector() *collector {
	return &collector{seen: make(map[string]struct{})}
}

func (c *collector) add(kind, value string) {
	v := normalize(value)
	if v == "" {
		return
	}
	if _, dup := c.seen[v]; dup {
		return
	}
	c.seen[v] = struct{}{}
	c.ids = append(c.ids, Identifier{Kind: kind, Value: v})
}

// addBare records an unlabeled candidate unless it sits inside an id that
// was already recorded, like the bare hex run inside a captured trace id.
func (c *collector) addBare(kind, value string) {
	v := normalize(value)
	if v == "" {
		return
	}
	for existing := range c.seen {
		if existing != v && strings.Contains(existing, v) {
			return
		}
	}
	c.add(kind, v)
}

func (c *collector) classify(segment string) {
	s := strings.TrimSpace(segment)
	if s == "" {
		return
	}
	switch {
	case uuidExact.MatchString(s):
		c.addBare("uuid", s)
	case hexIDExact.MatchString(s):
		c.addBare("hex_id", s)
	case numberExact.MatchString(s):
		c.addBare("numeric_id", s)
	}
}

func normalize(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.Trim(v, "\"'`")
	v = strings.TrimRight(v, ".,;:)]}")
	return v
}
