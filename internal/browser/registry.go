package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"webpilot-mcp-server/internal/config"
	"webpilot-mcp-server/internal/facts"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// DuplicateSessionError reports an open call that reused an active name.
type DuplicateSessionError struct {
	Name string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session %q already exists", e.Name)
}

// FactSink is the minimal interface the registry needs from the logic layer.
type FactSink interface {
	AddFacts(ctx context.Context, facts []facts.Fact) error
}

// Session is the public metadata for one tracked browser session.
type Session struct {
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// sessionRecord couples the public metadata with the live page and the
// capture state behind it.
type sessionRecord struct {
	meta   Session
	page   *rod.Page
	diag   *Diagnostics
	corr   *Correlator
	cancel context.CancelFunc
}

func (rec *sessionRecord) stop() {
	if rec.cancel != nil {
		rec.cancel()
	}
}

// SessionRegistry owns every named session and the shared browser engine
// behind them. The engine starts lazily on the first open and is released
// when the last session closes.
type SessionRegistry struct {
	cfg  config.BrowserConfig
	sink FactSink

	// baseCtx bounds launched browsers and their event streams.
	baseCtx context.Context

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	sessions   map[string]*sessionRecord
	opening    int
}

// NewSessionRegistry builds an empty registry. Cancelling ctx tears down
// event capture for every session.
func NewSessionRegistry(ctx context.Context, cfg config.BrowserConfig, sink FactSink) *SessionRegistry {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SessionRegistry{
		cfg:      cfg,
		sink:     sink,
		baseCtx:  ctx,
		sessions: make(map[string]*sessionRecord),
	}
}

// Open creates an isolated session named name and navigates it to url,
// waiting until the document has parsed. The name must not be in use.
func (r *SessionRegistry) Open(ctx context.Context, name, url string) (*Session, error) {
	if name == "" {
		return nil, errors.New("session name is required")
	}
	if url == "" {
		return nil, errors.New("url is required")
	}

	r.mu.Lock()
	if _, exists := r.sessions[name]; exists {
		r.mu.Unlock()
		return nil, &DuplicateSessionError{Name: name}
	}
	if err := r.ensureBrowserLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	browser := r.browser
	r.opening++
	r.mu.Unlock()

	incognito, err := browser.Incognito()
	if err != nil {
		r.abandonOpen()
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		r.abandonOpen()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             r.cfg.GetViewportWidth(),
		Height:            r.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("[session:%s] viewport override failed: %v", name, err)
	}

	rec := &sessionRecord{
		meta: Session{Name: name, URL: url, CreatedAt: time.Now()},
		page: page,
		diag: NewDiagnostics(),
		corr: NewCorrelator(),
	}

	// Observers go up before the first navigation so its console and network
	// traffic is captured too.
	r.startObservers(rec)

	nav := r.cfg.NavigationTimeout()
	wait := page.Timeout(nav).WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Timeout(nav).Navigate(url); err != nil {
		rec.stop()
		_ = page.Close()
		r.abandonOpen()
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}
	wait()

	finalURL, title := url, ""
	if info, ierr := page.Info(); ierr == nil {
		finalURL, title = info.URL, info.Title
	}

	r.mu.Lock()
	if _, exists := r.sessions[name]; exists {
		r.mu.Unlock()
		rec.stop()
		_ = page.Close()
		r.abandonOpen()
		return nil, &DuplicateSessionError{Name: name}
	}
	rec.meta.URL = finalURL
	rec.meta.Title = title
	r.sessions[name] = rec
	r.opening--
	meta := rec.meta
	r.mu.Unlock()

	now := time.Now()
	r.emit(ctx, name, "session", facts.Fact{
		Predicate: "session_opened",
		Args:      []interface{}{name, meta.URL, now.UnixMilli()},
		Timestamp: now,
	})
	log.Printf("[session:%s] opened at %s", name, meta.URL)
	return &meta, nil
}

// Get returns a metadata snapshot for the named session.
func (r *SessionRegistry) Get(name string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[name]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// List returns metadata for every open session, sorted by name.
func (r *SessionRegistry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, rec.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Page returns the live page behind a session. The error names the sessions
// that are open so callers can self-correct.
func (r *SessionRegistry) Page(name string) (*rod.Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[name]
	if !ok {
		return nil, r.notFoundLocked(name)
	}
	return rec.page, nil
}

// Diagnostics returns the console/network buffers for a session.
func (r *SessionRegistry) Diagnostics(name string) (*Diagnostics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[name]
	if !ok {
		return nil, r.notFoundLocked(name)
	}
	return rec.diag, nil
}

// Correlator returns the request correlator for a session.
func (r *SessionRegistry) Correlator(name string) (*Correlator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[name]
	if !ok {
		return nil, r.notFoundLocked(name)
	}
	return rec.corr, nil
}

// Close tears down the named session. It reports false when the name is not
// open. Closing the last session releases the shared browser.
func (r *SessionRegistry) Close(ctx context.Context, name string) bool {
	r.mu.Lock()
	rec, ok := r.sessions[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, name)
	r.mu.Unlock()

	rec.stop()
	if err := rec.page.Close(); err != nil {
		log.Printf("[session:%s] page close error: %v", name, err)
	}

	r.mu.Lock()
	if len(r.sessions) == 0 && r.opening == 0 {
		r.releaseBrowserLocked()
	}
	r.mu.Unlock()

	now := time.Now()
	r.emit(ctx, name, "session", facts.Fact{
		Predicate: "session_closed",
		Args:      []interface{}{name, now.UnixMilli()},
		Timestamp: now,
	})
	log.Printf("[session:%s] closed", name)
	return true
}

// ShutdownAll closes every session and releases the browser.
func (r *SessionRegistry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, rec := range r.sessions {
		rec.stop()
		if rec.page != nil {
			_ = rec.page.Close()
		}
		delete(r.sessions, name)
		log.Printf("[session:%s] closed during shutdown", name)
	}
	r.releaseBrowserLocked()
}

// IsConnected reports whether a shared browser is currently running.
func (r *SessionRegistry) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.browser != nil
}

// ControlURL returns the debugger endpoint of the running browser, if any.
func (r *SessionRegistry) ControlURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controlURL
}

func (r *SessionRegistry) notFoundLocked(name string) error {
	if len(r.sessions) == 0 {
		return fmt.Errorf("unknown session %q (no sessions open)", name)
	}
	names := make([]string, 0, len(r.sessions))
	for n := range r.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Errorf("unknown session %q (open sessions: %s)", name, strings.Join(names, ", "))
}

// ensureBrowserLocked connects to the configured debugger or launches a
// fresh browser. Stale connections are detected with a version probe and
// replaced. Callers must hold r.mu.
func (r *SessionRegistry) ensureBrowserLocked() error {
	if r.browser != nil {
		if _, err := r.browser.Version(); err == nil {
			return nil
		}
		log.Printf("Browser connection at %s is stale, relaunching", r.controlURL)
		_ = r.browser.Close()
		r.browser = nil
		r.controlURL = ""
	}

	controlURL := r.cfg.DebuggerURL
	if controlURL == "" {
		launch := launcher.New().Headless(r.cfg.IsHeadless())
		if r.cfg.Bin != "" {
			launch = launch.Bin(r.cfg.Bin)
		}
		for _, rawFlag := range r.cfg.Flags {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}

		u, err := launch.Launch()
		if err != nil {
			naked := launcher.New().Headless(r.cfg.IsHeadless())
			if r.cfg.Bin != "" {
				naked = naked.Bin(r.cfg.Bin)
			}
			alt, altErr := naked.Launch()
			if altErr != nil {
				return fmt.Errorf("launch browser: %w (retry without flags: %v)", err, altErr)
			}
			log.Printf("Browser launch with extra flags failed (%v), retried without them", err)
			u = alt
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(r.baseCtx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser at %s: %w", controlURL, err)
	}

	r.browser = browser
	r.controlURL = controlURL
	log.Printf("Browser connected at %s", controlURL)
	return nil
}

// releaseBrowserLocked closes the shared browser. Callers must hold r.mu.
func (r *SessionRegistry) releaseBrowserLocked() {
	if r.browser == nil {
		return
	}
	_ = r.browser.Close()
	r.browser = nil
	r.controlURL = ""
	log.Printf("Browser released after last session closed")
}

// abandonOpen rolls back the in-flight open counter and releases the browser
// when nothing else is using it.
func (r *SessionRegistry) abandonOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opening--
	if len(r.sessions) == 0 && r.opening == 0 {
		r.releaseBrowserLocked()
	}
}

// startObservers wires the session's console, network, and navigation events
// into its diagnostics buffers and the fact sink.
func (r *SessionRegistry) startObservers(rec *sessionRecord) {
	ctx, cancel := context.WithCancel(r.baseCtx)
	rec.cancel = cancel
	name := rec.meta.Name
	page := rec.page

	go func() {
		wait := page.Context(ctx).EachEvent(
			func(ev *proto.RuntimeConsoleAPICalled) { r.onConsole(ctx, name, rec, ev) },
			func(ev *proto.NetworkRequestWillBeSent) { r.onRequest(ctx, name, rec, ev) },
			func(ev *proto.NetworkResponseReceived) { r.onResponse(ctx, name, rec, ev) },
			func(ev *proto.NetworkLoadingFailed) { r.onFailure(ctx, name, rec, ev) },
			func(ev *proto.PageFrameNavigated) { r.onNavigated(ctx, name, rec, ev) },
		)
		wait()
	}()
}

func (r *SessionRegistry) onConsole(ctx context.Context, name string, rec *sessionRecord, ev *proto.RuntimeConsoleAPICalled) {
	now := time.Now()
	entry := ConsoleEntry{
		Level:     string(ev.Type),
		Text:      stringifyConsoleArgs(ev.Args),
		Timestamp: now,
	}
	if ev.StackTrace != nil && len(ev.StackTrace.CallFrames) > 0 {
		frame := ev.StackTrace.CallFrames[0]
		entry.Source = frame.URL
		entry.Line = frame.LineNumber
	}
	rec.diag.AddConsole(entry)

	r.emit(ctx, name, "console", facts.Fact{
		Predicate: "console_event",
		Args:      []interface{}{name, entry.Level, entry.Text, now.UnixMilli()},
		Timestamp: now,
	})
}

func (r *SessionRegistry) onRequest(ctx context.Context, name string, rec *sessionRecord, ev *proto.NetworkRequestWillBeSent) {
	now := time.Now()
	rec.corr.Begin(ev.RequestID, ev.Request.Method, ev.Request.URL, now)

	r.emit(ctx, name, "net_request", facts.Fact{
		Predicate: "net_request",
		Args:      []interface{}{name, ev.Request.Method, ev.Request.URL, now.UnixMilli()},
		Timestamp: now,
	})
}

func (r *SessionRegistry) onResponse(ctx context.Context, name string, rec *sessionRecord, ev *proto.NetworkResponseReceived) {
	now := time.Now()
	entry := NetworkEntry{
		URL:       ev.Response.URL,
		Status:    ev.Response.Status,
		Timestamp: now,
	}
	var durMs int64
	if req, d, ok := rec.corr.Resolve(ev.RequestID, now); ok {
		entry.Method = req.Method
		entry.URL = req.URL
		durMs = d.Milliseconds()
		entry.DurationMs = &durMs
	}
	rec.diag.AddNetwork(entry)

	r.emit(ctx, name, "net_response", facts.Fact{
		Predicate: "net_response",
		Args:      []interface{}{name, entry.URL, entry.Status, durMs, now.UnixMilli()},
		Timestamp: now,
	})
}

func (r *SessionRegistry) onFailure(ctx context.Context, name string, rec *sessionRecord, ev *proto.NetworkLoadingFailed) {
	now := time.Now()
	entry := NetworkEntry{
		Failed:    true,
		Error:     ev.ErrorText,
		Timestamp: now,
	}
	if req, d, ok := rec.corr.Resolve(ev.RequestID, now); ok {
		entry.Method = req.Method
		entry.URL = req.URL
		durMs := d.Milliseconds()
		entry.DurationMs = &durMs
	}
	rec.diag.AddNetwork(entry)

	r.emit(ctx, name, "net_failure", facts.Fact{
		Predicate: "net_failure",
		Args:      []interface{}{name, entry.URL, entry.Error, now.UnixMilli()},
		Timestamp: now,
	})
}

func (r *SessionRegistry) onNavigated(ctx context.Context, name string, rec *sessionRecord, ev *proto.PageFrameNavigated) {
	if ev.Frame.ParentID != "" {
		// Subframe navigations do not move the session.
		return
	}
	now := time.Now()

	r.mu.Lock()
	rec.meta.URL = ev.Frame.URL
	r.mu.Unlock()

	r.emit(ctx, name, "navigation",
		facts.Fact{
			Predicate: "navigation_event",
			Args:      []interface{}{name, ev.Frame.URL, now.UnixMilli()},
			Timestamp: now,
		},
		facts.Fact{
			// current_url is the stateful predicate: where the session IS,
			// not where it has been.
			Predicate: "current_url",
			Args:      []interface{}{name, ev.Frame.URL, now.UnixMilli()},
			Timestamp: now,
		},
	)
	log.Printf("[session:%s] navigated to %s", name, ev.Frame.URL)
}

func (r *SessionRegistry) emit(ctx context.Context, session, kind string, fs ...facts.Fact) {
	if r.sink == nil || len(fs) == 0 {
		return
	}
	if err := r.sink.AddFacts(ctx, fs); err != nil {
		log.Printf("[session:%s] %s fact error: %v", session, kind, err)
	}
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
