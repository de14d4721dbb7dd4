package browser

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"webpilot-mcp-server/internal/config"
)

func headless(b bool) *bool { return &b }

const liveCheckoutPage = "data:text/html,<html><head><title>Checkout</title></head>" +
	"<body><h1>Cart</h1><button id='pay'>Pay now</button>" +
	"<input id='email' name='email'/>" +
	"<script>console.log('page ready')</script></body></html>"

const liveAdminPage = "data:text/html,<html><head><title>Admin</title></head>" +
	"<body><h1>Admin</h1></body></html>"

// TestLiveSessionRegistry walks the registry lifecycle against a real
// browser: open, inspect, capture, close, relaunch.
func TestLiveSessionRegistry(t *testing.T) {
	if os.Getenv("SKIP_LIVE_TESTS") != "" {
		t.Skip("Skipping live browser tests (SKIP_LIVE_TESTS set)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	sink := &captureSink{}
	cfg := config.BrowserConfig{Headless: headless(true)}
	registry := NewSessionRegistry(ctx, cfg, sink)
	defer registry.ShutdownAll(context.Background())

	t.Run("OpenLaunchesBrowser", func(t *testing.T) {
		sess, err := registry.Open(ctx, "checkout", liveCheckoutPage)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if sess.Name != "checkout" {
			t.Errorf("Expected session name checkout, got %q", sess.Name)
		}
		if sess.Title != "Checkout" {
			t.Errorf("Expected title from document, got %q", sess.Title)
		}
		if sess.CreatedAt.IsZero() {
			t.Error("Expected created_at to be set")
		}
		if !registry.IsConnected() {
			t.Error("Expected browser to be connected after first open")
		}
		if registry.ControlURL() == "" {
			t.Error("Expected non-empty control URL")
		}
	})

	t.Run("GetAndList", func(t *testing.T) {
		sess, ok := registry.Get("checkout")
		if !ok {
			t.Fatal("Session not found")
		}
		if sess.Name != "checkout" {
			t.Errorf("Expected checkout, got %q", sess.Name)
		}

		open := registry.List()
		if len(open) != 1 {
			t.Fatalf("Expected 1 open session, got %d", len(open))
		}
	})

	t.Run("PageIsLive", func(t *testing.T) {
		page, err := registry.Page("checkout")
		if err != nil {
			t.Fatalf("Page failed: %v", err)
		}
		info, err := page.Info()
		if err != nil {
			t.Fatalf("page.Info failed: %v", err)
		}
		if info.Title != "Checkout" {
			t.Errorf("Expected live page title Checkout, got %q", info.Title)
		}
	})

	t.Run("ConsoleCaptured", func(t *testing.T) {
		diag, err := registry.Diagnostics("checkout")
		if err != nil {
			t.Fatalf("Diagnostics failed: %v", err)
		}

		// Console events arrive on the event stream, give them a moment.
		deadline := time.Now().Add(5 * time.Second)
		for {
			entries := diag.ReadConsole("", 10, false)
			found := false
			for _, e := range entries {
				if strings.Contains(e.Text, "page ready") {
					found = true
					break
				}
			}
			if found {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("console.log never captured, have %d entries", len(entries))
			}
			time.Sleep(100 * time.Millisecond)
		}
	})

	t.Run("FactsEmitted", func(t *testing.T) {
		if got := sink.byPredicate("session_opened"); len(got) == 0 {
			t.Error("Expected session_opened fact")
		}
		if got := sink.byPredicate("console_event"); len(got) == 0 {
			t.Error("Expected console_event facts from page script")
		}
	})

	t.Run("DuplicateNameRejected", func(t *testing.T) {
		_, err := registry.Open(ctx, "checkout", liveAdminPage)
		var dup *DuplicateSessionError
		if !errors.As(err, &dup) {
			t.Fatalf("Expected DuplicateSessionError, got %v", err)
		}
	})

	t.Run("SecondSessionIsolated", func(t *testing.T) {
		if _, err := registry.Open(ctx, "admin", liveAdminPage); err != nil {
			t.Fatalf("Open admin failed: %v", err)
		}

		open := registry.List()
		if len(open) != 2 {
			t.Fatalf("Expected 2 open sessions, got %d", len(open))
		}
		if open[0].Name != "admin" || open[1].Name != "checkout" {
			t.Errorf("Expected sorted names [admin checkout], got [%s %s]", open[0].Name, open[1].Name)
		}

		// Each session has its own diagnostics
		adminDiag, err := registry.Diagnostics("admin")
		if err != nil {
			t.Fatalf("Diagnostics admin failed: %v", err)
		}
		for _, e := range adminDiag.ReadConsole("", 10, false) {
			if strings.Contains(e.Text, "page ready") {
				t.Error("admin session saw checkout console output")
			}
		}
	})

	t.Run("CloseUnknownReportsFalse", func(t *testing.T) {
		if registry.Close(ctx, "ghost") {
			t.Error("Expected false for unknown session")
		}
	})

	t.Run("LastCloseReleasesBrowser", func(t *testing.T) {
		if !registry.Close(ctx, "admin") {
			t.Fatal("Close admin failed")
		}
		if !registry.IsConnected() {
			t.Error("Expected browser alive while checkout is open")
		}

		if !registry.Close(ctx, "checkout") {
			t.Fatal("Close checkout failed")
		}
		if registry.IsConnected() {
			t.Error("Expected browser released after last close")
		}
		if registry.ControlURL() != "" {
			t.Error("Expected empty control URL after release")
		}
		if got := sink.byPredicate("session_closed"); len(got) != 2 {
			t.Errorf("Expected 2 session_closed facts, got %d", len(got))
		}
	})

	t.Run("ReopenRelaunches", func(t *testing.T) {
		if _, err := registry.Open(ctx, "retry", liveAdminPage); err != nil {
			t.Fatalf("Open after release failed: %v", err)
		}
		if !registry.IsConnected() {
			t.Error("Expected fresh browser connection")
		}
	})
}

// TestLiveNavigationFacts checks that cross-page navigation emits both the
// event-log fact and the stateful current_url fact.
func TestLiveNavigationFacts(t *testing.T) {
	if os.Getenv("SKIP_LIVE_TESTS") != "" {
		t.Skip("Skipping live browser tests (SKIP_LIVE_TESTS set)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sink := &captureSink{}
	registry := NewSessionRegistry(ctx, config.BrowserConfig{Headless: headless(true)}, sink)
	defer registry.ShutdownAll(context.Background())

	if _, err := registry.Open(ctx, "nav", liveCheckoutPage); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	page, err := registry.Page("nav")
	if err != nil {
		t.Fatalf("Page failed: %v", err)
	}
	if err := page.Navigate(liveAdminPage); err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		navs := sink.byPredicate("navigation_event")
		if len(navs) >= 1 && len(sink.byPredicate("current_url")) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("navigation facts never arrived, got %d", len(navs))
		}
		time.Sleep(100 * time.Millisecond)
	}

	// The registry metadata follows the page
	sess, ok := registry.Get("nav")
	if !ok {
		t.Fatal("Session not found")
	}
	if !strings.Contains(sess.URL, "Admin") {
		t.Errorf("Expected metadata URL to track navigation, got %q", sess.URL)
	}
}

// TestLiveShutdownAll closes everything in one call.
func TestLiveShutdownAll(t *testing.T) {
	if os.Getenv("SKIP_LIVE_TESTS") != "" {
		t.Skip("Skipping live browser tests (SKIP_LIVE_TESTS set)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	registry := NewSessionRegistry(ctx, config.BrowserConfig{Headless: headless(true)}, nil)

	if _, err := registry.Open(ctx, "a", liveAdminPage); err != nil {
		t.Fatalf("Open a failed: %v", err)
	}
	if _, err := registry.Open(ctx, "b", liveAdminPage); err != nil {
		t.Fatalf("Open b failed: %v", err)
	}

	registry.ShutdownAll(ctx)

	if len(registry.List()) != 0 {
		t.Errorf("Expected no sessions after shutdown, got %d", len(registry.List()))
	}
	if registry.IsConnected() {
		t.Error("Expected browser disconnected after shutdown")
	}
}
