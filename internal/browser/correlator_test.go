package browser

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

func TestCorrelationKeyFormat(t *testing.T) {
	started := time.UnixMilli(1732481234567)
	key := CorrelationKey("https://api.test/users", started)
	want := "https://api.test/users@1732481234567"
	if key != want {
		t.Errorf("expected %s, got %s", want, key)
	}
}

func TestCorrelatorResolveMatched(t *testing.T) {
	c := NewCorrelator()
	started := time.Now()

	key := c.Begin(proto.NetworkRequestID("req-1"), "GET", "https://api.test/users", started)
	if key != CorrelationKey("https://api.test/users", started) {
		t.Errorf("unexpected key: %s", key)
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", c.PendingCount())
	}

	req, d, ok := c.Resolve(proto.NetworkRequestID("req-1"), started.Add(42*time.Millisecond))
	if !ok {
		t.Fatal("expected resolve to match")
	}
	if req.Method != "GET" || req.URL != "https://api.test/users" {
		t.Errorf("unexpected pending request: %+v", req)
	}
	if d != 42*time.Millisecond {
		t.Errorf("expected 42ms duration, got %v", d)
	}
	if c.PendingCount() != 0 {
		t.Errorf("expected pending drained, got %d", c.PendingCount())
	}
}

func TestCorrelatorResolveUnknown(t *testing.T) {
	c := NewCorrelator()

	_, _, ok := c.Resolve(proto.NetworkRequestID("never-seen"), time.Now())
	if ok {
		t.Error("expected no match for unknown request id")
	}
}

func TestCorrelatorResolveTwice(t *testing.T) {
	c := NewCorrelator()
	started := time.Now()
	c.Begin(proto.NetworkRequestID("req-1"), "GET", "https://api.test/a", started)

	if _, _, ok := c.Resolve(proto.NetworkRequestID("req-1"), started.Add(time.Millisecond)); !ok {
		t.Fatal("first resolve should match")
	}
	if _, _, ok := c.Resolve(proto.NetworkRequestID("req-1"), started.Add(2*time.Millisecond)); ok {
		t.Error("second resolve should not match")
	}
}

func TestCorrelatorNegativeDurationClamped(t *testing.T) {
	c := NewCorrelator()
	started := time.Now()
	c.Begin(proto.NetworkRequestID("req-1"), "GET", "https://api.test/a", started)

	_, d, ok := c.Resolve(proto.NetworkRequestID("req-1"), started.Add(-5*time.Millisecond))
	if !ok {
		t.Fatal("expected resolve to match")
	}
	if d != 0 {
		t.Errorf("expected clamped zero duration, got %v", d)
	}
}

func TestCorrelatorPendingLeakStaysBounded(t *testing.T) {
	c := NewCorrelator()
	base := time.Now()

	// Requests that never complete stay pending; only completions drain them.
	for i := 0; i < 10; i++ {
		c.Begin(proto.NetworkRequestID(fmt.Sprintf("req-%d", i)), "GET", fmt.Sprintf("https://api.test/%d", i), base.Add(time.Duration(i)*time.Millisecond))
	}
	if c.PendingCount() != 10 {
		t.Fatalf("expected 10 pending, got %d", c.PendingCount())
	}

	for i := 0; i < 4; i++ {
		if _, _, ok := c.Resolve(proto.NetworkRequestID(fmt.Sprintf("req-%d", i)), base.Add(time.Second)); !ok {
			t.Fatalf("resolve req-%d should match", i)
		}
	}
	if c.PendingCount() != 6 {
		t.Errorf("expected 6 pending after partial completion, got %d", c.PendingCount())
	}
}

func TestCorrelatorSameURLDistinctStarts(t *testing.T) {
	c := NewCorrelator()
	base := time.UnixMilli(1732481234000)

	c.Begin(proto.NetworkRequestID("req-a"), "GET", "https://api.test/poll", base)
	c.Begin(proto.NetworkRequestID("req-b"), "GET", "https://api.test/poll", base.Add(time.Millisecond))

	if c.PendingCount() != 2 {
		t.Fatalf("expected 2 pending entries for distinct start times, got %d", c.PendingCount())
	}

	reqA, _, ok := c.Resolve(proto.NetworkRequestID("req-a"), base.Add(10*time.Millisecond))
	if !ok || reqA.Started != base {
		t.Errorf("resolve req-a returned wrong pending: %+v ok=%v", reqA, ok)
	}
	reqB, _, ok := c.Resolve(proto.NetworkRequestID("req-b"), base.Add(10*time.Millisecond))
	if !ok || reqB.Started != base.Add(time.Millisecond) {
		t.Errorf("resolve req-b returned wrong pending: %+v ok=%v", reqB, ok)
	}
}
