package browser

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

// PendingRequest is an in-flight network request awaiting its single
// completion event.
type PendingRequest struct {
	Key     string
	Method  string
	URL     string
	Started time.Time
}

// CorrelationKey builds the stable identifier for a request: its URL plus the
// observed start time in Unix milliseconds. Unlike the engine's request id it
// stays meaningful in exported facts and recorder traces.
func CorrelationKey(url string, started time.Time) string {
	return fmt.Sprintf("%s@%d", url, started.UnixMilli())
}

// Correlator pairs request-start events with their completion events. The
// engine-native request id is held only as a lookup aid; everything exported
// uses the CorrelationKey form.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]PendingRequest
	native  map[proto.NetworkRequestID]string
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[string]PendingRequest),
		native:  make(map[proto.NetworkRequestID]string),
	}
}

// Begin records a request-start and returns its correlation key.
func (c *Correlator) Begin(id proto.NetworkRequestID, method, url string, started time.Time) string {
	key := CorrelationKey(url, started)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = PendingRequest{Key: key, Method: method, URL: url, Started: started}
	if id != "" {
		c.native[id] = key
	}
	return key
}

// Resolve removes and returns the pending request matching the engine id,
// with the elapsed time since Begin. ok is false when no request-start was
// observed; callers then record the completion without a duration.
func (c *Correlator) Resolve(id proto.NetworkRequestID, completed time.Time) (PendingRequest, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.native[id]
	if !ok {
		return PendingRequest{}, 0, false
	}
	delete(c.native, id)

	req, ok := c.pending[key]
	if !ok {
		return PendingRequest{}, 0, false
	}
	delete(c.pending, key)

	d := completed.Sub(req.Started)
	if d < 0 {
		d = 0
	}
	return req, d, true
}

// PendingCount reports how many request-starts have no completion yet.
// Requests that never produce a completion event stay pending until the
// session closes.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
