package tunnel

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrDuplicateRequestID signals a request-id collision on insert. Ids are
	// random UUIDs, so a collision means the generator or the caller is
	// broken; callers treat this as fatal for the tunnel.
	ErrDuplicateRequestID = errors.New("duplicate request id")
	// ErrTunnelClosed fails pending requests when their tunnel goes away.
	ErrTunnelClosed = errors.New("tunnel disconnected")
)

// Outcome is the terminal result of a pending request: a response envelope
// or an error, never both.
type Outcome struct {
	Response *HTTPResponse
	Err      error
}

type pendingEntry struct {
	ch        chan Outcome
	createdAt time.Time
}

// Correlator tracks in-flight requests keyed by request id. Each entry is
// completed at most once; whichever of completion, failure or caller
// abandonment happens first removes the entry. The awaiting caller owns the
// deadline (via its context) and calls Remove when it gives up, so a late
// response surfaces as an unknown id at the delivery site.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewCorrelator returns an empty pending-request table.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*pendingEntry)}
}

// Insert registers a pending request and returns the channel its outcome
// will be delivered on. The channel is buffered so delivery never blocks.
func (c *Correlator) Insert(id string) (<-chan Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, ErrDuplicateRequestID
	}

	entry := &pendingEntry{
		ch:        make(chan Outcome, 1),
		createdAt: time.Now(),
	}
	c.pending[id] = entry
	return entry.ch, nil
}

// Complete delivers a response and removes the entry. It reports whether the
// id was present; a false return means the response is late or unknown and
// should be discarded with a warning.
func (c *Correlator) Complete(id string, resp *HTTPResponse) bool {
	return c.settle(id, Outcome{Response: resp})
}

// Fail delivers an error outcome and removes the entry.
func (c *Correlator) Fail(id string, err error) bool {
	return c.settle(id, Outcome{Err: err})
}

func (c *Correlator) settle(id string, out Outcome) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	entry.ch <- out
	return true
}

// Remove abandons a pending request without delivering an outcome, for
// callers whose deadline fired first. Idempotent.
func (c *Correlator) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// Drain fails every pending request with the given error. Used when the
// tunnel's control channel dies.
func (c *Correlator) Drain(err error) {
	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.mu.Unlock()

	for _, entry := range drained {
		entry.ch <- Outcome{Err: err}
	}
}

// Len returns the number of in-flight requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
