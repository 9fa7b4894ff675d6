package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrIDInUse rejects registration of a tunnel id that is already active.
	ErrIDInUse = errors.New("tunnel id already in use")
	// ErrNotFound is returned by lookups for unknown tunnel ids.
	ErrNotFound = errors.New("tunnel not found")
	// ErrSingleTunnelOccupied rejects registration when a single-tunnel
	// server already has its one tunnel.
	ErrSingleTunnelOccupied = errors.New("single-tunnel server already has an active tunnel")
)

// Tunnel is one registered relay between the server and a client. The record
// is owned by its processing loop; other goroutines interact with it only
// through the concurrent containers (correlator, stream table) and the
// serialized control connection.
type Tunnel struct {
	ID        string
	Conn      *ControlConn
	Requests  *Correlator
	Streams   *StreamTable
	CreatedAt time.Time

	// lastFrame is bumped on every received frame and drives liveness.
	// lastActivity is bumped only by relayed traffic and drives idle
	// reaping, so a client that only answers pings still ages out.
	lastFrame    atomic.Int64
	lastActivity atomic.Int64
	requestCount atomic.Uint64

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewTunnel creates a tunnel record around an accepted control connection.
// cancel tears down everything anchored to the tunnel's context.
func NewTunnel(id string, conn *ControlConn, cancel context.CancelFunc) *Tunnel {
	t := &Tunnel{
		ID:        id,
		Conn:      conn,
		Requests:  NewCorrelator(),
		Streams:   NewStreamTable(),
		CreatedAt: time.Now(),
		cancel:    cancel,
	}
	now := time.Now().UnixNano()
	t.lastFrame.Store(now)
	t.lastActivity.Store(now)
	return t
}

// MarkFrame records that any frame arrived on the control channel.
func (t *Tunnel) MarkFrame() {
	t.lastFrame.Store(time.Now().UnixNano())
}

// LastFrame returns the time the last frame was received.
func (t *Tunnel) LastFrame() time.Time {
	return time.Unix(0, t.lastFrame.Load())
}

// Touch records relayed traffic for idle accounting.
func (t *Tunnel) Touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last relayed traffic.
func (t *Tunnel) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

// CountRequest increments the served-request counter.
func (t *Tunnel) CountRequest() {
	t.requestCount.Add(1)
}

// RequestsServed returns the number of completed relayed requests.
func (t *Tunnel) RequestsServed() uint64 {
	return t.requestCount.Load()
}

// Shutdown disposes the tunnel: cancels its context, fails all pending
// requests, closes all sub-streams and the control connection. Idempotent.
func (t *Tunnel) Shutdown() {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.Requests.Drain(ErrTunnelClosed)
		t.Streams.CloseAll()
		_ = t.Conn.Close()
	})
}

// Summary is a point-in-time view of one tunnel for the status page and
// the reaper.
type Summary struct {
	ID             string    `json:"id"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	RequestsServed uint64    `json:"requestsServed"`
	ActiveStreams  int       `json:"activeStreams"`
	PendingCount   int       `json:"pendingRequests"`
}

// Registry is the concurrent-safe mapping from tunnel id to active tunnel.
// Removal is authoritative only when performed by the tunnel's owning loop
// on exit; other callers hold non-owning references.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
	single  bool
}

// NewRegistry creates an empty registry. In single-tunnel mode at most one
// tunnel may register and public lookups ignore the requested id.
func NewRegistry(single bool) *Registry {
	return &Registry{
		tunnels: make(map[string]*Tunnel),
		single:  single,
	}
}

// SingleTunnel reports whether the registry runs in single-tunnel mode.
func (r *Registry) SingleTunnel() bool {
	return r.single
}

// Register adds a tunnel, atomically failing if the id is taken or if the
// registry is in single-tunnel mode and already occupied.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.single && len(r.tunnels) > 0 {
		return ErrSingleTunnelOccupied
	}
	if _, exists := r.tunnels[t.ID]; exists {
		return ErrIDInUse
	}

	r.tunnels[t.ID] = t
	return nil
}

// Lookup returns the tunnel for an id. In single-tunnel mode the id is
// ignored and the sole tunnel is returned.
func (r *Registry) Lookup(id string) (*Tunnel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.single {
		for _, t := range r.tunnels {
			return t, nil
		}
		return nil, ErrNotFound
	}

	t, ok := r.tunnels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Remove deletes a tunnel id. Idempotent; reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tunnels[id]; !ok {
		return false
	}
	delete(r.tunnels, id)
	return true
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// IDs returns the registered tunnel ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tunnels))
	for id := range r.tunnels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a point-in-time summary of every registered tunnel,
// sorted by id.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	summaries := make([]Summary, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		summaries = append(summaries, Summary{
			ID:             t.ID,
			ConnectedAt:    t.CreatedAt,
			LastActivity:   t.LastActivity(),
			RequestsServed: t.RequestsServed(),
			ActiveStreams:  t.Streams.Len(),
			PendingCount:   t.Requests.Len(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// ReapIdle shuts down and removes every tunnel whose last relayed traffic is
// older than threshold. Returns the number removed.
func (r *Registry) ReapIdle(threshold time.Duration) int {
	r.mu.Lock()
	var idle []*Tunnel
	now := time.Now()
	for id, t := range r.tunnels {
		if now.Sub(t.LastActivity()) > threshold {
			idle = append(idle, t)
			delete(r.tunnels, id)
		}
	}
	r.mu.Unlock()

	for _, t := range idle {
		slog.Warn("Removing idle tunnel", "tunnel_id", t.ID, "last_activity", t.LastActivity())
		t.Shutdown()
	}
	return len(idle)
}
