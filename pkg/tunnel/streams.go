package tunnel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// readChunkSize is the largest payload carried by one TCP data frame.
const readChunkSize = 8 * 1024

// SubStream is one logical TCP connection multiplexed inside a tunnel. The
// socket is the public connection on the server side and the local service
// connection on the client side. The back-reference to the tunnel is the
// connection id, not a pointer, so disposal stays acyclic.
type SubStream struct {
	ID   string
	conn net.Conn

	// lastActivity holds a unix-nano timestamp shared between the pump
	// and the reaper, same discipline as the tunnel's clocks.
	lastActivity atomic.Int64
	closeOnce    sync.Once
}

// NewSubStream wraps an accepted or dialed socket.
func NewSubStream(id string, conn net.Conn) *SubStream {
	s := &SubStream{ID: id, conn: conn}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// Write relays bytes to the socket, preserving arrival order (the caller is
// the tunnel's processing loop, so writes for one connection id are never
// reordered).
func (s *SubStream) Write(p []byte) error {
	s.lastActivity.Store(time.Now().UnixNano())
	_, err := s.conn.Write(p)
	return err
}

// Read fills at most one chunk from the socket.
func (s *SubStream) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if n > 0 {
		s.lastActivity.Store(time.Now().UnixNano())
	}
	return n, err
}

// LastActivity returns the time of the last byte in either direction.
func (s *SubStream) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Close closes the socket. Idempotent.
func (s *SubStream) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// StreamTable is the concurrent table of active sub-streams keyed by
// connection id.
type StreamTable struct {
	mu      sync.Mutex
	streams map[string]*SubStream
}

// NewStreamTable returns an empty table.
func NewStreamTable() *StreamTable {
	return &StreamTable{streams: make(map[string]*SubStream)}
}

// Put stores a sub-stream, replacing (and closing) any previous entry with
// the same connection id.
func (t *StreamTable) Put(s *SubStream) {
	t.mu.Lock()
	prev, had := t.streams[s.ID]
	t.streams[s.ID] = s
	t.mu.Unlock()

	if had {
		prev.Close()
	}
}

// Get returns the sub-stream for a connection id.
func (t *StreamTable) Get(id string) (*SubStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return s, ok
}

// Remove deletes and returns the sub-stream for a connection id. The caller
// decides whether to close it.
func (t *StreamTable) Remove(id string) (*SubStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	return s, ok
}

// Len returns the number of active sub-streams.
func (t *StreamTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// CloseAll closes and removes every sub-stream, used when the tunnel dies.
func (t *StreamTable) CloseAll() {
	t.mu.Lock()
	streams := t.streams
	t.streams = make(map[string]*SubStream)
	t.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}
