package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// TCPClientOptions configures a TCP tunnel client.
type TCPClientOptions struct {
	// ServerURL is the relay base, e.g. ws://relay.example.com:8080.
	ServerURL string
	// LocalAddr is the forwarded-to TCP endpoint, e.g. localhost:5432.
	LocalAddr string
	// AuthToken, when set, is sent on the upgrade request.
	AuthToken string

	PingInterval time.Duration
	MaxAttempts  int
}

func (o TCPClientOptions) withDefaults() TCPClientOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// TCPClient attaches to the relay's TCP slot and bridges multiplexed
// sub-streams onto the local TCP endpoint, one dialed connection per init
// frame.
type TCPClient struct {
	opts TCPClientOptions

	mu      sync.Mutex
	streams map[string]*tcpLocalStream
}

// tcpLocalStream bridges one sub-stream to a local socket. The entry is
// registered before the local dial starts, so data frames arriving right
// behind the init are buffered in order instead of being dropped.
type tcpLocalStream struct {
	id string

	mu      sync.Mutex
	conn    net.Conn
	pending [][]byte
	closed  bool
}

// write relays payload to the local socket, buffering while the dial is
// still in flight so early data keeps its position in the stream.
func (s *tcpLocalStream) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if s.conn == nil {
		buf := make([]byte, len(p))
		copy(buf, p)
		s.pending = append(s.pending, buf)
		return nil
	}
	_, err := s.conn.Write(p)
	return err
}

// attach hands the dialed socket to the stream, flushing buffered data
// ahead of any later write. Returns net.ErrClosed when the stream was torn
// down while the dial was in flight.
func (s *tcpLocalStream) attach(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return net.ErrClosed
	}
	for _, chunk := range s.pending {
		if _, err := conn.Write(chunk); err != nil {
			_ = conn.Close()
			return err
		}
	}
	s.pending = nil
	s.conn = conn
	return nil
}

func (s *tcpLocalStream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.pending = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// NewTCPClient builds a TCP client.
func NewTCPClient(opts TCPClientOptions) *TCPClient {
	return &TCPClient{
		opts:    opts.withDefaults(),
		streams: make(map[string]*tcpLocalStream),
	}
}

// Run drives the connect / serve / backoff loop until ctx is canceled, the
// server refuses the attach (slot occupied, bad token), or the attempt
// ceiling is hit.
func (c *TCPClient) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 1.5
	bo.MaxInterval = 2 * time.Minute
	bo.Reset()

	attempts := 0
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var policyErr *PolicyRejectionError
			if errors.As(err, &policyErr) {
				return err
			}

			attempts++
			if attempts >= c.opts.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, attempts, err)
			}

			wait := bo.NextBackOff()
			slog.WarnContext(ctx, "TCP connect failed, backing off",
				"attempt", attempts, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		attempts = 0
		bo.Reset()
		slog.InfoContext(ctx, "TCP tunnel established",
			"server", c.opts.ServerURL, "local", c.opts.LocalAddr)

		sessionErr := c.serve(ctx, conn)
		c.closeAllStreams()
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		var policyErr *PolicyRejectionError
		if errors.As(sessionErr, &policyErr) {
			return sessionErr
		}

		slog.WarnContext(ctx, "TCP tunnel dropped, reconnecting", "error", sessionErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *TCPClient) connect(ctx context.Context) (*ControlConn, error) {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/tunnel"
	q := u.Query()
	q.Set("type", "tcp")
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.opts.AuthToken != "" {
		header.Set(AuthHeader, c.opts.AuthToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, &PolicyRejectionError{Reason: "invalid auth token"}
			case http.StatusConflict:
				return nil, &PolicyRejectionError{Reason: "tcp client slot occupied"}
			}
		}
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return NewControlConn(ws), nil
}

// serve runs one session: a heartbeat goroutine plus the frame loop.
func (c *TCPClient) serve(ctx context.Context, conn *ControlConn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The read loop only unblocks when the socket dies, so cancellation
	// closes it; a clean stop gets the normal-closure handshake.
	go func() {
		<-sessionCtx.Done()
		if ctx.Err() != nil {
			_ = conn.CloseNormal("client shutting down")
			return
		}
		_ = conn.Close()
	}()

	go c.heartbeat(sessionCtx, conn)

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				slog.WarnContext(sessionCtx, "Discarding malformed frame", "error", err)
				continue
			}
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				var closeErr *websocket.CloseError
				reason := "policy violation"
				if errors.As(err, &closeErr) && closeErr.Text != "" {
					reason = closeErr.Text
				}
				return &PolicyRejectionError{Reason: reason}
			}
			return err
		}

		switch frame.Type {
		case FramePing:
			_ = conn.WriteFrame(PongFrame)
		case FramePong:
		case FrameTCP:
			c.handleEnvelope(sessionCtx, conn, frame.TCP)
		default:
			slog.DebugContext(sessionCtx, "Ignoring non-TCP frame", "type", frame.Type)
		}

		if sessionCtx.Err() != nil {
			return sessionCtx.Err()
		}
	}
}

func (c *TCPClient) handleEnvelope(ctx context.Context, conn *ControlConn, env *TCPEnvelope) {
	switch env.Type {
	case TCPTypeInit:
		// Register before the dial so the very next frame already finds
		// the stream; data written meanwhile lands in the pending buffer.
		stream := &tcpLocalStream{id: env.ConnectionID}
		c.putStream(stream)
		go c.openStream(ctx, conn, stream)
	case TCPTypeData:
		payload, err := env.Payload()
		if err != nil {
			slog.WarnContext(ctx, "Dropping TCP frame with bad payload",
				"connection_id", env.ConnectionID, "error", err)
			return
		}
		stream, ok := c.getStream(env.ConnectionID)
		if !ok {
			slog.DebugContext(ctx, "Dropping TCP data for unknown stream", "connection_id", env.ConnectionID)
			return
		}
		if err := stream.write(payload); err != nil {
			c.failStream(conn, env.ConnectionID, err)
		}
	case TCPTypeClose:
		c.removeStream(env.ConnectionID)
	case TCPTypeControl:
	default:
		slog.WarnContext(ctx, "Unknown TCP frame type", "type", env.Type)
	}
}

// openStream dials the local endpoint for an already-registered sub-stream
// and pumps local bytes back as data frames.
func (c *TCPClient) openStream(ctx context.Context, conn *ControlConn, stream *tcpLocalStream) {
	var d net.Dialer
	local, err := d.DialContext(ctx, "tcp", c.opts.LocalAddr)
	if err != nil {
		slog.WarnContext(ctx, "Local TCP dial failed",
			"connection_id", stream.id, "addr", c.opts.LocalAddr, "error", err)
		c.failStream(conn, stream.id, err)
		return
	}

	if err := stream.attach(local); err != nil {
		if errors.Is(err, net.ErrClosed) {
			// Torn down while the dial was in flight; nothing to relay.
			return
		}
		c.failStream(conn, stream.id, err)
		return
	}
	slog.InfoContext(ctx, "TCP stream opened", "connection_id", stream.id, "local", c.opts.LocalAddr)

	buf := make([]byte, readChunkSize)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			env := &TCPEnvelope{Type: TCPTypeData, ConnectionID: stream.id}
			env.SetPayload(buf[:n])
			if werr := conn.WriteFrame(Frame{Type: FrameTCP, TCP: env}); werr != nil {
				c.removeStream(stream.id)
				return
			}
		}
		if err != nil {
			closeFrame := &TCPEnvelope{Type: TCPTypeClose, ConnectionID: stream.id}
			_ = conn.WriteFrame(Frame{Type: FrameTCP, TCP: closeFrame})
			c.removeStream(stream.id)
			slog.InfoContext(ctx, "TCP stream closed", "connection_id", stream.id)
			return
		}
	}
}

// heartbeat sends a control frame every interval so the server can tell a
// quiet client from a dead one.
func (c *TCPClient) heartbeat(ctx context.Context, conn *ControlConn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env := &TCPEnvelope{
				Type:         TCPTypeControl,
				ConnectionID: HeartbeatConnectionID,
				Timestamp:    time.Now(),
			}
			if err := conn.WriteFrame(Frame{Type: FrameTCP, TCP: env}); err != nil {
				return
			}
		}
	}
}

func (c *TCPClient) putStream(s *tcpLocalStream) {
	c.mu.Lock()
	prev, had := c.streams[s.id]
	c.streams[s.id] = s
	c.mu.Unlock()
	if had {
		prev.close()
	}
}

func (c *TCPClient) getStream(id string) (*tcpLocalStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

func (c *TCPClient) removeStream(id string) {
	c.mu.Lock()
	s, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if ok {
		s.close()
	}
}

func (c *TCPClient) failStream(conn *ControlConn, id string, cause error) {
	env := &TCPEnvelope{Type: TCPTypeError, ConnectionID: id, Error: cause.Error()}
	_ = conn.WriteFrame(Frame{Type: FrameTCP, TCP: env})
	c.removeStream(id)
}

func (c *TCPClient) closeAllStreams() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*tcpLocalStream)
	c.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}
