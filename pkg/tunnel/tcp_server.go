package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTCPOccupied rejects a second TCP client; the relay serves exactly one.
// Liveness for the attached channel rides the shared pinger: two missed
// heartbeats and the channel is force-closed.
var ErrTCPOccupied = errors.New("a tcp client is already connected")

// TCPRelay exposes a public TCP port and multiplexes accepted connections
// over the single attached control channel as base64 data frames.
type TCPRelay struct {
	server *Server
	addr   string

	mu     sync.RWMutex
	tunnel *Tunnel
	ln     net.Listener
}

func newTCPRelay(server *Server, addr string) *TCPRelay {
	return &TCPRelay{server: server, addr: addr}
}

// Addr returns the configured public listen address.
func (r *TCPRelay) Addr() string {
	return r.addr
}

// ListenerAddr returns the bound address once Serve is listening, or nil.
func (r *TCPRelay) ListenerAddr() net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

func (r *TCPRelay) occupied() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnel != nil
}

func (r *TCPRelay) attach(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tunnel != nil {
		return ErrTCPOccupied
	}
	r.tunnel = t
	return nil
}

func (r *TCPRelay) detach(t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tunnel == t {
		r.tunnel = nil
	}
}

func (r *TCPRelay) attached() *Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnel
}

// Serve accepts public TCP connections until ctx is canceled. Connections
// arriving while no client is attached are refused by closing them.
func (r *TCPRelay) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", r.addr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()
	slog.InfoContext(ctx, "TCP relay listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go r.handleConn(ctx, conn)
	}
}

// handleConn binds one public connection to a new sub-stream, announces it
// with an init frame and pumps public bytes into data frames.
func (r *TCPRelay) handleConn(ctx context.Context, conn net.Conn) {
	t := r.attached()
	if t == nil {
		slog.WarnContext(ctx, "Refusing public TCP connection, no client attached",
			"remote", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}

	connID := uuid.NewString()
	sub := NewSubStream(connID, conn)
	t.Streams.Put(sub)
	r.server.metrics.StreamOpened()
	t.Touch()
	slog.InfoContext(ctx, "Public TCP connection opened",
		"connection_id", connID, "remote", conn.RemoteAddr().String())

	init := &TCPEnvelope{Type: TCPTypeInit, ConnectionID: connID, Timestamp: time.Now()}
	if err := t.Conn.WriteFrame(Frame{Type: FrameTCP, TCP: init}); err != nil {
		r.dropStream(t, connID)
		return
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := sub.Read(buf)
		if n > 0 {
			t.Touch()
			r.server.metrics.TCPBytes("in", n)
			env := &TCPEnvelope{Type: TCPTypeData, ConnectionID: connID}
			env.SetPayload(buf[:n])
			if werr := t.Conn.WriteFrame(Frame{Type: FrameTCP, TCP: env}); werr != nil {
				r.dropStream(t, connID)
				return
			}
		}
		if err != nil {
			closeFrame := &TCPEnvelope{Type: TCPTypeClose, ConnectionID: connID}
			_ = t.Conn.WriteFrame(Frame{Type: FrameTCP, TCP: closeFrame})
			r.dropStream(t, connID)
			return
		}
	}
}

func (r *TCPRelay) dropStream(t *Tunnel, connID string) {
	if sub, ok := t.Streams.Remove(connID); ok {
		sub.Close()
		r.server.metrics.StreamClosed()
		slog.InfoContext(context.Background(), "Public TCP connection closed", "connection_id", connID)
	}
}

// handleTCPFrame processes a multiplexer frame received on the attached
// control channel. Frame order per connection id is preserved because this
// runs on the tunnel's single processing loop.
func (s *Server) handleTCPFrame(ctx context.Context, t *Tunnel, env *TCPEnvelope) {
	if s.tcp == nil {
		slog.WarnContext(ctx, "Dropping TCP frame, relay not enabled", "tunnel_id", t.ID)
		return
	}

	switch env.Type {
	case TCPTypeControl:
		// Heartbeat; MarkFrame in the processing loop already reset
		// liveness, nothing else to track.
	case TCPTypeData:
		payload, err := env.Payload()
		if err != nil {
			slog.WarnContext(ctx, "Dropping TCP frame with bad payload",
				"connection_id", env.ConnectionID, "error", err)
			return
		}
		sub, ok := t.Streams.Get(env.ConnectionID)
		if !ok {
			slog.DebugContext(ctx, "Dropping TCP data for unknown stream", "connection_id", env.ConnectionID)
			return
		}
		t.Touch()
		s.metrics.TCPBytes("out", len(payload))
		if err := sub.Write(payload); err != nil {
			closeFrame := &TCPEnvelope{Type: TCPTypeClose, ConnectionID: env.ConnectionID}
			_ = t.Conn.WriteFrame(Frame{Type: FrameTCP, TCP: closeFrame})
			s.tcp.dropStream(t, env.ConnectionID)
		}
	case TCPTypeClose:
		s.tcp.dropStream(t, env.ConnectionID)
	case TCPTypeError:
		slog.WarnContext(ctx, "TCP stream error from client",
			"connection_id", env.ConnectionID, "error", env.Error)
		s.tcp.dropStream(t, env.ConnectionID)
	default:
		slog.WarnContext(ctx, "Unknown TCP frame type", "type", env.Type)
	}
}
