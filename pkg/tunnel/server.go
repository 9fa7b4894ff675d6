package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	sloggin "github.com/samber/slog-gin"
)

// AuthHeader carries the shared token on control-channel upgrades when the
// server is started with one.
const AuthHeader = "X-Pgrok-Token"

// TunnelIDHeader echoes the assigned tunnel id on the upgrade response, so a
// client that let the server mint the id learns which prefix to strip.
const TunnelIDHeader = "X-Pgrok-Tunnel-Id"

const (
	// DefaultPingInterval is how often the server pings each control channel.
	DefaultPingInterval = 30 * time.Second
	// DefaultLivenessTimeout force-closes a channel after two missed pings.
	DefaultLivenessTimeout = 90 * time.Second
	// DefaultIdleTimeout is the reaper threshold for tunnels without traffic.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultRequestTimeout bounds a relayed public request server-side.
	DefaultRequestTimeout = 120 * time.Second
)

var controlUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServerOptions configures the relay server.
type ServerOptions struct {
	SingleTunnel    bool
	AuthToken       string
	PingInterval    time.Duration
	LivenessTimeout time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = DefaultLivenessTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// Server owns the registry and the public HTTP surface of the relay. The
// registry's lifetime is the server's: created here, drained on Shutdown.
type Server struct {
	opts     ServerOptions
	registry *Registry
	metrics  *Metrics
	tcp      *TCPRelay
	wsRelay  *wsRelayTable
}

// NewServer creates a relay server. metrics may be nil.
func NewServer(opts ServerOptions, metrics *Metrics) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:     opts,
		registry: NewRegistry(opts.SingleTunnel),
		metrics:  metrics,
		wsRelay:  newWSRelayTable(),
	}
}

// Registry exposes the server's tunnel registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// EnableTCP attaches a TCP relay listening on addr. Called before Router.
func (s *Server) EnableTCP(addr string) {
	s.tcp = newTCPRelay(s, addr)
}

// TCPRelay returns the attached TCP relay, or nil.
func (s *Server) TCP() *TCPRelay {
	return s.tcp
}

// Router builds the public gin surface: the control-channel upgrade at
// /tunnel, the status page at /$status, metrics at /$metrics, and prefix
// routing for everything else.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(sloggin.New(slog.Default()), gin.Recovery(), cors.Default())

	router.GET("/tunnel", s.HandleConnect)
	router.GET("/$status", s.handleStatus)
	router.GET("/$metrics", gin.WrapH(s.metrics.Handler()))
	router.NoRoute(s.handlePublic)
	return router
}

// ReapIdle removes tunnels without relayed traffic for the configured idle
// window. Wired to the scheduler at a 5 minute cadence.
func (s *Server) ReapIdle(ctx context.Context) {
	if count := s.registry.ReapIdle(s.opts.IdleTimeout); count > 0 {
		slog.InfoContext(ctx, "Reaped idle tunnels", "count", count)
		for i := 0; i < count; i++ {
			s.metrics.TunnelClosed()
		}
	}
}

// Shutdown disposes every registered tunnel.
func (s *Server) Shutdown() {
	for _, summary := range s.registry.Snapshot() {
		if t, err := s.registry.Lookup(summary.ID); err == nil {
			if s.registry.Remove(t.ID) {
				s.metrics.TunnelClosed()
			}
			t.Shutdown()
		}
	}
}

// HandleConnect accepts a control-channel upgrade at /tunnel. The id query
// parameter names the tunnel; a missing id gets a minted UUID. type=tcp
// attaches the channel to the TCP relay instead of HTTP routing.
func (s *Server) HandleConnect(c *gin.Context) {
	ctx := c.Request.Context()

	if s.opts.AuthToken != "" && c.GetHeader(AuthHeader) != s.opts.AuthToken {
		slog.WarnContext(ctx, "Rejected control channel with bad auth token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "message": "invalid auth token"})
		return
	}

	isTCP := c.Query("type") == "tcp"
	if isTCP {
		if s.tcp == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "message": "tcp relay is not enabled"})
			return
		}
		if s.tcp.occupied() {
			c.JSON(http.StatusConflict, gin.H{"error": "Conflict", "message": "a tcp client is already connected"})
			return
		}
	}

	id := c.Query("id")
	if id == "" {
		id = uuid.NewString()
	}

	ws, err := controlUpgrader.Upgrade(c.Writer, c.Request, http.Header{TunnelIDHeader: {id}})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to upgrade control channel", "error", err)
		return
	}

	conn := NewControlConn(ws)
	tunnelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := NewTunnel(id, conn, cancel)

	if err := s.registry.Register(t); err != nil {
		slog.WarnContext(ctx, "Rejected control channel", "tunnel_id", id, "error", err)
		_ = conn.ClosePolicy(err.Error())
		return
	}

	if isTCP {
		if err := s.tcp.attach(t); err != nil {
			s.registry.Remove(id)
			_ = conn.ClosePolicy(err.Error())
			return
		}
	}

	s.metrics.TunnelOpened()
	slog.InfoContext(ctx, "Tunnel connected", "tunnel_id", id, "tcp", isTCP)

	defer func() {
		// The reaper or Shutdown may have removed the entry first; only
		// the path that removes it decrements the gauge.
		removed := s.registry.Remove(id)
		if isTCP {
			s.tcp.detach(t)
		}
		t.Shutdown()
		if removed {
			s.metrics.TunnelClosed()
		}
		slog.InfoContext(ctx, "Tunnel disconnected", "tunnel_id", id)
	}()

	go s.pinger(tunnelCtx, t)
	s.processLoop(tunnelCtx, t)
}

// processLoop reads frames until the channel dies. It is the only reader of
// the control connection and the sole owner of the tunnel record.
func (s *Server) processLoop(ctx context.Context, t *Tunnel) {
	for {
		frame, err := t.Conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				slog.WarnContext(ctx, "Discarding malformed frame", "tunnel_id", t.ID, "error", err)
				continue
			}
			if !IsExpectedCloseError(err) {
				slog.WarnContext(ctx, "Control channel receive failed", "tunnel_id", t.ID, "error", err)
			}
			return
		}

		t.MarkFrame()
		s.handleFrame(ctx, t, frame)

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, t *Tunnel, frame Frame) {
	switch frame.Type {
	case FramePing:
		if err := t.Conn.WriteFrame(PongFrame); err != nil {
			slog.DebugContext(ctx, "Failed to answer ping", "tunnel_id", t.ID, "error", err)
		}
	case FramePong:
		// MarkFrame above already reset liveness.
	case FrameHTTPResponse:
		s.deliverResponse(ctx, t, frame.Response)
	case FrameDispatchResponse:
		// Dispatches relayed to this tunnel complete through the same
		// pending table as public requests.
		s.deliverResponse(ctx, t, frame.Response)
	case FrameDispatch:
		go s.handleDispatch(ctx, t, frame.Request)
	case FrameWSRelay:
		s.relayToPublicSocket(ctx, frame.Relay)
	case FrameTCP:
		s.handleTCPFrame(ctx, t, frame.TCP)
	case FrameHTTPRequest:
		slog.DebugContext(ctx, "Ignoring request envelope from client", "tunnel_id", t.ID)
	default:
		slog.WarnContext(ctx, "Unknown frame type", "tunnel_id", t.ID, "type", frame.Type)
	}
}

func (s *Server) deliverResponse(ctx context.Context, t *Tunnel, resp *HTTPResponse) {
	t.Touch()
	if !t.Requests.Complete(resp.RequestID, resp) {
		slog.WarnContext(ctx, "Discarding response for unknown request", "tunnel_id", t.ID, "request_id", resp.RequestID)
		return
	}
	t.CountRequest()
}

// pinger sends a ping every interval and force-closes the channel when no
// frame has arrived within the liveness timeout (two missed pings).
func (s *Server) pinger(ctx context.Context, t *Tunnel) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(t.LastFrame()) > s.opts.LivenessTimeout {
				slog.WarnContext(ctx, "Control channel liveness expired, closing", "tunnel_id", t.ID)
				_ = t.Conn.Close()
				return
			}
			if err := t.Conn.WriteFrame(PingFrame); err != nil {
				return
			}
		}
	}
}

// relayRequest sends a request envelope through a tunnel and waits for its
// correlated response. frameType selects the plain or dispatch framing.
func (s *Server) relayRequest(ctx context.Context, t *Tunnel, req *HTTPRequest, frameType FrameType, timeout time.Duration) (*HTTPResponse, error) {
	ch, err := t.Requests.Insert(req.RequestID)
	if err != nil {
		// A UUID collision is an invariant violation; kill the tunnel
		// rather than risk cross-wired responses.
		slog.ErrorContext(ctx, "Request id collision, closing tunnel", "tunnel_id", t.ID, "request_id", req.RequestID)
		_ = t.Conn.Close()
		return nil, err
	}

	t.Touch()
	if err := t.Conn.WriteFrame(Frame{Type: frameType, Request: req}); err != nil {
		t.Requests.Remove(req.RequestID)
		return nil, ErrTunnelClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		t.Requests.Remove(req.RequestID)
		return nil, ctx.Err()
	case <-timer.C:
		t.Requests.Remove(req.RequestID)
		return nil, context.DeadlineExceeded
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Response, nil
	}
}
