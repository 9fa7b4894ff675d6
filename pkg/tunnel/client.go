package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client connection states, in lifecycle order.
type ClientState int32

const (
	StateIdle ClientState = iota
	StateConnecting
	StateConnected
	StateDraining
	StateBackoff
	StateStopped
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrAttemptsExhausted terminates the supervisor after the attempt ceiling.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

const (
	// DefaultLocalTimeout bounds one forwarded request against the local
	// service.
	DefaultLocalTimeout = 60 * time.Second
	// DefaultMaxAttempts is the consecutive-failure ceiling before the
	// supervisor gives up.
	DefaultMaxAttempts = 100
)

// ClientOptions configures a tunnel client.
type ClientOptions struct {
	// ServerURL is the relay base, e.g. ws://relay.example.com:8080.
	ServerURL string
	// TunnelID is the requested id; empty lets the server mint one.
	TunnelID string
	// LocalAddr is the forwarded-to service base, e.g. http://localhost:3000.
	LocalAddr string
	// AuthToken, when set, is sent on the upgrade request.
	AuthToken string

	PingInterval time.Duration
	LocalTimeout time.Duration
	MaxAttempts  int
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.LocalTimeout <= 0 {
		o.LocalTimeout = DefaultLocalTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// Client maintains a control channel to the relay and forwards relayed
// requests to the local service, reconnecting with bounded exponential
// backoff when the channel drops.
type Client struct {
	opts ClientOptions

	httpClient *http.Client
	state      atomic.Int32

	// connMu guards conn and tunnelID between the session loop and
	// dispatch senders. tunnelID is the effective id for the session: the
	// requested one, or the server-minted id from the upgrade response.
	connMu   sync.RWMutex
	conn     *ControlConn
	tunnelID string

	// dispatches correlates cross-service requests this client originates.
	dispatches *Correlator

	// outstandingPing marks a sent heartbeat awaiting its pong.
	outstandingPing atomic.Bool

	localSockets *localSocketTable
}

// NewClient builds a client. The options are validated on Run.
func NewClient(opts ClientOptions) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		tunnelID: opts.TunnelID,
		httpClient: &http.Client{
			Timeout: opts.LocalTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects pass through to the public caller untouched.
				return http.ErrUseLastResponse
			},
		},
		dispatches:   NewCorrelator(),
		localSockets: newLocalSocketTable(),
	}
}

// State reports the supervisor's current lifecycle state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(s ClientState) {
	c.state.Store(int32(s))
}

// Run drives the connect / serve / backoff loop until ctx is canceled, the
// server rejects the client with a policy close, or the attempt ceiling is
// hit. A session that lasted long enough to serve traffic resets the
// failure budget.
func (c *Client) Run(ctx context.Context) error {
	if _, err := url.Parse(c.opts.ServerURL); err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 1.5
	bo.MaxInterval = 2 * time.Minute
	bo.Reset()

	attempts := 0
	for {
		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateStopped)
				return ctx.Err()
			}
			var policyErr *PolicyRejectionError
			if errors.As(err, &policyErr) {
				c.setState(StateStopped)
				return err
			}

			attempts++
			if attempts >= c.opts.MaxAttempts {
				c.setState(StateStopped)
				return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, attempts, err)
			}

			wait := bo.NextBackOff()
			slog.WarnContext(ctx, "Connect failed, backing off",
				"attempt", attempts, "wait", wait, "error", err)
			c.setState(StateBackoff)
			select {
			case <-ctx.Done():
				c.setState(StateStopped)
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		c.setState(StateConnected)
		attempts = 0
		bo.Reset()
		slog.InfoContext(ctx, "Tunnel established",
			"server", c.opts.ServerURL, "tunnel_id", c.opts.TunnelID, "local", c.opts.LocalAddr)

		sessionErr := c.serve(ctx, conn)

		c.setState(StateDraining)
		c.setConn(nil)
		c.dispatches.Drain(ErrTunnelClosed)
		c.localSockets.closeAll()
		_ = conn.Close()

		if ctx.Err() != nil {
			c.setState(StateStopped)
			return ctx.Err()
		}
		var policyErr *PolicyRejectionError
		if errors.As(sessionErr, &policyErr) {
			c.setState(StateStopped)
			return sessionErr
		}

		slog.WarnContext(ctx, "Tunnel dropped, reconnecting", "error", sessionErr)
		c.setState(StateBackoff)
		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// PolicyRejectionError is a deliberate server refusal (duplicate id, occupied
// single-tunnel server, bad token). The supervisor does not retry these.
type PolicyRejectionError struct {
	Reason string
}

func (e *PolicyRejectionError) Error() string {
	return "server rejected tunnel: " + e.Reason
}

// connect dials the relay's /tunnel endpoint and upgrades it to a control
// channel.
func (c *Client) connect(ctx context.Context) (*ControlConn, error) {
	endpoint, err := c.controlURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.opts.AuthToken != "" {
		header.Set(AuthHeader, c.opts.AuthToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, &PolicyRejectionError{Reason: "invalid auth token"}
			case http.StatusConflict:
				return nil, &PolicyRejectionError{Reason: "tcp client slot occupied"}
			}
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	assigned := c.opts.TunnelID
	if minted := resp.Header.Get(TunnelIDHeader); minted != "" {
		assigned = minted
	}

	conn := NewControlConn(ws)
	c.connMu.Lock()
	c.conn = conn
	c.tunnelID = assigned
	c.connMu.Unlock()
	return conn, nil
}

// TunnelID returns the tunnel id in effect, which is server-minted when the
// options left it empty.
func (c *Client) TunnelID() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.tunnelID
}

func (c *Client) controlURL() (string, error) {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/tunnel"
	q := u.Query()
	if c.opts.TunnelID != "" {
		q.Set("id", c.opts.TunnelID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) setConn(conn *ControlConn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) currentConn() *ControlConn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// serve runs one session: a heartbeat goroutine plus the read loop. It
// returns when the channel dies; a close frame carrying a policy reason is
// surfaced as a PolicyRejectionError.
func (c *Client) serve(ctx context.Context, conn *ControlConn) error {
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

	c.outstandingPing.Store(false)
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

		c.handleFrame(sessionCtx, conn, frame)

		if sessionCtx.Err() != nil {
			return sessionCtx.Err()
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, conn *ControlConn, frame Frame) {
	switch frame.Type {
	case FramePing:
		if err := conn.WriteFrame(PongFrame); err != nil {
			slog.DebugContext(ctx, "Failed to answer ping", "error", err)
		}
	case FramePong:
		c.outstandingPing.Store(false)
	case FrameHTTPRequest:
		if frame.Request.IsWebSocketRequest {
			go c.openLocalWebSocket(ctx, conn, frame.Request)
			return
		}
		go c.forwardRequest(ctx, conn, frame.Request, FrameHTTPResponse)
	case FrameDispatch:
		go c.forwardRequest(ctx, conn, frame.Request, FrameDispatchResponse)
	case FrameDispatchResponse:
		if !c.dispatches.Complete(frame.Response.RequestID, frame.Response) {
			slog.WarnContext(ctx, "Discarding dispatch response for unknown request",
				"request_id", frame.Response.RequestID)
		}
	case FrameWSRelay:
		c.deliverToLocalSocket(ctx, frame.Relay)
	default:
		slog.WarnContext(ctx, "Unknown frame type", "type", frame.Type)
	}
}

// heartbeat pings the server every interval. An unanswered ping from the
// previous tick means the channel is dead in one direction, so the loop
// closes it and lets the supervisor reconnect.
func (c *Client) heartbeat(ctx context.Context, conn *ControlConn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.outstandingPing.Load() {
				slog.WarnContext(ctx, "Heartbeat unanswered, closing tunnel")
				_ = conn.Close()
				return
			}
			if err := conn.WriteFrame(PingFrame); err != nil {
				return
			}
			c.outstandingPing.Store(true)
		}
	}
}

// Dispatch relays a request to a sibling tunnel through the server. target is
// the sibling tunnel id, path the URL on the sibling's local service.
func (c *Client) Dispatch(ctx context.Context, target, method, path string, headers map[string]string, body []byte) (*HTTPResponse, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, ErrTunnelClosed
	}

	req := &HTTPRequest{
		RequestID: uuid.NewString(),
		Method:    method,
		URL:       "/" + target + path,
		Headers:   headers,
		Body:      body,
	}

	ch, err := c.dispatches.Insert(req.RequestID)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(Frame{Type: FrameDispatch, Request: req}); err != nil {
		c.dispatches.Remove(req.RequestID)
		return nil, ErrTunnelClosed
	}

	select {
	case <-ctx.Done():
		c.dispatches.Remove(req.RequestID)
		return nil, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Response, nil
	}
}
