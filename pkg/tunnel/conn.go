package tunnel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout bounds a single control-channel write.
	writeTimeout = 10 * time.Second
	// closeGracePeriod is how long a close handshake may take before the
	// underlying socket is torn down anyway.
	closeGracePeriod = time.Second
)

// ErrConnClosed is returned by writes on a closed control connection.
var ErrConnClosed = errors.New("control connection is closed")

// ControlConn wraps a WebSocket connection carrying control-channel frames.
// Reads are performed only by the owning processing loop; writes may come
// from any goroutine and are serialized through a per-connection mutex so
// frames are never interleaved on the wire.
type ControlConn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	closed   bool
	closedMu sync.RWMutex
}

// NewControlConn wraps an established WebSocket connection.
func NewControlConn(ws *websocket.Conn) *ControlConn {
	return &ControlConn{ws: ws}
}

// WriteFrame encodes and sends one frame as a single text message.
func (c *ControlConn) WriteFrame(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ws == nil || c.IsClosed() {
		return ErrConnClosed
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks for the next frame. The transport reassembles fragmented
// messages, so the returned payload is always a complete frame.
func (c *ControlConn) ReadFrame() (Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(data)
}

// Close tears the connection down. Safe to call more than once.
func (c *ControlConn) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// CloseNormal performs a normal-closure handshake before closing.
func (c *ControlConn) CloseNormal(reason string) error {
	return c.closeWithCode(websocket.CloseNormalClosure, reason)
}

// ClosePolicy closes the connection with a policy-violation code, used when
// an upgrade is rejected after the handshake (id collision, occupied
// single-tunnel server, failed authentication).
func (c *ControlConn) ClosePolicy(reason string) error {
	return c.closeWithCode(websocket.ClosePolicyViolation, reason)
}

func (c *ControlConn) closeWithCode(code int, reason string) error {
	c.writeMu.Lock()
	if c.ws != nil && !c.IsClosed() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	}
	c.writeMu.Unlock()
	return c.Close()
}

// IsClosed reports whether Close has been called.
func (c *ControlConn) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

// IsExpectedCloseError reports whether a receive error is part of a normal
// teardown rather than a transport failure worth logging loudly.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
