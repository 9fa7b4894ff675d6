package tunnel

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// localSocket is the local-service side of one relayed WebSocket.
type localSocket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (l *localSocket) write(messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.ws.WriteMessage(messageType, data)
}

func (l *localSocket) close() {
	_ = l.ws.Close()
}

type localSocketTable struct {
	mu      sync.Mutex
	sockets map[string]*localSocket
}

func newLocalSocketTable() *localSocketTable {
	return &localSocketTable{sockets: make(map[string]*localSocket)}
}

func (t *localSocketTable) put(id string, s *localSocket) {
	t.mu.Lock()
	t.sockets[id] = s
	t.mu.Unlock()
}

func (t *localSocketTable) get(id string) (*localSocket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sockets[id]
	return s, ok
}

func (t *localSocketTable) remove(id string) (*localSocket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sockets[id]
	if ok {
		delete(t.sockets, id)
	}
	return s, ok
}

func (t *localSocketTable) closeAll() {
	t.mu.Lock()
	sockets := t.sockets
	t.sockets = make(map[string]*localSocket)
	t.mu.Unlock()

	for _, s := range sockets {
		s.close()
	}
}

// openLocalWebSocket answers a WebSocket announcement: it dials the local
// service's WebSocket endpoint and pumps frames from it back through the
// control channel. The announcement's request id is the connection id for
// all subsequent relay frames.
func (c *Client) openLocalWebSocket(ctx context.Context, conn *ControlConn, req *HTTPRequest) {
	connID := req.RequestID

	endpoint, err := c.localWebSocketURL(req.URL)
	if err != nil {
		slog.WarnContext(ctx, "Bad relayed websocket url", "connection_id", connID, "url", req.URL, "error", err)
		_ = conn.WriteFrame(Frame{Type: FrameWSRelay, Relay: &WSRelay{ConnectionID: connID, Close: true}})
		return
	}

	header := http.Header{}
	for name, value := range req.Headers {
		if isStrippedHeader(name) || isWebSocketHandshakeHeader(name) {
			continue
		}
		header.Set(name, value)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		slog.WarnContext(ctx, "Local websocket dial failed", "connection_id", connID, "endpoint", endpoint, "error", err)
		_ = conn.WriteFrame(Frame{Type: FrameWSRelay, Relay: &WSRelay{ConnectionID: connID, Close: true}})
		return
	}

	sock := &localSocket{ws: ws}
	c.localSockets.put(connID, sock)
	slog.InfoContext(ctx, "Relayed websocket opened", "connection_id", connID, "endpoint", endpoint)

	defer func() {
		if sock, ok := c.localSockets.remove(connID); ok {
			sock.close()
		}
		_ = conn.WriteFrame(Frame{Type: FrameWSRelay, Relay: &WSRelay{ConnectionID: connID, Close: true}})
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		relay := &WSRelay{ConnectionID: connID, MessageType: messageType, Data: data}
		if err := conn.WriteFrame(Frame{Type: FrameWSRelay, Relay: relay}); err != nil {
			return
		}
	}
}

// deliverToLocalSocket writes a relayed chunk from the public side onto the
// matching local socket.
func (c *Client) deliverToLocalSocket(ctx context.Context, relay *WSRelay) {
	if relay.Close {
		if sock, ok := c.localSockets.remove(relay.ConnectionID); ok {
			sock.close()
		}
		return
	}

	sock, ok := c.localSockets.get(relay.ConnectionID)
	if !ok {
		slog.DebugContext(ctx, "Dropping relay chunk for unknown websocket", "connection_id", relay.ConnectionID)
		return
	}

	messageType := relay.MessageType
	if messageType == 0 {
		messageType = websocket.TextMessage
	}
	if err := sock.write(messageType, relay.Data); err != nil {
		if sock, ok := c.localSockets.remove(relay.ConnectionID); ok {
			sock.close()
		}
	}
}

// localWebSocketURL maps a relayed URL onto the local service's ws endpoint.
func (c *Client) localWebSocketURL(relayedURL string) (string, error) {
	u, err := url.Parse(c.opts.LocalAddr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String() + c.localPath(relayedURL), nil
}

// The dialer regenerates the handshake headers itself.
func isWebSocketHandshakeHeader(name string) bool {
	lower := strings.ToLower(name)
	return lower == "upgrade" || strings.HasPrefix(lower, "sec-websocket-")
}
