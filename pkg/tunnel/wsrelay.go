package tunnel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var publicUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// publicSocket is the public side of one relayed WebSocket. Writes are
// serialized because relayed chunks and close notices race.
type publicSocket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (p *publicSocket) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.ws.WriteMessage(messageType, data)
}

func (p *publicSocket) close() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = p.ws.Close()
}

// wsRelayTable tracks public-side relayed sockets by connection id.
type wsRelayTable struct {
	mu      sync.Mutex
	sockets map[string]*publicSocket
}

func newWSRelayTable() *wsRelayTable {
	return &wsRelayTable{sockets: make(map[string]*publicSocket)}
}

func (t *wsRelayTable) put(id string, s *publicSocket) {
	t.mu.Lock()
	t.sockets[id] = s
	t.mu.Unlock()
}

func (t *wsRelayTable) get(id string) (*publicSocket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sockets[id]
	return s, ok
}

func (t *wsRelayTable) remove(id string) (*publicSocket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sockets[id]
	if ok {
		delete(t.sockets, id)
	}
	return s, ok
}

// handlePublicWebSocket upgrades a public WebSocket request and bridges it to
// the client through relay frames. The connection id doubles as the request
// id of the announcing envelope, so the client knows which local socket to
// open.
func (s *Server) handlePublicWebSocket(c *gin.Context, t *Tunnel) {
	ctx := c.Request.Context()

	connID := uuid.NewString()
	announce := &HTTPRequest{
		RequestID:          connID,
		Method:             c.Request.Method,
		URL:                c.Request.URL.RequestURI(),
		Headers:            relayableHeaders(c.Request.Header),
		IsWebSocketRequest: true,
		IsBlazorRequest:    isBlazorRequest(c.Request),
	}
	if t.Conn.IsClosed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Tunnel Disconnected", "message": "the tunnel client disconnected"})
		return
	}

	ws, err := publicUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to upgrade public websocket", "tunnel_id", t.ID, "error", err)
		return
	}

	// Register before announcing so a chunk the client relays immediately
	// after dialing the local socket has somewhere to land.
	sock := &publicSocket{ws: ws}
	s.wsRelay.put(connID, sock)

	if err := t.Conn.WriteFrame(Frame{Type: FrameHTTPRequest, Request: announce}); err != nil {
		s.wsRelay.remove(connID)
		sock.close()
		return
	}
	t.Touch()
	slog.InfoContext(ctx, "Relayed websocket opened", "tunnel_id", t.ID, "connection_id", connID)

	defer func() {
		if sock, ok := s.wsRelay.remove(connID); ok {
			sock.close()
		}
		_ = t.Conn.WriteFrame(Frame{Type: FrameWSRelay, Relay: &WSRelay{ConnectionID: connID, Close: true}})
		slog.InfoContext(ctx, "Relayed websocket closed", "tunnel_id", t.ID, "connection_id", connID)
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		t.Touch()
		relay := &WSRelay{ConnectionID: connID, MessageType: messageType, Data: data}
		if err := t.Conn.WriteFrame(Frame{Type: FrameWSRelay, Relay: relay}); err != nil {
			return
		}
	}
}

// relayToPublicSocket delivers a relay frame from the client onto the public
// socket it addresses.
func (s *Server) relayToPublicSocket(ctx context.Context, relay *WSRelay) {
	if relay.Close {
		if sock, ok := s.wsRelay.remove(relay.ConnectionID); ok {
			sock.close()
		}
		return
	}

	sock, ok := s.wsRelay.get(relay.ConnectionID)
	if !ok {
		slog.DebugContext(ctx, "Dropping relay chunk for unknown websocket", "connection_id", relay.ConnectionID)
		return
	}

	messageType := relay.MessageType
	if messageType == 0 {
		messageType = websocket.TextMessage
	}
	if err := sock.write(messageType, relay.Data); err != nil {
		if sock, ok := s.wsRelay.remove(relay.ConnectionID); ok {
			sock.close()
		}
	}
}
