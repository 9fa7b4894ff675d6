package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSRelay_EndToEnd(t *testing.T) {
	server, ts := newTestServer(t, ServerOptions{})

	// Local WebSocket echo service.
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer local.Close()

	client := NewClient(ClientOptions{
		ServerURL: ts.URL,
		TunnelID:  "my-tunnel",
		LocalAddr: local.URL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := server.Registry().Lookup("my-tunnel")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Dial the public side of the relayed socket.
	publicURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/my-tunnel/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(publicURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "echo:hello", string(data))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	mt, data, err = ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0x65, 0x63, 0x68, 0x6f, 0x3a, 0x01, 0x02}, data)
}

func TestWSRelay_CloseFromLocalPropagates(t *testing.T) {
	server, ts := newTestServer(t, ServerOptions{})

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Read one message, then hang up.
		_, _, _ = ws.ReadMessage()
		_ = ws.Close()
	}))
	defer local.Close()

	client := NewClient(ClientOptions{
		ServerURL: ts.URL,
		TunnelID:  "my-tunnel",
		LocalAddr: local.URL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := server.Registry().Lookup("my-tunnel")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	publicURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/my-tunnel/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(publicURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("bye")))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
}
