package tunnel

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTunnelID(t *testing.T) {
	s := NewServer(ServerOptions{}, nil)

	id, ok := s.resolveTunnelID("/my-tunnel/api/items")
	assert.True(t, ok)
	assert.Equal(t, "my-tunnel", id)

	id, ok = s.resolveTunnelID("/my-tunnel")
	assert.True(t, ok)
	assert.Equal(t, "my-tunnel", id)

	_, ok = s.resolveTunnelID("/")
	assert.False(t, ok)

	single := NewServer(ServerOptions{SingleTunnel: true}, nil)
	id, ok = single.resolveTunnelID("/api/items")
	assert.True(t, ok)
	assert.Empty(t, id)
}

func TestRelayableHeaders_StripsHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Connection", "keep-alive")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Add("Accept", "text/html")
	h.Add("Accept", "application/json")

	out := relayableHeaders(h)
	assert.Equal(t, "application/json", out["Content-Type"])
	assert.Equal(t, "text/html, application/json", out["Accept"])
	assert.NotContains(t, out, "Connection")
	assert.NotContains(t, out, "Transfer-Encoding")
	assert.NotContains(t, out, "Upgrade")
}

func TestIsStrippedHeader(t *testing.T) {
	assert.True(t, isStrippedHeader("Host"))
	assert.True(t, isStrippedHeader("connection"))
	assert.True(t, isStrippedHeader("Content-Length"))
	assert.True(t, isStrippedHeader(":authority"))
	assert.False(t, isStrippedHeader("Content-Type"))
	assert.False(t, isStrippedHeader("Authorization"))
}

func TestDispatchTarget(t *testing.T) {
	id, ok := dispatchTarget("/svc-b/internal/ping")
	assert.True(t, ok)
	assert.Equal(t, "svc-b", id)

	id, ok = dispatchTarget("/svc-b")
	assert.True(t, ok)
	assert.Equal(t, "svc-b", id)

	id, ok = dispatchTarget("/svc-b?x=1")
	assert.True(t, ok)
	assert.Equal(t, "svc-b", id)

	_, ok = dispatchTarget("/")
	assert.False(t, ok)
}
