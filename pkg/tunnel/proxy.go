package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Hop-by-hop headers are meaningful only for the public leg and never cross
// the tunnel (RFC 9110 section 7.6.1).
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// handlePublic is the catch-all ingress: it resolves the target tunnel from
// the first path segment (or the sole tunnel in single-tunnel mode), relays
// the request through the control channel and writes back the correlated
// response.
func (s *Server) handlePublic(c *gin.Context) {
	ctx := c.Request.Context()

	id, ok := s.resolveTunnelID(c.Request.URL.Path)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad Request",
			"message": "request path does not name a tunnel",
		})
		return
	}

	t, err := s.registry.Lookup(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":            "Not Found",
			"message":          "no active tunnel with id " + id,
			"availableTunnels": s.registry.IDs(),
		})
		return
	}

	if isWebSocketUpgrade(c.Request) {
		s.handlePublicWebSocket(c, t)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "message": "failed to read request body"})
		return
	}

	req := &HTTPRequest{
		RequestID:       uuid.NewString(),
		Method:          c.Request.Method,
		URL:             c.Request.URL.RequestURI(),
		Headers:         relayableHeaders(c.Request.Header),
		Body:            body,
		IsBlazorRequest: isBlazorRequest(c.Request),
	}

	start := time.Now()
	resp, err := s.relayRequest(ctx, t, req, FrameHTTPRequest, s.opts.RequestTimeout)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		s.metrics.RequestObserved(OutcomeOK, elapsed)
		writeRelayedResponse(c, resp)
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.RequestObserved(OutcomeTimeout, elapsed)
		slog.WarnContext(ctx, "Relayed request timed out", "tunnel_id", t.ID, "request_id", req.RequestID)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Gateway Timeout"})
	case errors.Is(err, ErrTunnelClosed):
		s.metrics.RequestObserved(OutcomeDisconnected, elapsed)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Tunnel Disconnected",
			"message": "the tunnel client disconnected before responding",
		})
	default:
		s.metrics.RequestObserved(OutcomeUpstreamErr, elapsed)
		slog.ErrorContext(ctx, "Relayed request failed", "tunnel_id", t.ID, "request_id", req.RequestID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Bad Gateway", "message": err.Error()})
	}
}

// resolveTunnelID picks the target tunnel for a public path. In single-tunnel
// mode any path resolves to the sole tunnel; otherwise the first path segment
// is the id.
func (s *Server) resolveTunnelID(path string) (string, bool) {
	if s.registry.SingleTunnel() {
		return "", true
	}
	segment := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		segment = segment[:i]
	}
	if segment == "" {
		return "", false
	}
	return segment, true
}

// relayableHeaders flattens the request headers, dropping hop-by-hop entries.
// Multi-valued headers are joined the way net/http renders them.
func relayableHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// writeRelayedResponse copies a relayed response envelope onto the public
// connection verbatim.
func writeRelayedResponse(c *gin.Context, resp *HTTPResponse) {
	if resp.ErrorMessage != "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Bad Gateway", "message": resp.ErrorMessage})
		return
	}

	header := c.Writer.Header()
	for name, value := range resp.Headers {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		header.Set(name, value)
	}
	c.Writer.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = c.Writer.Write(resp.Body)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Blazor Server circuits ride a SignalR WebSocket plus long-polling
// negotiation requests that must reach the same circuit.
func isBlazorRequest(r *http.Request) bool {
	return strings.Contains(r.URL.Path, "/_blazor")
}
