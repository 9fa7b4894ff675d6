package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// handleDispatch relays a cross-service request from one tunnel client to a
// sibling tunnel. The first path segment of the envelope URL names the
// sibling; the envelope is forwarded unchanged so the sibling strips its own
// prefix exactly as it does for public traffic. The reply travels back to the
// originator as a dispatch response with the originator's request id.
func (s *Server) handleDispatch(ctx context.Context, origin *Tunnel, req *HTTPRequest) {
	siblingID, ok := dispatchTarget(req.URL)
	if !ok {
		s.answerDispatch(ctx, origin, &HTTPResponse{
			RequestID:    req.RequestID,
			StatusCode:   http.StatusBadRequest,
			ErrorMessage: "dispatch url does not name a tunnel",
		})
		return
	}

	sibling, err := s.registry.Lookup(siblingID)
	if err != nil {
		s.answerDispatch(ctx, origin, &HTTPResponse{
			RequestID:    req.RequestID,
			StatusCode:   http.StatusNotFound,
			ErrorMessage: "no active tunnel with id " + siblingID,
		})
		return
	}

	resp, err := s.relayRequest(ctx, sibling, req, FrameDispatch, s.opts.RequestTimeout)
	switch {
	case err == nil:
		s.answerDispatch(ctx, origin, resp)
	case errors.Is(err, context.DeadlineExceeded):
		s.answerDispatch(ctx, origin, &HTTPResponse{
			RequestID:    req.RequestID,
			StatusCode:   http.StatusGatewayTimeout,
			ErrorMessage: "dispatch timed out",
		})
	default:
		s.answerDispatch(ctx, origin, &HTTPResponse{
			RequestID:    req.RequestID,
			StatusCode:   http.StatusServiceUnavailable,
			ErrorMessage: "sibling tunnel disconnected",
		})
	}
}

func (s *Server) answerDispatch(ctx context.Context, origin *Tunnel, resp *HTTPResponse) {
	if err := origin.Conn.WriteFrame(Frame{Type: FrameDispatchResponse, Response: resp}); err != nil {
		slog.DebugContext(ctx, "Failed to deliver dispatch response", "tunnel_id", origin.ID, "request_id", resp.RequestID)
	}
}

// dispatchTarget extracts the sibling tunnel id from a dispatch URL.
func dispatchTarget(url string) (string, bool) {
	segment := strings.TrimPrefix(url, "/")
	if i := strings.IndexAny(segment, "/?"); i >= 0 {
		segment = segment[:i]
	}
	if segment == "" {
		return "", false
	}
	return segment, true
}
