package tunnel

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Headers never replayed against the local service: the transport rebuilds
// them, and HTTP/2 pseudo-headers (":"-prefixed) are illegal in HTTP/1.1.
func isStrippedHeader(name string) bool {
	switch strings.ToLower(name) {
	case "host", "connection", "content-length":
		return true
	}
	return strings.HasPrefix(name, ":")
}

// forwardRequest replays a relayed envelope against the local service and
// sends the reply back with the same request id. Local failures become an
// error envelope rather than a dropped request, so the server's pending
// entry always settles before its deadline.
func (c *Client) forwardRequest(ctx context.Context, conn *ControlConn, req *HTTPRequest, replyType FrameType) {
	start := time.Now()
	resp := c.callLocal(ctx, req)
	if resp.ErrorMessage != "" {
		slog.WarnContext(ctx, "Local request failed",
			"request_id", req.RequestID, "method", req.Method, "url", req.URL, "error", resp.ErrorMessage)
	} else {
		slog.DebugContext(ctx, "Relayed request served",
			"request_id", req.RequestID, "method", req.Method, "url", req.URL,
			"status", resp.StatusCode, "elapsed", time.Since(start))
	}

	if err := conn.WriteFrame(Frame{Type: replyType, Response: resp}); err != nil {
		slog.DebugContext(ctx, "Failed to send response, channel closed", "request_id", req.RequestID)
	}
}

func (c *Client) callLocal(ctx context.Context, req *HTTPRequest) *HTTPResponse {
	target := c.opts.LocalAddr + c.localPath(req.URL)

	callCtx, cancel := context.WithTimeout(ctx, c.opts.LocalTimeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target, body)
	if err != nil {
		return &HTTPResponse{
			RequestID:    req.RequestID,
			StatusCode:   http.StatusBadGateway,
			ErrorMessage: "building local request: " + err.Error(),
		}
	}
	for name, value := range req.Headers {
		if isStrippedHeader(name) {
			continue
		}
		httpReq.Header.Set(name, value)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &HTTPResponse{
			RequestID:    req.RequestID,
			StatusCode:   http.StatusBadGateway,
			ErrorMessage: "local service unreachable: " + err.Error(),
		}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &HTTPResponse{
			RequestID:    req.RequestID,
			StatusCode:   http.StatusBadGateway,
			ErrorMessage: "reading local response: " + err.Error(),
		}
	}

	headers := make(map[string]string, len(httpResp.Header))
	for name, values := range httpResp.Header {
		headers[name] = strings.Join(values, ", ")
	}

	return &HTTPResponse{
		RequestID:  req.RequestID,
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}
}

// localPath re-derives the local request path: the tunnel-id prefix the
// server routed on is stripped so the local service sees its own URL space.
func (c *Client) localPath(relayedURL string) string {
	id := c.TunnelID()
	if id == "" {
		return relayedURL
	}
	prefix := "/" + id
	switch {
	case relayedURL == prefix:
		return "/"
	case strings.HasPrefix(relayedURL, prefix+"/"):
		return relayedURL[len(prefix):]
	case strings.HasPrefix(relayedURL, prefix+"?"):
		return "/" + relayedURL[len(prefix):]
	}
	return relayedURL
}
