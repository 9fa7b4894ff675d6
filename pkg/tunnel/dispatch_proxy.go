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
	sloggin "github.com/samber/slog-gin"
)

// DispatchProxy is a local HTTP listener that lets sibling services behind
// other tunnels be called as if they were local: a request for
// /<tunnel-id>/path is relayed through the control channel to that tunnel.
type DispatchProxy struct {
	client *Client
	addr   string
}

// NewDispatchProxy binds a proxy to a client's control channel.
func NewDispatchProxy(client *Client, addr string) *DispatchProxy {
	return &DispatchProxy{client: client, addr: addr}
}

// Serve runs the proxy until ctx is canceled.
func (p *DispatchProxy) Serve(ctx context.Context) error {
	router := gin.New()
	router.Use(sloggin.New(slog.Default()), gin.Recovery())
	router.NoRoute(p.handle)

	srv := &http.Server{Addr: p.addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.InfoContext(ctx, "Dispatch proxy listening", "addr", p.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (p *DispatchProxy) handle(c *gin.Context) {
	ctx := c.Request.Context()

	target, ok := dispatchTarget(c.Request.URL.RequestURI())
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad Request",
			"message": "request path does not name a tunnel",
		})
		return
	}
	path := c.Request.URL.RequestURI()[len(target)+1:]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "message": "failed to read request body"})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.client.opts.LocalTimeout)
	defer cancel()

	resp, err := p.client.Dispatch(callCtx, target, c.Request.Method, path,
		relayableHeaders(c.Request.Header), body)
	switch {
	case err == nil:
		writeRelayedResponse(c, resp)
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Gateway Timeout"})
	case errors.Is(err, ErrTunnelClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Tunnel Disconnected",
			"message": "the control channel is not connected",
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "Bad Gateway", "message": err.Error()})
	}
}
