package tunnel

import (
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
<title>pgrok status</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
table { border-collapse: collapse; margin-top: 1rem; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.8rem; text-align: left; }
th { background: #f4f4f4; }
.empty { color: #888; margin-top: 1rem; }
</style>
</head>
<body>
<h1>pgrok</h1>
<p>{{.TunnelCount}} active tunnel(s){{if .SingleTunnel}} (single-tunnel mode){{end}}, uptime {{.Uptime}}</p>
{{if .Tunnels}}
<table>
<tr><th>Tunnel</th><th>Connected</th><th>Last activity</th><th>Requests</th><th>Streams</th><th>Pending</th></tr>
{{range .Tunnels}}
<tr>
<td>{{.ID}}</td>
<td>{{.ConnectedAt.Format "2006-01-02 15:04:05"}}</td>
<td>{{.LastActivity.Format "2006-01-02 15:04:05"}}</td>
<td>{{.RequestsServed}}</td>
<td>{{.ActiveStreams}}</td>
<td>{{.PendingCount}}</td>
</tr>
{{end}}
</table>
{{else}}
<p class="empty">No tunnels connected.</p>
{{end}}
</body>
</html>
`))

type statusPage struct {
	TunnelCount  int
	SingleTunnel bool
	Uptime       time.Duration
	Tunnels      []Summary
}

var serverStart = time.Now()

// handleStatus renders the relay's state: JSON for API callers, an HTML
// table for browsers.
func (s *Server) handleStatus(c *gin.Context) {
	summaries := s.registry.Snapshot()

	if strings.Contains(c.GetHeader("Accept"), "application/json") {
		c.JSON(http.StatusOK, gin.H{
			"tunnelCount":  len(summaries),
			"singleTunnel": s.registry.SingleTunnel(),
			"uptime":       time.Since(serverStart).Round(time.Second).String(),
			"tunnels":      summaries,
		})
		return
	}

	page := statusPage{
		TunnelCount:  len(summaries),
		SingleTunnel: s.registry.SingleTunnel(),
		Uptime:       time.Since(serverStart).Round(time.Second),
		Tunnels:      summaries,
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(c.Writer, page); err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}
