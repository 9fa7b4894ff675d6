package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/pgrokio/pgrok/pkg/tunnel"
)

const defaultReaperSchedule = "0 */5 * * * *"

// IdleReaperJob periodically removes tunnels that have relayed no traffic
// for the server's idle window.
type IdleReaperJob struct {
	server   *tunnel.Server
	schedule string
}

// NewIdleReaperJob wires the reaper to a relay server. schedule may be empty
// to run every five minutes.
func NewIdleReaperJob(server *tunnel.Server, schedule string) *IdleReaperJob {
	return &IdleReaperJob{server: server, schedule: schedule}
}

func (j *IdleReaperJob) Name() string {
	return "idle-reaper"
}

func (j *IdleReaperJob) Schedule(ctx context.Context) string {
	schedule := j.schedule
	if schedule == "" {
		schedule = defaultReaperSchedule
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		slog.WarnContext(ctx, "Invalid cron expression for idle-reaper, using default",
			"invalid_schedule", schedule, "error", err)
		return defaultReaperSchedule
	}
	return schedule
}

func (j *IdleReaperJob) Run(ctx context.Context) {
	j.server.ReapIdle(ctx)
}
