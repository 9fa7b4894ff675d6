package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pgrokio/pgrok/pkg/tunnel"
)

func TestIdleReaperJob_ScheduleDefaultsAndValidation(t *testing.T) {
	server := tunnel.NewServer(tunnel.ServerOptions{}, nil)

	job := NewIdleReaperJob(server, "")
	assert.Equal(t, "idle-reaper", job.Name())
	assert.Equal(t, defaultReaperSchedule, job.Schedule(context.Background()))

	custom := NewIdleReaperJob(server, "@every 30s")
	assert.Equal(t, "@every 30s", custom.Schedule(context.Background()))

	invalid := NewIdleReaperJob(server, "every day at noon")
	assert.Equal(t, defaultReaperSchedule, invalid.Schedule(context.Background()))
}

func TestIdleReaperJob_RunOnEmptyServerIsANoop(t *testing.T) {
	server := tunnel.NewServer(tunnel.ServerOptions{}, nil)
	job := NewIdleReaperJob(server, "")

	job.Run(context.Background())
	assert.Equal(t, 0, server.Registry().Len())
}
