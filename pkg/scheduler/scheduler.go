package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is a unit of scheduled work. Schedule returns a cron expression with a
// seconds field; it is re-evaluated whenever the job is (re)scheduled.
type Job interface {
	Name() string
	Schedule(ctx context.Context) string
	Run(ctx context.Context)
}

// JobScheduler wraps a cron runner and tracks entries by job name so a job
// can be rescheduled without accumulating duplicate entries.
type JobScheduler struct {
	cron         *cron.Cron
	lifecycleCtx context.Context

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewJobScheduler creates a scheduler bound to a lifecycle context; jobs
// passed here are scheduled immediately. Runs started before the context is
// canceled still observe the cancellation through the context they receive.
func NewJobScheduler(lifecycleCtx context.Context, jobs []Job) *JobScheduler {
	js := &JobScheduler{
		cron:         cron.New(cron.WithSeconds()),
		lifecycleCtx: lifecycleCtx,
		entries:      make(map[string]cron.EntryID),
	}
	for _, job := range jobs {
		if err := js.RescheduleJob(lifecycleCtx, job); err != nil {
			slog.ErrorContext(lifecycleCtx, "Failed to schedule job", "job", job.Name(), "error", err)
		}
	}
	return js
}

// RescheduleJob (re)adds a job under its current schedule, replacing any
// previous entry with the same name.
func (js *JobScheduler) RescheduleJob(ctx context.Context, job Job) error {
	schedule := job.Schedule(ctx)

	js.mu.Lock()
	defer js.mu.Unlock()

	if id, ok := js.entries[job.Name()]; ok {
		js.cron.Remove(id)
		delete(js.entries, job.Name())
	}

	id, err := js.cron.AddFunc(schedule, func() {
		runCtx := js.lifecycleCtx
		if runCtx.Err() != nil {
			return
		}
		job.Run(runCtx)
	})
	if err != nil {
		return fmt.Errorf("schedule job %s (%q): %w", job.Name(), schedule, err)
	}

	js.entries[job.Name()] = id
	slog.DebugContext(ctx, "Job scheduled", "job", job.Name(), "schedule", schedule)
	return nil
}

// Start runs the cron loop and blocks until the lifecycle context is
// canceled, then waits for in-flight runs.
func (js *JobScheduler) Start() error {
	js.cron.Start()
	<-js.lifecycleCtx.Done()
	<-js.cron.Stop().Done()
	return js.lifecycleCtx.Err()
}

// Stop halts scheduling without waiting for the lifecycle context.
func (js *JobScheduler) Stop() {
	<-js.cron.Stop().Done()
}
