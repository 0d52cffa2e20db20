package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskrunner/internal/command"
	"github.com/aristath/taskrunner/internal/config"
	"github.com/aristath/taskrunner/internal/scheduler"
)

// noopKey is a handler that completes immediately with its args as result.
const noopKey = "noop"

func registerHandlers(h *scheduler.Handlers, pm *command.ProcessManager, logger zerolog.Logger) error {
	if err := h.Register(command.HandlerKey, command.NewRunner(pm, logger)); err != nil {
		return err
	}
	return h.Register(noopKey, scheduler.HandlerFunc(func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	}))
}

// seedJobs submits every configured job that has no live task yet. A job
// counts as live while a task with its name is PENDING, QUEUED or RUNNING,
// so recurring jobs are seeded once and then carried by their successors.
func seedJobs(ctx context.Context, engine *scheduler.Engine, jobs map[string]config.JobConfig, now time.Time, logger zerolog.Logger) error {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	slices.Sort(names)

	live := []scheduler.Status{scheduler.StatusPending, scheduler.StatusQueued, scheduler.StatusRunning}
	for _, name := range names {
		existing, err := engine.List(ctx, scheduler.ListFilter{Statuses: live, NamePrefix: name})
		if err != nil {
			return fmt.Errorf("checking job %s: %w", name, err)
		}
		if slices.ContainsFunc(existing, func(t scheduler.TaskSummary) bool { return t.Name == name }) {
			logger.Debug().Str("job", name).Msg("job already scheduled")
			continue
		}

		req, err := jobs[name].Request(name, now)
		if err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
		id, err := engine.Submit(ctx, req)
		if err != nil {
			return fmt.Errorf("submitting job %s: %w", name, err)
		}
		logger.Info().Str("job", name).Str("task", id).Time("at", req.ScheduledTime).Msg("job scheduled")
	}
	return nil
}
