package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskrunner/internal/events"
)

// finishCompleted records success, spawns the next occurrence of a recurring
// task and wakes the promotion loop for dependents.
func (e *Engine) finishCompleted(ctx context.Context, t *Task, result json.RawMessage, elapsed time.Duration) {
	done, err := retryStore(func() (*Task, error) {
		return e.registry.UpdateStatus(ctx, t.ID, StatusCompleted, func(x *Task) {
			x.Result = result
			x.Error = nil
		}, "completed")
	})
	if err != nil {
		e.logger.Error().Err(err).Str("task", t.ID).Msg("failed to record completion")
		return
	}

	e.logger.Info().Str("task", done.ID).Str("name", done.Name).Dur("took", elapsed).Msg("task completed")
	e.publish(events.TopicTask, events.TaskCompletedEvent{
		ID:        done.ID,
		Name:      done.Name,
		Duration:  elapsed,
		Timestamp: done.CompletedAt,
	})

	e.spawnNext(ctx, done)
	e.triggerPromotion()
}

// finishFailed classifies the error, records FAILED and either schedules a
// retry copy or reports the failure as final.
func (e *Engine) finishFailed(ctx context.Context, t *Task, runErr error, elapsed time.Duration) {
	te := e.cfg.Classification.Classify(runErr)
	policy := t.Retry.withDefaults(e.cfg.Retry)

	var retryID string
	if policy.ShouldRetry(t.Attempt, te) {
		retryID = uuid.NewString()
	}

	failed, err := retryStore(func() (*Task, error) {
		return e.registry.UpdateStatus(ctx, t.ID, StatusFailed, func(x *Task) {
			x.Error = te
			x.Result = nil
			x.RetriedBy = retryID
		}, "failed: "+te.Error())
	})
	if err != nil {
		e.logger.Error().Err(err).Str("task", t.ID).Msg("failed to record failure")
		return
	}

	if retryID != "" {
		runAt, err := e.scheduleRetry(ctx, failed, retryID, policy)
		if err == nil {
			e.logger.Warn().Str("task", failed.ID).Str("name", failed.Name).Str("kind", string(te.Kind)).Str("error", te.Message).
				Int("attempt", failed.Attempt).Str("retry", retryID).Time("at", runAt).Msg("task failed, retry scheduled")
			e.publish(events.TopicTask, events.TaskFailedEvent{
				ID:        failed.ID,
				Name:      failed.Name,
				Kind:      string(te.Kind),
				Err:       te.Message,
				Attempt:   failed.Attempt,
				Duration:  elapsed,
				Timestamp: failed.CompletedAt,
			})
			e.publish(events.TopicTask, events.TaskRetryScheduledEvent{
				ID:        failed.ID,
				RetryID:   retryID,
				Attempt:   failed.Attempt + 1,
				RunAt:     runAt,
				Timestamp: e.now(),
			})
			e.triggerPromotion()
			return
		}

		e.logger.Error().Err(err).Str("task", failed.ID).Msg("failed to schedule retry")
		if _, err := retryStore(func() (*Task, error) {
			return e.registry.Annotate(ctx, failed.ID, func(x *Task) { x.RetriedBy = "" }, "retry could not be scheduled")
		}); err != nil {
			e.logger.Error().Err(err).Str("task", failed.ID).Msg("failed to clear retry link")
		}
	}

	e.logger.Error().Str("task", failed.ID).Str("name", failed.Name).Str("kind", string(te.Kind)).Str("error", te.Message).
		Int("attempt", failed.Attempt).Msg("task failed permanently")
	e.publish(events.TopicTask, events.TaskFailedEvent{
		ID:        failed.ID,
		Name:      failed.Name,
		Kind:      string(te.Kind),
		Err:       te.Message,
		Attempt:   failed.Attempt,
		Final:     true,
		Duration:  elapsed,
		Timestamp: failed.CompletedAt,
	})
	e.triggerPromotion()
}

// scheduleRetry inserts the next attempt of a failed task under retryID.
func (e *Engine) scheduleRetry(ctx context.Context, failed *Task, retryID string, policy RetryPolicy) (time.Time, error) {
	runAt := e.now().Add(policy.Backoff(failed.Attempt))

	first := failed.RetryOf
	if first == "" {
		first = failed.ID
	}

	next := successorOf(failed)
	next.ID = retryID
	next.ScheduledTime = runAt
	next.Occurrence = failed.Occurrence
	next.Dependencies = append([]string(nil), failed.Dependencies...)
	next.Attempt = failed.Attempt + 1
	next.RetryOf = first
	next.Previous = failed.Previous

	if _, err := retryStore(func() (string, error) { return e.registry.Submit(ctx, next) }); err != nil {
		return time.Time{}, err
	}
	e.announce(next)
	return runAt, nil
}

// spawnNext submits the next occurrence of a completed recurring task.
// Dependencies are not carried over.
func (e *Engine) spawnNext(ctx context.Context, done *Task) {
	if done.Recurrence.IsZero() {
		return
	}

	base := done.Occurrence
	if base.IsZero() {
		base = done.ScheduledTime
	}

	var (
		at time.Time
		ok bool
	)
	if e.cfg.CoalesceMissed {
		at, ok = nextAfter(base, e.now(), done.Recurrence)
	} else {
		at, ok = NextOccurrence(base, done.Recurrence)
	}
	if !ok {
		e.logger.Warn().Str("task", done.ID).Str("recurrence", done.Recurrence.Kind.String()).Msg("recurrence produced no next occurrence")
		return
	}

	next := successorOf(done)
	next.ID = uuid.NewString()
	next.ScheduledTime = at
	next.Occurrence = at
	next.Previous = done.ID

	if _, err := retryStore(func() (string, error) { return e.registry.Submit(ctx, next) }); err != nil {
		e.logger.Error().Err(err).Str("task", done.ID).Msg("failed to spawn next occurrence")
		return
	}
	if _, err := e.registry.Annotate(ctx, done.ID, nil, fmt.Sprintf("next occurrence %s at %s", next.ID, at.Format(time.RFC3339))); err != nil {
		e.logger.Warn().Err(err).Str("task", done.ID).Msg("failed to annotate occurrence")
	}

	e.logger.Info().Str("task", next.ID).Str("name", next.Name).Time("at", at).Msg("next occurrence scheduled")
	e.announce(next)
}

// successorOf copies the definition of t (not its lifecycle) into a new task.
func successorOf(t *Task) *Task {
	src := t.Clone()
	return &Task{
		Name:        src.Name,
		Description: src.Description,
		Handler:     src.Handler,
		Args:        src.Args,
		Recurrence:  src.Recurrence,
		Timeout:     src.Timeout,
		Priority:    src.Priority,
		Retry:       src.Retry,
		Resources:   src.Resources,
		Service:     src.Service,
	}
}

func (e *Engine) announce(t *Task) {
	e.publish(events.TopicTask, events.TaskSubmittedEvent{
		ID:            t.ID,
		Name:          t.Name,
		Priority:      t.Priority.String(),
		ScheduledTime: t.ScheduledTime,
		Timestamp:     t.CreatedAt,
	})
}
