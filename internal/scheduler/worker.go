package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskrunner/internal/events"
)

// workerLoop is one member of the pool: admission gate, dequeue, claim,
// execute. It never preempts a running task.
func (e *Engine) workerLoop(ctx context.Context, worker int) error {
	logger := e.logger.With().Int("worker", worker).Logger()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if e.queue.Len() == 0 {
			if !e.idle(ctx, e.cfg.IdlePoll) {
				return nil
			}
			continue
		}

		if e.admitter != nil && !e.admitter.IsAdmissible() {
			denied := e.denials.Add(1)
			e.denyLog.Do(func() {
				u := e.admitter.Usage()
				logger.Warn().
					Float64("cpu", u.CPUPercent).
					Float64("mem", u.MemoryPercent).
					Float64("disk", u.DiskPercent).
					Uint64("denials", denied).
					Msg("resources exhausted, holding back workers")
			})
			e.publish(events.TopicEngine, events.AdmissionDeniedEvent{Worker: worker, Timestamp: e.now()})
			if !sleepCtx(ctx, e.cfg.AdmissionBackoff) {
				return nil
			}
			continue
		}

		task, ok := e.queue.DequeueHighest()
		if !ok {
			continue // another worker won the race
		}
		e.execute(ctx, worker, task)
	}
}

// idle waits for new work, the poll interval, or shutdown. Returns false on shutdown.
func (e *Engine) idle(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-e.wake:
		return true
	case <-timer.C:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// execute claims a dequeued task and runs it to a terminal status.
func (e *Engine) execute(ctx context.Context, worker int, queued *Task) {
	if ctx.Err() != nil {
		return // still QUEUED in the store; recovered on next start
	}

	// Bookkeeping writes must land even while the engine shuts down.
	bg := context.WithoutCancel(ctx)

	t, err := retryStore(func() (*Task, error) {
		return e.registry.UpdateStatus(bg, queued.ID, StatusRunning, nil, fmt.Sprintf("claimed by worker %d", worker))
	})
	if errors.Is(err, ErrInvalidTransition) {
		e.logger.Debug().Str("task", queued.ID).Msg("dequeued task is no longer queued, skipping")
		return
	}
	if err != nil {
		e.logger.Error().Err(err).Str("task", queued.ID).Msg("failed to claim task")
		return
	}

	e.logger.Info().Str("task", t.ID).Str("name", t.Name).Int("attempt", t.Attempt).Int("worker", worker).Msg("task started")
	e.publish(events.TopicTask, events.TaskStartedEvent{
		ID:        t.ID,
		Name:      t.Name,
		Handler:   t.Handler,
		Attempt:   t.Attempt,
		Worker:    worker,
		Timestamp: t.StartedAt,
	})

	e.inflight.Add(1)
	start := time.Now()
	result, runErr := e.run(ctx, t)
	elapsed := time.Since(start)
	e.inflight.Add(-1)

	if runErr != nil {
		e.finishFailed(bg, t, runErr, elapsed)
		return
	}
	e.finishCompleted(bg, t, result, elapsed)
}

type outcome struct {
	result json.RawMessage
	err    error
}

// run invokes the handler under the task deadline and the service breaker.
// The handler runs in its own goroutine so an uncooperative handler cannot
// hold the worker past the deadline.
func (e *Engine) run(ctx context.Context, t *Task) (json.RawMessage, error) {
	h, err := e.handlers.Lookup(t.Handler)
	if err != nil {
		return nil, err
	}

	var report func(success bool)
	if t.Service != "" {
		report, err = e.breakers.Allow(t.Service)
		if err != nil {
			return nil, err
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: panicError{value: r}}
			}
		}()
		res, err := h.Handle(runCtx, t.Args)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = outcome{err: runCtx.Err()}
	}

	interrupted := false
	if out.err != nil {
		switch {
		case ctx.Err() != nil:
			out.err = interruptedError{cause: out.err}
			interrupted = true
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			out.err = timeoutError{after: timeout.String()}
		}
	}

	if report != nil {
		// Shutdown says nothing about the health of the service.
		report(out.err == nil || interrupted)
	}
	return out.result, out.err
}
