package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/taskrunner/internal/events"
)

// PromoteOnce moves every eligible PENDING task into the queue and returns
// how many were promoted. Safe to call concurrently with the loops; a task
// is promoted at most once because the PENDING -> QUEUED transition is
// checked under its lock.
func (e *Engine) PromoteOnce(ctx context.Context) (int, error) {
	eligible, err := e.registry.Eligible(ctx, e.now())
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, t := range eligible {
		id := t.ID
		// Enqueue under the task lock so a concurrent Cancel either sees the
		// task in the queue or refuses the promotion.
		_, err := retryStore(func() (*Task, error) {
			return e.registry.transition(ctx, id, StatusQueued, nil, "promoted", func(queued *Task) {
				e.publish(events.TopicTask, events.TaskQueuedEvent{
					ID:        queued.ID,
					Name:      queued.Name,
					Priority:  queued.Priority.String(),
					Timestamp: e.now(),
				})
				e.enqueue(queued)
			})
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue // cancelled or promoted concurrently
		}
		if err != nil {
			e.logger.Error().Err(err).Str("task", id).Msg("failed to promote task")
			continue
		}
		promoted++
	}

	if promoted > 0 {
		e.logger.Debug().Int("count", promoted).Msg("promoted tasks")
	}
	return promoted, nil
}

func (e *Engine) enqueue(t *Task) {
	if e.queue.Enqueue(t) {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// triggerPromotion asks the promotion loop for an early pass.
func (e *Engine) triggerPromotion() {
	select {
	case e.promote <- struct{}{}:
	default:
	}
}

func (e *Engine) promotionLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PromotionInterval)
	defer ticker.Stop()

	for {
		if _, err := e.PromoteOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("promotion pass failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.promote:
		}
	}
}
