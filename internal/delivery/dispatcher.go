package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cimillas/storefront-core/internal/clock"
	"github.com/cimillas/storefront-core/internal/domain"
	"github.com/cimillas/storefront-core/internal/notify"
)

// TaskStore persists dispatch outcomes. Implemented by the Postgres
// delivery repository.
type TaskStore interface {
	MarkDelivered(ctx context.Context, taskID string, attemptCount int) error
	ScheduleRetry(ctx context.Context, taskID string, attemptCount int, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, taskID string, attemptCount int, lastError string) error
}

type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeRetrying
	OutcomeFailed
)

// Dispatcher attempts one send of a claimed (in_flight) task and
// persists the classified result. Throttle hints are honored
// exactly; network faults back off exponentially; permanent faults
// fail the task and escalate immediately, exactly once.
type Dispatcher struct {
	channel  Channel
	limiter  *RateLimiter
	tasks    TaskStore
	notifier notify.Notifier
	clk      clock.Clock
	logger   *log.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

const (
	defaultBaseBackoff = 5 * time.Minute
	defaultMaxBackoff  = 60 * time.Minute
)

func NewDispatcher(channel Channel, limiter *RateLimiter, tasks TaskStore, notifier notify.Notifier, clk clock.Clock, logger *log.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	d := &Dispatcher{
		channel:     channel,
		limiter:     limiter,
		tasks:       tasks,
		notifier:    notifier,
		clk:         clk,
		logger:      logger,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type DispatcherOption func(*Dispatcher)

// WithBackoff overrides the transient-failure schedule.
func WithBackoff(base, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if base > 0 {
			d.baseBackoff = base
		}
		if max >= base {
			d.maxBackoff = max
		}
	}
}

// Dispatch sends a task the caller has already claimed. The returned
// outcome tells the caller which order transition, if any, to apply.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.DeliveryTask) (Outcome, error) {
	if err := d.limiter.Acquire(ctx, task.Recipient); err != nil {
		// Shutdown mid-wait: put the task back untouched.
		if requeueErr := d.tasks.ScheduleRetry(context.WithoutCancel(ctx), task.ID, task.AttemptCount, d.clk.Now(), "interrupted before send"); requeueErr != nil {
			d.logger.Printf("requeue task=%s: %v", task.ID, requeueErr)
		}
		return OutcomeRetrying, err
	}

	attempt := task.AttemptCount + 1
	sendErr := d.channel.Send(ctx, task.Recipient, task.Payload)
	if sendErr == nil {
		if err := d.tasks.MarkDelivered(ctx, task.ID, attempt); err != nil {
			return OutcomeDelivered, err
		}
		d.logger.Printf("delivered task=%s order=%s attempt=%d", task.ID, task.OrderID, attempt)
		return OutcomeDelivered, nil
	}

	var throttled *ThrottledError
	var permanent *PermanentError
	now := d.clk.Now()

	switch {
	case errors.As(sendErr, &permanent):
		return d.fail(ctx, task, attempt, sendErr)

	case attempt >= task.MaxAttempts:
		return d.fail(ctx, task, attempt, sendErr)

	case errors.As(sendErr, &throttled):
		// The channel told us when to come back; believe it.
		next := now.Add(throttled.RetryAfter)
		if err := d.tasks.ScheduleRetry(ctx, task.ID, attempt, next, sendErr.Error()); err != nil {
			return OutcomeRetrying, err
		}
		d.logger.Printf("throttled task=%s order=%s retry_at=%s", task.ID, task.OrderID, next.Format(time.RFC3339))
		return OutcomeRetrying, nil

	default:
		next := now.Add(d.backoff(attempt))
		if err := d.tasks.ScheduleRetry(ctx, task.ID, attempt, next, sendErr.Error()); err != nil {
			return OutcomeRetrying, err
		}
		d.logger.Printf("delivery retry task=%s order=%s attempt=%d retry_at=%s err=%v", task.ID, task.OrderID, attempt, next.Format(time.RFC3339), sendErr)
		return OutcomeRetrying, nil
	}
}

func (d *Dispatcher) fail(ctx context.Context, task domain.DeliveryTask, attempt int, sendErr error) (Outcome, error) {
	if err := d.tasks.MarkFailed(ctx, task.ID, attempt, sendErr.Error()); err != nil {
		return OutcomeFailed, err
	}
	d.logger.Printf("delivery failed task=%s order=%s attempt=%d err=%v", task.ID, task.OrderID, attempt, sendErr)

	detail := fmt.Sprintf("order %s: delivery to %s failed after %d attempt(s): %v", task.OrderID, task.Recipient, attempt, sendErr)
	if err := d.notifier.Escalate(ctx, "delivery failed", detail); err != nil {
		d.logger.Printf("escalate task=%s: %v", task.ID, err)
	}
	return OutcomeFailed, nil
}

// backoff doubles from the base per attempt up to the cap: 5m, 10m,
// 20m, 40m, then 60m for the rest.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.baseBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	if wait > d.maxBackoff {
		return d.maxBackoff
	}
	return wait
}
