package delivery

import (
	"context"
	"log"
	"time"

	"github.com/cimillas/storefront-core/internal/clock"
	"github.com/cimillas/storefront-core/internal/domain"
)

// TaskSource claims due work for the retry worker.
type TaskSource interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error)
}

// OrderOutcomes lets the worker report terminal delivery results
// back to the orchestrator.
type OrderOutcomes interface {
	DeliverySucceeded(ctx context.Context, orderID string) error
	DeliveryFailed(ctx context.Context, orderID string) error
}

// Worker drains the durable retry queue: every tick it claims a
// bounded batch of due tasks and re-invokes the dispatcher for each.
// Duplicate pickups are harmless because claiming and terminal
// states are guarded in storage.
type Worker struct {
	tasks      TaskSource
	dispatcher *Dispatcher
	orders     OrderOutcomes
	clk        clock.Clock
	logger     *log.Logger
	interval   time.Duration
	batch      int
}

const (
	defaultWorkerInterval = time.Minute
	defaultWorkerBatch    = 10
)

func NewWorker(tasks TaskSource, dispatcher *Dispatcher, orders OrderOutcomes, clk clock.Clock, logger *log.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	w := &Worker{
		tasks:      tasks,
		dispatcher: dispatcher,
		orders:     orders,
		clk:        clk,
		logger:     logger,
		interval:   defaultWorkerInterval,
		batch:      defaultWorkerBatch,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type WorkerOption func(*Worker)

func WithWorkerInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithWorkerBatch(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Printf("retry sweep: %v", err)
			}
		}
	}
}

// Sweep processes one batch of due tasks.
func (w *Worker) Sweep(ctx context.Context) error {
	due, err := w.tasks.ClaimDue(ctx, w.clk.Now(), w.batch)
	if err != nil {
		return err
	}

	for _, task := range due {
		outcome, err := w.dispatcher.Dispatch(ctx, task)
		if err != nil {
			w.logger.Printf("retry dispatch task=%s: %v", task.ID, err)
			continue
		}

		switch outcome {
		case OutcomeDelivered:
			if err := w.orders.DeliverySucceeded(ctx, task.OrderID); err != nil {
				w.logger.Printf("mark order fulfilled order=%s: %v", task.OrderID, err)
			}
		case OutcomeFailed:
			if err := w.orders.DeliveryFailed(ctx, task.OrderID); err != nil {
				w.logger.Printf("mark order failed order=%s: %v", task.OrderID, err)
			}
		}
	}
	return nil
}
