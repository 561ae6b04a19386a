package app

import (
	"context"
	"log"
	"time"

	"github.com/cimillas/storefront-core/internal/clock"
	"github.com/cimillas/storefront-core/internal/domain"
	"github.com/cimillas/storefront-core/internal/ledger"
	"github.com/shopspring/decimal"
)

// PaymentOutcomes receives the verifier's classification of a target.
// Each callback fires exactly once per order; the guarded state
// update in storage absorbs overlapping poll cycles.
type PaymentOutcomes interface {
	PaymentConfirmed(ctx context.Context, orderID string) error
	PaymentUnderpaid(ctx context.Context, orderID string, received decimal.Decimal, sender string) error
	PaymentExpired(ctx context.Context, orderID string) error
}

// PaymentPoller checks awaiting targets against the external ledger.
// The ledger is read-only and eventually consistent; a query failure
// just leaves the target for the next cycle.
type PaymentPoller struct {
	repo     PaymentRepository
	ledger   ledger.Ledger
	outcomes PaymentOutcomes
	clk      clock.Clock
	logger   *log.Logger
	batch    int
}

const defaultPollBatch = 100

func NewPaymentPoller(repo PaymentRepository, ldg ledger.Ledger, outcomes PaymentOutcomes, clk clock.Clock, logger *log.Logger) *PaymentPoller {
	if logger == nil {
		logger = log.Default()
	}
	return &PaymentPoller{
		repo:     repo,
		ledger:   ldg,
		outcomes: outcomes,
		clk:      clk,
		logger:   logger,
		batch:    defaultPollBatch,
	}
}

// Run polls on a fixed interval until ctx is cancelled.
func (p *PaymentPoller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 45 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.logger.Printf("payment poll: %v", err)
			}
		}
	}
}

// Poll first replays targets whose settle committed but whose order
// never moved, then classifies every awaiting target once. Targets
// already settled by a concurrent cycle are skipped by the storage
// guard.
func (p *PaymentPoller) Poll(ctx context.Context) error {
	stalled, err := p.repo.ListUnresolved(ctx, p.batch)
	if err != nil {
		return err
	}
	for _, target := range stalled {
		if err := p.redrive(ctx, target); err != nil {
			p.logger.Printf("payment redrive target=%s order=%s: %v", target.ID, target.OrderID, err)
		}
	}

	targets, err := p.repo.ListAwaiting(ctx, p.batch)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if err := p.check(ctx, target); err != nil {
			p.logger.Printf("payment poll target=%s order=%s: %v", target.ID, target.OrderID, err)
		}
	}
	return nil
}

// redrive replays the outcome of a settled target whose order is
// still at the payment stage: the callback failed, or the process
// died between the settle and the order transition. Every callback is
// guarded in storage, so a replay of work that already happened is a
// no-op.
func (p *PaymentPoller) redrive(ctx context.Context, target domain.PaymentTarget) error {
	p.logger.Printf("payment outcome redriven order=%s state=%s", target.OrderID, target.State)
	switch target.State {
	case domain.PaymentConfirmed:
		return p.outcomes.PaymentConfirmed(ctx, target.OrderID)
	case domain.PaymentUnderpaid:
		return p.outcomes.PaymentUnderpaid(ctx, target.OrderID, target.AmountReceived, target.SenderAddress)
	case domain.PaymentExpired:
		return p.outcomes.PaymentExpired(ctx, target.OrderID)
	}
	return nil
}

func (p *PaymentPoller) check(ctx context.Context, target domain.PaymentTarget) error {
	transfers, err := p.ledger.Transfers(ctx, target.Address)
	if err != nil {
		// Transient ledger fault; the next cycle retries.
		return err
	}

	received := decimal.Zero
	sender := ""
	for _, tr := range transfers {
		received = received.Add(tr.Amount)
		if sender == "" {
			sender = tr.From
		}
	}

	now := p.clk.Now()

	switch {
	case received.IsPositive() && received.GreaterThanOrEqual(target.Threshold()):
		settled, err := p.repo.MarkConfirmed(ctx, target.ID, received, sender)
		if err != nil || !settled {
			return err
		}
		p.logger.Printf("payment confirmed order=%s received=%s", target.OrderID, received)
		return p.outcomes.PaymentConfirmed(ctx, target.OrderID)

	case !target.ExpiresAt.After(now) && received.IsPositive():
		settled, err := p.repo.MarkUnderpaid(ctx, target.ID, received, sender)
		if err != nil || !settled {
			return err
		}
		p.logger.Printf("payment underpaid order=%s received=%s expected=%s", target.OrderID, received, target.Amount)
		return p.outcomes.PaymentUnderpaid(ctx, target.OrderID, received, sender)

	case !target.ExpiresAt.After(now):
		settled, err := p.repo.MarkExpired(ctx, target.ID)
		if err != nil || !settled {
			return err
		}
		p.logger.Printf("payment expired order=%s", target.OrderID)
		return p.outcomes.PaymentExpired(ctx, target.OrderID)
	}

	return nil
}
