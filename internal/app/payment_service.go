package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cimillas/storefront-core/internal/clock"
	"github.com/cimillas/storefront-core/internal/domain"
	"github.com/cimillas/storefront-core/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateTarget(ctx context.Context, target domain.PaymentTarget, secretKey string) error
	GetTargetByOrder(ctx context.Context, orderID string) (*domain.PaymentTarget, error)
	ListAwaiting(ctx context.Context, limit int) ([]domain.PaymentTarget, error)
	ListUnresolved(ctx context.Context, limit int) ([]domain.PaymentTarget, error)
	MarkConfirmed(ctx context.Context, id string, received decimal.Decimal, sender string) (bool, error)
	MarkUnderpaid(ctx context.Context, id string, received decimal.Decimal, sender string) (bool, error)
	MarkExpired(ctx context.Context, id string) (bool, error)
}

// PaymentService issues payment targets: one fresh receiving address
// per order, never reused, with a deadline and a tolerance fraction
// that absorbs exchange-rate drift.
type PaymentService struct {
	repo      PaymentRepository
	wallets   ledger.WalletSource
	clk       clock.Clock
	ttl       time.Duration
	tolerance decimal.Decimal
}

const defaultPaymentTTL = 20 * time.Minute

var defaultTolerance = decimal.RequireFromString("0.995")

func NewPaymentService(repo PaymentRepository, wallets ledger.WalletSource, clk clock.Clock, opts ...PaymentServiceOption) *PaymentService {
	svc := &PaymentService{
		repo:      repo,
		wallets:   wallets,
		clk:       clk,
		ttl:       defaultPaymentTTL,
		tolerance: defaultTolerance,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type PaymentServiceOption func(*PaymentService)

// WithPaymentTTL overrides how long a target waits for its deposit.
func WithPaymentTTL(d time.Duration) PaymentServiceOption {
	return func(s *PaymentService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithTolerance overrides the paid-in-full fraction. Policy, not
// architecture: exposed so operators can tune it.
func WithTolerance(t decimal.Decimal) PaymentServiceOption {
	return func(s *PaymentService) {
		if t.IsPositive() && t.LessThanOrEqual(decimal.NewFromInt(1)) {
			s.tolerance = t
		}
	}
}

// CreateTarget generates a receiving address and deadline for an
// order. Idempotent per order: a retried checkout gets the same
// address back.
func (s *PaymentService) CreateTarget(ctx context.Context, orderID string, amount decimal.Decimal) (domain.PaymentTarget, error) {
	now := s.clk.Now()
	var result domain.PaymentTarget

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if existing, err := s.repo.GetTargetByOrder(txCtx, orderID); err != nil {
			return err
		} else if existing != nil {
			result = *existing
			return nil
		}

		wallet, err := s.wallets.NewWallet(txCtx)
		if err != nil {
			return fmt.Errorf("generate wallet: %w", err)
		}

		target := domain.PaymentTarget{
			ID:             uuid.NewString(),
			OrderID:        orderID,
			Address:        wallet.Address,
			Amount:         amount,
			Tolerance:      s.tolerance,
			AmountReceived: decimal.Zero,
			State:          domain.PaymentAwaiting,
			ExpiresAt:      now.Add(s.ttl),
			CreatedAt:      now,
		}

		if err := s.repo.CreateTarget(txCtx, target, wallet.SecretKey); err != nil {
			// Re-read on conflict to keep retried checkouts consistent
			// under concurrency.
			if err == domain.ErrTargetExists {
				existing, err := s.repo.GetTargetByOrder(txCtx, orderID)
				if err != nil {
					return err
				}
				if existing != nil {
					result = *existing
					return nil
				}
			}
			return err
		}

		result = target
		return nil
	})
	if err != nil {
		return domain.PaymentTarget{}, err
	}
	return result, nil
}

// TargetByOrder returns the order's payment target, or nil.
func (s *PaymentService) TargetByOrder(ctx context.Context, orderID string) (*domain.PaymentTarget, error) {
	return s.repo.GetTargetByOrder(ctx, orderID)
}

// CancelTarget settles an awaiting target as expired so the poller
// stops watching it. Funds arriving afterwards are an operator sweep
// concern.
func (s *PaymentService) CancelTarget(ctx context.Context, orderID string) error {
	target, err := s.repo.GetTargetByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	_, err = s.repo.MarkExpired(ctx, target.ID)
	return err
}
