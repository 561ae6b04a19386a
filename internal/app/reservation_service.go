package app

import (
	"context"
	"sort"
	"time"

	"github.com/cimillas/storefront-core/internal/clock"
	"github.com/cimillas/storefront-core/internal/domain"
	"github.com/google/uuid"
)

type ReservationRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetProductForReserve(ctx context.Context, productID string) (domain.Product, error)
	SumHeld(ctx context.Context, productID string, now time.Time) (int, error)
	CreateReservation(ctx context.Context, res domain.Reservation) error
	GetReservationForUpdate(ctx context.Context, id string) (domain.Reservation, error)
	SetReservationState(ctx context.Context, id string, state domain.ReservationState) error
	DecrementStock(ctx context.Context, productID string, quantity int) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.Reservation, error)
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)
}

// ReservationService holds inventory against orders for a bounded
// window. Contention on a product degrades to fast rejection: a row
// locked by a concurrent attempt reads as unavailable instead of
// queuing.
type ReservationService struct {
	repo ReservationRepository
	clk  clock.Clock
	ttl  time.Duration
}

const defaultReservationTTL = 15 * time.Minute

func NewReservationService(repo ReservationRepository, clk clock.Clock, opts ...ReservationServiceOption) *ReservationService {
	svc := &ReservationService{
		repo: repo,
		clk:  clk,
		ttl:  defaultReservationTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type ReservationServiceOption func(*ReservationService)

// WithReservationTTL overrides the default hold window.
func WithReservationTTL(d time.Duration) ReservationServiceOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

type ReserveItem struct {
	ProductID string
	Quantity  int
}

// Reserve holds the requested quantities for an order, all lines or
// none. ErrStockUnavailable is a definitive business outcome: the
// caller reports it and never retries.
func (s *ReservationService) Reserve(ctx context.Context, orderID string, items []ReserveItem) ([]domain.Reservation, error) {
	if len(items) == 0 {
		return nil, domain.ErrInvalidQuantity
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
	}

	// Deterministic lock order across concurrent multi-line orders.
	sorted := append([]ReserveItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	now := s.clk.Now()
	var result []domain.Reservation

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		result = result[:0]
		for _, item := range sorted {
			product, err := s.repo.GetProductForReserve(txCtx, item.ProductID)
			if err != nil {
				return err
			}

			held, err := s.repo.SumHeld(txCtx, item.ProductID, now)
			if err != nil {
				return err
			}

			available := product.Stock - held
			if item.Quantity > available {
				return domain.ErrStockUnavailable
			}

			res := domain.Reservation{
				ID:        uuid.NewString(),
				OrderID:   orderID,
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				State:     domain.ReservationHeld,
				ExpiresAt: now.Add(s.ttl),
				CreatedAt: now,
			}
			if err := s.repo.CreateReservation(txCtx, res); err != nil {
				return err
			}
			result = append(result, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release returns held quantity to available stock. Idempotent: a
// reservation already released or consumed is left alone.
func (s *ReservationService) Release(ctx context.Context, reservationID string) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.repo.GetReservationForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if res.State != domain.ReservationHeld {
			return nil
		}
		return s.repo.SetReservationState(txCtx, reservationID, domain.ReservationReleased)
	})
}

// Consume permanently decrements stock and marks the reservation
// consumed. A second call is a no-op returning the consumed state,
// which protects retried finalization from double-decrement. An
// expired or released reservation cannot be consumed.
func (s *ReservationService) Consume(ctx context.Context, reservationID string) (domain.Reservation, error) {
	now := s.clk.Now()
	var result domain.Reservation

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.repo.GetReservationForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}

		switch {
		case res.State == domain.ReservationConsumed:
			result = res
			return nil
		case res.State == domain.ReservationReleased:
			return domain.ErrReservationExpired
		case !res.ExpiresAt.After(now):
			// Past deadline but not yet swept. The sweep owns the
			// release; writing it here would be undone by the
			// caller's rollback anyway.
			return domain.ErrReservationExpired
		}

		if err := s.repo.DecrementStock(txCtx, res.ProductID, res.Quantity); err != nil {
			return err
		}
		if err := s.repo.SetReservationState(txCtx, reservationID, domain.ReservationConsumed); err != nil {
			return err
		}
		res.State = domain.ReservationConsumed
		result = res
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return result, nil
}

// ReleaseOrder releases every reservation still held for an order.
func (s *ReservationService) ReleaseOrder(ctx context.Context, orderID string) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		reservations, err := s.repo.ListByOrder(txCtx, orderID)
		if err != nil {
			return err
		}
		for _, res := range reservations {
			if err := s.Release(txCtx, res.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReservationsByOrder lists an order's reservations.
func (s *ReservationService) ReservationsByOrder(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

// ReleaseExpired sweeps reservations past their deadline back to
// available stock.
func (s *ReservationService) ReleaseExpired(ctx context.Context) (int64, error) {
	return s.repo.ReleaseExpired(ctx, s.clk.Now())
}
