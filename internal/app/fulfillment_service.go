package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cimillas/storefront-core/internal/clock"
	"github.com/cimillas/storefront-core/internal/delivery"
	"github.com/cimillas/storefront-core/internal/domain"
	"github.com/cimillas/storefront-core/internal/notify"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	TransitionStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) (bool, error)
	ListOrderItems(ctx context.Context, orderID string) ([]domain.PurchasedItem, error)
	CreateRefundTask(ctx context.Context, task domain.RefundTask) error
}

// PaymentTargets is the slice of the payment service the
// orchestrator drives.
type PaymentTargets interface {
	CreateTarget(ctx context.Context, orderID string, amount decimal.Decimal) (domain.PaymentTarget, error)
	TargetByOrder(ctx context.Context, orderID string) (*domain.PaymentTarget, error)
	CancelTarget(ctx context.Context, orderID string) error
}

// DeliveryTasks is the slice of delivery task storage the
// orchestrator drives.
type DeliveryTasks interface {
	CreateTask(ctx context.Context, task domain.DeliveryTask) error
	Claim(ctx context.Context, taskID string) (bool, error)
	GetTaskByOrder(ctx context.Context, orderID string) (*domain.DeliveryTask, error)
}

// TaskDispatcher performs one delivery attempt of a claimed task.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task domain.DeliveryTask) (delivery.Outcome, error)
}

// FulfillmentService is the pipeline's state machine. Within one
// order, transitions are strictly sequential: every edge is a
// compare-and-swap on the current status, and a lost race is a
// no-op, never corruption.
type FulfillmentService struct {
	orders       OrderRepository
	reservations *ReservationService
	targets      PaymentTargets
	tasks        DeliveryTasks
	dispatcher   TaskDispatcher
	notifier     notify.Notifier
	clk          clock.Clock
	logger       *log.Logger
	maxAttempts  int
}

const defaultMaxDeliveryAttempts = 10

func NewFulfillmentService(
	orders OrderRepository,
	reservations *ReservationService,
	targets PaymentTargets,
	tasks DeliveryTasks,
	dispatcher TaskDispatcher,
	notifier notify.Notifier,
	clk clock.Clock,
	logger *log.Logger,
	opts ...FulfillmentServiceOption,
) *FulfillmentService {
	if logger == nil {
		logger = log.Default()
	}
	svc := &FulfillmentService{
		orders:       orders,
		reservations: reservations,
		targets:      targets,
		tasks:        tasks,
		dispatcher:   dispatcher,
		notifier:     notifier,
		clk:          clk,
		logger:       logger,
		maxAttempts:  defaultMaxDeliveryAttempts,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type FulfillmentServiceOption func(*FulfillmentService)

// WithMaxDeliveryAttempts overrides the retry budget for new tasks.
func WithMaxDeliveryAttempts(n int) FulfillmentServiceOption {
	return func(s *FulfillmentService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

type PurchaseItemInput struct {
	ProductID string
	Quantity  int
}

type StartPurchaseInput struct {
	BuyerID   string
	Recipient string
	Items     []PurchaseItemInput
}

type StartPurchaseResult struct {
	OrderID        string
	PaymentAddress string
	Amount         decimal.Decimal
	ExpiresAt      time.Time
}

// StartPurchase opens an order in a single transaction: prices the
// items server-side, holds stock for every line or none, and issues
// the payment target. A failed step leaves nothing behind.
func (s *FulfillmentService) StartPurchase(ctx context.Context, in StartPurchaseInput) (StartPurchaseResult, error) {
	if in.BuyerID == "" || in.Recipient == "" {
		return StartPurchaseResult{}, domain.ErrInvalidID
	}
	if len(in.Items) == 0 {
		return StartPurchaseResult{}, domain.ErrInvalidQuantity
	}
	for _, item := range in.Items {
		if item.Quantity <= 0 {
			return StartPurchaseResult{}, domain.ErrInvalidQuantity
		}
	}

	now := s.clk.Now()
	var result StartPurchaseResult

	err := s.orders.WithTx(ctx, func(txCtx context.Context) error {
		items := make([]domain.LineItem, 0, len(in.Items))
		reserveItems := make([]ReserveItem, 0, len(in.Items))
		total := decimal.Zero

		for _, item := range in.Items {
			product, err := s.orders.GetProduct(txCtx, item.ProductID)
			if err != nil {
				return err
			}
			items = append(items, domain.LineItem{
				ProductID: product.ID,
				Quantity:  item.Quantity,
				UnitPrice: product.Price,
			})
			reserveItems = append(reserveItems, ReserveItem{ProductID: product.ID, Quantity: item.Quantity})
			total = total.Add(product.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}

		order := domain.Order{
			ID:        uuid.NewString(),
			BuyerID:   in.BuyerID,
			Recipient: in.Recipient,
			Items:     items,
			Total:     total,
			Status:    domain.OrderStatusCreated,
			CreatedAt: now,
		}
		if err := s.orders.CreateOrder(txCtx, order); err != nil {
			return err
		}

		if _, err := s.reservations.Reserve(txCtx, order.ID, reserveItems); err != nil {
			return err
		}
		if _, err := s.orders.TransitionStatus(txCtx, order.ID, domain.OrderStatusCreated, domain.OrderStatusReserved); err != nil {
			return err
		}

		target, err := s.targets.CreateTarget(txCtx, order.ID, total)
		if err != nil {
			return err
		}
		if _, err := s.orders.TransitionStatus(txCtx, order.ID, domain.OrderStatusReserved, domain.OrderStatusAwaitingPayment); err != nil {
			return err
		}

		result = StartPurchaseResult{
			OrderID:        order.ID,
			PaymentAddress: target.Address,
			Amount:         target.Amount,
			ExpiresAt:      target.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return StartPurchaseResult{}, err
	}

	s.logger.Printf("purchase started order=%s buyer=%s amount=%s", result.OrderID, in.BuyerID, result.Amount)
	return result, nil
}

// PaymentConfirmed moves a fully paid order into finalization.
// Finalize runs whether or not this call won the paid edge: an
// earlier run may have died between the transition and the finalize,
// and Finalize itself is a no-op on any status but paid.
func (s *FulfillmentService) PaymentConfirmed(ctx context.Context, orderID string) error {
	if _, err := s.orders.TransitionStatus(ctx, orderID, domain.OrderStatusAwaitingPayment, domain.OrderStatusPaid); err != nil {
		return err
	}
	return s.Finalize(ctx, orderID)
}

// errPhantomStock aborts a finalize whose reservation was lost to
// the expiry sweep.
var errPhantomStock = errors.New("reservation lost before finalize")

// Finalize atomically consumes the order's reservations and creates
// its delivery task, then makes the first delivery attempt. If a
// reservation was lost to expiry, nothing is delivered: the payment
// is routed to the manual-refund queue instead.
func (s *FulfillmentService) Finalize(ctx context.Context, orderID string) error {
	var task domain.DeliveryTask
	created := false

	err := s.orders.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPaid {
			// Retried finalize or stale callback; nothing to do.
			return nil
		}

		reservations, err := s.reservations.ReservationsByOrder(txCtx, orderID)
		if err != nil {
			return err
		}
		for _, res := range reservations {
			if _, err := s.reservations.Consume(txCtx, res.ID); err != nil {
				if errors.Is(err, domain.ErrReservationExpired) || errors.Is(err, domain.ErrStockUnavailable) {
					return errPhantomStock
				}
				return err
			}
		}

		payload, err := s.buildPayload(txCtx, order)
		if err != nil {
			return err
		}

		task = domain.DeliveryTask{
			ID:            uuid.NewString(),
			OrderID:       orderID,
			Recipient:     order.Recipient,
			Payload:       payload,
			MaxAttempts:   s.maxAttempts,
			NextAttemptAt: s.clk.Now(),
			Status:        domain.DeliveryPending,
			CreatedAt:     s.clk.Now(),
		}
		if err := s.tasks.CreateTask(txCtx, task); err != nil {
			return err
		}

		if _, err := s.orders.TransitionStatus(txCtx, orderID, domain.OrderStatusPaid, domain.OrderStatusFulfilling); err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, errPhantomStock) {
		return s.routeManualRefund(ctx, orderID, "reservation expired before finalize")
	}
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	return s.attemptDelivery(ctx, task)
}

// attemptDelivery makes the synchronous first attempt. The claim
// guard keeps it from racing the retry worker.
func (s *FulfillmentService) attemptDelivery(ctx context.Context, task domain.DeliveryTask) error {
	claimed, err := s.tasks.Claim(ctx, task.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	outcome, err := s.dispatcher.Dispatch(ctx, task)
	if err != nil {
		return err
	}
	switch outcome {
	case delivery.OutcomeDelivered:
		return s.DeliverySucceeded(ctx, task.OrderID)
	case delivery.OutcomeFailed:
		return s.DeliveryFailed(ctx, task.OrderID)
	}
	return nil
}

func (s *FulfillmentService) buildPayload(ctx context.Context, order domain.Order) (domain.DeliveryPayload, error) {
	items, err := s.orders.ListOrderItems(ctx, order.ID)
	if err != nil {
		return domain.DeliveryPayload{}, err
	}

	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%dx %s", item.Quantity, item.Name))
	}
	return domain.DeliveryPayload{
		Text: fmt.Sprintf("Order %s is ready:\n%s", shortID(order.ID), strings.Join(lines, "\n")),
	}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// routeManualRefund parks a paid order whose stock is gone: refund
// task for the observed sender, order closed, operator notified.
func (s *FulfillmentService) routeManualRefund(ctx context.Context, orderID, reason string) error {
	err := s.orders.WithTx(ctx, func(txCtx context.Context) error {
		target, err := s.targets.TargetByOrder(txCtx, orderID)
		if err != nil {
			return err
		}

		refund := domain.RefundTask{
			ID:        uuid.NewString(),
			OrderID:   orderID,
			Reason:    reason,
			CreatedAt: s.clk.Now(),
		}
		if target != nil {
			refund.Address = target.SenderAddress
			refund.Amount = target.AmountReceived
		}
		if err := s.orders.CreateRefundTask(txCtx, refund); err != nil {
			return err
		}

		_, err = s.orders.TransitionStatus(txCtx, orderID, domain.OrderStatusPaid, domain.OrderStatusClosed)
		return err
	})
	if err != nil {
		return err
	}

	detail := fmt.Sprintf("order %s: %s; payment routed to manual refund", orderID, reason)
	if err := s.notifier.Escalate(ctx, "manual refund", detail); err != nil {
		s.logger.Printf("escalate order=%s: %v", orderID, err)
	}
	return nil
}

// PaymentUnderpaid rolls an order back and queues a refund of the
// observed partial deposit to its sender.
func (s *FulfillmentService) PaymentUnderpaid(ctx context.Context, orderID string, received decimal.Decimal, sender string) error {
	err := s.orders.WithTx(ctx, func(txCtx context.Context) error {
		moved, err := s.orders.TransitionStatus(txCtx, orderID, domain.OrderStatusAwaitingPayment, domain.OrderStatusUnderpaid)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}

		if err := s.reservations.ReleaseOrder(txCtx, orderID); err != nil {
			return err
		}

		refund := domain.RefundTask{
			ID:        uuid.NewString(),
			OrderID:   orderID,
			Address:   sender,
			Amount:    received,
			Reason:    "underpayment",
			CreatedAt: s.clk.Now(),
		}
		if err := s.orders.CreateRefundTask(txCtx, refund); err != nil {
			return err
		}

		_, err = s.orders.TransitionStatus(txCtx, orderID, domain.OrderStatusUnderpaid, domain.OrderStatusRefunded)
		return err
	})
	if err != nil {
		return err
	}

	detail := fmt.Sprintf("order %s: underpaid (%s received), refund to %s routed", orderID, received, sender)
	if err := s.notifier.Escalate(ctx, "manual refund", detail); err != nil {
		s.logger.Printf("escalate order=%s: %v", orderID, err)
	}
	return nil
}

// PaymentExpired rolls an order back after its deadline passed with
// no deposit at all.
func (s *FulfillmentService) PaymentExpired(ctx context.Context, orderID string) error {
	return s.orders.WithTx(ctx, func(txCtx context.Context) error {
		moved, err := s.orders.TransitionStatus(txCtx, orderID, domain.OrderStatusAwaitingPayment, domain.OrderStatusExpired)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}

		if err := s.reservations.ReleaseOrder(txCtx, orderID); err != nil {
			return err
		}
		_, err = s.orders.TransitionStatus(txCtx, orderID, domain.OrderStatusExpired, domain.OrderStatusClosed)
		return err
	})
}

// Cancel rolls back an order still awaiting payment, without waiting
// for the next poll cycle.
func (s *FulfillmentService) Cancel(ctx context.Context, orderID string) error {
	return s.orders.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusAwaitingPayment {
			return domain.ErrOrderNotCancellable
		}

		if err := s.reservations.ReleaseOrder(txCtx, orderID); err != nil {
			return err
		}
		if err := s.targets.CancelTarget(txCtx, orderID); err != nil {
			return err
		}
		_, err = s.orders.TransitionStatus(txCtx, orderID, domain.OrderStatusAwaitingPayment, domain.OrderStatusClosed)
		return err
	})
}

// DeliverySucceeded records a delivered order.
func (s *FulfillmentService) DeliverySucceeded(ctx context.Context, orderID string) error {
	_, err := s.orders.TransitionStatus(ctx, orderID, domain.OrderStatusFulfilling, domain.OrderStatusFulfilled)
	return err
}

// DeliveryFailed flags an order for manual recovery after its
// delivery task went terminal. The escalation already fired when the
// task failed.
func (s *FulfillmentService) DeliveryFailed(ctx context.Context, orderID string) error {
	_, err := s.orders.TransitionStatus(ctx, orderID, domain.OrderStatusFulfilling, domain.OrderStatusFulfillmentFailed)
	return err
}

type OrderStatusView struct {
	OrderID        string
	Status         domain.OrderStatus
	DeliveryStatus domain.DeliveryStatus
}

// Status reports live progress for the polling UI.
func (s *FulfillmentService) Status(ctx context.Context, orderID string) (OrderStatusView, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return OrderStatusView{}, err
	}

	view := OrderStatusView{OrderID: order.ID, Status: order.Status}
	task, err := s.tasks.GetTaskByOrder(ctx, orderID)
	if err != nil {
		return OrderStatusView{}, err
	}
	if task != nil {
		view.DeliveryStatus = task.Status
	}
	return view, nil
}
