package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cimillas/storefront-core/internal/clock"
	"github.com/cimillas/storefront-core/internal/delivery"
	"github.com/cimillas/storefront-core/internal/domain"
)

type fulfillmentHarness struct {
	orders     *fakeOrderRepo
	resRepo    *fakeReservationRepo
	payRepo    *fakePaymentRepo
	tasks      *fakeDeliveryTasks
	dispatcher *fakeDispatcher
	notifier   *recordingNotifier
	svc        *FulfillmentService
}

func newFulfillmentHarness(now time.Time, products []domain.Product, outcome delivery.Outcome) *fulfillmentHarness {
	resRepo := newFakeReservationRepo(products, nil)
	orders := newFakeOrderRepo(resRepo.products)
	payRepo := newFakePaymentRepo()
	tasks := newFakeDeliveryTasks()
	dispatcher := &fakeDispatcher{outcome: outcome}
	notifier := &recordingNotifier{}

	clk := clock.NewFixed(now)
	reservations := NewReservationService(resRepo, clk)
	payments := NewPaymentService(payRepo, &fakeWalletSource{}, clk)
	svc := NewFulfillmentService(orders, reservations, payments, tasks, dispatcher, notifier, clk, nil)

	return &fulfillmentHarness{
		orders:     orders,
		resRepo:    resRepo,
		payRepo:    payRepo,
		tasks:      tasks,
		dispatcher: dispatcher,
		notifier:   notifier,
		svc:        svc,
	}
}

func (h *fulfillmentHarness) startPurchase(t *testing.T, items ...PurchaseItemInput) StartPurchaseResult {
	t.Helper()
	result, err := h.svc.StartPurchase(context.Background(), StartPurchaseInput{
		BuyerID:   "buyer-1",
		Recipient: "recipient-1",
		Items:     items,
	})
	if err != nil {
		t.Fatalf("start purchase: %v", err)
	}
	return result
}

func (h *fulfillmentHarness) orderStatus(t *testing.T, orderID string) domain.OrderStatus {
	t.Helper()
	order, ok := h.orders.orders[orderID]
	if !ok {
		t.Fatalf("order %s not stored", orderID)
	}
	return order.Status
}

func TestFulfillmentService_StartPurchase(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("1.5")

	t.Run("opens order with reservation and payment target", func(t *testing.T) {
		h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: price, Stock: 10}}, delivery.OutcomeDelivered)

		result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 2})

		if !result.Amount.Equal(decimal.RequireFromString("3")) {
			t.Fatalf("expected server-side total 3, got %s", result.Amount)
		}
		if result.PaymentAddress == "" {
			t.Fatalf("expected payment address")
		}
		if got := h.orderStatus(t, result.OrderID); got != domain.OrderStatusAwaitingPayment {
			t.Fatalf("expected awaiting_payment, got %s", got)
		}
		held, _ := h.resRepo.SumHeld(context.Background(), "prod-1", now)
		if held != 2 {
			t.Fatalf("expected 2 units held, got %d", held)
		}
	})

	t.Run("stock exhaustion leaves nothing behind", func(t *testing.T) {
		h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: price, Stock: 1}}, delivery.OutcomeDelivered)

		_, err := h.svc.StartPurchase(context.Background(), StartPurchaseInput{
			BuyerID:   "buyer-1",
			Recipient: "recipient-1",
			Items:     []PurchaseItemInput{{ProductID: "prod-1", Quantity: 2}},
		})
		if err != domain.ErrStockUnavailable {
			t.Fatalf("expected ErrStockUnavailable, got %v", err)
		}
		if len(h.resRepo.reservations) != 0 {
			t.Fatalf("expected no reservations, got %d", len(h.resRepo.reservations))
		}
		if len(h.payRepo.targets) != 0 {
			t.Fatalf("expected no payment target, got %d", len(h.payRepo.targets))
		}
	})
}

func TestFulfillmentService_PaymentConfirmed(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("1.5")

	t.Run("finalizes and delivers", func(t *testing.T) {
		h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: price, Stock: 10}}, delivery.OutcomeDelivered)
		result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 2})

		if err := h.svc.PaymentConfirmed(context.Background(), result.OrderID); err != nil {
			t.Fatalf("payment confirmed: %v", err)
		}

		if got := h.orderStatus(t, result.OrderID); got != domain.OrderStatusFulfilled {
			t.Fatalf("expected fulfilled, got %s", got)
		}
		if h.resRepo.products["prod-1"].Stock != 8 {
			t.Fatalf("expected stock 8 after consume, got %d", h.resRepo.products["prod-1"].Stock)
		}
		if h.dispatcher.calls != 1 {
			t.Fatalf("expected 1 dispatch, got %d", h.dispatcher.calls)
		}
		task := h.tasks.byOrder[result.OrderID]
		if task == nil {
			t.Fatalf("expected delivery task")
		}
		if task.Recipient != "recipient-1" {
			t.Fatalf("expected recipient on task, got %q", task.Recipient)
		}
	})

	t.Run("stale callback is a no-op", func(t *testing.T) {
		h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: price, Stock: 10}}, delivery.OutcomeDelivered)
		result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 1})

		if err := h.svc.PaymentConfirmed(context.Background(), result.OrderID); err != nil {
			t.Fatalf("first callback: %v", err)
		}
		if err := h.svc.PaymentConfirmed(context.Background(), result.OrderID); err != nil {
			t.Fatalf("second callback: %v", err)
		}
		if h.dispatcher.calls != 1 {
			t.Fatalf("expected 1 dispatch after duplicate callback, got %d", h.dispatcher.calls)
		}
		if h.resRepo.products["prod-1"].Stock != 9 {
			t.Fatalf("expected single decrement, got stock %d", h.resRepo.products["prod-1"].Stock)
		}
	})

	t.Run("finalize resumes an order stranded at paid", func(t *testing.T) {
		h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: price, Stock: 10}}, delivery.OutcomeDelivered)
		result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 1})

		// An earlier run settled the target, won the paid edge, and
		// died before finalizing.
		target := h.payRepo.targets[result.OrderID]
		target.State = domain.PaymentConfirmed
		target.AmountReceived = result.Amount
		target.SenderAddress = "sender-1"
		h.orders.orders[result.OrderID].Status = domain.OrderStatusPaid

		if err := h.svc.PaymentConfirmed(context.Background(), result.OrderID); err != nil {
			t.Fatalf("redriven callback: %v", err)
		}
		if got := h.orderStatus(t, result.OrderID); got != domain.OrderStatusFulfilled {
			t.Fatalf("expected fulfilled, got %s", got)
		}
		if h.dispatcher.calls != 1 {
			t.Fatalf("expected 1 dispatch, got %d", h.dispatcher.calls)
		}
		if h.resRepo.products["prod-1"].Stock != 9 {
			t.Fatalf("expected stock consumed once, got %d", h.resRepo.products["prod-1"].Stock)
		}
	})

	t.Run("lost reservation routes a manual refund", func(t *testing.T) {
		h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: price, Stock: 10}}, delivery.OutcomeDelivered)
		result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 1})

		// The expiry sweep got there first.
		for i := range h.resRepo.reservations {
			h.resRepo.reservations[i].State = domain.ReservationReleased
		}
		// The poller records the deposit before the callback fires.
		target := h.payRepo.targets[result.OrderID]
		target.State = domain.PaymentConfirmed
		target.AmountReceived = result.Amount
		target.SenderAddress = "sender-1"

		if err := h.svc.PaymentConfirmed(context.Background(), result.OrderID); err != nil {
			t.Fatalf("payment confirmed: %v", err)
		}

		if got := h.orderStatus(t, result.OrderID); got != domain.OrderStatusClosed {
			t.Fatalf("expected closed, got %s", got)
		}
		if h.dispatcher.calls != 0 {
			t.Fatalf("expected no delivery, got %d dispatches", h.dispatcher.calls)
		}
		if len(h.orders.refunds) != 1 {
			t.Fatalf("expected 1 refund task, got %d", len(h.orders.refunds))
		}
		refund := h.orders.refunds[0]
		if refund.Address != "sender-1" || !refund.Amount.Equal(result.Amount) {
			t.Fatalf("expected refund to observed sender, got %+v", refund)
		}
		if len(h.notifier.escalations) != 1 {
			t.Fatalf("expected 1 escalation, got %d", len(h.notifier.escalations))
		}
	})

	t.Run("failed delivery flags the order", func(t *testing.T) {
		h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: price, Stock: 10}}, delivery.OutcomeFailed)
		result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 1})

		if err := h.svc.PaymentConfirmed(context.Background(), result.OrderID); err != nil {
			t.Fatalf("payment confirmed: %v", err)
		}
		if got := h.orderStatus(t, result.OrderID); got != domain.OrderStatusFulfillmentFailed {
			t.Fatalf("expected fulfillment_failed, got %s", got)
		}
	})

	t.Run("retrying outcome leaves order fulfilling", func(t *testing.T) {
		h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: price, Stock: 10}}, delivery.OutcomeRetrying)
		result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 1})

		if err := h.svc.PaymentConfirmed(context.Background(), result.OrderID); err != nil {
			t.Fatalf("payment confirmed: %v", err)
		}
		if got := h.orderStatus(t, result.OrderID); got != domain.OrderStatusFulfilling {
			t.Fatalf("expected fulfilling, got %s", got)
		}
	})
}

func TestFulfillmentService_PaymentUnderpaid(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("2")

	h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: price, Stock: 5}}, delivery.OutcomeDelivered)
	result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 1})

	received := decimal.RequireFromString("0.5")
	if err := h.svc.PaymentUnderpaid(context.Background(), result.OrderID, received, "sender-1"); err != nil {
		t.Fatalf("payment underpaid: %v", err)
	}

	if got := h.orderStatus(t, result.OrderID); got != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded, got %s", got)
	}
	held, _ := h.resRepo.SumHeld(context.Background(), "prod-1", now)
	if held != 0 {
		t.Fatalf("expected reservation released, %d still held", held)
	}
	if len(h.orders.refunds) != 1 {
		t.Fatalf("expected 1 refund task, got %d", len(h.orders.refunds))
	}
	refund := h.orders.refunds[0]
	if refund.Address != "sender-1" || !refund.Amount.Equal(received) {
		t.Fatalf("expected partial deposit routed back, got %+v", refund)
	}
	if len(h.notifier.escalations) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(h.notifier.escalations))
	}

	// A second callback for the same order changes nothing.
	if err := h.svc.PaymentUnderpaid(context.Background(), result.OrderID, received, "sender-1"); err != nil {
		t.Fatalf("duplicate callback: %v", err)
	}
	if len(h.orders.refunds) != 1 {
		t.Fatalf("expected refunds unchanged, got %d", len(h.orders.refunds))
	}
}

func TestFulfillmentService_PaymentExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: decimal.NewFromInt(1), Stock: 5}}, delivery.OutcomeDelivered)
	result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 2})

	if err := h.svc.PaymentExpired(context.Background(), result.OrderID); err != nil {
		t.Fatalf("payment expired: %v", err)
	}

	if got := h.orderStatus(t, result.OrderID); got != domain.OrderStatusClosed {
		t.Fatalf("expected closed, got %s", got)
	}
	held, _ := h.resRepo.SumHeld(context.Background(), "prod-1", now)
	if held != 0 {
		t.Fatalf("expected reservation released, %d still held", held)
	}
	if len(h.orders.refunds) != 0 {
		t.Fatalf("expected no refund for zero deposit, got %d", len(h.orders.refunds))
	}
}

func TestFulfillmentService_Cancel(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: decimal.NewFromInt(1), Stock: 5}}, delivery.OutcomeDelivered)
	result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 1})

	if err := h.svc.Cancel(context.Background(), result.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := h.orderStatus(t, result.OrderID); got != domain.OrderStatusClosed {
		t.Fatalf("expected closed, got %s", got)
	}
	if got := h.payRepo.targets[result.OrderID].State; got != domain.PaymentExpired {
		t.Fatalf("expected target expired, got %s", got)
	}
	held, _ := h.resRepo.SumHeld(context.Background(), "prod-1", now)
	if held != 0 {
		t.Fatalf("expected reservation released, %d still held", held)
	}

	if err := h.svc.Cancel(context.Background(), result.OrderID); err != domain.ErrOrderNotCancellable {
		t.Fatalf("expected ErrOrderNotCancellable on closed order, got %v", err)
	}
}

func TestFulfillmentService_Status(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newFulfillmentHarness(now, []domain.Product{{ID: "prod-1", Name: "Widget", Price: decimal.NewFromInt(1), Stock: 5}}, delivery.OutcomeDelivered)
	result := h.startPurchase(t, PurchaseItemInput{ProductID: "prod-1", Quantity: 1})

	view, err := h.svc.Status(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != domain.OrderStatusAwaitingPayment {
		t.Fatalf("expected awaiting_payment, got %s", view.Status)
	}
	if view.DeliveryStatus != "" {
		t.Fatalf("expected no delivery status before finalize, got %s", view.DeliveryStatus)
	}

	if err := h.svc.PaymentConfirmed(context.Background(), result.OrderID); err != nil {
		t.Fatalf("payment confirmed: %v", err)
	}
	view, err = h.svc.Status(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("status after finalize: %v", err)
	}
	if view.DeliveryStatus == "" {
		t.Fatalf("expected delivery status after finalize")
	}

	if _, err := h.svc.Status(context.Background(), "missing"); err != domain.ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

type fakeOrderRepo struct {
	products map[string]*domain.Product
	orders   map[string]*domain.Order
	refunds  []domain.RefundTask
}

func newFakeOrderRepo(products map[string]*domain.Product) *fakeOrderRepo {
	return &fakeOrderRepo{
		products: products,
		orders:   make(map[string]*domain.Order),
	}
}

func (f *fakeOrderRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeOrderRepo) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	prod, ok := f.products[productID]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return *prod, nil
}

func (f *fakeOrderRepo) CreateOrder(_ context.Context, order domain.Order) error {
	o := order
	f.orders[order.ID] = &o
	return nil
}

func (f *fakeOrderRepo) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return *order, nil
}

func (f *fakeOrderRepo) GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return f.GetOrder(ctx, orderID)
}

func (f *fakeOrderRepo) TransitionStatus(_ context.Context, orderID string, from, to domain.OrderStatus) (bool, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if order.Status != from {
		return false, nil
	}
	order.Status = to
	return true, nil
}

func (f *fakeOrderRepo) ListOrderItems(_ context.Context, orderID string) ([]domain.PurchasedItem, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	var out []domain.PurchasedItem
	for _, item := range order.Items {
		name := item.ProductID
		if prod, ok := f.products[item.ProductID]; ok {
			name = prod.Name
		}
		out = append(out, domain.PurchasedItem{
			ProductID: item.ProductID,
			Name:      name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out, nil
}

func (f *fakeOrderRepo) CreateRefundTask(_ context.Context, task domain.RefundTask) error {
	f.refunds = append(f.refunds, task)
	return nil
}

type fakeDeliveryTasks struct {
	byOrder map[string]*domain.DeliveryTask
}

func newFakeDeliveryTasks() *fakeDeliveryTasks {
	return &fakeDeliveryTasks{byOrder: make(map[string]*domain.DeliveryTask)}
}

func (f *fakeDeliveryTasks) CreateTask(_ context.Context, task domain.DeliveryTask) error {
	t := task
	f.byOrder[task.OrderID] = &t
	return nil
}

func (f *fakeDeliveryTasks) Claim(_ context.Context, taskID string) (bool, error) {
	for _, task := range f.byOrder {
		if task.ID != taskID {
			continue
		}
		if task.Status != domain.DeliveryPending {
			return false, nil
		}
		task.Status = domain.DeliveryInFlight
		return true, nil
	}
	return false, domain.ErrTaskNotFound
}

func (f *fakeDeliveryTasks) GetTaskByOrder(_ context.Context, orderID string) (*domain.DeliveryTask, error) {
	task, ok := f.byOrder[orderID]
	if !ok {
		return nil, nil
	}
	t := *task
	return &t, nil
}

type fakeDispatcher struct {
	outcome delivery.Outcome
	calls   int
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ domain.DeliveryTask) (delivery.Outcome, error) {
	f.calls++
	return f.outcome, nil
}

type recordingNotifier struct {
	escalations []string
}

func (r *recordingNotifier) Escalate(_ context.Context, subject, detail string) error {
	r.escalations = append(r.escalations, subject+": "+detail)
	return nil
}
