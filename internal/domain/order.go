package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCreated           OrderStatus = "created"
	OrderStatusReserved          OrderStatus = "reserved"
	OrderStatusAwaitingPayment   OrderStatus = "awaiting_payment"
	OrderStatusPaid              OrderStatus = "paid"
	OrderStatusUnderpaid         OrderStatus = "underpaid"
	OrderStatusExpired           OrderStatus = "expired"
	OrderStatusFulfilling        OrderStatus = "fulfilling"
	OrderStatusFulfilled         OrderStatus = "fulfilled"
	OrderStatusFulfillmentFailed OrderStatus = "fulfillment_failed"
	OrderStatusRefunded          OrderStatus = "refunded"
	OrderStatusClosed            OrderStatus = "closed"
)

// LineItem captures a purchased quantity at the price quoted during
// checkout. Unit prices are read from the catalog server-side, never
// taken from the caller.
type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// PurchasedItem is a line item joined with its product name, used to
// assemble the delivery payload.
type PurchasedItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Order is the root of the fulfillment pipeline. Its status drives
// reservation and payment-target transitions.
type Order struct {
	ID        string
	BuyerID   string
	Recipient string
	Items     []LineItem
	Total     decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
}
