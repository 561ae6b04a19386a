package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentState string

const (
	PaymentAwaiting  PaymentState = "awaiting"
	PaymentConfirmed PaymentState = "confirmed"
	PaymentUnderpaid PaymentState = "underpaid"
	PaymentExpired   PaymentState = "expired"
)

// PaymentTarget is a unique receiving address plus the expected
// amount and deadline for one order's payment. The address is never
// reused across orders.
type PaymentTarget struct {
	ID             string
	OrderID        string
	Address        string
	Amount         decimal.Decimal
	Tolerance      decimal.Decimal
	AmountReceived decimal.Decimal
	SenderAddress  string
	State          PaymentState
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Threshold is the minimum cumulative deposit that counts as paid in
// full: Amount scaled by the tolerance fraction.
func (t PaymentTarget) Threshold() decimal.Decimal {
	return t.Amount.Mul(t.Tolerance)
}

// RefundTask queues a refund transfer for an operator to execute
// manually: observed sender, amount received, and why.
type RefundTask struct {
	ID        string
	OrderID   string
	Address   string
	Amount    decimal.Decimal
	Reason    string
	CreatedAt time.Time
}
