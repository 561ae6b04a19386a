// Package ledger abstracts the external blockchain the payment
// verifier reads. The ledger is a read-only, eventually consistent
// source of truth the pipeline does not control.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is one observed inbound deposit to a watched address.
type Transfer struct {
	From   string
	Amount decimal.Decimal
	At     time.Time
}

type Ledger interface {
	// Transfers returns the inbound transfers observed for an
	// address, oldest first.
	Transfers(ctx context.Context, address string) ([]Transfer, error)
}

// Wallet is a freshly generated receiving address with its secret
// key, kept for the manual sweep and refund paths.
type Wallet struct {
	Address   string
	SecretKey string
}

type WalletSource interface {
	NewWallet(ctx context.Context) (Wallet, error)
}
