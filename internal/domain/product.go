package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable item with a finite stock count.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Stock     int
	CreatedAt time.Time
}
