package domain

import "errors"

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrStockUnavailable    = errors.New("stock unavailable")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidID           = errors.New("invalid id")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order not cancellable")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrTargetNotFound      = errors.New("payment target not found")
	ErrTargetExists        = errors.New("payment target already exists")
	ErrTaskNotFound        = errors.New("delivery task not found")
	ErrTaskNotClaimable    = errors.New("delivery task not claimable")
)
