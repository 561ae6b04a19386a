package domain

import "time"

type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationReleased ReservationState = "released"
	ReservationConsumed ReservationState = "consumed"
)

// Reservation is a time-bounded hold on product units tied to one
// order. At most one active reservation may hold a given unit.
type Reservation struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	State     ReservationState
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Active reports whether the reservation still holds stock at the
// given instant.
func (r Reservation) Active(now time.Time) bool {
	return r.State == ReservationHeld && r.ExpiresAt.After(now)
}
