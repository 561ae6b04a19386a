package app

import (
	"context"
	"log"
	"time"
)

// ReservationSweeper periodically releases expired holds as a safety
// net behind the lazy expiry checks.
type ReservationSweeper struct {
	reservations *ReservationService
	interval     time.Duration
	logger       *log.Logger
}

func NewReservationSweeper(reservations *ReservationService, interval time.Duration, logger *log.Logger) *ReservationSweeper {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReservationSweeper{
		reservations: reservations,
		interval:     interval,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled.
func (w *ReservationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := w.reservations.ReleaseExpired(ctx)
			if err != nil {
				w.logger.Printf("reservation sweep: %v", err)
				continue
			}
			if released > 0 {
				w.logger.Printf("reservation sweep released=%d", released)
			}
		}
	}
}
