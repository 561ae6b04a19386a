package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter gates sends under two independent ceilings: global
// throughput and per-recipient throughput. Both gates use burst 1,
// so they behave as minimum-interval gates rather than bursty token
// buckets and the achieved rate can never exceed a ceiling even
// instantaneously.
type RateLimiter struct {
	global  *rate.Limiter
	perRate rate.Limit

	mu         sync.Mutex
	recipients map[string]*recipientGate
	lastPrune  time.Time
}

type recipientGate struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	// Conservative defaults below the channel's published limits.
	DefaultGlobalPerSecond    = 25
	DefaultRecipientPerSecond = 16

	pruneEvery = time.Minute
	staleAfter = 3 * time.Minute
)

func NewRateLimiter(globalPerSecond, recipientPerSecond float64) *RateLimiter {
	if globalPerSecond <= 0 {
		globalPerSecond = DefaultGlobalPerSecond
	}
	if recipientPerSecond <= 0 {
		recipientPerSecond = DefaultRecipientPerSecond
	}
	return &RateLimiter{
		global:     rate.NewLimiter(rate.Limit(globalPerSecond), 1),
		perRate:    rate.Limit(recipientPerSecond),
		recipients: make(map[string]*recipientGate),
		lastPrune:  time.Now(),
	}
}

// Acquire blocks until both ceilings allow one send to the
// recipient, or ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context, recipient string) error {
	if err := r.global.Wait(ctx); err != nil {
		return err
	}
	return r.gate(recipient).Wait(ctx)
}

func (r *RateLimiter) gate(recipient string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastPrune) > pruneEvery {
		for key, g := range r.recipients {
			if now.Sub(g.lastSeen) > staleAfter {
				delete(r.recipients, key)
			}
		}
		r.lastPrune = now
	}

	g, ok := r.recipients[recipient]
	if !ok {
		g = &recipientGate{limiter: rate.NewLimiter(r.perRate, 1)}
		r.recipients[recipient] = g
	}
	g.lastSeen = now
	return g.limiter
}
