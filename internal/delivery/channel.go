// Package delivery sends purchased content to its recipient through
// a rate-limited external channel, with durable retry for transient
// failures.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/cimillas/storefront-core/internal/domain"
)

// Channel is the only write path to the outside world for
// fulfillment content.
type Channel interface {
	Send(ctx context.Context, recipient string, payload domain.DeliveryPayload) error
}

// ThrottledError reports the channel pushing back with an explicit
// retry-after hint, which is honored exactly.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled, retry after %s", e.RetryAfter)
}

// PermanentError reports an unrecoverable send failure: recipient
// unreachable, content rejected. Never retried.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent delivery failure: " + e.Reason
}

// Any other error from a Channel is treated as transient and retried
// with exponential backoff.
