// Package notify carries one-way operator escalations: permanent
// delivery failures and manual-refund routing. Consumed by an
// external admin surface.
package notify

import (
	"context"
	"log"
)

type Notifier interface {
	Escalate(ctx context.Context, subject, detail string) error
}

// LogNotifier writes escalations to the process log. Used when no
// operator channel is configured, and as the fallback of choice in
// tests.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Escalate(_ context.Context, subject, detail string) error {
	n.logger.Printf("ESCALATION %s: %s", subject, detail)
	return nil
}
