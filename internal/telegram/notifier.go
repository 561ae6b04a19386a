package telegram

import (
	"context"
	"fmt"
	"log"

	"github.com/cimillas/storefront-core/internal/domain"
)

// Notifier escalates to the operator chat through the same bot. The
// escalation is one-way; a send failure is logged, never retried, so
// an unreachable operator cannot stall the pipeline.
type Notifier struct {
	channel      *Channel
	operatorChat string
	logger       *log.Logger
}

func NewNotifier(channel *Channel, operatorChat string, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{
		channel:      channel,
		operatorChat: operatorChat,
		logger:       logger,
	}
}

func (n *Notifier) Escalate(ctx context.Context, subject, detail string) error {
	n.logger.Printf("ESCALATION %s: %s", subject, detail)
	if n.operatorChat == "" {
		return nil
	}

	payload := domain.DeliveryPayload{
		Text: fmt.Sprintf("⚠️ %s\n\n%s", subject, detail),
	}
	if err := n.channel.Send(ctx, n.operatorChat, payload); err != nil {
		n.logger.Printf("operator notify: %v", err)
	}
	return nil
}
