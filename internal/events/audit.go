package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// RunAuditLog consumes completion events and writes them to the audit logger
// until ctx is done or the subscription closes.
func RunAuditLog(ctx context.Context, subscriber message.Subscriber, logger *zap.Logger) error {
	messages, err := subscriber.Subscribe(ctx, TopicVerificationCompleted)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	audit := logger.Named("audit")
	for msg := range messages {
		var event VerificationCompleted
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			audit.Warn("dropping malformed verification event", zap.String("message_uuid", msg.UUID), zap.Error(err))
			msg.Ack()
			continue
		}
		audit.Info("verification completed",
			zap.String("workflow_id", event.WorkflowID),
			zap.String("user_id", event.UserID),
			zap.Bool("success", event.Success),
			zap.String("reason", event.Reason),
			zap.Int("attempts", event.Attempts),
			zap.String("receipt_id", event.ReceiptID),
		)
		msg.Ack()
	}
	return nil
}
