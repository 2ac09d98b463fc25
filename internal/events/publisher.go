// Package events publishes capture workflow outcomes over watermill.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// TopicVerificationCompleted carries one event per finished workflow.
const TopicVerificationCompleted = "kyc.verification.completed"

// VerificationCompleted describes a finished capture workflow.
type VerificationCompleted struct {
	WorkflowID string    `json:"workflow_id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WatermillPublisher publishes verification events to a watermill publisher.
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a publisher writing to TopicVerificationCompleted.
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topic:     TopicVerificationCompleted,
	}
}

// PublishCompleted publishes a completion event.
func (p *WatermillPublisher) PublishCompleted(ctx context.Context, event VerificationCompleted) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("workflow_id", event.WorkflowID)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
