package timeout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/chat-app/internal/messaging"
)

// natsPublisher fans timeout events out to the rest of the fleet over NATS,
// the same transport the matching and moderation services use for their own
// cross-service events.
type natsPublisher struct {
	client *messaging.NATSClient
}

// NewNATSPublisher wraps client as an EventPublisher for the timeout
// manager. A nil client is rejected: callers that don't want fleet-wide
// publishing should simply not call SetEventPublisher at all.
func NewNATSPublisher(client *messaging.NATSClient) (EventPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("timeout: nats publisher requires a non-nil client")
	}
	return &natsPublisher{client: client}, nil
}

// timeoutEvent is the wire payload published to messaging.SubjectPoolTimeout.
type timeoutEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// PublishTimeout implements EventPublisher.
func (p *natsPublisher) PublishTimeout(sessionID string, kind Kind) error {
	data, err := json.Marshal(timeoutEvent{
		SessionID: sessionID,
		Kind:      kind.String(),
		At:        time.Now(),
	})
	if err != nil {
		return fmt.Errorf("timeout: marshal event: %w", err)
	}

	subject := messaging.SubjectPoolTimeout + "." + kind.String()
	return p.client.Publish(subject, data)
}
