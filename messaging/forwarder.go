package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"example.com/backstage/cqrs/domain"
)

type messageSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// EventForwarder publishes engine events to a Service Bus queue or topic
type EventForwarder struct {
	sender messageSender
	source string
}

// NewEventForwarder creates a forwarder sending to queueOrTopic
func NewEventForwarder(client *AzureClient, queueOrTopic, source string) (*EventForwarder, error) {
	sender, err := client.client.NewSender(queueOrTopic, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}
	return &EventForwarder{sender: sender, source: source}, nil
}

// Handle sends one event. It is meant to be registered with SubscribeAll.
func (f *EventForwarder) Handle(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	messageID := event.ID
	sessionID := event.AggregateID
	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        data,
		MessageID:   &messageID,
		SessionID:   &sessionID,
		ContentType: &contentType,
		Subject:     &event.Type,
		ApplicationProperties: map[string]interface{}{
			"source":        f.source,
			"eventType":     event.Type,
			"aggregateType": event.AggregateType,
			"version":       event.Version,
			"time":          time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := f.sender.SendMessage(ctx, msg, nil); err != nil {
		return fmt.Errorf("failed to forward event %s: %w", event.ID, err)
	}
	return nil
}

// Close closes the sender
func (f *EventForwarder) Close(ctx context.Context) error {
	return f.sender.Close(ctx)
}
