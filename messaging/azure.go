package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

// AzureClient consumes command sessions from a Service Bus queue
type AzureClient struct {
	client *azservicebus.Client
}

// NewAzureClient connects with a connection string
func NewAzureClient(connStr string) (*AzureClient, error) {
	client, err := azservicebus.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}

	return &AzureClient{client: client}, nil
}

// Close closes the underlying client
func (a *AzureClient) Close(ctx context.Context) error {
	return a.client.Close(ctx)
}

// StartConsumers accepts sessions until ctx is done. Senders use the
// aggregate id as session id so commands for one aggregate arrive in order.
func (a *AzureClient) StartConsumers(ctx context.Context, queueName string, processor MessageProcessor) error {
	log.Info().Msgf("Starting consumers for queue %s", queueName)

	for {
		sessionReceiver, err := a.client.AcceptNextSessionForQueue(ctx, queueName, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
				continue
			}
			return err
		}

		log.Info().Msgf("Session '%s' received", sessionReceiver.SessionID())

		go a.handleSession(ctx, sessionReceiver, processor)
	}
}

func (a *AzureClient) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, processor MessageProcessor) {
	defer func() {
		log.Info().Msgf("Closing session '%s'", receiver.SessionID())
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msgf("Error closing session '%s'", receiver.SessionID())
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msgf("Error receiving messages from session '%s'", receiver.SessionID())
			}
			return
		}

		if len(messages) == 0 {
			return
		}

		log.Info().Msgf("Received %d messages from session '%s'", len(messages), receiver.SessionID())

		for _, message := range messages {
			disposition, err := processor.ProcessMessage(ctx, message)
			if err := settle(context.Background(), receiver, message, disposition, err); err != nil {
				log.Error().Err(err).Str("messageID", message.MessageID).Msgf("Failed to %s message", disposition)
			}
		}
	}
}

type settler interface {
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
}

func settle(ctx context.Context, s settler, message *azservicebus.ReceivedMessage, disposition Disposition, cause error) error {
	switch disposition {
	case Complete:
		return s.CompleteMessage(ctx, message, nil)
	case Abandon:
		log.Warn().Err(cause).Str("messageID", message.MessageID).Msg("Abandoning message for redelivery")
		return s.AbandonMessage(ctx, message, nil)
	default:
		reason := "CommandFailed"
		description := "unknown error"
		if cause != nil {
			description = cause.Error()
		}
		log.Error().Err(cause).Str("messageID", message.MessageID).Msg("Dead-lettering message")
		return s.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &description,
		})
	}
}
