package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
)

// CommandEnvelope is the message body accepted on the commands queue
type CommandEnvelope struct {
	CommandType string                 `json:"commandType"`
	AggregateID string                 `json:"aggregateId"`
	Payload     domain.Payload         `json:"payload"`
	Metadata    domain.CommandMetadata `json:"metadata"`
}

// Disposition is how a received message is settled
type Disposition int

const (
	Complete Disposition = iota
	Abandon
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Complete:
		return "complete"
	case Abandon:
		return "abandon"
	default:
		return "dead-letter"
	}
}

// Dispatcher sends commands. The engine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) domain.CommandResult
}

// MessageProcessor turns a received message into a settlement decision
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) (Disposition, error)
}

// Processor dispatches command envelopes
type Processor struct {
	dispatcher Dispatcher
}

// NewProcessor creates a processor
func NewProcessor(dispatcher Dispatcher) *Processor {
	return &Processor{dispatcher: dispatcher}
}

// ProcessMessage decodes and dispatches one message. Malformed messages and
// final failures are dead-lettered, retriable failures are abandoned so the
// broker redelivers them.
func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) (Disposition, error) {
	cmd, err := decodeCommand(message)
	if err != nil {
		return DeadLetter, err
	}

	log.Info().
		Str("commandType", cmd.Type).
		Str("aggregateID", cmd.AggregateID).
		Str("messageID", message.MessageID).
		Msg("Processing message")

	result := p.dispatcher.Dispatch(ctx, cmd)
	switch {
	case result.Success:
		return Complete, nil
	case result.Retriable:
		return Abandon, result.Err
	default:
		return DeadLetter, result.Err
	}
}

func decodeCommand(message *azservicebus.ReceivedMessage) (domain.Command, error) {
	var env CommandEnvelope
	if err := json.Unmarshal(message.Body, &env); err != nil {
		return domain.Command{}, fmt.Errorf("error unmarshalling message: %w", err)
	}
	if env.CommandType == "" || env.AggregateID == "" {
		return domain.Command{}, fmt.Errorf("message %s has no commandType or aggregateId", message.MessageID)
	}

	cmd := domain.NewCommand(env.CommandType, env.AggregateID, env.Payload)
	correlationID := cmd.Metadata.CorrelationID
	cmd.Metadata = env.Metadata
	if cmd.Metadata.CorrelationID == "" {
		cmd.Metadata.CorrelationID = correlationID
	}
	// redelivered messages must not run twice
	if cmd.Metadata.IdempotencyKey == "" {
		cmd.Metadata.IdempotencyKey = message.MessageID
	}
	return cmd, nil
}
