package domain

import (
	"time"

	"github.com/google/uuid"
)

// CommandMetadata carries routing and delivery information for a command.
type CommandMetadata struct {
	CorrelationID  string `json:"correlation_id,omitempty"`
	CausationID    string `json:"causation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// MaxRetries overrides the engine default when set.
	MaxRetries *int `json:"max_retries,omitempty"`
	Priority   int  `json:"priority,omitempty"`
}

// Command is a request to change the state of an aggregate.
type Command struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     Payload         `json:"payload"`
	Metadata    CommandMetadata `json:"metadata"`
	IssuedAt    time.Time       `json:"issued_at"`
}

// CommandOption customizes a command built with NewCommand.
type CommandOption func(*Command)

// WithIdempotencyKey sets the idempotency key of a command.
func WithIdempotencyKey(key string) CommandOption {
	return func(c *Command) { c.Metadata.IdempotencyKey = key }
}

// WithMaxRetries overrides the retry budget of a command.
func WithMaxRetries(n int) CommandOption {
	return func(c *Command) { c.Metadata.MaxRetries = &n }
}

// WithCorrelationID sets the correlation id of a command.
func WithCorrelationID(id string) CommandOption {
	return func(c *Command) { c.Metadata.CorrelationID = id }
}

// WithUser sets the user and tenant a command is issued for.
func WithUser(userID, tenantID string) CommandOption {
	return func(c *Command) {
		c.Metadata.UserID = userID
		c.Metadata.TenantID = tenantID
	}
}

// NewCommand creates a command with a fresh id. The correlation id defaults
// to the command id.
func NewCommand(commandType, aggregateID string, payload Payload, opts ...CommandOption) Command {
	cmd := Command{
		ID:          uuid.New().String(),
		Type:        commandType,
		AggregateID: aggregateID,
		Payload:     payload.Clone(),
		IssuedAt:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&cmd)
	}
	if cmd.Metadata.CorrelationID == "" {
		cmd.Metadata.CorrelationID = cmd.ID
	}
	return cmd
}

// CommandResult is the outcome of dispatching a command.
type CommandResult struct {
	Success   bool    `json:"success"`
	Events    []Event `json:"events,omitempty"`
	Version   int     `json:"version"`
	Err       error   `json:"-"`
	Retriable bool    `json:"retriable"`
}

// Succeeded builds a successful result.
func Succeeded(version int, events ...Event) CommandResult {
	return CommandResult{Success: true, Events: events, Version: version}
}

// Failed builds an unsuccessful result.
func Failed(err error, retriable bool) CommandResult {
	return CommandResult{Err: err, Retriable: retriable}
}

// Error returns the error text of the result, or "".
func (r CommandResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
