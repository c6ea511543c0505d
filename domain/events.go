package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventMetadata links an event back to the command that produced it.
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
}

// Event represents a domain event. Once appended it is never modified.
type Event struct {
	ID            string        `json:"id"`
	AggregateID   string        `json:"aggregate_id"`
	AggregateType string        `json:"aggregate_type"`
	Type          string        `json:"type"`
	Version       int           `json:"version"`
	Payload       Payload       `json:"payload"`
	Metadata      EventMetadata `json:"metadata"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// NewEvent creates an unversioned event. The aggregate repository assigns
// the version on save.
func NewEvent(aggregateID, aggregateType, eventType string, payload Payload) Event {
	return Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          eventType,
		Payload:       payload.Clone(),
		OccurredAt:    time.Now().UTC(),
	}
}

// CausedBy copies correlation data from the command onto the event.
func (e Event) CausedBy(cmd Command) Event {
	e.Metadata = EventMetadata{
		CorrelationID: cmd.Metadata.CorrelationID,
		CausationID:   cmd.ID,
		UserID:        cmd.Metadata.UserID,
		TenantID:      cmd.Metadata.TenantID,
	}
	return e
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	e.Payload = e.Payload.Clone()
	return e
}

// CloneEvents deep copies a slice of events.
func CloneEvents(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i := range events {
		out[i] = events[i].Clone()
	}
	return out
}

// Snapshot is the folded state of an aggregate at a version. The event log
// stays authoritative.
type Snapshot struct {
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       int       `json:"version"`
	State         State     `json:"state"`
	Timestamp     time.Time `json:"timestamp"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	s.State = s.State.Clone()
	return s
}
