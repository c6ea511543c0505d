package eventstore

import (
	"context"
	"time"

	"example.com/backstage/cqrs/domain"
)

// Store is the storage contract for events and snapshots. Implementations
// keep events immutable and return them in append order.
type Store interface {
	// Append stores events in the given order
	Append(ctx context.Context, events ...domain.Event) error

	// EventsForAggregate returns the events of one aggregate with a version
	// greater than afterVersion
	EventsForAggregate(ctx context.Context, aggregateID string, afterVersion int) ([]domain.Event, error)

	// EventsByType returns events of a type that occurred at or after since.
	// A zero since returns all of them.
	EventsByType(ctx context.Context, eventType string, since time.Time) ([]domain.Event, error)

	// AllEvents returns up to limit events after the given global position.
	// A limit of 0 returns everything.
	AllEvents(ctx context.Context, afterPosition, limit int) ([]Record, error)

	// SaveSnapshot replaces the latest snapshot of an aggregate
	SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error

	// Snapshot returns the latest snapshot of an aggregate
	Snapshot(ctx context.Context, aggregateID string) (domain.Snapshot, bool, error)
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Subscribe(eventType string, handler Handler) (unsubscribe func())
	SubscribeAll(handler Handler) (unsubscribe func())
	Publish(ctx context.Context, events ...domain.Event) []error
}

// EventStore is a Store that also publishes.
type EventStore interface {
	Store
	Publisher
}

// Record is an event together with its position in the global log.
type Record struct {
	Position int
	Event    domain.Event
}
