package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
)

// MemoryStore is an in-process EventStore. Events are deep copied on the
// way in and on the way out.
type MemoryStore struct {
	*Broker

	mu        sync.RWMutex
	events    []domain.Event
	snapshots map[string]domain.Snapshot
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Broker:    NewBroker(),
		snapshots: make(map[string]domain.Snapshot),
	}
}

// Append stores events in arrival order. Version contiguity is the
// repository's concern.
func (s *MemoryStore) Append(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		s.events = append(s.events, event.Clone())

		log.Debug().
			Str("aggregateID", event.AggregateID).
			Str("eventType", event.Type).
			Int("version", event.Version).
			Msg("Event saved")
	}
	return nil
}

// EventsForAggregate returns events of one aggregate after a version
func (s *MemoryStore) EventsForAggregate(ctx context.Context, aggregateID string, afterVersion int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Event
	for _, event := range s.events {
		if event.AggregateID == aggregateID && event.Version > afterVersion {
			out = append(out, event.Clone())
		}
	}
	return out, nil
}

// EventsByType returns events of one type
func (s *MemoryStore) EventsByType(ctx context.Context, eventType string, since time.Time) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Event
	for _, event := range s.events {
		if event.Type != eventType {
			continue
		}
		if !since.IsZero() && event.OccurredAt.Before(since) {
			continue
		}
		out = append(out, event.Clone())
	}
	return out, nil
}

// AllEvents scans the global log. Positions start at 1.
func (s *MemoryStore) AllEvents(ctx context.Context, afterPosition, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterPosition < 0 {
		afterPosition = 0
	}

	var out []Record
	for i := afterPosition; i < len(s.events); i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, Record{Position: i + 1, Event: s.events[i].Clone()})
	}
	return out, nil
}

// SaveSnapshot overwrites the latest snapshot of the aggregate
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshot.AggregateID] = snapshot.Clone()
	return nil
}

// Snapshot returns the latest snapshot of the aggregate
func (s *MemoryStore) Snapshot(ctx context.Context, aggregateID string) (domain.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return domain.Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

// Len returns the number of stored events
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
